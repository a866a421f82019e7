package access

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/transit-tools/transit-live/internal/metrics"
	"github.com/transit-tools/transit-live/internal/respond"
)

// KeyRegistry is what the gate needs from the key store.
type KeyRegistry interface {
	AllValidKeys() (map[string]struct{}, error)
	RecordUsage(key string) error
}

type GateConfig struct {
	AdminToken string
	RequireKey bool
	PublicRPM  int
	KeyRPM     int
	AdminRPM   int
}

// Gate wraps handlers with the per-request access state machine. Every
// request resolves to exactly one of: pass, 401, or 429.
type Gate struct {
	cfg     GateConfig
	keys    KeyRegistry
	limiter *Limiter
	prom    *metrics.Collector
	log     *zap.Logger
	now     func() time.Time
}

func NewGate(cfg GateConfig, keys KeyRegistry, limiter *Limiter, prom *metrics.Collector, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{cfg: cfg, keys: keys, limiter: limiter, prom: prom, log: log, now: time.Now}
}

// Transit gates the public transit endpoints: key validity, usage recording,
// then tiered fixed-window limiting keyed on path and identity.
func (g *Gate) Transit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)

		validKeys, err := g.keys.AllValidKeys()
		if err != nil {
			g.log.Warn("load valid keys", zap.Error(err))
		}
		hasKeys := len(validKeys) > 0
		_, validKey := validKeys[key]
		validKey = validKey && key != ""

		if hasKeys && key != "" && !validKey {
			respond.Err(w, http.StatusUnauthorized, "Invalid API key")
			return
		}
		if hasKeys && g.cfg.RequireKey && !validKey {
			respond.Err(w, http.StatusUnauthorized, "Missing API key")
			return
		}

		if validKey {
			if err := g.keys.RecordUsage(key); err != nil {
				g.log.Warn("record key usage", zap.Error(err))
			}
		}

		identity := "ip:" + ClientIP(r)
		limit := g.cfg.PublicRPM
		if validKey {
			identity = "key:" + key
			limit = g.cfg.KeyRPM
		}
		d := g.limiter.Check(r.URL.Path+":"+identity, limit)
		if !d.OK {
			g.deny(w, "Rate limit exceeded", "transit", d)
			return
		}
		next(w, r)
	}
}

// Admin gates the admin endpoints. The per-IP rate check runs before the
// token check so token brute-forcing is throttled regardless of correctness.
func (g *Gate) Admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		d := g.limiter.Check("admin:"+ip, g.cfg.AdminRPM)
		if !d.OK {
			g.deny(w, "Too many auth attempts", "admin", d)
			return
		}

		if g.cfg.AdminToken == "" {
			next(w, r)
			return
		}
		supplied := adminToken(r)
		if supplied == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(g.cfg.AdminToken)) != 1 {
			respond.Err(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

func (g *Gate) deny(w http.ResponseWriter, msg, scope string, d Decision) {
	if g.prom != nil {
		g.prom.RateLimited.WithLabelValues(scope).Inc()
	}
	retry := d.RetryAfterSeconds(g.now())
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	respond.JSON(w, http.StatusTooManyRequests, struct {
		OK                bool   `json:"ok"`
		Error             string `json:"error"`
		RetryAfterSeconds int    `json:"retryAfterSeconds"`
	}{false, msg, retry})
}

// clientKey extracts the API key: x-client-key header, then bearer auth, then
// the key query parameter. First non-empty wins.
func clientKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("x-client-key")); v != "" {
		return v
	}
	if v := bearerToken(r); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("key"))
}

// adminToken extracts the admin token: x-admin-token header, then bearer
// auth, then the token query parameter.
func adminToken(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("x-admin-token")); v != "" {
		return v
	}
	if v := bearerToken(r); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) >= 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// ClientIP resolves the caller identity: first x-forwarded-for entry, then
// x-real-ip, else "unknown".
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("x-forwarded-for"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	if real := r.Header.Get("x-real-ip"); real != "" {
		return strings.TrimSpace(real)
	}
	return "unknown"
}
