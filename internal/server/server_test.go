package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/transit-tools/transit-live/internal/access"
	"github.com/transit-tools/transit-live/internal/config"
	"github.com/transit-tools/transit-live/internal/feed"
	"github.com/transit-tools/transit-live/internal/gtfs"
	"github.com/transit-tools/transit-live/internal/keystore"
	"github.com/transit-tools/transit-live/internal/metrics"
)

func testConfig(t *testing.T, feedURL string) *config.Config {
	t.Helper()
	var urls []string
	if feedURL != "" {
		urls = []string{feedURL}
	}
	return &config.Config{
		Server:   config.ServerConfig{Port: 0},
		Networks: []config.Network{{Name: "mta", FeedURLs: urls}},
		Cache: config.CacheConfig{
			TransitTTL: 5 * time.Second,
			AlertsTTL:  30 * time.Second,
			OutagesTTL: 30 * time.Second,
		},
		Access: config.AccessConfig{
			AdminToken: "admin-secret",
			PublicRPM:  60,
			KeyRPM:     600,
			AdminRPM:   30,
			Window:     time.Minute,
		},
		Keys: config.KeysConfig{
			File:      filepath.Join(t.TempDir(), "keys.json"),
			ShadowTTL: 5 * time.Second,
		},
		Normalize: config.NormalizeConfig{
			DwellSlack:   time.Minute,
			ArrivingSoon: 2 * time.Minute,
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *keystore.Store) {
	t.Helper()
	keys := keystore.New(cfg.Keys.File, cfg.Access.ClientKeys, cfg.Keys.ShadowTTL, nil)
	limiter := access.NewLimiter(cfg.Access.Window)
	gate := access.NewGate(access.GateConfig{
		AdminToken: cfg.Access.AdminToken,
		RequireKey: cfg.Access.RequireKey,
		PublicRPM:  cfg.Access.PublicRPM,
		KeyRPM:     cfg.Access.KeyRPM,
		AdminRPM:   cfg.Access.AdminRPM,
	}, keys, limiter, nil, nil)
	sink := metrics.NewSink(nil)
	agg := feed.NewAggregator(sink, nil, gtfs.DefaultNormalizeOptions(), nil,
		feed.WithRetryPolicy(1, time.Millisecond))
	dirs := map[string]*gtfs.Directory{
		"mta": gtfs.NewDirectory(map[string]gtfs.StopRecord{
			"635": {Name: "14 St-Union Sq", Coords: [2]float64{40.734673, -73.989951}, Lines: []string{"6"}},
		}),
	}
	return New(cfg, nil, gate, agg, keys, sink, dirs), keys
}

func upstreamFeed(t *testing.T) *httptest.Server {
	t.Helper()
	fm := &gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(1_700_000_000),
		},
		Entity: []*gtfsrt.FeedEntity{{
			Id: proto.String("e1"),
			Vehicle: &gtfsrt.VehiclePosition{
				Trip:          &gtfsrt.TripDescriptor{RouteId: proto.String("6")},
				Vehicle:       &gtfsrt.VehicleDescriptor{Id: proto.String("train-1")},
				StopId:        proto.String("635N"),
				CurrentStatus: gtfsrt.VehiclePosition_STOPPED_AT.Enum(),
			},
		}},
	}
	body, err := proto.Marshal(fm)
	require.NoError(t, err)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
}

func TestTransitEndToEnd(t *testing.T) {
	upstream := upstreamFeed(t)
	defer upstream.Close()

	srv, _ := newTestServer(t, testConfig(t, upstream.URL))
	h := srv.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/transit/mta", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var p feed.Payload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.True(t, p.OK)
	require.Len(t, p.ActiveStops, 1)
	assert.Equal(t, "train-1", p.ActiveStops[0].TrainID)
	assert.Equal(t, "635", p.ActiveStops[0].StopID)
	assert.Equal(t, gtfs.StatusStopped, p.ActiveStops[0].Status)
}

func TestTransitUnknownNetwork(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t, ""))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/transit/ghost", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "unknown network")
}

func TestTransitCachedAcrossRequests(t *testing.T) {
	upstream := upstreamFeed(t)
	defer upstream.Close()
	hits := 0
	counting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		resp, err := http.Get(upstream.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		buf := new(bytes.Buffer)
		buf.ReadFrom(resp.Body)
		w.Write(buf.Bytes())
	}))
	defer counting.Close()

	srv, _ := newTestServer(t, testConfig(t, counting.URL))
	h := srv.Handler()
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/transit/mta", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, 1, hits, "upstream should be hit once within the TTL")
}

func TestStatusUnconfigured(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t, ""))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var report struct {
		OK             bool `json:"ok"`
		FeedConfigured bool `json:"feedConfigured"`
		HasMetrics     bool `json:"hasMetrics"`
		Metrics        any  `json:"metrics"`
		Timestamp      string
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.False(t, report.OK)
	assert.False(t, report.FeedConfigured)
	assert.False(t, report.HasMetrics)
	assert.Nil(t, report.Metrics)
}

func TestStatusAfterCycle(t *testing.T) {
	upstream := upstreamFeed(t)
	defer upstream.Close()

	srv, _ := newTestServer(t, testConfig(t, upstream.URL))
	h := srv.Handler()

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/transit/mta", nil))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var report struct {
		OK         bool `json:"ok"`
		HasMetrics bool `json:"hasMetrics"`
		Metrics    *metrics.TransitMetrics
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.True(t, report.OK)
	assert.True(t, report.HasMetrics)
	require.NotNil(t, report.Metrics)
	assert.Equal(t, 1, report.Metrics.ActiveStopsCount)
}

func TestHealthIsAdminGated(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t, ""))
	h := srv.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set("x-admin-token", "admin-secret")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func adminRequest(method, path, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	r.Header.Set("x-admin-token", "admin-secret")
	return r
}

func TestAdminKeysCRUD(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t, ""))
	h := srv.Handler()

	// Create returns the full key exactly once.
	w := httptest.NewRecorder()
	h.ServeHTTP(w, adminRequest(http.MethodPost, "/admin/keys", `{"name": "dashboard"}`))
	require.Equal(t, http.StatusOK, w.Code)
	var created struct {
		OK  bool            `json:"ok"`
		Key keystore.Record `json:"key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.Key.Key, "tk_"))
	assert.Len(t, created.Key.Key, 51)

	// The list masks key material.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, adminRequest(http.MethodGet, "/admin/keys", ""))
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		OK   bool `json:"ok"`
		Keys []struct {
			Key  string `json:"key"`
			Name string `json:"name"`
		} `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Len(t, listed.Keys, 1)
	assert.Equal(t, created.Key.Key[:10]+"...", listed.Keys[0].Key)
	assert.Equal(t, "dashboard", listed.Keys[0].Name)

	// Delete takes the full key.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, adminRequest(http.MethodDelete, "/admin/keys", `{"key": "`+created.Key.Key+`"}`))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, adminRequest(http.MethodDelete, "/admin/keys", `{"key": "`+created.Key.Key+`"}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminKeysValidation(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t, ""))
	h := srv.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, adminRequest(http.MethodPost, "/admin/keys", `{"name": "  "}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Name is required")

	w = httptest.NewRecorder()
	h.ServeHTTP(w, adminRequest(http.MethodDelete, "/admin/keys", `{}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Key is required")
}

func TestAdminKeysRequireToken(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t, ""))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/keys", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIssuedKeyWorksOnTransit(t *testing.T) {
	upstream := upstreamFeed(t)
	defer upstream.Close()

	cfg := testConfig(t, upstream.URL)
	cfg.Access.RequireKey = true
	srv, keys := newTestServer(t, cfg)
	h := srv.Handler()

	rec, err := keys.Create("client")
	require.NoError(t, err)

	// Without a key the endpoint is closed.
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/transit/mta", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	r := httptest.NewRequest(http.MethodGet, "/transit/mta", nil)
	r.Header.Set("x-client-key", rec.Key)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)

	records, err := keys.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].RequestCount)
}
