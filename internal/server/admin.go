package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/transit-tools/transit-live/internal/keystore"
	"github.com/transit-tools/transit-live/internal/respond"
)

type maskedKey struct {
	Key          string `json:"key"`
	Name         string `json:"name"`
	CreatedAt    int64  `json:"createdAt"`
	LastUsed     int64  `json:"lastUsed,omitempty"`
	RequestCount int    `json:"requestCount"`
}

// handleListKeys lists issued keys with the key material masked to a short
// prefix. The full key is only ever returned by the create call.
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	records, err := s.keys.List()
	if err != nil {
		respond.Err(w, http.StatusInternalServerError, "failed to list keys")
		return
	}
	masked := make([]maskedKey, len(records))
	for i, rec := range records {
		masked[i] = maskedKey{
			Key:          maskKey(rec.Key),
			Name:         rec.Name,
			CreatedAt:    rec.CreatedAt,
			LastUsed:     rec.LastUsed,
			RequestCount: rec.RequestCount,
		}
	}
	respond.JSON(w, http.StatusOK, struct {
		OK   bool        `json:"ok"`
		Keys []maskedKey `json:"keys"`
	}{true, masked})
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respond.Err(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		respond.Err(w, http.StatusBadRequest, "Name is required")
		return
	}

	rec, err := s.keys.Create(name)
	if err != nil {
		s.log.Error("create key", zap.Error(err))
		respond.Err(w, http.StatusInternalServerError, "failed to create key")
		return
	}
	s.log.Info("api key created", zap.String("name", name))
	respond.JSON(w, http.StatusOK, struct {
		OK  bool            `json:"ok"`
		Key keystore.Record `json:"key"`
	}{true, rec})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respond.Err(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	key := strings.TrimSpace(body.Key)
	if key == "" {
		respond.Err(w, http.StatusBadRequest, "Key is required")
		return
	}

	deleted, err := s.keys.Delete(key)
	if err != nil {
		s.log.Error("delete key", zap.Error(err))
		respond.Err(w, http.StatusInternalServerError, "failed to delete key")
		return
	}
	if !deleted {
		respond.Err(w, http.StatusNotFound, "Key not found")
		return
	}
	s.log.Info("api key deleted")
	respond.JSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
	}{true})
}

func maskKey(key string) string {
	if len(key) > 10 {
		return key[:10] + "..."
	}
	return key
}
