package handler

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ottocrm/otto/internal/api/response"
	mw "github.com/ottocrm/otto/internal/api/middleware"
	"github.com/ottocrm/otto/internal/store"
	"github.com/ottocrm/otto/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// NewCreateKeyHandler returns the handler for POST /api/v1/admin/keys.
// The raw key is returned once; only its bcrypt hash is stored.
func NewCreateKeyHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		var req struct {
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if len(req.Scopes) == 0 {
			req.Scopes = []string{"jobs"}
		}

		rawKey, err := generateKey()
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to generate key", nil)
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to hash key", nil)
			return
		}

		now := time.Now().UTC()
		key := &models.APIKey{
			ID:        uuid.New(),
			TenantID:  tenantID,
			Name:      req.Name,
			KeyHash:   string(hash),
			KeyPrefix: rawKey[:8],
			Scopes:    req.Scopes,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.CreateAPIKey(r.Context(), key); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to store key", nil)
			return
		}

		response.Created(w, map[string]any{
			"id":     key.ID,
			"name":   key.Name,
			"scopes": key.Scopes,
			"key":    rawKey,
		})
	}
}

// NewListKeysHandler returns the handler for GET /api/v1/admin/keys.
func NewListKeysHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		keys, err := s.ListAPIKeys(r.Context(), tenantID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list keys", nil)
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		response.JSON(w, keys)
	}
}

// NewRevokeKeyHandler returns the handler for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "keyID must be a UUID", nil)
			return
		}

		err = s.RevokeAPIKey(r.Context(), keyID, tenantID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Key not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke key", nil)
			return
		}
		response.JSON(w, map[string]any{"revoked": keyID})
	}
}

func generateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "ok_" + hex.EncodeToString(buf), nil
}
