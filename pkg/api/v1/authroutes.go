package v1

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pbmcp/pbmcp/pkg/auth"
	"github.com/pbmcp/pbmcp/pkg/errors"
)

// AuthRoutes serves credential management under /api/auth.
type AuthRoutes struct {
	keys   *auth.KeyStore
	tokens *auth.TokenStore
}

// AuthRouter creates the auth sub-router.
func AuthRouter(keys *auth.KeyStore, tokens *auth.TokenStore) http.Handler {
	routes := AuthRoutes{keys: keys, tokens: tokens}

	r := chi.NewRouter()
	r.Get("/apikeys", routes.listKeys)
	r.Post("/apikey", routes.createKey)
	r.Delete("/apikey/{key}", routes.deleteKey)
	r.Post("/token", routes.createToken)
	r.Delete("/token/{token}", routes.revokeToken)
	return r
}

// listKeys returns key metadata only. Secrets are shown once, at creation.
func (a *AuthRoutes) listKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"keys":    a.keys.List(),
	})
}

type createKeyRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

func (a *AuthRoutes) createKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	secret, meta, err := a.keys.Create(req.Name, req.Permissions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"key":     secret,
		"info":    meta,
	})
}

func (a *AuthRoutes) deleteKey(w http.ResponseWriter, r *http.Request) {
	if !a.keys.Delete(chi.URLParam(r, "key")) {
		writeError(w, errors.New(errors.CodeNotFound, "API key not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type createTokenRequest struct {
	UserID      string   `json:"userId"`
	Permissions []string `json:"permissions"`
	TTLSeconds  int      `json:"ttl,omitempty"`
}

func (a *AuthRoutes) createToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" {
		writeError(w, errors.New(errors.CodeBadRequest, "userId is required"))
		return
	}

	ttl := time.Hour
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	token, err := a.tokens.Generate(req.UserID, req.Permissions, ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":   true,
		"token":     token,
		"expiresAt": time.Now().Add(ttl),
	})
}

func (a *AuthRoutes) revokeToken(w http.ResponseWriter, r *http.Request) {
	if !a.tokens.Revoke(chi.URLParam(r, "token")) {
		writeError(w, errors.New(errors.CodeNotFound, "token not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
