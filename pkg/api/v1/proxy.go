package v1

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pbmcp/pbmcp/pkg/auth"
	"github.com/pbmcp/pbmcp/pkg/auth/handshake"
	"github.com/pbmcp/pbmcp/pkg/errors"
)

// ProxyRoutes serves the browser-facing local proxy: verification code
// display, the challenge handshake, and session-scoped tool access.
type ProxyRoutes struct {
	handshake *handshake.Manager
	executor  *Executor
}

// ProxyRouter creates the local proxy sub-router. These routes are mounted
// outside /api and authenticate with LocalMCP session tokens, never gateway
// credentials.
func ProxyRouter(hs *handshake.Manager, executor *Executor) http.Handler {
	routes := ProxyRoutes{handshake: hs, executor: executor}

	r := chi.NewRouter()
	r.Get("/local-proxy/code", routes.code)
	r.Post("/handshake/init", routes.initHandshake)
	r.Post("/handshake/approve", routes.approve)
	r.Post("/handshake/confirm", routes.confirm)
	r.Get("/tools", routes.tools)
	r.Post("/call", routes.call)
	return r
}

// code returns the rotating verification code. The route is only reachable
// from local addresses; the auth middleware enforces that before we get here.
func (p *ProxyRoutes) code(w http.ResponseWriter, r *http.Request) {
	if !auth.IsPrivateIP(auth.ClientIP(r)) {
		writeError(w, errors.New(errors.CodeForbidden, "verification code is only served locally"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"code":    p.handshake.Code(),
	})
}

type initHandshakeRequest struct {
	Origin      string `json:"origin"`
	ClientNonce string `json:"clientNonce"`
	CodeProof   string `json:"codeProof"`
}

func (p *ProxyRoutes) initHandshake(w http.ResponseWriter, r *http.Request) {
	var req initHandshakeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := p.handshake.Init(req.Origin, req.ClientNonce, req.CodeProof)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "handshake": result})
}

type approveRequest struct {
	HandshakeID string `json:"handshakeId"`
}

func (p *ProxyRoutes) approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := p.handshake.Approve(req.HandshakeID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type confirmRequest struct {
	HandshakeID string `json:"handshakeId"`
	Response    string `json:"response"`
}

func (p *ProxyRoutes) confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	session, err := p.handshake.Confirm(req.HandshakeID, req.Response)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"token":     session.Token,
		"expiresAt": session.ExpiresAt,
	})
}

func (p *ProxyRoutes) tools(w http.ResponseWriter, r *http.Request) {
	if err := p.authorize(r); err != nil {
		writeError(w, err)
		return
	}

	tools, err := p.executor.Tools(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tools": tools})
}

type proxyCallRequest struct {
	ToolID string         `json:"toolId"`
	Params map[string]any `json:"params,omitempty"`
}

func (p *ProxyRoutes) call(w http.ResponseWriter, r *http.Request) {
	if err := p.authorize(r); err != nil {
		writeError(w, err)
		return
	}

	var req proxyCallRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := p.executor.Execute(r.Context(), &ToolCall{ToolID: req.ToolID, Params: req.Params}, routeRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// authorize checks the LocalMCP bearer scheme against the session store,
// binding the token to the request Origin.
func (p *ProxyRoutes) authorize(r *http.Request) error {
	header := r.Header.Get("Authorization")
	const scheme = "LocalMCP "
	if !strings.HasPrefix(header, scheme) {
		return errors.New(errors.CodeUnauthorized, "LocalMCP session token required")
	}
	token := strings.TrimSpace(header[len(scheme):])
	_, err := p.handshake.Validate(token, r.Header.Get("Origin"))
	return err
}
