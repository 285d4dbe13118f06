// Package handshake implements the browser-proxy pairing flow: a rotating
// verification code shown to the user, a challenge-response handshake keyed
// through PBKDF2, and short-lived session tokens bound to the approving
// origin.
package handshake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"github.com/pbmcp/pbmcp/pkg/errors"
	"github.com/pbmcp/pbmcp/pkg/logger"
)

const (
	// handshakeTTL bounds a pending handshake from init to confirm.
	handshakeTTL = 2 * time.Minute
	// sessionTTL bounds a minted session token.
	sessionTTL = 10 * time.Minute

	// kdfIterations, kdfLength fix the PBKDF2 parameters advertised to
	// clients.
	kdfIterations = 200000
	kdfLength     = 32

	// initLimit caps handshake initiations per origin per minute.
	initLimit  = 5
	initWindow = time.Minute
)

// KDFParams is advertised to the client on init.
type KDFParams struct {
	Iterations int    `json:"iterations"`
	Hash       string `json:"hash"`
	Length     int    `json:"length"`
}

// InitResult is the server half of the challenge.
type InitResult struct {
	HandshakeID string    `json:"handshakeId"`
	ServerNonce string    `json:"serverNonce"`
	KDF         string    `json:"kdf"`
	KDFParams   KDFParams `json:"kdfParams"`
	ExpiresIn   int64     `json:"expiresIn"`
}

// Session is a confirmed pairing bound to one origin.
type Session struct {
	Token     string    `json:"token"`
	Origin    string    `json:"origin"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type record struct {
	id          string
	origin      string
	clientNonce string
	serverNonce string
	approved    bool
	expiresAt   time.Time
}

// Manager owns the verification code, pending handshakes, and session
// tokens.
type Manager struct {
	mu       sync.Mutex
	pending  map[string]*record
	sessions map[string]*Session
	inits    map[string]*initBucket
	code     *codeClock
	clock    func() time.Time
}

type initBucket struct {
	count   int
	resetAt time.Time
}

// NewManager creates a manager on the wall clock.
func NewManager() *Manager {
	return NewManagerWithClock(time.Now)
}

// NewManagerWithClock creates a manager on an injected time source so tests
// can drive code rotation and expiry.
func NewManagerWithClock(clock func() time.Time) *Manager {
	return &Manager{
		pending:  make(map[string]*record),
		sessions: make(map[string]*Session),
		inits:    make(map[string]*initBucket),
		code:     newCodeClock(clock),
		clock:    clock,
	}
}

// Code returns the verification code the local UI should display.
func (m *Manager) Code() string {
	return m.code.Current()
}

// Init starts a handshake. The proof must be SHA256(code|origin|clientNonce)
// computed against the current or previous verification code.
func (m *Manager) Init(origin, clientNonce, codeProof string) (*InitResult, error) {
	if origin == "" || clientNonce == "" {
		return nil, errors.New(errors.CodeBadRequest, "origin and clientNonce are required")
	}
	if err := m.admitInit(origin); err != nil {
		return nil, err
	}

	if !m.proofValid(codeProof, origin, clientNonce) {
		logger.Warnf("Handshake init rejected for origin %s: bad code proof", origin)
		return nil, errors.New(errors.CodeAuthInvalidToken, "verification code proof mismatch")
	}

	rec := &record{
		id:          uuid.NewString(),
		origin:      origin,
		clientNonce: clientNonce,
		serverNonce: uuid.NewString(),
		expiresAt:   m.clock().Add(handshakeTTL),
	}

	m.mu.Lock()
	m.sweepLocked()
	m.pending[rec.id] = rec
	m.mu.Unlock()

	return &InitResult{
		HandshakeID: rec.id,
		ServerNonce: rec.serverNonce,
		KDF:         "pbkdf2",
		KDFParams:   KDFParams{Iterations: kdfIterations, Hash: "SHA-256", Length: kdfLength},
		ExpiresIn:   int64(handshakeTTL / time.Millisecond),
	}, nil
}

// Approve marks a pending handshake as user-approved. Approval comes from
// the local UI, out of band from the connecting client.
func (m *Manager) Approve(handshakeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.pending[handshakeID]
	if !ok || !m.clock().Before(rec.expiresAt) {
		delete(m.pending, handshakeID)
		return errors.New(errors.CodeNotFound, "handshake not found or expired")
	}
	rec.approved = true
	return nil
}

// Confirm completes an approved handshake. The response must be
// base64(HMAC-SHA256(key, origin|clientNonce|handshakeId)) where
// key = PBKDF2(code, serverNonce). The handshake is single-use: success and
// proof failure both consume it.
func (m *Manager) Confirm(handshakeID, response string) (*Session, error) {
	m.mu.Lock()
	rec, ok := m.pending[handshakeID]
	if !ok || !m.clock().Before(rec.expiresAt) {
		delete(m.pending, handshakeID)
		m.mu.Unlock()
		return nil, errors.New(errors.CodeNotFound, "handshake not found or expired")
	}
	if !rec.approved {
		m.mu.Unlock()
		return nil, errors.New(errors.CodeForbidden, "handshake not approved")
	}
	delete(m.pending, handshakeID)
	m.mu.Unlock()

	if !m.responseValid(rec, response) {
		return nil, errors.New(errors.CodeAuthInvalidToken, "handshake response mismatch")
	}

	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("minting session token: %w", err)
	}
	session := &Session{
		Token:     token,
		Origin:    rec.origin,
		ExpiresAt: m.clock().Add(sessionTTL),
	}

	m.mu.Lock()
	m.sessions[token] = session
	m.mu.Unlock()

	logger.Infof("Handshake confirmed for origin %s", rec.origin)
	return session, nil
}

// Validate checks a session token against the request origin. A token never
// authorizes an origin other than the one it was minted for; expired tokens
// are evicted on access.
func (m *Manager) Validate(token, origin string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[token]
	if !ok {
		return nil, errors.New(errors.CodeAuthInvalidToken, "invalid session token")
	}
	if !m.clock().Before(session.ExpiresAt) {
		delete(m.sessions, token)
		return nil, errors.New(errors.CodeAuthExpiredToken, "session token expired")
	}
	if subtle.ConstantTimeCompare([]byte(session.Origin), []byte(origin)) != 1 {
		return nil, errors.New(errors.CodeAuthOriginMismatch, "origin does not match session")
	}
	return session, nil
}

// Revoke drops a session token.
func (m *Manager) Revoke(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[token]
	delete(m.sessions, token)
	return ok
}

// admitInit enforces the per-origin initiation window.
func (m *Manager) admitInit(origin string) error {
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.inits[origin]
	if !ok || !now.Before(b.resetAt) {
		b = &initBucket{resetAt: now.Add(initWindow)}
		m.inits[origin] = b
	}
	if b.count >= initLimit {
		return errors.New(errors.CodeRateLimited, "too many handshake attempts, slow down")
	}
	b.count++
	return nil
}

func (m *Manager) proofValid(proof, origin, clientNonce string) bool {
	for _, code := range m.code.Accepted() {
		expected := CodeProof(code, origin, clientNonce)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(proof)) == 1 {
			return true
		}
	}
	return false
}

func (m *Manager) responseValid(rec *record, response string) bool {
	for _, code := range m.code.Accepted() {
		expected := ConfirmResponse(code, rec.serverNonce, rec.origin, rec.clientNonce, rec.id)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(response)) == 1 {
			return true
		}
	}
	return false
}

// sweepLocked drops expired pending handshakes.
func (m *Manager) sweepLocked() {
	now := m.clock()
	for id, rec := range m.pending {
		if !now.Before(rec.expiresAt) {
			delete(m.pending, id)
		}
	}
}

// CodeProof computes the init proof: hex(SHA256(code|origin|clientNonce)).
// Exported so clients and tests derive it the same way.
func CodeProof(code, origin, clientNonce string) string {
	sum := sha256.Sum256([]byte(code + "|" + origin + "|" + clientNonce))
	return hex.EncodeToString(sum[:])
}

// ConfirmResponse computes the confirm response:
// base64(HMAC-SHA256(PBKDF2(code, serverNonce), origin|clientNonce|handshakeId)).
func ConfirmResponse(code, serverNonce, origin, clientNonce, handshakeID string) string {
	key := pbkdf2.Key([]byte(code), []byte(serverNonce), kdfIterations, kdfLength, sha256.New)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(origin + "|" + clientNonce + "|" + handshakeID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
