package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/pbmcp/pbmcp/pkg/errors"
)

// TokenInfo is what a successful validation returns.
type TokenInfo struct {
	UserID      string    `json:"userId"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type tokenRecord struct {
	TokenInfo
	token string
}

// TokenStore holds bearer tokens in memory. Expired entries are swept on
// each validate miss and on demand; a revoked token never validates again.
type TokenStore struct {
	mu     sync.Mutex
	tokens map[string]*tokenRecord
	clock  func() time.Time
}

// NewTokenStore creates an empty store.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		tokens: make(map[string]*tokenRecord),
		clock:  time.Now,
	}
}

// WithClock substitutes the time source. Intended for tests.
func (s *TokenStore) WithClock(clock func() time.Time) *TokenStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
	return s
}

// Generate mints a token for a user with the given permissions and TTL.
func (s *TokenStore) Generate(userID string, permissions []string, ttl time.Duration) (string, error) {
	token, err := randomHex(32)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = &tokenRecord{
		TokenInfo: TokenInfo{
			UserID:      userID,
			Permissions: append([]string(nil), permissions...),
			ExpiresAt:   s.clock().Add(ttl),
		},
		token: token,
	}
	return token, nil
}

// Validate resolves a token. Unknown tokens trigger an expiry sweep; expired
// tokens are evicted and reported as expired.
func (s *TokenStore) Validate(token string) (*TokenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[token]
	if !ok {
		s.sweepLocked()
		return nil, errors.New(errors.CodeAuthInvalidToken, "invalid token")
	}
	if !s.clock().Before(rec.ExpiresAt) {
		delete(s.tokens, token)
		return nil, errors.New(errors.CodeAuthExpiredToken, "token expired")
	}
	info := rec.TokenInfo
	info.Permissions = append([]string(nil), rec.Permissions...)
	return &info, nil
}

// Revoke removes a token. Revocation is permanent.
func (s *TokenStore) Revoke(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tokens[token]
	delete(s.tokens, token)
	return ok
}

// Sweep deletes all expired tokens and reports how many were removed.
func (s *TokenStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked()
}

func (s *TokenStore) sweepLocked() int {
	now := s.clock()
	removed := 0
	for token, rec := range s.tokens {
		if !now.Before(rec.ExpiresAt) {
			delete(s.tokens, token)
			removed++
		}
	}
	return removed
}

// Len reports the number of live entries, expired or not.
func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

func randomHex(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
