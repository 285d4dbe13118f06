package auth

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbmcp/pbmcp/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestIsPrivateIP(t *testing.T) {
	t.Parallel()

	private := []string{"127.0.0.1", "::1", "10.1.2.3", "172.16.0.9", "192.168.1.50", "fd12:3456::1"}
	for _, addr := range private {
		assert.True(t, IsPrivateIP(addr), addr)
	}
	public := []string{"8.8.8.8", "203.0.113.7", "2001:db8::1", "not-an-ip", ""}
	for _, addr := range public {
		assert.False(t, IsPrivateIP(addr), addr)
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"local-trusted", "external-secure", "dual"} {
		mode, err := ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, Mode(s), mode)
	}

	mode, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeDual, mode)

	_, err = ParseMode("bogus")
	require.Error(t, err)
}

func TestLocalTrustedMode(t *testing.T) {
	t.Parallel()

	a := NewAuthenticator(ModeLocalTrusted, NewTokenStore(), NewKeyStore())

	req := httptest.NewRequest("GET", "/api/services", nil)
	req.RemoteAddr = "127.0.0.1:51234"
	id, err := a.Authenticate(req)
	require.NoError(t, err)
	assert.True(t, id.Local)
	assert.True(t, HasPermission(id.Permissions, "admin"))

	req.RemoteAddr = "203.0.113.7:443"
	_, err = a.Authenticate(req)
	require.Error(t, err)
	assert.Equal(t, errors.CodeForbidden, errors.CodeOf(err))
}

func TestDualModeRequiresCredentialForRemote(t *testing.T) {
	t.Parallel()

	tokens := NewTokenStore()
	a := NewAuthenticator(ModeDual, tokens, NewKeyStore())

	req := httptest.NewRequest("GET", "/api/services", nil)
	req.RemoteAddr = "203.0.113.7:443"
	_, err := a.Authenticate(req)
	require.Error(t, err)
	assert.Equal(t, errors.CodeUnauthorized, errors.CodeOf(err))

	token, err := tokens.Generate("alice", []string{"read"}, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	id, err := a.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	assert.False(t, id.Local)

	req.RemoteAddr = "192.168.1.9:1000"
	req.Header.Del("Authorization")
	id, err = a.Authenticate(req)
	require.NoError(t, err)
	assert.True(t, id.Local)
}

func TestAuthenticateWithAPIKey(t *testing.T) {
	t.Parallel()

	keys := NewKeyStore()
	secret, _, err := keys.Create("ci", []string{"read", "write"})
	require.NoError(t, err)

	a := NewAuthenticator(ModeExternalSecure, NewTokenStore(), keys)
	req := httptest.NewRequest("POST", "/api/tools/execute", nil)
	req.RemoteAddr = "203.0.113.7:443"
	req.Header.Set("X-API-Key", secret)

	id, err := a.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "ci", id.UserID)
	assert.True(t, HasPermission(id.Permissions, "write"))
}

func TestTokenLifecycle(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := NewTokenStore().WithClock(clock.Now)

	token, err := s.Generate("alice", []string{"read"}, time.Hour)
	require.NoError(t, err)

	info, err := s.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", info.UserID)
	assert.Equal(t, clock.Now().Add(time.Hour), info.ExpiresAt)

	require.True(t, s.Revoke(token))
	_, err = s.Validate(token)
	require.Error(t, err)
	assert.Equal(t, errors.CodeAuthInvalidToken, errors.CodeOf(err))

	// Revocation is permanent even if the token is presented again.
	assert.False(t, s.Revoke(token))
}

func TestTokenExpiry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := NewTokenStore().WithClock(clock.Now)

	expired, err := s.Generate("bob", nil, -time.Hour)
	require.NoError(t, err)

	_, err = s.Validate(expired)
	require.Error(t, err)
	assert.Equal(t, errors.CodeAuthExpiredToken, errors.CodeOf(err))

	// The expired entry was evicted on access.
	assert.Equal(t, 0, s.Len())
}

func TestValidateMissSweepsExpired(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := NewTokenStore().WithClock(clock.Now)

	_, err := s.Generate("bob", nil, time.Minute)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	_, err = s.Validate("no-such-token")
	require.Error(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestAPIKeyFormatAndLifecycle(t *testing.T) {
	t.Parallel()

	s := NewKeyStore()
	secret, meta, err := s.Create("deploy", []string{"admin"})
	require.NoError(t, err)
	assert.Regexp(t, `^pbk_[a-f0-9]{48}$`, secret)
	assert.NotEmpty(t, meta.ID)

	rec, err := s.Validate(secret)
	require.NoError(t, err)
	assert.Equal(t, "deploy", rec.Name)
	assert.NotNil(t, rec.LastUsed)

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, "deploy", list[0].Name)

	require.True(t, s.Delete(secret))
	_, err = s.Validate(secret)
	require.Error(t, err)
}

func TestAPIKeyValidateRejectsMalformed(t *testing.T) {
	t.Parallel()

	s := NewKeyStore()
	for _, secret := range []string{"", "pbk_short", "bearer-token", "pbk_" + "Z1234567890123456789012345678901234567890123456"} {
		_, err := s.Validate(secret)
		require.Error(t, err, secret)
	}
}

func TestHasPermission(t *testing.T) {
	t.Parallel()

	assert.True(t, HasPermission([]string{"*"}, "anything"))
	assert.True(t, HasPermission([]string{"admin"}, "admin"))
	assert.True(t, HasPermission([]string{"admin"}, "admin/keys"))
	assert.True(t, HasPermission([]string{"read"}, "read"))
	assert.False(t, HasPermission([]string{"read"}, "write"))
	assert.False(t, HasPermission(nil, "read"))
}

func TestRequiredPermission(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "admin", RequiredPermission("POST", "/api/admin/reset"))
	assert.Equal(t, "read", RequiredPermission("GET", "/api/services"))
	assert.Equal(t, "write", RequiredPermission("DELETE", "/api/services/x"))
}
