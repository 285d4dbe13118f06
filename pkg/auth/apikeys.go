package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pbmcp/pbmcp/pkg/errors"
)

// keyPrefix marks gateway API keys on the wire.
const keyPrefix = "pbk_"

// KeyPattern is the shape of a full API key secret.
var KeyPattern = regexp.MustCompile(`^pbk_[a-f0-9]{48}$`)

// KeyMetadata is the listable view of an API key. The secret is never
// stored or returned after creation.
type KeyMetadata struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastUsed    *time.Time `json:"lastUsed,omitempty"`
}

type keyRecord struct {
	KeyMetadata
	keyHash string
}

// KeyStore holds API keys hashed with SHA-256.
type KeyStore struct {
	mu    sync.Mutex
	keys  map[string]*keyRecord // keyed by hash
	clock func() time.Time
}

// NewKeyStore creates an empty store.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		keys:  make(map[string]*keyRecord),
		clock: time.Now,
	}
}

// WithClock substitutes the time source. Intended for tests.
func (s *KeyStore) WithClock(clock func() time.Time) *KeyStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
	return s
}

// Create mints a new API key and returns the one-time secret.
func (s *KeyStore) Create(name string, permissions []string) (string, *KeyMetadata, error) {
	if name == "" {
		return "", nil, errors.New(errors.CodeBadRequest, "api key name must not be empty")
	}
	raw, err := randomHex(24)
	if err != nil {
		return "", nil, fmt.Errorf("generating api key: %w", err)
	}
	secret := keyPrefix + raw

	rec := &keyRecord{
		KeyMetadata: KeyMetadata{
			ID:          uuid.NewString(),
			Name:        name,
			Permissions: append([]string(nil), permissions...),
			CreatedAt:   s.clock(),
		},
		keyHash: hashKey(secret),
	}

	s.mu.Lock()
	s.keys[rec.keyHash] = rec
	s.mu.Unlock()

	meta := rec.KeyMetadata
	return secret, &meta, nil
}

// Validate resolves a secret to its metadata and stamps last use.
func (s *KeyStore) Validate(secret string) (*KeyMetadata, error) {
	if !KeyPattern.MatchString(secret) {
		return nil, errors.New(errors.CodeAuthInvalidToken, "malformed api key")
	}
	hash := hashKey(secret)

	s.mu.Lock()
	defer s.mu.Unlock()
	for stored, rec := range s.keys {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(hash)) == 1 {
			now := s.clock()
			rec.LastUsed = &now
			meta := rec.KeyMetadata
			meta.Permissions = append([]string(nil), rec.Permissions...)
			return &meta, nil
		}
	}
	return nil, errors.New(errors.CodeAuthInvalidToken, "unknown api key")
}

// Delete removes a key by its secret value.
func (s *KeyStore) Delete(secret string) bool {
	hash := hashKey(secret)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[hash]
	delete(s.keys, hash)
	return ok
}

// List returns metadata for every key, oldest first. Secrets are not
// recoverable.
func (s *KeyStore) List() []KeyMetadata {
	s.mu.Lock()
	out := make([]KeyMetadata, 0, len(s.keys))
	for _, rec := range s.keys {
		meta := rec.KeyMetadata
		meta.Permissions = append([]string(nil), rec.Permissions...)
		out = append(out, meta)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func hashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
