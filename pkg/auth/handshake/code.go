package handshake

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pbmcp/pbmcp/pkg/logger"
)

// rotationInterval is how long one verification code stays current.
const rotationInterval = 60 * time.Second

// codeLength is the number of hex characters in a verification code.
const codeLength = 6

// codeClock issues the process-wide rotating verification code. The previous
// code remains accepted for one grace window after rotation.
type codeClock struct {
	mu        sync.Mutex
	current   string
	previous  string
	rotatedAt time.Time
	clock     func() time.Time
}

func newCodeClock(clock func() time.Time) *codeClock {
	c := &codeClock{clock: clock}
	c.current = randomCode()
	c.rotatedAt = clock()
	return c
}

// Current returns the active verification code, rotating first if the
// window elapsed.
func (c *codeClock) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rotateLocked()
	return c.current
}

// Accepted returns the codes a proof may be computed against: the current
// code and, when one exists, the previous one.
func (c *codeClock) Accepted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rotateLocked()
	if c.previous == "" {
		return []string{c.current}
	}
	return []string{c.current, c.previous}
}

func (c *codeClock) rotateLocked() {
	now := c.clock()
	elapsed := now.Sub(c.rotatedAt)
	if elapsed < rotationInterval {
		return
	}
	if elapsed >= 2*rotationInterval {
		// Idle past the grace window: nothing previously issued is valid.
		c.current = randomCode()
		c.previous = ""
		c.rotatedAt = now
		return
	}
	c.previous = c.current
	c.current = randomCode()
	c.rotatedAt = c.rotatedAt.Add(rotationInterval)
}

func randomCode() string {
	buf := make([]byte, codeLength/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is unrecoverable for auth purposes.
		logger.Panicf("Verification code generation failed: %v", err)
	}
	return hex.EncodeToString(buf)
}
