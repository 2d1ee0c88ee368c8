// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"math/big"
	mrand "math/rand"
	"sync"

	"github.com/couchbase/gocbcore/internal/clog"
)

// csprng is the process-wide random source used for SASL nonces and
// client-context-id generation. It's
// lazily backed by crypto/rand; on platforms where the system CSPRNG is
// unavailable it falls back to a seeded math/rand source and logs a
// warning, since the library must still function (the fallback is
// documented, not silent).
type csprng struct {
	once     sync.Once
	fallback *mrand.Rand
	fbMu     sync.Mutex
}

var globalRand = &csprng{}

func (c *csprng) ensureFallback() {
	c.once.Do(func() {
		seed, err := rand.Int(rand.Reader, big.NewInt(1<<62))
		var s int64
		if err != nil {
			clog.Warnf("random: system CSPRNG unavailable, seeding fallback generator from a fixed source: %v", err)
			s = 0x5eed
		} else {
			s = seed.Int64()
		}
		c.fallback = mrand.New(mrand.NewSource(s))
	})
}

// readBytes fills buf with cryptographically strong random bytes, falling
// back to the seeded generator documented above if crypto/rand fails.
func (c *csprng) readBytes(buf []byte) {
	if _, err := io.ReadFull(rand.Reader, buf); err == nil {
		return
	}
	c.ensureFallback()
	c.fbMu.Lock()
	defer c.fbMu.Unlock()
	_, _ = c.fallback.Read(buf)
}

// newNonce returns n cryptographically random bytes, used for SASL SCRAM
// client nonces.
func newNonce(n int) []byte {
	buf := make([]byte, n)
	globalRand.readBytes(buf)
	return buf
}

// newClientContextID returns a short random hex identifier suitable for
// tagging an operation's client_context_id when the caller supplies none.
func newClientContextID() string {
	buf := make([]byte, 8)
	globalRand.readBytes(buf)
	return hex.EncodeToString(buf)
}

// newScanUUIDSeed returns 16 random bytes. No caller in the package uses
// it; range scans are identified only by the server-assigned scan_uuid.
func newScanUUIDSeed() []byte {
	return newNonce(16)
}
