package presence

import (
	"fmt"
	"sync"
	"time"
)

// ETagGenerator mints SIP-ETag values of the form "host-A-B-C", where
// (A, B, C) is a monotonic triple derived from wall-clock time plus a
// per-process counter, so two ETags minted in the same microsecond on the
// same host still differ.
type ETagGenerator struct {
	host string

	mu       sync.Mutex
	lastUnix int64
	seq      int64
}

// NewETagGenerator returns a generator that stamps ETags with host, e.g. the
// proxy's own hostname.
func NewETagGenerator(host string) *ETagGenerator {
	return &ETagGenerator{host: host}
}

// Mint returns a fresh, never-repeating ETag.
func (g *ETagGenerator) Mint() string {
	now := time.Now()
	unix := now.Unix()

	g.mu.Lock()
	if unix == g.lastUnix {
		g.seq++
	} else {
		g.lastUnix = unix
		g.seq = 0
	}
	seq := g.seq
	g.mu.Unlock()

	mega := unix / 1_000_000
	secs := unix % 1_000_000
	micros := now.Nanosecond()/1000 + int(seq)
	return fmt.Sprintf("%s-%d-%d-%d", g.host, mega, secs, micros)
}
