// Package id provides ULID generation for bus messages and notifications.
//
// ULIDs are lexicographically sortable, so message ids double as a coarse
// emission-time ordering hint for debugging (never a delivery guarantee).
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	MessagePrefix      = "msg"
	NotificationPrefix = "ntf"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator(rand.Reader)
	})
	return defaultGenerator
}

// NewGenerator creates a generator with the given entropy source.
// Pass a deterministic reader in tests.
func NewGenerator(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewMessageID generates a bus message id.
func NewMessageID() string {
	return Default().GenerateWithPrefix(MessagePrefix)
}

// NewNotificationID generates a notification id.
func NewNotificationID() string {
	return Default().GenerateWithPrefix(NotificationPrefix)
}

// IsValid checks whether s parses as a (possibly prefixed) ULID.
func IsValid(s string) bool {
	if i := len(s) - 26; i > 0 {
		s = s[i:]
	}
	_, err := ulid.Parse(s)
	return err == nil
}
