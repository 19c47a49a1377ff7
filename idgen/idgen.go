// Package idgen supplies the service's ID generation strategies.
//
// Anything that mints identifiers (analysis sessions, audit entries,
// business events, MCP sessions) takes a Generator, so the strategy is a
// wiring-time decision and tests can substitute fixed IDs.
package idgen

import (
	"crypto/rand"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// NanoID returns a Generator of base-36 IDs with the given length.
// Short and URL-safe; used where a UUID is too verbose, like MCP session
// and analysis IDs.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		b := make([]byte, length)
		if _, err := rand.Read(b); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		// Slight modulo bias; these are identifiers, not secrets.
		for i, c := range b {
			b[i] = alphabet[int(c)%len(alphabet)]
		}
		return string(b)
	}
}

// UUIDv7 returns a Generator of RFC 9562 UUID v7 strings. The leading
// bits encode unix milliseconds, so IDs sort by creation time.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends a fixed type tag to every ID from gen. The service
// convention is a short tag plus underscore: "ana_", "aud_", "evt_",
// "quic_".
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the service-wide generator, UUIDv7. Type-scoped variants
// compose Prefixed on top.
var Default Generator = UUIDv7()

// New mints one ID with the Default generator.
func New() string {
	return Default()
}
