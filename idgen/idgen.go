// Package idgen provides pluggable ID generation.
//
// Constructors that mint identifiers (anchor capture, bus messages) accept a
// Generator, so tests can swap in Sequence and production keeps UUIDv7.
package idgen

import (
	"crypto/rand"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// NanoID returns a Generator that produces base-36 IDs of the given length.
// Short and URL-safe; used where a UUID is too verbose for a DOM attribute.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(buf)
	}
}

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, which keeps anchor ids roughly in capture order.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a deterministic Generator: prefix1, prefix2, ...
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return prefix + strconv.FormatInt(n.Add(1), 10)
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}
