// Package rayid generates the 16-character alphanumeric request correlator
// described in the glossary and carried by every access and token record.
package rayid

import (
	"strings"

	"github.com/google/uuid"
)

const (
	alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	length   = 16
)

// New returns a fresh 16-character alphanumeric ray-id, sourced from a v4
// UUID's randomness and mapped into the alphanumeric alphabet so the result
// matches the glossary's "16-char alnum" requirement exactly (a raw UUID
// string contains hyphens and is 36 characters long).
func New() string {
	id := uuid.New()
	raw := id[:]

	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		b.WriteByte(alphabet[int(raw[i%len(raw)]+byte(i))%len(alphabet)])
	}
	return b.String()
}
