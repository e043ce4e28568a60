// Package idgen generates short identifiers for correlating the log lines of
// one API request.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"strings"
	"sync/atomic"
	"time"
)

var (
	sequence atomic.Uint32
	encoding = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)
)

// New returns a 16-character lowercase base32 ID built from
// 4 bytes of Unix time, a 2-byte sequence and 4 random bytes.
func New() string {
	var id [10]byte
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	binary.BigEndian.PutUint16(id[4:6], uint16(sequence.Add(1)))
	if _, err := rand.Read(id[6:10]); err != nil {
		binary.BigEndian.PutUint32(id[6:10], uint32(time.Now().UnixNano()))
	}
	return strings.ToLower(encoding.EncodeToString(id[:]))
}

// Valid reports whether s looks like an ID accepted from a client: 1 to 64
// characters of letters, digits, '-' or '_'.
func Valid(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
