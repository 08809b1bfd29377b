package util

import (
	"crypto/rand"
	"strconv"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
)

type strings string

const Strings strings = ""

// ToInt64 returns 0 when s is not an integer.
func (strings) ToInt64(s string) int64 {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}

	return 0
}

func (strings) Nullable(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}

// Base58 encodes n bytes read from crypto/rand. The alphabet has no
// look-alike characters, so the result is safe to read out loud.
func (strings) Base58(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "failed to read random bytes")
	}

	return base58.Encode(b), nil
}
