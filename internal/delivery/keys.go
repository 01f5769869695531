package delivery

import (
	"errors"
	"regexp"

	"github.com/google/uuid"
)

// MaxKeyLen caps the length of a caller-supplied idempotency key.
const MaxKeyLen = 200

// KeyPattern is the accepted shape of a caller-supplied key: an HTTP token
// plus a few common safe characters. Minted keys (UUIDv4) always match.
var KeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// ErrInvalidKey is returned when a supplied key fails validation.
var ErrInvalidKey = errors.New("invalid idempotency key")

// ValidKey reports whether key may be used as an idempotency key.
func ValidKey(key string) bool {
	return key != "" && len(key) <= MaxKeyLen && KeyPattern.MatchString(key)
}

// KeyManager mints one idempotency key per logical submission. The zero
// value is ready to use.
type KeyManager struct {
	// gen overrides the generator in tests.
	gen func() string
}

// NewKey returns a fresh random UUIDv4 string.
func (m *KeyManager) NewKey() string {
	if m != nil && m.gen != nil {
		return m.gen()
	}
	return uuid.NewString()
}

// Adopt returns key when the caller supplied a valid one and a freshly
// minted key when key is empty.
func (m *KeyManager) Adopt(key string) (string, error) {
	if key == "" {
		return m.NewKey(), nil
	}
	if !ValidKey(key) {
		return "", ErrInvalidKey
	}
	return key, nil
}
