package credential

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"crypto/sha1" // #nosec G505 -- Tor's control password format is defined over SHA-1
	"encoding/hex"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/openpgp/s2k" //nolint:staticcheck // only the RFC 2440 iterated S2K is used
)

const (
	saltLen = 8
	// s2kSpecifier is the count byte Tor writes: 96 encodes 65536 hashed bytes.
	s2kSpecifier = 0x60
	hashedPrefix = "16:"
)

// S2KHasher computes Tor's HashedControlPassword in process using the
// RFC 2440 iterated and salted S2K with SHA-1, as `tor --hash-password` does.
type S2KHasher struct {
	// Rand supplies the salt; crypto/rand when nil.
	Rand io.Reader
}

func (h S2KHasher) Hash(_ context.Context, password string) (string, error) {
	r := h.Rand
	if r == nil {
		r = rand.Reader
	}
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(r, salt); err != nil {
		return "", &HashGenerationError{Err: err}
	}
	return HashWithSalt(password, salt), nil
}

// HashWithSalt is the deterministic core of S2KHasher.
func HashWithSalt(password string, salt []byte) string {
	digest := make([]byte, sha1.Size)
	s2k.Iterated(digest, sha1.New(), []byte(password), salt, s2kCount(s2kSpecifier))

	buf := make([]byte, 0, len(salt)+1+len(digest))
	buf = append(buf, salt...)
	buf = append(buf, s2kSpecifier)
	buf = append(buf, digest...)
	return hashedPrefix + strings.ToUpper(hex.EncodeToString(buf))
}

// Verify reports whether hashed was produced from password.
func Verify(password, hashed string) (bool, error) {
	if !strings.HasPrefix(hashed, hashedPrefix) {
		return false, errors.New("hashed password must start with 16:")
	}
	raw, err := hex.DecodeString(hashed[len(hashedPrefix):])
	if err != nil {
		return false, err
	}
	if len(raw) != saltLen+1+sha1.Size {
		return false, errors.New("hashed password has wrong length")
	}
	salt := raw[:saltLen]
	spec := raw[saltLen]
	digest := make([]byte, sha1.Size)
	s2k.Iterated(digest, sha1.New(), []byte(password), salt, s2kCount(spec))
	return subtle.ConstantTimeCompare(digest, raw[saltLen+1:]) == 1, nil
}

func s2kCount(c byte) int {
	return (16 + int(c&15)) << (uint32(c>>4) + 6)
}
