package account

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Digest schemes for stored passwords.
const (
	// SchemeSHA256 is an unsalted hex SHA-256 digest. It is the stored format
	// existing accounts use, and it is weak against offline guessing.
	SchemeSHA256 = "sha256"
	// SchemeBcrypt is a salted, cost-tunable digest.
	SchemeBcrypt = "bcrypt"
)

// Hasher produces password digests in one scheme and verifies digests in any.
type Hasher struct {
	scheme string
}

// NewHasher returns a Hasher that writes digests in scheme.
//
// Precondition: scheme is SchemeSHA256 or SchemeBcrypt.
// Postcondition: Returns a usable Hasher or an error naming the bad scheme.
func NewHasher(scheme string) (Hasher, error) {
	switch scheme {
	case SchemeSHA256, SchemeBcrypt:
		return Hasher{scheme: scheme}, nil
	}
	return Hasher{}, fmt.Errorf("unknown password scheme %q", scheme)
}

// Scheme returns the scheme new digests are written in.
func (h Hasher) Scheme() string {
	if h.scheme == "" {
		return SchemeSHA256
	}
	return h.scheme
}

// Hash returns the digest of password.
//
// Postcondition: Returns a digest that Verify accepts for password.
func (h Hasher) Hash(password string) (string, error) {
	if h.Scheme() == SchemeBcrypt {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", fmt.Errorf("hashing password: %w", err)
		}
		return string(hash), nil
	}
	return sha256Hex(password), nil
}

// Verify reports whether password matches digest. The digest's own format
// decides the scheme, so accounts written under either scheme keep working.
func (h Hasher) Verify(password, digest string) bool {
	if isBcrypt(digest) {
		return bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)) == nil
	}
	want := sha256Hex(password)
	return subtle.ConstantTimeCompare([]byte(want), []byte(digest)) == 1
}

func sha256Hex(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func isBcrypt(digest string) bool {
	return strings.HasPrefix(digest, "$2a$") || strings.HasPrefix(digest, "$2b$") || strings.HasPrefix(digest, "$2y$")
}
