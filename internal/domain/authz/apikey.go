package authz

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrUnknownHashType is returned when a configured key hash has an
// unrecognized format.
var ErrUnknownHashType = errors.New("unknown hash type")

// argon2idParams are the OWASP minimum parameters used when hashing new
// keys: 47 MiB memory, 1 iteration, 1 lane.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKey returns the SHA-256 hex digest of a raw key, prefixed for
// storage in configuration files.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// HashKeyArgon2id returns an Argon2id hash of the raw key in PHC format.
func HashKeyArgon2id(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// VerifyKey checks a presented key against a configured entry. Entries may
// be Argon2id PHC hashes, "sha256:"-prefixed digests, or plain text.
// Plain entries still compare in constant time.
func VerifyKey(rawKey, stored string) (bool, error) {
	switch {
	case strings.HasPrefix(stored, "$argon2id$"):
		return safeArgon2idCompare(rawKey, stored)

	case strings.HasPrefix(stored, "sha256:"):
		want := strings.TrimPrefix(stored, "sha256:")
		sum := sha256.Sum256([]byte(rawKey))
		got := hex.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1, nil

	case strings.HasPrefix(stored, "$"):
		return false, fmt.Errorf("%w: %q", ErrUnknownHashType, stored[:min(len(stored), 12)])

	default:
		return subtle.ConstantTimeCompare([]byte(rawKey), []byte(stored)) == 1, nil
	}
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery: the underlying argon2 package panics on malformed parameters
// (t=0, p=0) in a stored hash.
func safeArgon2idCompare(rawKey, stored string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, stored)
}
