// Package hasher hashes and verifies API key secrets.
package hasher

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	AlgBcrypt   = "bcrypt"
	AlgArgon2id = "argon2id"
)

// Hasher produces one-way digests of secrets. Verify must never panic and
// returns false for malformed digests.
type Hasher interface {
	Hash(secret string) (string, error)
	Verify(secret, digest string) bool
}

// Bcrypt is the cost-parameterized hasher.
type Bcrypt struct {
	Cost int
}

func (b Bcrypt) Hash(secret string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return string(h), nil
}

func (Bcrypt) Verify(secret, digest string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(secret)) == nil
}

// Argon2id is the memory-hard hasher. Digests use the PHC string format.
type Argon2id struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
	SaltLen int
}

// DefaultArgon2id returns the RFC 9106 second recommended parameter set.
func DefaultArgon2id() Argon2id {
	return Argon2id{Time: 3, Memory: 64 * 1024, Threads: 4, KeyLen: 32, SaltLen: 16}
}

const argon2Prefix = "$argon2id$"

func (a Argon2id) Hash(secret string) (string, error) {
	salt := make([]byte, a.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("argon2id salt: %w", err)
	}
	sum := argon2.IDKey([]byte(secret), salt, a.Time, a.Memory, a.Threads, a.KeyLen)
	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Prefix, argon2.Version, a.Memory, a.Time, a.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

func (Argon2id) Verify(secret, digest string) bool {
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, hash
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}
	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false
	}
	if memory == 0 || time == 0 || threads == 0 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(want) == 0 {
		return false
	}
	got := argon2.IDKey([]byte(secret), salt, time, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// Multi hashes with one algorithm and verifies digests of any supported
// algorithm by inspecting the digest marker.
type Multi struct {
	primary  Hasher
	bcrypt   Bcrypt
	argon2id Argon2id
}

// New returns a Multi hashing with the named algorithm.
func New(algorithm string, bcryptCost int) (*Multi, error) {
	m := &Multi{bcrypt: Bcrypt{Cost: bcryptCost}, argon2id: DefaultArgon2id()}
	switch algorithm {
	case AlgBcrypt, "":
		m.primary = m.bcrypt
	case AlgArgon2id:
		m.primary = m.argon2id
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
	return m, nil
}

func (m *Multi) Hash(secret string) (string, error) {
	return m.primary.Hash(secret)
}

func (m *Multi) Verify(secret, digest string) bool {
	switch Detect(digest) {
	case AlgBcrypt:
		return m.bcrypt.Verify(secret, digest)
	case AlgArgon2id:
		return m.argon2id.Verify(secret, digest)
	default:
		return false
	}
}

// Detect returns the algorithm that produced digest, or "" if unknown.
func Detect(digest string) string {
	switch {
	case strings.HasPrefix(digest, argon2Prefix):
		return AlgArgon2id
	case strings.HasPrefix(digest, "$2a$"), strings.HasPrefix(digest, "$2b$"), strings.HasPrefix(digest, "$2y$"):
		return AlgBcrypt
	}
	return ""
}
