package hasher_test

import (
	"testing"

	"github.com/shariqsway/nest-api-key-auth-sub000/internal/hasher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// fastArgon keeps the memory-hard path cheap in tests.
func fastArgon() hasher.Argon2id {
	return hasher.Argon2id{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32, SaltLen: 16}
}

func TestRoundTrip_AllAlgorithms(t *testing.T) {
	hashers := map[string]hasher.Hasher{
		"bcrypt":   hasher.Bcrypt{Cost: bcrypt.MinCost},
		"argon2id": fastArgon(),
	}
	secrets := []string{"kg_abc123", "", "with spaces and ünïcode", "kg_0000000000000000000000000000000000000000"}

	for name, h := range hashers {
		for _, s := range secrets {
			t.Run(name+"/"+s, func(t *testing.T) {
				digest, err := h.Hash(s)
				require.NoError(t, err)
				assert.True(t, h.Verify(s, digest))
				assert.False(t, h.Verify(s+"x", digest))
			})
		}
	}
}

func TestArgon2id_SaltsDiffer(t *testing.T) {
	h := fastArgon()
	a, err := h.Hash("secret")
	require.NoError(t, err)
	b, err := h.Hash("secret")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestMulti_DispatchesOnDigestMarker(t *testing.T) {
	bc, err := hasher.Bcrypt{Cost: bcrypt.MinCost}.Hash("secret")
	require.NoError(t, err)
	ar, err := hasher.DefaultArgon2id().Hash("secret")
	require.NoError(t, err)

	m, err := hasher.New(hasher.AlgBcrypt, bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, m.Verify("secret", bc))
	assert.True(t, m.Verify("secret", ar), "multi verifies digests from the non-primary algorithm")
	assert.False(t, m.Verify("nope", ar))
}

func TestMulti_HashesWithPrimary(t *testing.T) {
	m, err := hasher.New(hasher.AlgArgon2id, 0)
	require.NoError(t, err)
	d, err := m.Hash("secret")
	require.NoError(t, err)
	assert.Equal(t, hasher.AlgArgon2id, hasher.Detect(d))
}

func TestNew_UnknownAlgorithm(t *testing.T) {
	_, err := hasher.New("md5", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "md5")
}

func TestVerify_MalformedDigest(t *testing.T) {
	m, err := hasher.New(hasher.AlgBcrypt, bcrypt.MinCost)
	require.NoError(t, err)

	for _, d := range []string{
		"",
		"plain",
		"$2b$",
		"$argon2id$",
		"$argon2id$v=19$m=0,t=0,p=0$AAAA$AAAA",
		"$argon2id$v=19$m=1024,t=1,p=1$!!!$AAAA",
		"$argon2id$v=1$m=1024,t=1,p=1$AAAA$AAAA",
	} {
		assert.NotPanics(t, func() { assert.False(t, m.Verify("secret", d)) }, d)
	}
}
