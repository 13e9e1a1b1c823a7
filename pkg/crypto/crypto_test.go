package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T, backend Backend) *Service {
	t.Helper()
	svc, err := NewServiceWithBackend(backend, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func TestSignAndVerifyBothBackends(t *testing.T) {
	for _, backend := range []Backend{BackendEd25519, BackendHMAC} {
		t.Run(string(backend), func(t *testing.T) {
			svc := newTestService(t, backend)
			data := []byte("test message")

			sig, err := svc.Sign(data)
			require.NoError(t, err)
			assert.True(t, svc.Verify(svc.PublicKey(), sig, data))
			assert.False(t, svc.Verify(svc.PublicKey(), sig, []byte("tampered")))
		})
	}
}

func TestVerifyMalformedInput(t *testing.T) {
	svc := newTestService(t, BackendEd25519)

	assert.False(t, svc.Verify("not-hex", "also-not-hex", []byte("x")))
	assert.False(t, svc.Verify(svc.PublicKey(), "abcd", []byte("x")))
	assert.False(t, svc.Verify("abcd", "abcd", []byte("x")))
}

func TestKeyPairShape(t *testing.T) {
	svc := newTestService(t, BackendEd25519)
	keys := svc.Keys()

	// 32-byte keys, hex encoded.
	assert.Len(t, keys.PublicKey, 64)
	assert.Len(t, keys.PrivateKey, 64)
}

func TestPeerIDDerivation(t *testing.T) {
	svc := newTestService(t, BackendEd25519)

	id := svc.PeerID()
	assert.Len(t, string(id), 16)
	assert.Equal(t, svc.PublicKey()[:16], string(id))
}

func TestSignaturesNotCrossBackendCompatible(t *testing.T) {
	ed := newTestService(t, BackendEd25519)
	hm := newTestService(t, BackendHMAC)

	data := []byte("bundle hash")
	sig, err := ed.Sign(data)
	require.NoError(t, err)

	// An HMAC-backend node cannot verify an ed25519 signature even with the
	// right key material.
	assert.False(t, hm.Verify(ed.PublicKey(), sig, data))
}

func TestBundleSignatureFreshness(t *testing.T) {
	svc := newTestService(t, BackendEd25519)

	hash := Hash([]byte("bundle bytes"))
	env, err := svc.SignBundle(hash)
	require.NoError(t, err)

	// Fresh envelope with correct hash verifies.
	env.Timestamp = time.Now().Add(-1 * time.Hour)
	assert.True(t, svc.VerifyBundleSignature(hash, env))

	// Older than 24h fails closed.
	env.Timestamp = time.Now().Add(-25 * time.Hour)
	assert.False(t, svc.VerifyBundleSignature(hash, env))
}

func TestBundleSignatureHashMismatch(t *testing.T) {
	svc := newTestService(t, BackendEd25519)

	env, err := svc.SignBundle(Hash([]byte("original")))
	require.NoError(t, err)

	assert.False(t, svc.VerifyBundleSignature(Hash([]byte("different")), env))
	assert.False(t, svc.VerifyBundleSignature("", nil))
}

func TestBundleSignatureBackendMismatch(t *testing.T) {
	ed := newTestService(t, BackendEd25519)
	hm := newTestService(t, BackendHMAC)

	hash := Hash([]byte("bundle"))
	env, err := ed.SignBundle(hash)
	require.NoError(t, err)
	assert.Equal(t, string(BackendEd25519), env.Backend)

	// An envelope from an incompatible backend is rejected, not trusted.
	assert.False(t, hm.VerifyBundleSignature(hash, env))
}

func TestDeriveKeyDeterministic(t *testing.T) {
	k1 := DeriveKey([]byte("password"), []byte("salt"))
	k2 := DeriveKey([]byte("password"), []byte("salt"))
	k3 := DeriveKey([]byte("password"), []byte("other salt"))

	assert.Len(t, k1, 32)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := DeriveKey([]byte("vault password"), []byte("salt"))
	plaintext := []byte("secret value")

	ciphertext, err := Encrypt(key, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := Decrypt(key, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)

	// Wrong key fails.
	wrong := DeriveKey([]byte("wrong"), []byte("salt"))
	_, err = Decrypt(wrong, ciphertext)
	assert.Error(t, err)

	// Tampered ciphertext fails.
	ciphertext[len(ciphertext)-1] ^= 0xFF
	_, err = Decrypt(key, ciphertext)
	assert.Error(t, err)
}

func TestHashStable(t *testing.T) {
	assert.Equal(t, Hash([]byte("hello")), Hash([]byte("hello")))
	assert.Len(t, Hash([]byte("hello")), 64)
	assert.NotEqual(t, Hash([]byte("hello")), Hash([]byte("world")))
}

func TestRandomBytes(t *testing.T) {
	a, err := RandomBytes(32)
	require.NoError(t, err)
	b, err := RandomBytes(32)
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
