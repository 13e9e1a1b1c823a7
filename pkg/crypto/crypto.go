package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"airlift/pkg/types"

	"go.uber.org/zap"
)

// Backend identifies the signing implementation in use. The two backends are
// not interoperable: signatures produced by one cannot be verified by the
// other, so the backend is chosen once at startup and recorded in every
// signature envelope.
type Backend string

const (
	// BackendEd25519 is the native asymmetric backend.
	BackendEd25519 Backend = "ed25519"
	// BackendHMAC is the software fallback. It is a symmetric hash-based
	// construction keyed by the public key: anyone holding the announcement
	// can forge it, so it provides integrity but not non-repudiation.
	BackendHMAC Backend = "hmac-sha256"
)

const envForceFallback = "AIRLIFT_CRYPTO_FALLBACK"

type KeyPair struct {
	Backend    Backend `json:"backend"`
	PublicKey  string  `json:"public_key"`
	PrivateKey string  `json:"private_key"`
}

// Service holds the node identity and provides hashing, signing and
// verification. The backend is fixed for the lifetime of the process.
type Service struct {
	backend Backend
	keys    *KeyPair
	logger  *zap.Logger
}

// NewService selects a backend and generates a fresh identity. The ed25519
// backend is preferred; the HMAC fallback is only used when forced through
// the environment.
func NewService(logger *zap.Logger) (*Service, error) {
	backend := BackendEd25519
	if os.Getenv(envForceFallback) != "" {
		backend = BackendHMAC
		logger.Warn("Using software fallback crypto backend",
			zap.String("backend", string(backend)))
	}
	return NewServiceWithBackend(backend, logger)
}

// NewServiceWithBackend creates a service on an explicit backend.
func NewServiceWithBackend(backend Backend, logger *zap.Logger) (*Service, error) {
	s := &Service{backend: backend, logger: logger}

	keys, err := s.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	s.keys = keys

	logger.Info("Crypto service initialized",
		zap.String("backend", string(backend)),
		zap.String("peer_id", string(s.PeerID())))

	return s, nil
}

// NewServiceWithKeys creates a service around an existing identity.
func NewServiceWithKeys(keys *KeyPair, logger *zap.Logger) (*Service, error) {
	if keys.Backend != BackendEd25519 && keys.Backend != BackendHMAC {
		return nil, fmt.Errorf("unknown crypto backend %q", keys.Backend)
	}
	return &Service{backend: keys.Backend, keys: keys, logger: logger}, nil
}

// Backend returns the active signing backend.
func (s *Service) Backend() Backend {
	return s.backend
}

// PublicKey returns the hex-encoded public key of this identity.
func (s *Service) PublicKey() string {
	return s.keys.PublicKey
}

// Keys returns the identity key pair.
func (s *Service) Keys() *KeyPair {
	return s.keys
}

// PeerID derives this node's peer id, the first 16 hex characters of the
// public key.
func (s *Service) PeerID() types.PeerID {
	return PeerIDFromPublicKey(s.keys.PublicKey)
}

// PeerIDFromPublicKey derives a peer id from any hex public key.
func PeerIDFromPublicKey(publicKeyHex string) types.PeerID {
	if len(publicKeyHex) < 16 {
		return types.PeerID(publicKeyHex)
	}
	return types.PeerID(publicKeyHex[:16])
}

// GenerateKeyPair produces a new identity on the active backend. Keys are
// 32 bytes, hex encoded.
func (s *Service) GenerateKeyPair() (*KeyPair, error) {
	switch s.backend {
	case BackendEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("ed25519 key generation: %w", err)
		}
		return &KeyPair{
			Backend:    BackendEd25519,
			PublicKey:  hex.EncodeToString(pub),
			PrivateKey: hex.EncodeToString(priv.Seed()),
		}, nil

	case BackendHMAC:
		seed := make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("random generation: %w", err)
		}
		pub := sha256.Sum256(seed)
		return &KeyPair{
			Backend:    BackendHMAC,
			PublicKey:  hex.EncodeToString(pub[:]),
			PrivateKey: hex.EncodeToString(seed),
		}, nil

	default:
		return nil, fmt.Errorf("unknown crypto backend %q", s.backend)
	}
}

// Hash computes the hex SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Sign signs data with this node's private key and returns the hex signature.
func (s *Service) Sign(data []byte) (string, error) {
	switch s.backend {
	case BackendEd25519:
		seed, err := hex.DecodeString(s.keys.PrivateKey)
		if err != nil || len(seed) != ed25519.SeedSize {
			return "", fmt.Errorf("invalid private key")
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return hex.EncodeToString(ed25519.Sign(priv, data)), nil

	case BackendHMAC:
		return hmacSign(s.keys.PublicKey, data)

	default:
		return "", fmt.Errorf("unknown crypto backend %q", s.backend)
	}
}

// Verify checks a hex signature over data against a hex public key. It
// returns false for any malformed input rather than failing.
func (s *Service) Verify(publicKeyHex, signatureHex string, data []byte) bool {
	switch s.backend {
	case BackendEd25519:
		pub, err := hex.DecodeString(publicKeyHex)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return false
		}
		sig, err := hex.DecodeString(signatureHex)
		if err != nil || len(sig) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub), data, sig)

	case BackendHMAC:
		expected, err := hmacSign(publicKeyHex, data)
		if err != nil {
			return false
		}
		return hmac.Equal([]byte(expected), []byte(signatureHex))

	default:
		return false
	}
}

// hmacSign is the fallback construction: HMAC-SHA256 keyed by the public
// key. Verifiable by any receiver, and equally forgeable by one.
func hmacSign(publicKeyHex string, data []byte) (string, error) {
	key, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return "", fmt.Errorf("invalid public key")
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("random generation: %w", err)
	}
	return b, nil
}
