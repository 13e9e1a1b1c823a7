package crypto

import (
	"time"

	"airlift/pkg/types"

	"go.uber.org/zap"
)

const (
	// EnvelopeVersion is the signature envelope format version.
	EnvelopeVersion = 1

	// EnvelopeMaxAge bounds how old a bundle signature may be before
	// verification rejects it.
	EnvelopeMaxAge = 24 * time.Hour
)

// SignBundle wraps a bundle hash in a signature envelope under this node's
// identity.
func (s *Service) SignBundle(bundleHash string) (*types.SignatureEnvelope, error) {
	sig, err := s.Sign([]byte(bundleHash))
	if err != nil {
		return nil, err
	}
	return &types.SignatureEnvelope{
		BundleHash: bundleHash,
		Signature:  sig,
		PublicKey:  s.keys.PublicKey,
		Timestamp:  time.Now().UTC(),
		Version:    EnvelopeVersion,
		Backend:    string(s.backend),
	}, nil
}

// VerifyBundleSignature checks an envelope against an independently computed
// bundle hash. It fails closed: any staleness, mismatch, backend difference
// or cryptographic failure yields false, never an error.
func (s *Service) VerifyBundleSignature(bundleHash string, env *types.SignatureEnvelope) bool {
	if env == nil {
		return false
	}
	if env.Backend != string(s.backend) {
		s.logger.Warn("Signature envelope from incompatible backend",
			zap.String("envelope_backend", env.Backend),
			zap.String("active_backend", string(s.backend)))
		return false
	}
	if time.Since(env.Timestamp) > EnvelopeMaxAge {
		return false
	}
	if env.BundleHash != bundleHash {
		return false
	}
	return s.Verify(env.PublicKey, env.Signature, []byte(bundleHash))
}
