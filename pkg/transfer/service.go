package transfer

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"airlift/pkg/bundle"
	"airlift/pkg/crypto"
	"airlift/pkg/discovery"
	"airlift/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// ProtocolVersion is reported by the peer-info endpoint.
	ProtocolVersion = "1"

	// BundleTTL is how long an announced bundle stays available.
	BundleTTL = 24 * time.Hour

	// TokenTTL bounds the life of an issued transfer token.
	TokenTTL = 5 * time.Minute

	// TerminalRetention keeps finished transfer records around for
	// inspection before the sweep reaps them.
	TerminalRetention = 5 * time.Minute

	cleanupInterval = 60 * time.Second
	tokenBytes      = 32
)

// Progress is published to subscribers as a transfer advances.
type Progress struct {
	TransferID       types.TransferID
	BundleID         types.BundleID
	Status           types.TransferStatus
	TotalBytes       int64
	TransferredBytes int64
	Percent          float64
}

// TransferStats is computed on demand from a transfer's byte counters.
type TransferStats struct {
	Transfer       *types.Transfer
	BytesPerSecond float64
	ETASeconds     float64
}

// Service hosts local bundles over HTTP and pulls remote ones. All
// registries are owned by the service instance and guarded by its mutex.
type Service struct {
	mu sync.RWMutex

	crypto *crypto.Service
	codec  *bundle.Codec
	disco  *discovery.Service
	logger *zap.Logger

	name      string
	dataDir   string
	chunkSize int64

	bundles   map[types.BundleID]*types.Bundle
	tokens    map[string]*types.TransferToken
	transfers map[types.TransferID]*types.Transfer

	progressSubs []chan Progress

	stopCh  chan struct{}
	stopped sync.Once
}

func NewService(name, dataDir string, cryptoSvc *crypto.Service, disco *discovery.Service, logger *zap.Logger) *Service {
	return &Service{
		crypto:    cryptoSvc,
		codec:     bundle.NewCodec(logger),
		disco:     disco,
		logger:    logger,
		name:      name,
		dataDir:   dataDir,
		chunkSize: bundle.DefaultChunkSize,
		bundles:   make(map[types.BundleID]*types.Bundle),
		tokens:    make(map[string]*types.TransferToken),
		transfers: make(map[types.TransferID]*types.Transfer),
		stopCh:    make(chan struct{}),
	}
}

// SetChunkSize overrides the default 4 MiB chunk size.
func (s *Service) SetChunkSize(size int64) {
	if size > 0 {
		s.chunkSize = size
	}
}

// ChunkSize returns the configured chunk size.
func (s *Service) ChunkSize() int64 {
	return s.chunkSize
}

// Start creates the data directory and launches the cleanup sweep.
func (s *Service) Start() error {
	if err := os.MkdirAll(filepath.Join(s.dataDir, "bundles"), 0755); err != nil {
		return fmt.Errorf("failed to create bundle directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(s.dataDir, "tmp"), 0755); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(s.dataDir, "downloads"), 0755); err != nil {
		return fmt.Errorf("failed to create downloads directory: %w", err)
	}

	go s.cleanupLoop()
	return nil
}

// Stop halts the cleanup sweep and closes progress channels.
func (s *Service) Stop() {
	s.stopped.Do(func() {
		close(s.stopCh)

		s.mu.Lock()
		for _, ch := range s.progressSubs {
			close(ch)
		}
		s.progressSubs = nil
		s.mu.Unlock()
	})
}

// SubscribeProgress returns a channel of transfer progress events. Slow
// subscribers lose events rather than stalling transfers.
func (s *Service) SubscribeProgress() <-chan Progress {
	ch := make(chan Progress, 64)
	s.mu.Lock()
	s.progressSubs = append(s.progressSubs, ch)
	s.mu.Unlock()
	return ch
}

func (s *Service) publishProgress(p Progress) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.progressSubs {
		select {
		case ch <- p:
		default:
		}
	}
}

// AnnounceBundle encodes projectRoot into a bundle, signs it, registers it
// with a 24h expiry and broadcasts availability through discovery.
func (s *Service) AnnounceBundle(projectRoot string, manifest *types.Manifest, extraExcludes []string) (*types.Bundle, error) {
	id := types.BundleID(uuid.NewString())
	outPath := filepath.Join(s.dataDir, "bundles", string(id)+".bundle")

	result, err := s.codec.Encode(projectRoot, manifest, outPath, extraExcludes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundle: %w", err)
	}

	envelope, err := s.crypto.SignBundle(result.Checksum)
	if err != nil {
		os.Remove(outPath)
		return nil, fmt.Errorf("failed to sign bundle: %w", err)
	}

	now := time.Now()
	b := &types.Bundle{
		ID:        id,
		Manifest:  *manifest,
		Path:      outPath,
		Size:      result.Size,
		Chunks:    bundle.ChunkCount(result.Size, s.chunkSize),
		Checksum:  result.Checksum,
		Signature: envelope,
		CreatedAt: now,
		ExpiresAt: now.Add(BundleTTL),
	}

	s.mu.Lock()
	s.bundles[id] = b
	s.mu.Unlock()

	if s.disco != nil {
		if err := s.disco.AnnounceBundle(b); err != nil {
			s.logger.Warn("Failed to broadcast bundle announcement",
				zap.String("bundle_id", string(id)),
				zap.Error(err))
		}
	}

	s.logger.Info("Bundle announced",
		zap.String("bundle_id", string(id)),
		zap.String("project", manifest.Name),
		zap.Int64("size", b.Size),
		zap.Int("chunks", b.Chunks))

	return b, nil
}

// Bundles lists locally hosted, unexpired bundles.
func (s *Service) Bundles() []*types.Bundle {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Bundle, 0, len(s.bundles))
	for _, b := range s.bundles {
		if !b.Expired(now) {
			copied := *b
			out = append(out, &copied)
		}
	}
	return out
}

// GetBundle looks up an unexpired hosted bundle.
func (s *Service) GetBundle(id types.BundleID) (*types.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bundles[id]
	if !ok || b.Expired(time.Now()) {
		return nil, fmt.Errorf("%w: %s", types.ErrBundleNotFound, id)
	}
	copied := *b
	return &copied, nil
}

// IssueToken mints a single-use, time-bounded token authorizing one peer to
// fetch one bundle. Repeated requests yield distinct tokens.
func (s *Service) IssueToken(bundleID types.BundleID, peerID types.PeerID) (*types.TransferToken, *types.Bundle, error) {
	b, err := s.GetBundle(bundleID)
	if err != nil {
		return nil, nil, err
	}

	raw, err := crypto.RandomBytes(tokenBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate token: %w", err)
	}

	token := &types.TransferToken{
		Token:     hex.EncodeToString(raw),
		BundleID:  bundleID,
		PeerID:    peerID,
		ExpiresAt: time.Now().Add(TokenTTL),
	}

	s.mu.Lock()
	s.tokens[token.Token] = token
	s.mu.Unlock()

	s.logger.Debug("Transfer token issued",
		zap.String("bundle_id", string(bundleID)),
		zap.String("peer_id", string(peerID)))

	return token, b, nil
}

// validateToken resolves a token to its bundle, rejecting unknown or
// expired tokens.
func (s *Service) validateToken(tokenValue string) (*types.TransferToken, *types.Bundle, error) {
	s.mu.RLock()
	token, ok := s.tokens[tokenValue]
	s.mu.RUnlock()

	if !ok || token.Expired(time.Now()) {
		return nil, nil, types.ErrTokenInvalid
	}

	b, err := s.GetBundle(token.BundleID)
	if err != nil {
		return nil, nil, err
	}
	return token, b, nil
}

// consumeToken deletes a token after a full-stream download. Chunked pulls
// keep the token alive until expiry so ranged requests can share it.
func (s *Service) consumeToken(tokenValue string) {
	s.mu.Lock()
	delete(s.tokens, tokenValue)
	s.mu.Unlock()
}

// Transfers returns a snapshot of all known transfer states.
func (s *Service) Transfers() []*types.Transfer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Transfer, 0, len(s.transfers))
	for _, t := range s.transfers {
		out = append(out, copyTransfer(t))
	}
	return out
}

// GetTransfer looks up a transfer state by id.
func (s *Service) GetTransfer(id types.TransferID) (*types.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transfers[id]
	if !ok {
		return nil, fmt.Errorf("%w: transfer %s not found", types.ErrTransferFailed, id)
	}
	return copyTransfer(t), nil
}

// GetTransferProgress computes instantaneous speed and ETA from the byte
// counters rather than storing them.
func (s *Service) GetTransferProgress(id types.TransferID) (*TransferStats, error) {
	t, err := s.GetTransfer(id)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(t.StartTime).Seconds()
	stats := &TransferStats{Transfer: t}
	if elapsed > 0 {
		stats.BytesPerSecond = float64(t.TransferredBytes) / elapsed
	}
	if stats.BytesPerSecond > 0 {
		remaining := t.TotalBytes - t.TransferredBytes
		stats.ETASeconds = float64(remaining) / stats.BytesPerSecond
	}
	return stats, nil
}

// CancelTransfer marks a transfer cancelled, deletes any partial temp file
// and removes the state. Cancellation is cooperative: the download loop
// checks status before each write.
func (s *Service) CancelTransfer(id types.TransferID) error {
	s.mu.Lock()
	t, ok := s.transfers[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: transfer %s not found", types.ErrTransferFailed, id)
	}
	if t.Status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: transfer %s already %s", types.ErrTransferFailed, id, t.Status)
	}
	t.Status = types.TransferCancelled
	t.EndTime = time.Now()
	tempPath := t.TempPath
	delete(s.transfers, id)
	s.mu.Unlock()

	if tempPath != "" {
		os.Remove(tempPath)
	}

	s.logger.Info("Transfer cancelled", zap.String("transfer_id", string(id)))
	return nil
}

// advanceTransfer moves a transfer forward along
// pending -> transferring -> terminal; backwards moves are rejected.
func (s *Service) advanceTransfer(id types.TransferID, status types.TransferStatus, errMsg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[id]
	if !ok {
		return false
	}
	if t.Status.Terminal() {
		return false
	}
	if t.Status == types.TransferTransferring && status == types.TransferPending {
		return false
	}
	t.Status = status
	if status.Terminal() {
		t.EndTime = time.Now()
	}
	if errMsg != "" {
		t.Error = errMsg
	}
	return true
}

// addTransferredBytes bumps the monotonic byte counter and marks chunks
// complete as their byte ranges finish.
func (s *Service) addTransferredBytes(id types.TransferID, n int64) (int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[id]
	if !ok || n <= 0 {
		return 0, 0
	}
	t.TransferredBytes += n
	if t.TransferredBytes > t.TotalBytes && t.TotalBytes > 0 {
		t.TransferredBytes = t.TotalBytes
	}
	if s.chunkSize > 0 && t.CompletedChunks != nil {
		doneThrough := int(t.TransferredBytes / s.chunkSize)
		if t.TransferredBytes == t.TotalBytes {
			doneThrough = t.TotalChunks
		}
		for i := 0; i < doneThrough; i++ {
			t.CompletedChunks[i] = true
		}
	}
	return t.TransferredBytes, t.TotalBytes
}

func (s *Service) transferStatus(id types.TransferID) (types.TransferStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transfers[id]
	if !ok {
		return "", false
	}
	return t.Status, true
}

func (s *Service) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// sweep expires stale bundles, deletes expired tokens and reaps terminal
// transfer states past the retention window.
func (s *Service) sweep() {
	now := time.Now()

	s.mu.Lock()
	var removedBundles, removedTokens, removedTransfers int
	var expiredPaths []string

	for id, b := range s.bundles {
		if b.Expired(now) {
			delete(s.bundles, id)
			expiredPaths = append(expiredPaths, b.Path)
			removedBundles++
		}
	}
	for value, token := range s.tokens {
		if token.Expired(now) {
			delete(s.tokens, value)
			removedTokens++
		}
	}
	for id, t := range s.transfers {
		if t.Status.Terminal() && now.Sub(t.EndTime) > TerminalRetention {
			delete(s.transfers, id)
			removedTransfers++
		}
	}
	s.mu.Unlock()

	for _, path := range expiredPaths {
		os.Remove(path)
	}

	if removedBundles+removedTokens+removedTransfers > 0 {
		s.logger.Debug("Cleanup sweep",
			zap.Int("bundles", removedBundles),
			zap.Int("tokens", removedTokens),
			zap.Int("transfers", removedTransfers))
	}
}

func copyTransfer(t *types.Transfer) *types.Transfer {
	copied := *t
	if t.CompletedChunks != nil {
		copied.CompletedChunks = make(map[int]bool, len(t.CompletedChunks))
		for k, v := range t.CompletedChunks {
			copied.CompletedChunks[k] = v
		}
	}
	return &copied
}
