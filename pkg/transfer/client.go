package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"airlift/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 10 * time.Second
	requestTimeout  = 30 * time.Second

	// Progress events are emitted at coarse granularity to bound event
	// volume: at least 1 MiB or 5% of the total since the last event.
	progressByteDelta    = 1024 * 1024
	progressPercentDelta = 5.0

	copyBufferSize = 64 * 1024
)

var httpClient = &http.Client{}

// peerBaseURL builds the transfer API root for a peer.
func peerBaseURL(peer *types.Peer) string {
	return fmt.Sprintf("http://%s:%d/v1", peer.Address, peer.Port)
}

// FetchPeerInfo queries a peer's identity endpoint.
func (s *Service) FetchPeerInfo(ctx context.Context, peer *types.Peer) (*PeerInfo, error) {
	var info PeerInfo
	if err := s.getJSON(ctx, peerBaseURL(peer)+"/peer-info", &info); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPeerUnavailable, err)
	}
	return &info, nil
}

// FetchBundleList queries a peer's hosted bundle listing.
func (s *Service) FetchBundleList(ctx context.Context, peer *types.Peer) ([]BundleEntry, error) {
	var resp BundleList
	if err := s.getJSON(ctx, peerBaseURL(peer)+"/bundles", &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPeerUnavailable, err)
	}
	return resp.Bundles, nil
}

// RequestBundle pulls a bundle from a discovered peer: checks peer liveness,
// requests a token, opens a transfer state and streams the download into
// temporary storage. On success the returned transfer is completed and its
// TempPath points at the downloaded bundle file.
func (s *Service) RequestBundle(ctx context.Context, peerID types.PeerID, bundleID types.BundleID) (*types.Transfer, error) {
	peer, ok := s.disco.GetPeer(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: peer %s not in registry", types.ErrPeerUnavailable, peerID)
	}

	token, err := s.requestToken(ctx, peer, bundleID)
	if err != nil {
		return nil, err
	}

	transferID := types.TransferID(uuid.NewString())
	tempPath := filepath.Join(s.dataDir, "tmp", string(transferID)+".partial")

	t := &types.Transfer{
		ID:              transferID,
		BundleID:        bundleID,
		PeerID:          peerID,
		Direction:       types.DirectionDownload,
		Status:          types.TransferPending,
		TotalChunks:     token.Chunks,
		CompletedChunks: make(map[int]bool),
		TotalBytes:      token.Size,
		StartTime:       time.Now(),
		TempPath:        tempPath,
	}

	s.mu.Lock()
	s.transfers[transferID] = t
	s.mu.Unlock()

	if err := s.download(ctx, peer, token, transferID, tempPath); err != nil {
		s.failTransfer(transferID, err)
		os.Remove(tempPath)
		failed, _ := s.GetTransfer(transferID)
		return failed, fmt.Errorf("bundle %s from peer %s: %w", bundleID, peerID, err)
	}

	finalPath := filepath.Join(s.dataDir, "downloads", string(bundleID)+".bundle")
	if err := os.Rename(tempPath, finalPath); err != nil {
		s.failTransfer(transferID, err)
		os.Remove(tempPath)
		failed, _ := s.GetTransfer(transferID)
		return failed, fmt.Errorf("bundle %s from peer %s: %w", bundleID, peerID, err)
	}

	s.mu.Lock()
	if t, ok := s.transfers[transferID]; ok {
		t.TempPath = finalPath
	}
	s.mu.Unlock()

	s.advanceTransfer(transferID, types.TransferCompleted, "")
	s.emitProgress(transferID)

	s.logger.Info("Transfer completed",
		zap.String("transfer_id", string(transferID)),
		zap.String("bundle_id", string(bundleID)),
		zap.Int64("bytes", token.Size))

	return s.GetTransfer(transferID)
}

// requestToken asks the hosting peer for a transfer token.
func (s *Service) requestToken(ctx context.Context, peer *types.Peer, bundleID types.BundleID) (*TokenGrant, error) {
	body, err := json.Marshal(tokenRequest{
		BundleID: string(bundleID),
		PeerID:   string(s.crypto.PeerID()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		peerBaseURL(peer)+"/transfer-token", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPeerUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", types.ErrBundleNotFound, bundleID)
	default:
		return nil, fmt.Errorf("%w: token request returned %d", types.ErrTransferFailed, resp.StatusCode)
	}

	var token TokenGrant
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("%w: malformed token response: %v", types.ErrTransferFailed, err)
	}
	return &token, nil
}

// download streams the full bundle into tempPath, verifying the checksum and
// signature headers against the received bytes.
func (s *Service) download(ctx context.Context, peer *types.Peer, token *TokenGrant, transferID types.TransferID, tempPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/transfer/%s", peerBaseURL(peer), token.Token), nil)
	if err != nil {
		return fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPeerUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return types.ErrTokenInvalid
	case http.StatusNotFound:
		return types.ErrBundleNotFound
	default:
		return fmt.Errorf("%w: download returned %d", types.ErrTransferFailed, resp.StatusCode)
	}

	if !s.advanceTransfer(transferID, types.TransferTransferring, "") {
		return fmt.Errorf("%w: transfer no longer active", types.ErrTransferFailed)
	}

	out, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	hasher := sha256.New()
	if err := s.copyWithProgress(transferID, out, hasher, resp.Body); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if checksum := resp.Header.Get(HeaderBundleChecksum); checksum != "" {
		received := hex.EncodeToString(hasher.Sum(nil))
		if received != checksum {
			return fmt.Errorf("%w: checksum mismatch, expected %s got %s",
				types.ErrCorruptBundle, checksum, received)
		}
		if sigHeader := resp.Header.Get(HeaderBundleSignature); sigHeader != "" {
			var envelope types.SignatureEnvelope
			if err := json.Unmarshal([]byte(sigHeader), &envelope); err != nil {
				return fmt.Errorf("%w: malformed signature header", types.ErrSignatureInvalid)
			}
			if !s.crypto.VerifyBundleSignature(received, &envelope) {
				return fmt.Errorf("%w: bundle signature rejected", types.ErrSignatureInvalid)
			}
		}
	}

	return nil
}

// copyWithProgress copies the stream while updating the transfer counters.
// Status is checked before each write so a cooperative cancel never writes
// to a deleted temp file.
func (s *Service) copyWithProgress(transferID types.TransferID, out io.Writer, hasher io.Writer, in io.Reader) error {
	buf := make([]byte, copyBufferSize)
	var sinceEvent int64
	var lastPercent float64

	for {
		n, readErr := in.Read(buf)
		if n > 0 {
			status, ok := s.transferStatus(transferID)
			if !ok || status != types.TransferTransferring {
				return fmt.Errorf("%w: transfer interrupted", types.ErrTransferFailed)
			}
			if _, err := out.Write(buf[:n]); err != nil {
				return fmt.Errorf("%w: %v", types.ErrTransferFailed, err)
			}
			hasher.Write(buf[:n])

			transferred, total := s.addTransferredBytes(transferID, int64(n))
			sinceEvent += int64(n)

			percent := 0.0
			if total > 0 {
				percent = float64(transferred) / float64(total) * 100
			}
			if sinceEvent >= progressByteDelta || percent-lastPercent >= progressPercentDelta {
				s.emitProgress(transferID)
				sinceEvent = 0
				lastPercent = percent
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("%w: %v", types.ErrTransferFailed, readErr)
		}
	}
}

// FetchChunk pulls one addressed chunk using an existing token. Callers
// tracking completed chunk indices can use this to re-request only missing
// ranges.
func (s *Service) FetchChunk(ctx context.Context, peer *types.Peer, tokenValue string, index int) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		fmt.Sprintf("%s/transfer/%s/%d", peerBaseURL(peer), tokenValue, index), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build chunk request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPeerUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent, http.StatusOK:
	case http.StatusUnauthorized:
		return nil, types.ErrTokenInvalid
	default:
		return nil, fmt.Errorf("%w: chunk request returned %d", types.ErrTransferFailed, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

func (s *Service) failTransfer(id types.TransferID, cause error) {
	s.advanceTransfer(id, types.TransferFailed, cause.Error())
	s.emitProgress(id)
	s.logger.Error("Transfer failed",
		zap.String("transfer_id", string(id)),
		zap.Error(cause))
}

func (s *Service) emitProgress(id types.TransferID) {
	t, err := s.GetTransfer(id)
	if err != nil {
		return
	}
	percent := 0.0
	if t.TotalBytes > 0 {
		percent = float64(t.TransferredBytes) / float64(t.TotalBytes) * 100
	}
	s.publishProgress(Progress{
		TransferID:       t.ID,
		BundleID:         t.BundleID,
		Status:           t.Status,
		TotalBytes:       t.TotalBytes,
		TransferredBytes: t.TransferredBytes,
		Percent:          percent,
	})
}

func (s *Service) getJSON(ctx context.Context, url string, v interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
