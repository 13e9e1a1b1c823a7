package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"airlift/pkg/bundle"
	"airlift/pkg/types"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// Header names used by the download endpoints.
const (
	HeaderBundleChecksum  = "X-Bundle-Checksum"
	HeaderBundleSignature = "X-Bundle-Signature"
	HeaderChunkIndex      = "X-Chunk-Index"
)

type PeerInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	PublicKey string `json:"publicKey"`
	Version   string `json:"version"`
	Backend   string `json:"backend"`
}

type BundleEntry struct {
	BundleID  string         `json:"bundleId"`
	Manifest  types.Manifest `json:"manifest"`
	Size      int64          `json:"size"`
	Chunks    int            `json:"chunks"`
	CreatedAt int64          `json:"createdAt"`
}

type BundleList struct {
	Bundles []BundleEntry `json:"bundles"`
}

type tokenRequest struct {
	BundleID string `json:"bundleId"`
	PeerID   string `json:"peerId"`
}

type TokenGrant struct {
	Token     string `json:"token"`
	Size      int64  `json:"size"`
	Chunks    int    `json:"chunks"`
	ExpiresAt int64  `json:"expiresAt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter builds the echo instance serving the transfer endpoints.
func (s *Service) NewRouter() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(s.requestLogger)

	e.GET("/v1/peer-info", s.handlePeerInfo)
	e.GET("/v1/bundles", s.handleListBundles)
	e.POST("/v1/transfer-token", s.handleIssueToken)
	e.GET("/v1/transfer/:token", s.handleDownload)
	e.GET("/v1/transfer/:token/:chunk", s.handleDownloadChunk)

	return e
}

// Serve blocks serving the transfer API on addr until ctx is cancelled.
func (s *Service) Serve(ctx context.Context, addr string) error {
	e := s.NewRouter()

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Start(addr)
	}()

	s.logger.Info("Transfer server listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("transfer server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	}
}

func (s *Service) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		s.logger.Debug("Request",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Request().URL.Path),
			zap.Int("status", c.Response().Status))
		return err
	}
}

func (s *Service) handlePeerInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, PeerInfo{
		ID:        string(s.crypto.PeerID()),
		Name:      s.name,
		PublicKey: s.crypto.PublicKey(),
		Version:   ProtocolVersion,
		Backend:   string(s.crypto.Backend()),
	})
}

func (s *Service) handleListBundles(c echo.Context) error {
	bundles := s.Bundles()
	resp := BundleList{Bundles: make([]BundleEntry, 0, len(bundles))}
	for _, b := range bundles {
		resp.Bundles = append(resp.Bundles, BundleEntry{
			BundleID:  string(b.ID),
			Manifest:  b.Manifest,
			Size:      b.Size,
			Chunks:    b.Chunks,
			CreatedAt: b.CreatedAt.Unix(),
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Service) handleIssueToken(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil || req.BundleID == "" || req.PeerID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "bundleId and peerId are required"})
	}

	token, b, err := s.IssueToken(types.BundleID(req.BundleID), types.PeerID(req.PeerID))
	if err != nil {
		if errors.Is(err, types.ErrBundleNotFound) {
			return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}

	return c.JSON(http.StatusOK, TokenGrant{
		Token:     token.Token,
		Size:      b.Size,
		Chunks:    b.Chunks,
		ExpiresAt: token.ExpiresAt.Unix(),
	})
}

// handleDownload serves the full bundle byte stream with checksum and
// signature headers. The token is consumed once the stream is served.
func (s *Service) handleDownload(c echo.Context) error {
	tokenValue := c.Param("token")

	token, b, err := s.validateToken(tokenValue)
	if err != nil {
		if errors.Is(err, types.ErrTokenInvalid) {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	}

	c.Response().Header().Set(HeaderBundleChecksum, b.Checksum)
	if b.Signature != nil {
		sigJSON, err := json.Marshal(b.Signature)
		if err == nil {
			c.Response().Header().Set(HeaderBundleSignature, string(sigJSON))
		}
	}

	s.logger.Info("Serving bundle",
		zap.String("bundle_id", string(b.ID)),
		zap.String("peer_id", string(token.PeerID)),
		zap.Int64("size", b.Size))

	if err := c.File(b.Path); err != nil {
		return err
	}
	s.consumeToken(tokenValue)
	return nil
}

// handleDownloadChunk serves one addressed chunk by index using byte-range
// semantics. The token stays valid for further chunk requests until expiry.
func (s *Service) handleDownloadChunk(c echo.Context) error {
	tokenValue := c.Param("token")

	_, b, err := s.validateToken(tokenValue)
	if err != nil {
		if errors.Is(err, types.ErrTokenInvalid) {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	}

	index, err := strconv.Atoi(c.Param("chunk"))
	if err != nil || index < 0 || index >= b.Chunks {
		return c.JSON(http.StatusRequestedRangeNotSatisfiable,
			errorResponse{Error: fmt.Sprintf("chunk index out of range [0,%d)", b.Chunks)})
	}

	data, err := bundle.ReadChunk(b.Path, index, s.chunkSize)
	if err != nil {
		s.logger.Error("Failed to read chunk",
			zap.String("bundle_id", string(b.ID)),
			zap.Int("chunk", index),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to read chunk"})
	}

	start := int64(index) * s.chunkSize
	end := start + int64(len(data)) - 1

	c.Response().Header().Set(HeaderChunkIndex, strconv.Itoa(index))
	c.Response().Header().Set(HeaderBundleChecksum, b.Checksum)
	c.Response().Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, b.Size))

	return c.Blob(http.StatusPartialContent, "application/octet-stream", data)
}
