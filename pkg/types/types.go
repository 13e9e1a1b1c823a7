package types

import (
	"time"
)

type BundleID string
type PeerID string
type TransferID string

// Manifest describes a packaged project. It is produced upstream by the
// project detector and carried opaquely by the bundle codec.
type Manifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Language     string            `json:"language"`
	RunCommand   string            `json:"run_command"`
	Engines      map[string]string `json:"engines,omitempty"`
	Ports        []int             `json:"ports,omitempty"`
	EnvVars      []string          `json:"env_vars,omitempty"`
	Secrets      []string          `json:"secrets,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// Valid reports whether the manifest carries the required fields.
func (m *Manifest) Valid() bool {
	return m.Name != "" && m.Version != "" && m.Language != "" && m.RunCommand != ""
}

// SignatureEnvelope wraps a bundle hash with the signature that covers it.
// Backend records which crypto backend produced the signature; envelopes are
// only verifiable under the backend that signed them.
type SignatureEnvelope struct {
	BundleHash string    `json:"bundle_hash"`
	Signature  string    `json:"signature"`
	PublicKey  string    `json:"public_key"`
	Timestamp  time.Time `json:"timestamp"`
	Version    int       `json:"version"`
	Backend    string    `json:"backend"`
}

type Bundle struct {
	ID        BundleID           `json:"bundle_id"`
	Manifest  Manifest           `json:"manifest"`
	Path      string             `json:"-"`
	Size      int64              `json:"size"`
	Chunks    int                `json:"chunks"`
	Checksum  string             `json:"checksum"`
	Signature *SignatureEnvelope `json:"signature,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	ExpiresAt time.Time          `json:"expires_at"`
}

// Expired reports whether the bundle is past its expiry.
func (b *Bundle) Expired(now time.Time) bool {
	return now.After(b.ExpiresAt)
}

type Peer struct {
	ID        PeerID    `json:"peer_id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Port      int       `json:"port"`
	PublicKey string    `json:"public_key"`
	LastSeen  time.Time `json:"last_seen"`
}

type TransferDirection string

const (
	DirectionUpload   TransferDirection = "upload"
	DirectionDownload TransferDirection = "download"
)

type TransferStatus string

const (
	TransferPending      TransferStatus = "pending"
	TransferTransferring TransferStatus = "transferring"
	TransferCompleted    TransferStatus = "completed"
	TransferFailed       TransferStatus = "failed"
	TransferCancelled    TransferStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s TransferStatus) Terminal() bool {
	return s == TransferCompleted || s == TransferFailed || s == TransferCancelled
}

type Transfer struct {
	ID               TransferID        `json:"transfer_id"`
	BundleID         BundleID          `json:"bundle_id"`
	PeerID           PeerID            `json:"peer_id"`
	Direction        TransferDirection `json:"direction"`
	Status           TransferStatus    `json:"status"`
	TotalChunks      int               `json:"total_chunks"`
	CompletedChunks  map[int]bool      `json:"completed_chunks,omitempty"`
	TotalBytes       int64             `json:"total_bytes"`
	TransferredBytes int64             `json:"transferred_bytes"`
	StartTime        time.Time         `json:"start_time"`
	EndTime          time.Time         `json:"end_time,omitempty"`
	TempPath         string            `json:"-"`
	Error            string            `json:"error,omitempty"`
}

type TransferToken struct {
	Token     string    `json:"token"`
	BundleID  BundleID  `json:"bundle_id"`
	PeerID    PeerID    `json:"peer_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token is past its expiry.
func (t *TransferToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
