package discovery

import (
	"fmt"

	"airlift/pkg/types"
)

type MessageType string

const (
	MessagePeerAnnouncement   MessageType = "peer_announcement"
	MessageBundleAnnouncement MessageType = "bundle_announcement"
)

// Message is the tagged union carried in discovery datagrams. Peer
// announcements fill the peer fields; bundle announcements fill the bundle
// fields. The signature covers a canonical subset of fields, not the raw
// JSON, so key ordering never affects verification.
type Message struct {
	Type      MessageType `json:"type"`
	PeerID    string      `json:"peer_id"`
	Timestamp int64       `json:"timestamp"`
	Signature string      `json:"signature"`

	// Peer announcement fields.
	Name      string `json:"name,omitempty"`
	Address   string `json:"address,omitempty"`
	Port      int    `json:"port,omitempty"`
	PublicKey string `json:"public_key,omitempty"`

	// Bundle announcement fields.
	BundleID string          `json:"bundle_id,omitempty"`
	Checksum string          `json:"checksum,omitempty"`
	Size     int64           `json:"size,omitempty"`
	Chunks   int             `json:"chunks,omitempty"`
	Manifest *types.Manifest `json:"manifest,omitempty"`
}

// canonical returns the byte string the signature is computed over.
func (m *Message) canonical() []byte {
	switch m.Type {
	case MessagePeerAnnouncement:
		return []byte(fmt.Sprintf("%s|%s|%s|%d|%s|%d",
			m.PeerID, m.Name, m.Address, m.Port, m.PublicKey, m.Timestamp))
	case MessageBundleAnnouncement:
		return []byte(fmt.Sprintf("%s|%s|%s|%d|%d",
			m.PeerID, m.BundleID, m.Checksum, m.Size, m.Timestamp))
	default:
		return nil
	}
}

// BundleAnnouncement is delivered to subscribers when a verified bundle
// announcement arrives.
type BundleAnnouncement struct {
	PeerID   types.PeerID
	BundleID types.BundleID
	Manifest *types.Manifest
	Checksum string
	Size     int64
	Chunks   int
}

type EventType string

const (
	EventPeerDiscovered  EventType = "peer_discovered"
	EventPeerLost        EventType = "peer_lost"
	EventBundleAnnounced EventType = "bundle_announced"
)

// Event is published on subscriber channels. Peer is set for peer events,
// Bundle for bundle announcements.
type Event struct {
	Type   EventType
	Peer   *types.Peer
	Bundle *BundleAnnouncement
}
