package discovery

import (
	"encoding/json"
	"testing"
	"time"

	"airlift/pkg/crypto"
	"airlift/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCrypto(t *testing.T) *crypto.Service {
	t.Helper()
	svc, err := crypto.NewServiceWithBackend(crypto.BackendEd25519, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return New("receiver", 45780, newTestCrypto(t), zap.NewNop())
}

// signedPeerAnnouncement builds a valid announcement from sender's identity.
func signedPeerAnnouncement(t *testing.T, sender *crypto.Service, ts time.Time) []byte {
	t.Helper()
	msg := &Message{
		Type:      MessagePeerAnnouncement,
		PeerID:    string(sender.PeerID()),
		Timestamp: ts.Unix(),
		Name:      "sender",
		Address:   "192.168.1.50",
		Port:      45780,
		PublicKey: sender.PublicKey(),
	}
	sig, err := sender.Sign(msg.canonical())
	require.NoError(t, err)
	msg.Signature = sig

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

func signedBundleAnnouncement(t *testing.T, sender *crypto.Service, ts time.Time) []byte {
	t.Helper()
	msg := &Message{
		Type:      MessageBundleAnnouncement,
		PeerID:    string(sender.PeerID()),
		Timestamp: ts.Unix(),
		BundleID:  "bundle-1",
		Checksum:  "abc123",
		Size:      4096,
		Chunks:    1,
	}
	sig, err := sender.Sign(msg.canonical())
	require.NoError(t, err)
	msg.Signature = sig

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

func TestPeerAnnouncementRegistersPeer(t *testing.T) {
	svc := newTestService(t)
	sender := newTestCrypto(t)

	events := svc.Subscribe()
	svc.handleDatagram(signedPeerAnnouncement(t, sender, time.Now()), nil)

	peer, ok := svc.GetPeer(sender.PeerID())
	require.True(t, ok)
	assert.Equal(t, "sender", peer.Name)
	assert.Equal(t, sender.PublicKey(), peer.PublicKey)

	select {
	case ev := <-events:
		assert.Equal(t, EventPeerDiscovered, ev.Type)
		assert.Equal(t, sender.PeerID(), ev.Peer.ID)
	default:
		t.Fatal("expected a peer discovered event")
	}
}

func TestPeerRefreshFiresDiscoveredOnce(t *testing.T) {
	svc := newTestService(t)
	sender := newTestCrypto(t)

	events := svc.Subscribe()
	svc.handleDatagram(signedPeerAnnouncement(t, sender, time.Now()), nil)
	svc.handleDatagram(signedPeerAnnouncement(t, sender, time.Now()), nil)
	svc.handleDatagram(signedPeerAnnouncement(t, sender, time.Now()), nil)

	count := 0
	for {
		select {
		case ev := <-events:
			if ev.Type == EventPeerDiscovered {
				count++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, count, "discovered event fires only on first sighting")
	assert.Len(t, svc.Peers(), 1)
}

func TestStaleAnnouncementRejected(t *testing.T) {
	svc := newTestService(t)
	sender := newTestCrypto(t)

	// 6 minutes old: replay-rejected, registry unchanged.
	svc.handleDatagram(signedPeerAnnouncement(t, sender, time.Now().Add(-6*time.Minute)), nil)

	assert.Empty(t, svc.Peers())
}

func TestBadSignatureRejected(t *testing.T) {
	svc := newTestService(t)
	sender := newTestCrypto(t)

	data := signedPeerAnnouncement(t, sender, time.Now())
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	msg.Name = "forged"
	forged, err := json.Marshal(&msg)
	require.NoError(t, err)

	svc.handleDatagram(forged, nil)
	assert.Empty(t, svc.Peers())
}

func TestMismatchedPeerIDRejected(t *testing.T) {
	svc := newTestService(t)
	sender := newTestCrypto(t)

	data := signedPeerAnnouncement(t, sender, time.Now())
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	msg.PeerID = "0123456789abcdef"
	forged, err := json.Marshal(&msg)
	require.NoError(t, err)

	svc.handleDatagram(forged, nil)
	assert.Empty(t, svc.Peers())
}

func TestOwnAnnouncementIgnored(t *testing.T) {
	cryptoSvc := newTestCrypto(t)
	svc := New("self", 45780, cryptoSvc, zap.NewNop())

	svc.handleDatagram(signedPeerAnnouncement(t, cryptoSvc, time.Now()), nil)
	assert.Empty(t, svc.Peers())
}

func TestMalformedDatagramDropped(t *testing.T) {
	svc := newTestService(t)

	svc.handleDatagram([]byte("not json at all"), nil)
	svc.handleDatagram([]byte(`{"type":"wat"}`), nil)
	svc.handleDatagram(nil, nil)

	assert.Empty(t, svc.Peers())
}

func TestBundleAnnouncementFromUnknownSenderDropped(t *testing.T) {
	svc := newTestService(t)
	sender := newTestCrypto(t)

	events := svc.Subscribe()
	svc.handleDatagram(signedBundleAnnouncement(t, sender, time.Now()), nil)

	select {
	case ev := <-events:
		t.Fatalf("expected no event, got %v", ev.Type)
	default:
	}
}

func TestBundleAnnouncementFromKnownSender(t *testing.T) {
	svc := newTestService(t)
	sender := newTestCrypto(t)

	svc.handleDatagram(signedPeerAnnouncement(t, sender, time.Now()), nil)

	events := svc.Subscribe()
	svc.handleDatagram(signedBundleAnnouncement(t, sender, time.Now()), nil)

	select {
	case ev := <-events:
		require.Equal(t, EventBundleAnnounced, ev.Type)
		assert.Equal(t, types.BundleID("bundle-1"), ev.Bundle.BundleID)
		assert.Equal(t, sender.PeerID(), ev.Bundle.PeerID)
		assert.Equal(t, int64(4096), ev.Bundle.Size)
	default:
		t.Fatal("expected a bundle announced event")
	}
}

func TestPeerExpirySweep(t *testing.T) {
	svc := newTestService(t)
	sender := newTestCrypto(t)

	svc.handleDatagram(signedPeerAnnouncement(t, sender, time.Now()), nil)
	require.Len(t, svc.Peers(), 1)

	events := svc.Subscribe()

	// Unseen for 91s: removed, exactly one lost event.
	svc.mu.Lock()
	svc.peers[sender.PeerID()].LastSeen = time.Now().Add(-91 * time.Second)
	svc.mu.Unlock()

	svc.sweepExpiredPeers()
	svc.sweepExpiredPeers()

	assert.Empty(t, svc.Peers())

	lost := 0
	for {
		select {
		case ev := <-events:
			if ev.Type == EventPeerLost {
				lost++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, lost, "peer lost fires exactly once per removal")
}

func TestManualPeer(t *testing.T) {
	svc := newTestService(t)
	sender := newTestCrypto(t)

	events := svc.Subscribe()
	peer := svc.AddManualPeer("manual", "10.0.0.5", 45780, sender.PublicKey())

	assert.Equal(t, sender.PeerID(), peer.ID)
	_, ok := svc.GetPeer(peer.ID)
	assert.True(t, ok)

	select {
	case ev := <-events:
		assert.Equal(t, EventPeerDiscovered, ev.Type)
	default:
		t.Fatal("expected a peer discovered event")
	}
}
