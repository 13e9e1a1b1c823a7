package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"airlift/pkg/crypto"
	"airlift/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

const (
	// MulticastGroup and MulticastPort fix the discovery channel shared by
	// every node on the broadcast domain.
	MulticastGroup = "239.255.77.88"
	MulticastPort  = 45777

	// AnnounceInterval is how often a node re-broadcasts its presence.
	AnnounceInterval = 30 * time.Second

	// PeerTimeout removes a peer unseen for this long.
	PeerTimeout = 90 * time.Second

	// MaxMessageAge drops stale or replayed datagrams.
	MaxMessageAge = 5 * time.Minute

	sweepInterval   = 30 * time.Second
	maxDatagramSize = 64 * 1024
	eventBuffer     = 64
)

// Service maintains the live peer registry by broadcasting signed peer
// announcements over UDP multicast and listening for announcements from
// others. If the multicast group cannot be joined it degrades to
// manual-peer-only operation instead of aborting.
type Service struct {
	mu sync.RWMutex

	crypto *crypto.Service
	logger *zap.Logger

	name    string
	address string
	port    int

	peers       map[types.PeerID]*types.Peer
	subscribers []chan Event

	conn      *net.UDPConn
	groupAddr *net.UDPAddr
	degraded  bool

	stopCh  chan struct{}
	stopped sync.Once
}

func New(name string, port int, cryptoSvc *crypto.Service, logger *zap.Logger) *Service {
	return &Service{
		crypto: cryptoSvc,
		logger: logger,
		name:   name,
		port:   port,
		peers:  make(map[types.PeerID]*types.Peer),
		stopCh: make(chan struct{}),
	}
}

// Start joins the multicast group, announces immediately and launches the
// receive, announce and sweep loops.
func (s *Service) Start() error {
	groupAddr := &net.UDPAddr{IP: net.ParseIP(MulticastGroup), Port: MulticastPort}
	s.groupAddr = groupAddr

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: MulticastPort})
	if err != nil {
		s.degraded = true
		s.logger.Warn("Failed to open discovery socket, running with manual peers only",
			zap.Error(err))
	} else {
		s.conn = conn
		s.joinGroup(conn, groupAddr)
		go s.receiveLoop()
	}

	s.address = localAddress()

	if !s.degraded {
		s.announcePeer()
	}

	go s.announceLoop()
	go s.sweepLoop()

	s.logger.Info("Discovery started",
		zap.String("peer_id", string(s.crypto.PeerID())),
		zap.String("group", fmt.Sprintf("%s:%d", MulticastGroup, MulticastPort)),
		zap.Bool("degraded", s.degraded))

	return nil
}

// joinGroup joins the multicast group on every usable interface. Join
// failures leave the service in degraded, manual-peer-only mode.
func (s *Service) joinGroup(conn *net.UDPConn, group *net.UDPAddr) {
	pc := ipv4.NewPacketConn(conn)

	joined := false
	ifaces, err := net.Interfaces()
	if err == nil {
		for i := range ifaces {
			iface := ifaces[i]
			if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
				continue
			}
			if err := pc.JoinGroup(&iface, group); err == nil {
				joined = true
			}
		}
	}

	if !joined {
		s.degraded = true
		s.logger.Warn("Failed to join multicast group, running with manual peers only")
		return
	}
	pc.SetMulticastTTL(4)
}

// Stop halts all loops and closes the socket.
func (s *Service) Stop() {
	s.stopped.Do(func() {
		close(s.stopCh)
		if s.conn != nil {
			s.conn.Close()
		}

		s.mu.Lock()
		for _, ch := range s.subscribers {
			close(ch)
		}
		s.subscribers = nil
		s.mu.Unlock()
	})
}

// Subscribe returns a channel of discovery events. Slow subscribers lose
// events rather than blocking the receive path.
func (s *Service) Subscribe() <-chan Event {
	ch := make(chan Event, eventBuffer)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Service) publish(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Peers returns a snapshot of the live registry.
func (s *Service) Peers() []*types.Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]*types.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		copied := *p
		peers = append(peers, &copied)
	}
	return peers
}

// GetPeer looks up a peer by id.
func (s *Service) GetPeer(id types.PeerID) (*types.Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.peers[id]
	if !ok {
		return nil, false
	}
	copied := *p
	return &copied, true
}

// AddManualPeer registers a peer directly, bypassing multicast. Used when
// the discovery channel is unavailable.
func (s *Service) AddManualPeer(name, address string, port int, publicKey string) *types.Peer {
	peer := &types.Peer{
		ID:        crypto.PeerIDFromPublicKey(publicKey),
		Name:      name,
		Address:   address,
		Port:      port,
		PublicKey: publicKey,
		LastSeen:  time.Now(),
	}

	s.mu.Lock()
	_, known := s.peers[peer.ID]
	s.peers[peer.ID] = peer
	s.mu.Unlock()

	if !known {
		copied := *peer
		s.publish(Event{Type: EventPeerDiscovered, Peer: &copied})
	}
	return peer
}

// AnnounceBundle broadcasts availability of a freshly created bundle.
func (s *Service) AnnounceBundle(b *types.Bundle) error {
	msg := &Message{
		Type:      MessageBundleAnnouncement,
		PeerID:    string(s.crypto.PeerID()),
		Timestamp: time.Now().Unix(),
		BundleID:  string(b.ID),
		Checksum:  b.Checksum,
		Size:      b.Size,
		Chunks:    b.Chunks,
		Manifest:  &b.Manifest,
	}

	sig, err := s.crypto.Sign(msg.canonical())
	if err != nil {
		return fmt.Errorf("failed to sign bundle announcement: %w", err)
	}
	msg.Signature = sig

	return s.send(msg)
}

// announcePeer broadcasts this node's signed peer announcement.
func (s *Service) announcePeer() {
	msg := &Message{
		Type:      MessagePeerAnnouncement,
		PeerID:    string(s.crypto.PeerID()),
		Timestamp: time.Now().Unix(),
		Name:      s.name,
		Address:   s.address,
		Port:      s.port,
		PublicKey: s.crypto.PublicKey(),
	}

	sig, err := s.crypto.Sign(msg.canonical())
	if err != nil {
		s.logger.Error("Failed to sign peer announcement", zap.Error(err))
		return
	}
	msg.Signature = sig

	if err := s.send(msg); err != nil {
		s.logger.Debug("Failed to send peer announcement", zap.Error(err))
	}
}

func (s *Service) send(msg *Message) error {
	if s.conn == nil {
		return fmt.Errorf("discovery socket unavailable")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal discovery message: %w", err)
	}
	if _, err := s.conn.WriteToUDP(data, s.groupAddr); err != nil {
		return fmt.Errorf("failed to send discovery message: %w", err)
	}
	return nil
}

func (s *Service) announceLoop() {
	ticker := time.NewTicker(AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.degraded {
				s.announcePeer()
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) receiveLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Debug("Discovery read error", zap.Error(err))
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.handleDatagram(data, src)
	}
}

// handleDatagram processes one raw discovery datagram. Malformed or
// unverifiable input is routine noise on a best-effort channel: drop, log,
// continue.
func (s *Service) handleDatagram(data []byte, src *net.UDPAddr) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug("Dropping malformed discovery datagram", zap.Error(err))
		return
	}

	// Our own announcements echo back through the group.
	if msg.PeerID == string(s.crypto.PeerID()) {
		return
	}

	age := time.Since(time.Unix(msg.Timestamp, 0))
	if age > MaxMessageAge || age < -MaxMessageAge {
		s.logger.Debug("Dropping stale discovery message",
			zap.String("peer_id", msg.PeerID),
			zap.Duration("age", age))
		return
	}

	switch msg.Type {
	case MessagePeerAnnouncement:
		s.handlePeerAnnouncement(&msg, src)
	case MessageBundleAnnouncement:
		s.handleBundleAnnouncement(&msg)
	default:
		s.logger.Debug("Dropping discovery message of unknown type",
			zap.String("type", string(msg.Type)))
	}
}

// handlePeerAnnouncement verifies the announcement with the public key
// embedded in the message itself, then inserts or refreshes the registry
// entry. The discovered event fires only on first sighting.
func (s *Service) handlePeerAnnouncement(msg *Message, src *net.UDPAddr) {
	if msg.PublicKey == "" ||
		string(crypto.PeerIDFromPublicKey(msg.PublicKey)) != msg.PeerID {
		s.logger.Debug("Dropping peer announcement with mismatched identity",
			zap.String("peer_id", msg.PeerID))
		return
	}
	if !s.crypto.Verify(msg.PublicKey, msg.Signature, msg.canonical()) {
		s.logger.Debug("Dropping peer announcement with bad signature",
			zap.String("peer_id", msg.PeerID))
		return
	}

	address := msg.Address
	if address == "" && src != nil {
		address = src.IP.String()
	}

	peer := &types.Peer{
		ID:        types.PeerID(msg.PeerID),
		Name:      msg.Name,
		Address:   address,
		Port:      msg.Port,
		PublicKey: msg.PublicKey,
		LastSeen:  time.Now(),
	}

	s.mu.Lock()
	_, known := s.peers[peer.ID]
	s.peers[peer.ID] = peer
	s.mu.Unlock()

	if !known {
		s.logger.Info("Peer discovered",
			zap.String("peer_id", msg.PeerID),
			zap.String("name", msg.Name),
			zap.String("address", address))
		copied := *peer
		s.publish(Event{Type: EventPeerDiscovered, Peer: &copied})
	}
}

// handleBundleAnnouncement verifies with the already-registered sender key;
// announcements from unknown senders are silently dropped.
func (s *Service) handleBundleAnnouncement(msg *Message) {
	s.mu.RLock()
	sender, known := s.peers[types.PeerID(msg.PeerID)]
	s.mu.RUnlock()

	if !known {
		return
	}
	if !s.crypto.Verify(sender.PublicKey, msg.Signature, msg.canonical()) {
		s.logger.Debug("Dropping bundle announcement with bad signature",
			zap.String("peer_id", msg.PeerID),
			zap.String("bundle_id", msg.BundleID))
		return
	}

	s.logger.Info("Bundle announced",
		zap.String("peer_id", msg.PeerID),
		zap.String("bundle_id", msg.BundleID),
		zap.Int64("size", msg.Size))

	s.publish(Event{Type: EventBundleAnnounced, Bundle: &BundleAnnouncement{
		PeerID:   types.PeerID(msg.PeerID),
		BundleID: types.BundleID(msg.BundleID),
		Manifest: msg.Manifest,
		Checksum: msg.Checksum,
		Size:     msg.Size,
		Chunks:   msg.Chunks,
	}})
}

func (s *Service) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepExpiredPeers()
		case <-s.stopCh:
			return
		}
	}
}

// sweepExpiredPeers removes peers unseen past the timeout. Removal from the
// map guarantees the lost event fires exactly once per peer.
func (s *Service) sweepExpiredPeers() {
	now := time.Now()

	s.mu.Lock()
	var lost []*types.Peer
	for id, peer := range s.peers {
		if now.Sub(peer.LastSeen) > PeerTimeout {
			delete(s.peers, id)
			copied := *peer
			lost = append(lost, &copied)
		}
	}
	s.mu.Unlock()

	for _, peer := range lost {
		s.logger.Info("Peer lost",
			zap.String("peer_id", string(peer.ID)),
			zap.String("name", peer.Name))
		s.publish(Event{Type: EventPeerLost, Peer: peer})
	}
}

// localAddress picks the first non-loopback IPv4 address to advertise.
func localAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
