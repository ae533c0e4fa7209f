// Package p2p carries bus traffic between processes over TCP.
package p2p

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/BufferShare/internal/eventbus"
)

const protocolVersion = "1.0.0"

var (
	ErrHandshake      = errors.New("handshake failed")
	ErrDuplicatePeer  = errors.New("peer already connected")
	ErrNotRunning     = errors.New("link not running")
	ErrAlreadyRunning = errors.New("link already running")
)

// LocalBus is the bus side a link injects inbound traffic into.
// *eventbus.LocalBus implements it.
type LocalBus interface {
	PeerID() string
	Deliver(ev eventbus.Event)
	AttachRouter(r eventbus.Router)
}

// PeerObserver hears about peers as they join and leave the link.
// *discovery.Registry implements it.
type PeerObserver interface {
	PeerUp(id, addr string)
	PeerDown(id string)
}

// Config tunes a TCPLink. Zero fields take the defaults.
type Config struct {
	HeartbeatInterval time.Duration
	PeerDeadAfter     time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	Observer          PeerObserver
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.PeerDeadAfter <= 0 {
		c.PeerDeadAfter = 3 * c.HeartbeatInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// TCPPeer represents one handshaken connection.
type TCPPeer struct {
	ID         string
	Address    string
	conn       net.Conn
	reader     *bufio.Reader
	writer     *bufio.Writer
	writeMutex sync.Mutex
	lastSeen   atomic.Int64
	closeOnce  sync.Once
}

func newTCPPeer(conn net.Conn) *TCPPeer {
	p := &TCPPeer{
		Address: conn.RemoteAddr().String(),
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
	}
	p.touch()
	return p
}

func (p *TCPPeer) touch() { p.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen is the time the last frame arrived from the peer.
func (p *TCPPeer) LastSeen() time.Time { return time.Unix(0, p.lastSeen.Load()) }

// TCPLink routes bus messages addressed to remote peers over TCP and
// injects inbound frames into the local bus.
type TCPLink struct {
	bus      LocalBus
	nodeID   string
	cfg      Config
	log      logrus.FieldLogger
	listener net.Listener

	mu       sync.RWMutex
	peers    map[string]*TCPPeer
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewTCPLink attaches a link to bus as its router.
func NewTCPLink(bus LocalBus, cfg Config, log logrus.FieldLogger) *TCPLink {
	if log == nil {
		log = logrus.StandardLogger()
	}
	n := &TCPLink{
		bus:      bus,
		nodeID:   bus.PeerID(),
		cfg:      cfg.withDefaults(),
		log:      log.WithField("node", bus.PeerID()),
		peers:    make(map[string]*TCPPeer),
		stopChan: make(chan struct{}),
		running:  true,
	}
	bus.AttachRouter(n)

	n.wg.Add(1)
	go n.monitorConnections()
	return n
}

// Listen starts accepting peers on addr.
func (n *TCPLink) Listen(addr string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return ErrNotRunning
	}
	if n.listener != nil {
		return ErrAlreadyRunning
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP listener: %w", err)
	}
	n.listener = listener

	n.wg.Add(1)
	go n.acceptConnections(listener)

	n.log.WithField("addr", listener.Addr().String()).Info("TCP link listening")
	return nil
}

// Addr is the listening address, or nil before Listen.
func (n *TCPLink) Addr() net.Addr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// Connect dials addr, handshakes and returns the remote node id.
func (n *TCPLink) Connect(ctx context.Context, addr string) (string, error) {
	if !n.isRunning() {
		return "", ErrNotRunning
	}
	dialer := net.Dialer{Timeout: n.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to connect to peer %s: %w", addr, err)
	}

	peer := newTCPPeer(conn)
	deadline := time.Now().Add(n.cfg.DialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
	if err := n.performHandshake(peer); err != nil {
		conn.Close()
		return "", err
	}
	conn.SetDeadline(time.Time{})

	if err := n.addPeer(peer); err != nil {
		conn.Close()
		return "", err
	}
	n.log.WithFields(logrus.Fields{"peer": peer.ID, "addr": addr}).Info("connected to peer")
	return peer.ID, nil
}

// Close stops the link and drops every connection.
func (n *TCPLink) Close() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	close(n.stopChan)
	if n.listener != nil {
		n.listener.Close()
	}
	peers := make([]*TCPPeer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.Unlock()

	for _, p := range peers {
		n.dropPeer(p, "link closed")
	}
	n.wg.Wait()
	return nil
}

// Peers lists connected peer ids.
func (n *TCPLink) Peers() []string {
	n.mu.RLock()
	ids := make([]string, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	n.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Route implements eventbus.Router. An empty destination goes to every
// connected peer.
func (n *TCPLink) Route(from, to, topic string, data []byte) error {
	if to == "" {
		n.mu.RLock()
		peers := make([]*TCPPeer, 0, len(n.peers))
		for _, p := range n.peers {
			peers = append(peers, p)
		}
		n.mu.RUnlock()
		for _, p := range peers {
			if err := n.sendMessage(p, from, topic, data); err != nil {
				n.log.WithError(err).WithField("peer", p.ID).Warn("broadcast write failed")
			}
		}
		return nil
	}

	n.mu.RLock()
	peer, ok := n.peers[to]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", eventbus.ErrUnknownPeer, to)
	}
	if err := n.sendMessage(peer, from, topic, data); err != nil {
		return fmt.Errorf("%w: %s: %v", eventbus.ErrUnknownPeer, to, err)
	}
	return nil
}

func (n *TCPLink) sendMessage(p *TCPPeer, from, topic string, data []byte) error {
	err := n.writeFrame(p, &Frame{
		Type:  FrameMessage,
		ID:    uuid.New().String(),
		From:  from,
		To:    p.ID,
		Topic: topic,
		Data:  data,
	})
	if err != nil {
		n.dropPeer(p, err.Error())
	}
	return err
}

func (n *TCPLink) writeFrame(p *TCPPeer, f *Frame) error {
	p.writeMutex.Lock()
	defer p.writeMutex.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(n.cfg.WriteTimeout))
	return writeFrame(p.writer, f)
}

func (n *TCPLink) isRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

func (n *TCPLink) acceptConnections(listener net.Listener) {
	defer n.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if n.isRunning() {
				n.log.WithError(err).Error("error accepting connection")
			}
			return
		}
		n.wg.Add(1)
		go n.handleIncomingConnection(conn)
	}
}

func (n *TCPLink) handleIncomingConnection(conn net.Conn) {
	defer n.wg.Done()

	peer := newTCPPeer(conn)
	conn.SetDeadline(time.Now().Add(n.cfg.DialTimeout))
	if err := n.handleHandshakeRequest(peer); err != nil {
		n.log.WithError(err).WithField("addr", peer.Address).Warn("handshake failed for incoming connection")
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	if err := n.addPeer(peer); err != nil {
		n.log.WithError(err).WithField("peer", peer.ID).Warn("rejecting incoming connection")
		conn.Close()
		return
	}
	n.log.WithFields(logrus.Fields{"peer": peer.ID, "addr": peer.Address}).Info("accepted peer")
}

func (n *TCPLink) addPeer(p *TCPPeer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return ErrNotRunning
	}
	if _, ok := n.peers[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePeer, p.ID)
	}
	n.peers[p.ID] = p
	if n.cfg.Observer != nil {
		n.cfg.Observer.PeerUp(p.ID, p.Address)
	}

	n.wg.Add(1)
	go n.handlePeerConnection(p)
	return nil
}

// dropPeer closes p once and announces the disconnect on the local bus.
func (n *TCPLink) dropPeer(p *TCPPeer, reason string) {
	p.closeOnce.Do(func() {
		p.conn.Close()

		n.mu.Lock()
		current := n.peers[p.ID] == p
		if current {
			delete(n.peers, p.ID)
		}
		n.mu.Unlock()
		if current && n.cfg.Observer != nil {
			n.cfg.Observer.PeerDown(p.ID)
		}

		n.log.WithFields(logrus.Fields{"peer": p.ID, "reason": reason}).Info("disconnected from peer")
		n.bus.Deliver(eventbus.Event{
			Topic:          eventbus.PeerDisconnectedTopic,
			Data:           []byte(p.ID),
			SendFrom:       n.nodeID,
			IsSendFromSelf: true,
		})
	})
}

// performHandshake runs the dialing side: send a challenge, verify the
// reply.
func (n *TCPLink) performHandshake(peer *TCPPeer) error {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	challengeHex := hex.EncodeToString(challenge)

	if err := n.sendControl(peer, FrameHandshake, HandshakeData{
		NodeID:    n.nodeID,
		Version:   protocolVersion,
		Challenge: challengeHex,
	}); err != nil {
		return fmt.Errorf("%w: send: %v", ErrHandshake, err)
	}

	msg, err := readFrame(peer.reader)
	if err != nil {
		return fmt.Errorf("%w: read reply: %v", ErrHandshake, err)
	}
	if msg.Type != FrameHandshakeReply {
		return fmt.Errorf("%w: expected handshake reply, got %s", ErrHandshake, msg.Type)
	}
	var reply HandshakeData
	if err := cbor.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("%w: decode reply: %v", ErrHandshake, err)
	}
	if reply.NodeID == "" || reply.NodeID == n.nodeID {
		return fmt.Errorf("%w: bad node id %q", ErrHandshake, reply.NodeID)
	}
	if reply.Response != challengeResponse(challengeHex, reply.NodeID) {
		return fmt.Errorf("%w: invalid challenge response", ErrHandshake)
	}

	peer.ID = reply.NodeID
	return nil
}

func (n *TCPLink) handleHandshakeRequest(peer *TCPPeer) error {
	msg, err := readFrame(peer.reader)
	if err != nil {
		return fmt.Errorf("%w: read: %v", ErrHandshake, err)
	}
	if msg.Type != FrameHandshake {
		return fmt.Errorf("%w: expected handshake, got %s", ErrHandshake, msg.Type)
	}
	var hs HandshakeData
	if err := cbor.Unmarshal(msg.Data, &hs); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrHandshake, err)
	}
	if hs.NodeID == "" || hs.NodeID == n.nodeID {
		return fmt.Errorf("%w: bad node id %q", ErrHandshake, hs.NodeID)
	}
	peer.ID = hs.NodeID

	return n.sendControl(peer, FrameHandshakeReply, HandshakeData{
		NodeID:   n.nodeID,
		Version:  protocolVersion,
		Response: challengeResponse(hs.Challenge, n.nodeID),
	})
}

func challengeResponse(challenge, nodeID string) string {
	sum := sha256.Sum256([]byte(challenge + nodeID))
	return hex.EncodeToString(sum[:])
}

func (n *TCPLink) sendControl(p *TCPPeer, t FrameType, payload any) error {
	var data []byte
	if payload != nil {
		var err error
		if data, err = cbor.Marshal(payload); err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", t, err)
		}
	}
	return n.writeFrame(p, &Frame{Type: t, ID: uuid.New().String(), From: n.nodeID, To: p.ID, Data: data})
}

func (n *TCPLink) handlePeerConnection(peer *TCPPeer) {
	defer n.wg.Done()
	defer n.dropPeer(peer, "connection closed")

	for {
		msg, err := readFrame(peer.reader)
		if err != nil {
			if n.isRunning() {
				n.log.WithError(err).WithField("peer", peer.ID).Debug("read from peer ended")
			}
			return
		}
		peer.touch()

		switch msg.Type {
		case FrameMessage:
			if len(msg.Data) > eventbus.MaxMessageSize {
				n.log.WithFields(logrus.Fields{"peer": peer.ID, "size": len(msg.Data)}).Warn("dropping oversized message")
				continue
			}
			n.bus.Deliver(eventbus.Event{Topic: msg.Topic, Data: msg.Data, SendFrom: peer.ID})
		case FramePing:
			if err := n.sendControl(peer, FramePong, nil); err != nil {
				return
			}
		case FramePong:
		default:
			n.log.WithFields(logrus.Fields{"peer": peer.ID, "type": msg.Type.String()}).Warn("no handler for frame type")
		}
	}
}

// monitorConnections pings peers and drops the ones gone silent.
func (n *TCPLink) monitorConnections() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.checkPeerHealth()
		case <-n.stopChan:
			return
		}
	}
}

func (n *TCPLink) checkPeerHealth() {
	n.mu.RLock()
	peers := make([]*TCPPeer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.RUnlock()

	for _, p := range peers {
		if time.Since(p.LastSeen()) > n.cfg.PeerDeadAfter {
			n.dropPeer(p, "heartbeat timeout")
			continue
		}
		go func(p *TCPPeer) {
			if err := n.sendControl(p, FramePing, nil); err != nil {
				n.dropPeer(p, fmt.Sprintf("ping failed: %v", err))
			}
		}(p)
	}
}
