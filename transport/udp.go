package transport

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// maxPacketSize bounds a single UDP datagram this transport will send or
// accept, header included.
const maxPacketSize = 1400

// UDP is a net.PacketConn-backed Endpoint for one peer, identified by its
// net.Addr. A UDP created by DialUDP owns its socket and runs its own
// read loop; one created by a Listener's Accept shares the listening
// socket and instead has packets handed to it by the Listener's own read
// loop, mirroring rudp's Peer/Listener split (rudp/listen.go) where a
// single goroutine demultiplexes one net.PacketConn by source address.
type UDP struct {
	conn net.PacketConn
	addr net.Addr
	log  logrus.FieldLogger

	mu    sync.Mutex
	ack   ackCore
	inbox [][]byte
}

// DialUDP resolves addr and returns a UDP Endpoint connected to it, owning
// a dedicated socket and read goroutine.
func DialUDP(addr string, log logrus.FieldLogger) (*UDP, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	u := newUDPPeer(conn, raddr, log)
	go u.ownReadLoop(conn)
	return u, nil
}

func newUDPPeer(conn net.PacketConn, addr net.Addr, log logrus.FieldLogger) *UDP {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &UDP{
		conn: conn,
		addr: addr,
		log:  log.WithField("peer", addr.String()),
	}
}

func (u *UDP) ownReadLoop(conn net.PacketConn) {
	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			u.log.WithError(err).Warn("transport: read failed")
			continue
		}
		if from.String() != u.addr.String() {
			continue
		}
		u.deliver(buf[:n])
	}
}

// deliver hands a raw (header included) datagram to this peer's inbox,
// called either by ownReadLoop or by a Listener demultiplexing a shared
// socket.
func (u *UDP) deliver(raw []byte) {
	pkt := make([]byte, len(raw))
	copy(pkt, raw)
	u.mu.Lock()
	u.inbox = append(u.inbox, pkt)
	u.mu.Unlock()
}

func (u *UDP) NextPacketSequence() uint16 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ack.peekSeq()
}

func (u *UDP) SendPacket(body []byte) error {
	u.mu.Lock()
	seq := u.ack.peekSeq()
	ackSeq, ackBits := u.ack.header()
	u.ack.advanceSeq()
	u.mu.Unlock()

	out := make([]byte, headerSize+len(body))
	encodeHeader(out, seq, ackSeq, ackBits)
	copy(out[headerSize:], body)

	_, err := u.conn.WriteTo(out, u.addr)
	return err
}

func (u *UDP) Recv() (uint16, []byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.inbox) == 0 {
		return 0, nil, false
	}
	raw := u.inbox[0]
	u.inbox = u.inbox[1:]

	seq, ackSeq, ackBits, ok := decodeHeader(raw)
	if !ok {
		return 0, nil, false
	}
	u.ack.recordReceived(seq)
	u.ack.recordAcks(ackSeq, ackBits)
	return seq, raw[headerSize:], true
}

func (u *UDP) Acks() []uint16 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]uint16(nil), u.ack.acks()...)
}

func (u *UDP) ClearAcks() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ack.clearAcks()
}

// Close closes the underlying socket. A UDP returned by a Listener's
// Accept shares that socket with every other peer the Listener knows
// about; closing one such peer closes the listening socket for all of
// them, so servers should Close the Listener instead once every peer is
// done, not the individual peers it accepted.
func (u *UDP) Close() error {
	return u.conn.Close()
}

// Listener demultiplexes one net.PacketConn into per-source-address UDP
// Endpoints, mirroring rudp.Listener's Accept-loop pattern (rudp/listen.go)
// without that package's peer-id handshake, which this protocol has no
// use for.
type Listener struct {
	conn net.PacketConn
	log  logrus.FieldLogger

	accepted chan *UDP

	mu      sync.Mutex
	peers   map[string]*UDP
	closeCh chan struct{}
}

// ListenUDP starts accepting UDP peers on conn.
func ListenUDP(conn net.PacketConn, log logrus.FieldLogger) *Listener {
	if log == nil {
		log = logrus.StandardLogger()
	}
	l := &Listener{
		conn:     conn,
		log:      log,
		accepted: make(chan *UDP),
		peers:    make(map[string]*UDP),
		closeCh:  make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *Listener) readLoop() {
	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			l.log.WithError(err).Warn("transport: listener read failed")
			continue
		}

		l.mu.Lock()
		peer, known := l.peers[from.String()]
		if !known {
			peer = newUDPPeer(l.conn, from, l.log)
			l.peers[from.String()] = peer
		}
		l.mu.Unlock()

		peer.deliver(buf[:n])

		if !known {
			select {
			case l.accepted <- peer:
			case <-l.closeCh:
				return
			}
		}
	}
}

// Accept blocks until a new peer address sends its first packet.
func (l *Listener) Accept() (*UDP, error) {
	select {
	case peer, ok := <-l.accepted:
		if !ok {
			return nil, net.ErrClosed
		}
		return peer, nil
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

// Close stops accepting and closes the underlying socket.
func (l *Listener) Close() error {
	close(l.closeCh)
	return l.conn.Close()
}
