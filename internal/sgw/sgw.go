// Package sgw provides the S11/S10 peer-facing transport internal/mmeapp
// drives its internal/gtpv2 endpoints over: a production UDP transport and
// an in-memory double used by tests and, transitively, by anything wiring
// an all-in-process MME for local development. Session/bearer semantics
// (matching a Create Session Response back to a PDN context, allocating
// local TEIDs) stay in internal/mmeapp; this package only moves Messages
// between an Endpoint and a peer, the same division jangocheng-go-gtp's
// examples/sgw draws between its v2.Conn transaction layer and the
// handler functions that interpret decoded messages.
package sgw

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/go-mme/core/internal/gtpv2"
)

// UDPTransport backs a gtpv2.Endpoint with a real UDP socket. The GTPv2-C
// wire encoding (TS 29.274 TLV IEs) is out of scope: messages are moved
// as gob-encoded Go values rather than hand-rolled binary IEs, since
// nothing in the retrieved examples supplies a GTPv2-C codec to reuse.
type UDPTransport struct {
	conn   *net.UDPConn
	logger *zap.Logger
}

// NewUDPTransport binds a UDP socket at localAddr (e.g. ":2123" for S11).
func NewUDPTransport(localAddr string, logger *zap.Logger) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("sgw: resolving %s: %w", localAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("sgw: listening on %s: %w", localAddr, err)
	}
	return &UDPTransport{conn: conn, logger: logger}, nil
}

// SendTo implements gtpv2.Transport.
func (t *UDPTransport) SendTo(ctx context.Context, peer net.Addr, msg gtpv2.Message) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return fmt.Errorf("sgw: encoding %v: %w", msg.Type, err)
	}
	udpAddr, ok := peer.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("sgw: peer %v is not a UDP address", peer)
	}
	_, err := t.conn.WriteTo(buf.Bytes(), udpAddr)
	return err
}

// Serve reads datagrams until ctx is cancelled or the socket closes,
// decoding each into a gtpv2.Message and handing it to recv.
func (t *UDPTransport) Serve(ctx context.Context, recv func(peer net.Addr, msg gtpv2.Message)) error {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, peer, err := t.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("sgw: reading from socket: %w", err)
			}
		}

		var msg gtpv2.Message
		if err := gob.NewDecoder(bytes.NewReader(buf[:n])).Decode(&msg); err != nil {
			t.logger.Warn("sgw: discarding undecodable datagram", zap.Error(err), zap.Stringer("peer", peer))
			continue
		}
		recv(peer, msg)
	}
}

// Close releases the underlying socket.
func (t *UDPTransport) Close() error { return t.conn.Close() }

// addr is a net.Addr for a peer that never touches a real socket.
type addr string

func (a addr) Network() string { return "memory" }
func (a addr) String() string  { return string(a) }

// Addr builds the net.Addr an InMemoryPeer answers to.
func Addr(name string) net.Addr { return addr(name) }

// Handler computes a peer's reply to an inbound request.
type Handler func(req gtpv2.Message) gtpv2.Message

// InMemoryPeer is a gtpv2.Transport double standing in for a real SGW or
// a neighbor MME's S10 endpoint in tests. SendTo hands the request
// straight to a scripted Handler and feeds the reply back into the bound
// Endpoint's Receive, collapsing the UDP round trip examples/sgw performs
// against a real v2.Conn into a synchronous in-process call.
type InMemoryPeer struct {
	addr     net.Addr
	endpoint *gtpv2.Endpoint

	handlers map[gtpv2.MessageType]Handler
	dropNext map[gtpv2.MessageType]int
}

// NewInMemoryPeer creates a double answering as addr. Bind must be called
// with the Endpoint under test before any request is sent to it.
func NewInMemoryPeer(name string) *InMemoryPeer {
	return &InMemoryPeer{
		addr:     addr(name),
		handlers: make(map[gtpv2.MessageType]Handler),
		dropNext: make(map[gtpv2.MessageType]int),
	}
}

// Bind registers the MME-side Endpoint this peer delivers responses into.
func (p *InMemoryPeer) Bind(endpoint *gtpv2.Endpoint) { p.endpoint = endpoint }

// Addr returns the net.Addr this peer answers to.
func (p *InMemoryPeer) Addr() net.Addr { return p.addr }

// OnRequest scripts the peer's response to every request of type t.
func (p *InMemoryPeer) OnRequest(t gtpv2.MessageType, h Handler) { p.handlers[t] = h }

// DropNext makes the peer silently swallow the next n requests of type t
// before resuming normal handling, simulating an unresponsive SGW or peer
// MME for N3-retransmission-exhaustion and handover-timeout test scenarios.
func (p *InMemoryPeer) DropNext(t gtpv2.MessageType, n int) { p.dropNext[t] = n }

// SendTo implements gtpv2.Transport.
func (p *InMemoryPeer) SendTo(ctx context.Context, peer net.Addr, msg gtpv2.Message) error {
	if n, ok := p.dropNext[msg.Type]; ok && n > 0 {
		p.dropNext[msg.Type] = n - 1
		return nil
	}

	h, ok := p.handlers[msg.Type]
	if !ok {
		return fmt.Errorf("sgw: in-memory peer has no handler for %v", msg.Type)
	}

	rsp := h(msg)
	rsp.SequenceNum = msg.SequenceNum
	if p.endpoint != nil {
		p.endpoint.Receive(ctx, p.addr, rsp)
	}
	return nil
}
