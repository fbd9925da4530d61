// Package gtpv2 implements the GTPv2-C transaction layer described in
// spec.md §4.3: local TEID allocation, sequence-number correlation,
// bounded retransmission, and duplicate detection. The bit-level wire
// format is out of scope — Message is a semantic, already-decoded
// representation and Transport is the injected interface responsible
// for putting bytes on the wire (UDP/2123 in production, an in-memory
// double in tests).
package gtpv2

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MessageType discriminates the semantic payload carried by a Message.
// Concrete field shapes live alongside the callers that build them
// (internal/mmeapp for S11/S10 requests); gtpv2 itself only needs the
// type, the TEID pair, and whether the message is a request or a
// response/confirmation of one.
type MessageType int

const (
	EchoRequest MessageType = iota
	EchoResponse

	CreateSessionRequest
	CreateSessionResponse
	ModifyBearerRequest
	ModifyBearerResponse
	DeleteSessionRequest
	DeleteSessionResponse
	ReleaseAccessBearersRequest
	ReleaseAccessBearersResponse
	CreateBearerRequest
	CreateBearerResponse
	UpdateBearerRequest
	UpdateBearerResponse
	DeleteBearerRequest
	DeleteBearerResponse
	DeleteBearerCommand
	BearerResourceCommand
	DownlinkDataNotification
	DownlinkDataNotificationAck
	DeleteBearerFailureIndication

	ForwardRelocationRequest
	ForwardRelocationResponse
	ForwardAccessContextNotification
	ForwardAccessContextAck
	ContextRequest
	ContextResponse
	ContextAck
	ForwardRelocationCompleteNotification
	ForwardRelocationCompleteAck
	RelocationCancelRequest
	RelocationCancelResponse
)

// IsRequest reports whether t initiates a new GTPv2-C transaction.
func (t MessageType) IsRequest() bool {
	switch t {
	case CreateSessionResponse, ModifyBearerResponse, DeleteSessionResponse,
		ReleaseAccessBearersResponse, CreateBearerResponse, UpdateBearerResponse,
		DeleteBearerResponse, DownlinkDataNotificationAck, EchoResponse,
		ForwardRelocationResponse, ForwardAccessContextAck, ContextResponse,
		ContextAck, ForwardRelocationCompleteAck, RelocationCancelResponse:
		return false
	default:
		return true
	}
}

// Message is the semantic (already IE-decoded) representation of a
// GTPv2-C PDU.
type Message struct {
	Type        MessageType
	TEID        uint32 // peer-assigned TEID this message is addressed to, 0 for Echo/initial Create Session
	SequenceNum uint32 // set by the transaction layer on send; populated on receive
	Body        interface{}
}

// EventKind is the ulp_req callback discriminator of spec.md §4.3.
type EventKind int

const (
	// InitialReqInd: a new request arrived from the peer.
	InitialReqInd EventKind = iota
	// TriggeredRspInd: the response to one of our own requests arrived.
	TriggeredRspInd
	// TriggeredReqInd: the peer sent a triggered request correlated to a
	// procedure we started (e.g. Delete Bearer Command is unsolicited,
	// but some flows expect a triggered request in reply to context setup).
	TriggeredReqInd
	// RspFailureInd: N3 retransmissions were exhausted with no response.
	RspFailureInd
)

// Event is delivered to the ULP callback registered with NewEndpoint.
type Event struct {
	Kind      EventKind
	LocalTEID uint32
	Peer      net.Addr
	Msg       Message
	// Arg is returned verbatim from the ulp_cb_arg passed to
	// SendInitialRequest; nil for InitialReqInd.
	Arg interface{}
}

// ULPCallback receives every interesting transaction-layer event.
type ULPCallback func(Event)

// Transport abstracts the wire: production code backs it with a
// net.PacketConn (UDP/2123); tests use an in-memory loopback double.
type Transport interface {
	SendTo(ctx context.Context, peer net.Addr, msg Message) error
}

const (
	defaultN3       = 3
	defaultInterval = 2 * time.Second
)

type transaction struct {
	seq       uint32
	peer      net.Addr
	req       Message
	arg       interface{}
	retries   int
	lastSentAt time.Time
	cachedRsp  *Message
	done       bool
}

// Tunnel is a durable local-TEID-keyed endpoint: spec.md §3's "GTPv2-C
// tunnel endpoint". Owner is an opaque back-reference (a UE context or
// procedure key) the caller assigns meaning to.
type Tunnel struct {
	LocalTEID uint32
	Peer      net.Addr
	Owner     interface{}
}

// Endpoint is a process-wide GTPv2-C transaction layer instance — one
// per local UDP port (S11 and S10 each get their own Endpoint).
type Endpoint struct {
	logger    *zap.Logger
	transport Transport
	ulp       ULPCallback

	n3       int
	interval time.Duration

	mu           sync.Mutex
	sequence     uint32
	tunnels      map[uint32]*Tunnel
	transactions map[uint32]*transaction // keyed by our own sequence number
	seenSeq      map[uint32]*Message      // peer-initiated seq -> cached response, for duplicate detection
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithRetransmission overrides the default N3=3 tries / 2s interval.
func WithRetransmission(n3 int, interval time.Duration) Option {
	return func(e *Endpoint) {
		e.n3 = n3
		e.interval = interval
	}
}

// NewEndpoint creates a GTPv2-C transaction layer over transport,
// delivering ULP events to cb.
func NewEndpoint(transport Transport, cb ULPCallback, logger *zap.Logger, opts ...Option) *Endpoint {
	e := &Endpoint{
		logger:       logger,
		transport:    transport,
		ulp:          cb,
		n3:           defaultN3,
		interval:     defaultInterval,
		tunnels:      make(map[uint32]*Tunnel),
		transactions: make(map[uint32]*transaction),
		seenSeq:      make(map[uint32]*Message),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AllocateTunnel mints a new local TEID and registers a durable tunnel
// endpoint for owner, entered into the process-wide map (spec.md §4.3).
func (e *Endpoint) AllocateTunnel(peer net.Addr, owner interface{}) *Tunnel {
	e.mu.Lock()
	defer e.mu.Unlock()

	var teid uint32
	for {
		teid = randomTEID()
		if _, exists := e.tunnels[teid]; !exists && teid != 0 {
			break
		}
	}
	t := &Tunnel{LocalTEID: teid, Peer: peer, Owner: owner}
	e.tunnels[teid] = t
	return t
}

// ReleaseTunnel removes a previously allocated local TEID.
func (e *Endpoint) ReleaseTunnel(localTEID uint32) {
	e.mu.Lock()
	delete(e.tunnels, localTEID)
	e.mu.Unlock()
}

// LookupTunnel resolves a local TEID to its tunnel endpoint.
func (e *Endpoint) LookupTunnel(localTEID uint32) (*Tunnel, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tunnels[localTEID]
	return t, ok
}

func randomTEID() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func (e *Endpoint) nextSequence() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sequence++
	if e.sequence > 0xffffff {
		e.sequence = 1
	}
	return e.sequence
}

// SendInitialRequest starts a new GTPv2-C transaction (send_initial_request
// in spec.md §4.3). arg is returned verbatim on the eventual
// TriggeredRspInd or RspFailureInd event.
func (e *Endpoint) SendInitialRequest(ctx context.Context, peer net.Addr, msg Message, arg interface{}) (uint32, error) {
	seq := e.nextSequence()
	msg.SequenceNum = seq

	tx := &transaction{seq: seq, peer: peer, req: msg, arg: arg, lastSentAt: time.Now()}
	e.mu.Lock()
	e.transactions[seq] = tx
	e.mu.Unlock()

	if err := e.transport.SendTo(ctx, peer, msg); err != nil {
		e.mu.Lock()
		delete(e.transactions, seq)
		e.mu.Unlock()
		return 0, errors.Wrapf(err, "gtpv2: sending %v", msg.Type)
	}

	go e.watchForTimeout(ctx, seq)
	return seq, nil
}

// SendTriggeredResponse replies to an already-received request
// (send_triggered_response in spec.md §4.3), caching the response under
// the peer's sequence number for duplicate-request detection.
func (e *Endpoint) SendTriggeredResponse(ctx context.Context, peer net.Addr, inReplyTo Message, rsp Message) error {
	rsp.SequenceNum = inReplyTo.SequenceNum

	e.mu.Lock()
	cached := rsp
	e.seenSeq[inReplyTo.SequenceNum] = &cached
	e.mu.Unlock()

	if err := e.transport.SendTo(ctx, peer, rsp); err != nil {
		return errors.Wrapf(err, "gtpv2: responding %v", rsp.Type)
	}
	return nil
}

// Receive processes an inbound, already-decoded message from peer. It
// performs duplicate detection and request/response correlation and
// invokes the ULP callback.
func (e *Endpoint) Receive(ctx context.Context, peer net.Addr, msg Message) {
	if msg.Type.IsRequest() {
		e.receiveRequest(ctx, peer, msg)
		return
	}
	e.receiveResponse(peer, msg)
}

func (e *Endpoint) receiveRequest(ctx context.Context, peer net.Addr, msg Message) {
	e.mu.Lock()
	if cached, ok := e.seenSeq[msg.SequenceNum]; ok {
		e.mu.Unlock()
		if err := e.transport.SendTo(ctx, peer, *cached); err != nil {
			e.logger.Warn("gtpv2: failed to resend cached response", zap.Error(err))
		}
		return
	}
	e.mu.Unlock()

	if msg.Type == EchoRequest {
		_ = e.SendTriggeredResponse(ctx, peer, msg, Message{Type: EchoResponse})
		return
	}

	e.ulp(Event{Kind: InitialReqInd, LocalTEID: msg.TEID, Peer: peer, Msg: msg})
}

func (e *Endpoint) receiveResponse(peer net.Addr, msg Message) {
	e.mu.Lock()
	tx, ok := e.transactions[msg.SequenceNum]
	if !ok || tx.done {
		e.mu.Unlock()
		// Response for an already-completed (or unknown) transaction: drop.
		return
	}
	tx.done = true
	delete(e.transactions, msg.SequenceNum)
	e.mu.Unlock()

	e.ulp(Event{Kind: TriggeredRspInd, LocalTEID: msg.TEID, Peer: peer, Msg: msg, Arg: tx.arg})
}

func (e *Endpoint) watchForTimeout(ctx context.Context, seq uint32) {
	wait := time.NewTimer(e.interval)
	defer wait.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wait.C:
			e.mu.Lock()
			tx, ok := e.transactions[seq]
			if !ok || tx.done {
				e.mu.Unlock()
				return
			}
			if tx.retries >= e.n3 {
				delete(e.transactions, seq)
				e.mu.Unlock()
				e.ulp(Event{Kind: RspFailureInd, Peer: tx.peer, Msg: tx.req, Arg: tx.arg})
				return
			}
			tx.retries++
			tx.lastSentAt = time.Now()
			peer, req, retries := tx.peer, tx.req, tx.retries
			e.mu.Unlock()

			if err := e.transport.SendTo(ctx, peer, req); err != nil {
				e.logger.Warn("gtpv2: retransmit failed", zap.Error(err),
					zap.Uint32("sequence", seq))
			}
			// Linear backoff: the wait after the k-th retransmission is
			// (k+1) intervals.
			wait.Reset(time.Duration(retries+1) * e.interval)
		}
	}
}
