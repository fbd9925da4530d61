package gtpv2

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// loopbackTransport delivers SendTo directly into a peer Endpoint's
// Receive, modeling two Endpoints talking over an in-memory wire.
type loopbackTransport struct {
	mu   sync.Mutex
	peer *Endpoint
	addr net.Addr
}

func (t *loopbackTransport) SendTo(ctx context.Context, peer net.Addr, msg Message) error {
	t.mu.Lock()
	p := t.peer
	t.mu.Unlock()
	if p != nil {
		go p.Receive(ctx, t.addr, msg)
	}
	return nil
}

type fakeAddr string

func (a fakeAddr) Network() string { return "udp" }
func (a fakeAddr) String() string  { return string(a) }

func TestEndpoint_CreateSessionRoundTrip(t *testing.T) {
	logger := zap.NewNop()

	var mme, sgw *Endpoint
	mmeEvents := make(chan Event, 10)
	sgwEvents := make(chan Event, 10)

	mmeTransport := &loopbackTransport{addr: fakeAddr("mme")}
	sgwTransport := &loopbackTransport{addr: fakeAddr("sgw")}

	mme = NewEndpoint(mmeTransport, func(e Event) { mmeEvents <- e }, logger)
	sgw = NewEndpoint(sgwTransport, func(e Event) { sgwEvents <- e }, logger)
	mmeTransport.peer = sgw
	sgwTransport.peer = mme

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tunnel := mme.AllocateTunnel(fakeAddr("sgw"), "ue-1")

	_, err := mme.SendInitialRequest(ctx, fakeAddr("sgw"), Message{Type: CreateSessionRequest, TEID: 0}, "ue-1")
	require.NoError(t, err)

	var reqEvent Event
	select {
	case reqEvent = <-sgwEvents:
	case <-time.After(time.Second):
		t.Fatal("sgw did not receive create session request")
	}
	require.Equal(t, InitialReqInd, reqEvent.Kind)
	require.Equal(t, CreateSessionRequest, reqEvent.Msg.Type)

	require.NoError(t, sgw.SendTriggeredResponse(ctx, fakeAddr("mme"), reqEvent.Msg,
		Message{Type: CreateSessionResponse, TEID: tunnel.LocalTEID}))

	var rspEvent Event
	select {
	case rspEvent = <-mmeEvents:
	case <-time.After(time.Second):
		t.Fatal("mme did not receive create session response")
	}
	require.Equal(t, TriggeredRspInd, rspEvent.Kind)
	require.Equal(t, "ue-1", rspEvent.Arg)
	require.Equal(t, CreateSessionResponse, rspEvent.Msg.Type)
}

func TestEndpoint_DuplicateRequestReturnsCachedResponse(t *testing.T) {
	logger := zap.NewNop()
	sgwEvents := make(chan Event, 10)

	sgwTransport := &loopbackTransport{addr: fakeAddr("sgw")}
	sgw := NewEndpoint(sgwTransport, func(e Event) { sgwEvents <- e }, logger)

	var sentToMME []Message
	var mu sync.Mutex
	mmeTransport := &recordingTransport{sent: &sentToMME, mu: &mu}
	sgwTransport.peer = nil // sgw replies go straight to mmeTransport, wired below

	ctx := context.Background()

	req := Message{Type: CreateSessionRequest, SequenceNum: 7}
	sgw.Receive(ctx, fakeAddr("mme-direct"), req)

	var evt Event
	select {
	case evt = <-sgwEvents:
	case <-time.After(time.Second):
		t.Fatal("sgw did not surface initial request")
	}

	rsp := Message{Type: CreateSessionResponse, TEID: 42}
	require.NoError(t, sgw.SendTriggeredResponse(ctx, fakeAddr("mme-direct"), evt.Msg, rsp))

	// Re-deliver the same sequence number as a retransmitted duplicate.
	sgw.transport = mmeTransport
	sgw.Receive(ctx, fakeAddr("mme-direct"), req)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sentToMME, 1)
	require.Equal(t, CreateSessionResponse, sentToMME[0].Type)
	require.Equal(t, uint32(42), sentToMME[0].TEID)

	select {
	case <-sgwEvents:
		t.Fatal("duplicate request must not be re-surfaced to the ULP")
	default:
	}
}

type recordingTransport struct {
	mu   *sync.Mutex
	sent *[]Message
}

func (t *recordingTransport) SendTo(ctx context.Context, peer net.Addr, msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	*t.sent = append(*t.sent, msg)
	return nil
}

func TestEndpoint_RetransmissionExhaustionRaisesFailure(t *testing.T) {
	logger := zap.NewNop()
	var sent []Message
	var mu sync.Mutex
	transport := &recordingTransport{sent: &sent, mu: &mu}

	events := make(chan Event, 10)
	ep := NewEndpoint(transport, func(e Event) { events <- e }, logger,
		WithRetransmission(2, 20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := ep.SendInitialRequest(ctx, fakeAddr("sgw"), Message{Type: CreateSessionRequest}, "arg")
	require.NoError(t, err)

	select {
	case evt := <-events:
		require.Equal(t, RspFailureInd, evt.Kind)
		require.Equal(t, "arg", evt.Arg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RspFailureInd")
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(sent), 2)
}
