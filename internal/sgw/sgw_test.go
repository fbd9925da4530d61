package sgw

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/go-mme/core/internal/gtpv2"
)

func newTestEndpoint(t *testing.T, transport gtpv2.Transport, events chan gtpv2.Event) *gtpv2.Endpoint {
	t.Helper()
	return gtpv2.NewEndpoint(transport, func(e gtpv2.Event) { events <- e }, zap.NewNop(),
		gtpv2.WithRetransmission(2, 20*time.Millisecond))
}

func TestInMemoryPeer_RespondsToScriptedRequest(t *testing.T) {
	events := make(chan gtpv2.Event, 4)
	peer := NewInMemoryPeer("sgw-1")
	endpoint := newTestEndpoint(t, peer, events)
	peer.Bind(endpoint)

	peer.OnRequest(gtpv2.CreateSessionRequest, func(req gtpv2.Message) gtpv2.Message {
		return gtpv2.Message{Type: gtpv2.CreateSessionResponse, TEID: 42}
	})

	_, err := endpoint.SendInitialRequest(context.Background(), peer.Addr(),
		gtpv2.Message{Type: gtpv2.CreateSessionRequest}, "pdn-context-1")
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, gtpv2.TriggeredRspInd, ev.Kind)
		require.Equal(t, gtpv2.CreateSessionResponse, ev.Msg.Type)
		require.Equal(t, uint32(42), ev.Msg.TEID)
		require.Equal(t, "pdn-context-1", ev.Arg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for triggered response")
	}
}

func TestInMemoryPeer_NoHandlerIsAnError(t *testing.T) {
	peer := NewInMemoryPeer("sgw-1")
	err := peer.SendTo(context.Background(), peer.Addr(), gtpv2.Message{Type: gtpv2.CreateSessionRequest})
	require.Error(t, err)
}

func TestInMemoryPeer_DropNextCausesRspFailureInd(t *testing.T) {
	events := make(chan gtpv2.Event, 4)
	peer := NewInMemoryPeer("sgw-1")
	endpoint := newTestEndpoint(t, peer, events)
	peer.Bind(endpoint)

	peer.OnRequest(gtpv2.CreateSessionRequest, func(req gtpv2.Message) gtpv2.Message {
		return gtpv2.Message{Type: gtpv2.CreateSessionResponse}
	})
	peer.DropNext(gtpv2.CreateSessionRequest, 10)

	_, err := endpoint.SendInitialRequest(context.Background(), peer.Addr(),
		gtpv2.Message{Type: gtpv2.CreateSessionRequest}, nil)
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, gtpv2.RspFailureInd, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RspFailureInd")
	}
}

func TestAddr_RoundTripsName(t *testing.T) {
	a := Addr("sgw-test")
	require.Equal(t, "sgw-test", a.String())
	require.Equal(t, "memory", a.Network())
}
