package mmeapp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/go-mme/core/internal/config"
	"github.com/go-mme/core/internal/esm"
	"github.com/go-mme/core/internal/gtpv2"
	"github.com/go-mme/core/internal/itti"
	"github.com/go-mme/core/internal/mmectx"
	"github.com/go-mme/core/internal/sgw"
	"github.com/go-mme/core/internal/timer"
)

// sink is a minimal itti.Task that forwards every message it receives
// onto a channel, standing in for NAS-ESM/S1AP/NAS-EMM in these tests.
type sink struct {
	id itti.TaskID
	ch chan itti.Message
}

func newSink(id itti.TaskID) *sink { return &sink{id: id, ch: make(chan itti.Message, 32)} }

func (s *sink) ID() itti.TaskID { return s.id }

func (s *sink) Run(ctx context.Context, in <-chan itti.Message) {
	for msg := range in {
		if msg.ID == itti.TerminateMessage {
			return
		}
		s.ch <- msg
	}
}

func (s *sink) recv(t *testing.T) itti.Message {
	t.Helper()
	select {
	case m := <-s.ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return itti.Message{}
	}
}

type testHarness struct {
	ctx    context.Context
	cancel context.CancelFunc
	bus    *itti.Bus
	store  *mmectx.Store
	timers *timer.Service
	cfg    *config.Config
	s11    *gtpv2.Endpoint
	peer   *sgw.InMemoryPeer
	esmSink *sink
	s1apSink *sink
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())

	bus := itti.NewBus(logger)
	store := mmectx.NewStore()
	timers := timer.NewService(bus, logger)
	go timers.Run(ctx)

	cfg := &config.Config{
		EDNS: []config.EDNSEntry{{APN: "internet", PeerIPv4: "10.0.0.1", PeerPort: 2123}},
	}
	cfg.Timers.MMES10HandoverCompletion = 200 * time.Millisecond

	peer := sgw.NewInMemoryPeer("sgw-1")
	s11 := gtpv2.NewEndpoint(peer, NewS11ULPCallback(bus), logger, gtpv2.WithRetransmission(2, 20*time.Millisecond))
	peer.Bind(s11)

	s10peer := sgw.NewInMemoryPeer("mme-2")
	s10 := gtpv2.NewEndpoint(s10peer, NewS10ULPCallback(bus), logger, gtpv2.WithRetransmission(2, 20*time.Millisecond))
	s10peer.Bind(s10)

	engine := NewEngine(store, bus, timers, cfg, logger, s11, s10)
	bus.Register(ctx, engine)

	esmSink := newSink(itti.TaskNASESM)
	s1apSink := newSink(itti.TaskS1AP)
	bus.Register(ctx, esmSink)
	bus.Register(ctx, s1apSink)

	t.Cleanup(cancel)
	return &testHarness{ctx: ctx, cancel: cancel, bus: bus, store: store, timers: timers, cfg: cfg, s11: s11, peer: peer, esmSink: esmSink, s1apSink: s1apSink}
}

func newIdleUEWithPDN(h *testHarness, pdnID int, defaultEBI uint8) *mmectx.UEContext {
	ue := h.store.Create()
	ue.IMSI = "001010000000001"
	ue.ECMState = mmectx.ECMIdle
	pdn := &mmectx.PDNContext{ContextID: pdnID, APN: "internet", DefaultEBI: defaultEBI, Type: mmectx.PDNTypeIPv4}
	pdn.Bearers = []*mmectx.BearerContext{{EBI: defaultEBI, PDNContextID: pdnID, QCI: 9, ARP: 1}}
	ue.Session.AddPDN(pdn)
	return ue
}

func TestSessionCreate_AcceptedTriggersInitialContextSetup(t *testing.T) {
	h := newHarness(t)
	ue := newIdleUEWithPDN(h, 1, 5)

	h.peer.OnRequest(gtpv2.CreateSessionRequest, func(req gtpv2.Message) gtpv2.Message {
		return gtpv2.Message{Type: gtpv2.CreateSessionResponse, Body: sessionBody{
			Accept: true, PAA: "10.45.0.2", SGWFTEID: mmectx.FTEID{TEID: 77, IPv4: "10.0.0.1"},
		}}
	})

	require.NoError(t, h.bus.Send(itti.Message{Source: itti.TaskNASESM, Destination: itti.TaskMMEApp, ID: itti.ESMSessionCreateReq,
		Payload: esm.SessionCreateRequest{UEID: ue.MMEUES1APID, PDNContextID: 1, APN: "internet", DefaultEBI: 5}}))

	cnf := h.esmSink.recv(t)
	require.Equal(t, itti.ESMSessionCreateCnf, cnf.ID)
	result, ok := cnf.Payload.(esm.SessionCreateResult)
	require.True(t, ok)
	require.Equal(t, "10.45.0.2", result.UEIPv4)

	ics := h.s1apSink.recv(t)
	require.Equal(t, itti.S1APInitialContextSetupRequest, ics.ID)
	req, ok := ics.Payload.(InitialContextSetupRequest)
	require.True(t, ok)
	require.Len(t, req.ERABs, 1)
	require.Equal(t, uint8(5), req.ERABs[0].EBI)
}

func TestSessionCreate_RejectedByPeer(t *testing.T) {
	h := newHarness(t)
	ue := newIdleUEWithPDN(h, 1, 5)

	h.peer.OnRequest(gtpv2.CreateSessionRequest, func(req gtpv2.Message) gtpv2.Message {
		return gtpv2.Message{Type: gtpv2.CreateSessionResponse, Body: sessionBody{Accept: false, Cause: "no_resources_available"}}
	})

	require.NoError(t, h.bus.Send(itti.Message{Source: itti.TaskNASESM, Destination: itti.TaskMMEApp, ID: itti.ESMSessionCreateReq,
		Payload: esm.SessionCreateRequest{UEID: ue.MMEUES1APID, PDNContextID: 1, APN: "internet", DefaultEBI: 5}}))

	rej := h.esmSink.recv(t)
	require.Equal(t, itti.ESMSessionCreateRej, rej.ID)
	failure, ok := rej.Payload.(esm.SessionCreateFailure)
	require.True(t, ok)
	require.Equal(t, "no_resources_available", failure.Cause)
}

func TestSessionCreate_UnknownAPNIsRejectedWithoutS11(t *testing.T) {
	h := newHarness(t)
	ue := h.store.Create()
	pdn := &mmectx.PDNContext{ContextID: 1, APN: "ims", DefaultEBI: 5}
	pdn.Bearers = []*mmectx.BearerContext{{EBI: 5, PDNContextID: 1}}
	ue.Session.AddPDN(pdn)

	require.NoError(t, h.bus.Send(itti.Message{Source: itti.TaskNASESM, Destination: itti.TaskMMEApp, ID: itti.ESMSessionCreateReq,
		Payload: esm.SessionCreateRequest{UEID: ue.MMEUES1APID, PDNContextID: 1, APN: "ims", DefaultEBI: 5}}))

	rej := h.esmSink.recv(t)
	require.Equal(t, itti.ESMSessionCreateRej, rej.ID)
	failure := rej.Payload.(esm.SessionCreateFailure)
	require.Equal(t, "unknown_apn", failure.Cause)
}

func TestDetach_TearsDownAllPDNsWithOneDeleteSessionRequest(t *testing.T) {
	h := newHarness(t)
	ue := newIdleUEWithPDN(h, 1, 5)
	ue.Lock()
	ue.Session.MMETEIDS11 = h.s11.AllocateTunnel(h.peer.Addr(), ue.MMEUES1APID).LocalTEID
	ue.Unlock()
	h.store.Reindex(ue, mmectx.Keys{}, mmectx.Keys{MMETEIDS11: ue.Session.MMETEIDS11})

	gotDelete := make(chan struct{}, 1)
	h.peer.OnRequest(gtpv2.DeleteSessionRequest, func(req gtpv2.Message) gtpv2.Message {
		gotDelete <- struct{}{}
		return gtpv2.Message{Type: gtpv2.DeleteSessionResponse}
	})

	require.NoError(t, h.bus.Send(itti.Message{Source: itti.TaskNASEMM, Destination: itti.TaskMMEApp, ID: itti.EMMDetachCnf,
		Payload: struct{ UEID uint32 }{UEID: ue.MMEUES1APID}}))

	select {
	case <-gotDelete:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delete session request")
	}
	require.Eventually(t, func() bool {
		_, found := h.store.GetByMMEUES1APID(ue.MMEUES1APID)
		return !found
	}, time.Second, 10*time.Millisecond)
}

func TestUEContextReleaseRequest_NoPDNsSkipsReleaseAccessBearers(t *testing.T) {
	h := newHarness(t)
	ue := h.store.Create()

	require.NoError(t, h.bus.Send(itti.Message{Source: itti.TaskS1AP, Destination: itti.TaskMMEApp, ID: itti.S1APUEContextReleaseRequest,
		Payload: UEContextReleaseRequest{UEID: ue.MMEUES1APID, Cause: "radio_link_failure"}}))

	cmd := h.s1apSink.recv(t)
	require.Equal(t, itti.S1APUEContextReleaseCommand, cmd.ID)
	payload, ok := cmd.Payload.(UEContextReleaseCommand)
	require.True(t, ok)
	require.Equal(t, "radio_link_failure", payload.Cause)
}
