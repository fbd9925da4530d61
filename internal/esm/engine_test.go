package esm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/go-mme/core/internal/config"
	"github.com/go-mme/core/internal/itti"
	"github.com/go-mme/core/internal/mmectx"
	"github.com/go-mme/core/internal/timer"
)

type recvTask struct {
	id       itti.TaskID
	received chan itti.Message
}

func (r *recvTask) ID() itti.TaskID { return r.id }

func (r *recvTask) Run(ctx context.Context, in <-chan itti.Message) {
	for m := range in {
		if m.ID == itti.TerminateMessage {
			return
		}
		r.received <- m
	}
}

func newHarness(t *testing.T) (*Engine, *mmectx.Store, *mmectx.UEContext, *recvTask, *recvTask, *recvTask) {
	t.Helper()
	logger := zap.NewNop()
	bus := itti.NewBus(logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mmeapp := &recvTask{id: itti.TaskMMEApp, received: make(chan itti.Message, 10)}
	emm := &recvTask{id: itti.TaskNASEMM, received: make(chan itti.Message, 10)}
	s1ap := &recvTask{id: itti.TaskS1AP, received: make(chan itti.Message, 10)}
	bus.Register(ctx, mmeapp)
	bus.Register(ctx, emm)
	bus.Register(ctx, s1ap)

	timers := timer.NewService(bus, logger)
	go timers.Run(ctx)

	cfg := &config.Config{Timers: config.TimersConfig{
		T3485: 20 * time.Millisecond,
		T3486: 20 * time.Millisecond,
		T3495: 20 * time.Millisecond,
	}}

	store := mmectx.NewStore()
	engine := NewEngine(store, bus, timers, cfg, logger)

	ue := store.Create()
	ue.Lock()
	ue.IMSI = "001010123456789"
	ue.Unlock()

	bus.Register(ctx, engine)

	return engine, store, ue, mmeapp, emm, s1ap
}

func recvWithin(t *testing.T, ch chan itti.Message, d time.Duration) itti.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(d):
		t.Fatal("timed out waiting for message")
		return itti.Message{}
	}
}

func TestEngine_PDNConnectivityEmbeddedInAttach(t *testing.T) {
	e, _, ue, mmeapp, emm, _ := newHarness(t)

	require.NoError(t, e.bus.Send(itti.Message{
		Source: itti.TaskNASEMM, Destination: itti.TaskNASESM, ID: itti.NASESMPDNConnectivityReq,
		Payload: keyedPayload{UEID: ue.MMEUES1APID, Payload: &PDNConnectivityRequest{APN: "internet", Type: mmectx.PDNTypeIPv4}},
	}))

	create := recvWithin(t, mmeapp.received, time.Second)
	require.Equal(t, itti.ESMSessionCreateReq, create.ID)
	req := create.Payload.(SessionCreateRequest)
	require.Equal(t, "internet", req.APN)

	require.NoError(t, e.bus.Send(itti.Message{
		Source: itti.TaskMMEApp, Destination: itti.TaskNASESM, ID: itti.ESMSessionCreateCnf,
		Payload: SessionCreateResult{UEID: ue.MMEUES1APID, PDNContextID: req.PDNContextID, SGWFTEID: mmectx.FTEID{TEID: 42}},
	}))

	cnf := recvWithin(t, emm.received, time.Second)
	require.Equal(t, itti.NASESMPDNConnectivityCnf, cnf.ID)

	ue.RLock()
	pdn := ue.Session.PDNs[req.PDNContextID]
	ue.RUnlock()
	require.NotNil(t, pdn)
	require.Equal(t, uint32(42), pdn.SGWTEID.TEID)
}

func TestEngine_PDNConnectivityStandAloneRetransmits(t *testing.T) {
	e, _, ue, mmeapp, _, s1ap := newHarness(t)

	require.NoError(t, e.bus.Send(itti.Message{
		Source: itti.TaskNASEMM, Destination: itti.TaskNASESM, ID: itti.NASESMPDNConnectivityReq,
		Payload: keyedPayload{UEID: ue.MMEUES1APID, Payload: &PDNConnectivityRequest{APN: "ims", Type: mmectx.PDNTypeIPv4, StandAlone: true}},
	}))

	create := recvWithin(t, mmeapp.received, time.Second)
	req := create.Payload.(SessionCreateRequest)

	require.NoError(t, e.bus.Send(itti.Message{
		Source: itti.TaskMMEApp, Destination: itti.TaskNASESM, ID: itti.ESMSessionCreateCnf,
		Payload: SessionCreateResult{UEID: ue.MMEUES1APID, PDNContextID: req.PDNContextID},
	}))

	first := recvWithin(t, s1ap.received, time.Second)
	require.Equal(t, itti.S1APDownlinkNASTransport, first.ID)

	// No uplink accept arrives: T3485 should retransmit at least once.
	second := recvWithin(t, s1ap.received, time.Second)
	require.Equal(t, itti.S1APDownlinkNASTransport, second.ID)
}

func TestEngine_DedicatedBearerReactivationRequested(t *testing.T) {
	e, _, ue, mmeapp, _, s1ap := newHarness(t)

	ue.Lock()
	ebi, _ := ue.Session.AllocateEBI()
	defEBI, _ := ue.Session.AllocateEBI()
	pdn := &mmectx.PDNContext{ContextID: 1, APN: "internet", DefaultEBI: defEBI, Bearers: []*mmectx.BearerContext{
		{EBI: defEBI, PDNContextID: 1, State: mmectx.EBRActive, StateBits: mmectx.BearerStateMMECreated},
	}}
	ue.Session.AddPDN(pdn)
	ue.Unlock()
	ue.Session.ReleaseEBI(ebi) // give it back so handleBearerActivationInd can allocate deterministically

	require.NoError(t, e.bus.Send(itti.Message{
		Source: itti.TaskMMEApp, Destination: itti.TaskNASESM, ID: itti.ESMBearerActivationInd,
		Payload: BearerActivationRequest{UEID: ue.MMEUES1APID, PDNContextID: 1, LinkedEBI: defEBI, QCI: 5},
	}))

	downlink := recvWithin(t, s1ap.received, time.Second)
	require.Equal(t, itti.S1APDownlinkNASTransport, downlink.ID)
	payload := downlink.Payload.(struct {
		UEID uint32
		Kind string
		EBI  uint8
	})

	// The PDN's default bearer has no eNB side (no ENB_CREATED, no eNB
	// F-TEID), so it is not active, and the first T3485 retry of the new
	// dedicated bearer surfaces reactivation-requested rather than
	// retransmitting.
	outcome := recvWithin(t, mmeapp.received, time.Second)
	require.Equal(t, itti.ESMBearerActivationCnf, outcome.ID)
	result := outcome.Payload.(BearerOutcome)
	require.False(t, result.Accept)
	require.Equal(t, payload.EBI, result.EBI)
	require.Contains(t, result.Cause, "reactivation requested")
}

func TestEngine_PDNDisconnectRoundTrip(t *testing.T) {
	e, _, ue, mmeapp, emm, s1ap := newHarness(t)

	ue.Lock()
	ebi, _ := ue.Session.AllocateEBI()
	pdn := &mmectx.PDNContext{ContextID: 7, APN: "internet", DefaultEBI: ebi, Bearers: []*mmectx.BearerContext{
		{EBI: ebi, PDNContextID: 7, State: mmectx.EBRActive},
	}}
	ue.Session.AddPDN(pdn)
	ue.Unlock()

	require.NoError(t, e.bus.Send(itti.Message{
		Source: itti.TaskNASEMM, Destination: itti.TaskNASESM, ID: itti.NASESMPDNDisconnectReq,
		Payload: keyedPayload{UEID: ue.MMEUES1APID, Payload: &PDNDisconnectRequest{PDNContextID: 7, LinkedEBI: ebi}},
	}))

	del := recvWithin(t, mmeapp.received, time.Second)
	require.Equal(t, itti.ESMSessionDeleteReq, del.ID)

	require.NoError(t, e.bus.Send(itti.Message{
		Source: itti.TaskMMEApp, Destination: itti.TaskNASESM, ID: itti.ESMSessionDeleteCnf,
		Payload: SessionDeleteResult{UEID: ue.MMEUES1APID, PDNContextID: 7},
	}))

	downlink := recvWithin(t, s1ap.received, time.Second)
	require.Equal(t, itti.S1APDownlinkNASTransport, downlink.ID)

	require.NoError(t, e.bus.Send(itti.Message{
		Source: itti.TaskS1AP, Destination: itti.TaskNASESM, ID: itti.NASUplinkDataInd,
		Payload: NASUplink{UEID: ue.MMEUES1APID, Kind: "DeactivateEPSBearerContextAccept", EBI: ebi},
	}))

	cnf := recvWithin(t, emm.received, time.Second)
	require.Equal(t, itti.NASESMPDNDisconnectCnf, cnf.ID)

	ue.RLock()
	_, stillThere := ue.Session.PDNs[7]
	ue.RUnlock()
	require.False(t, stillThere)
}
