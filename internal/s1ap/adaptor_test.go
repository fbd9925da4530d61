package s1ap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/go-mme/core/internal/emm"
	"github.com/go-mme/core/internal/esm"
	"github.com/go-mme/core/internal/itti"
	"github.com/go-mme/core/internal/mmeapp"
	"github.com/go-mme/core/internal/mmectx"
)

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

type harness struct {
	ctx     context.Context
	bus     *itti.Bus
	store   *mmectx.Store
	enb     *InMemoryENB
	adaptor *Adaptor
	emmSink *sink
	esmSink *sink
	appSink *sink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := zap.NewNop()
	bus := itti.NewBus(logger)
	store := mmectx.NewStore()
	enbKey := mmectx.ENBKey{ENBUES1APID: 1, SCTPAssocID: 7}
	enb := NewInMemoryENB(enbKey)

	adaptor := NewAdaptor(store, bus, enb, logger)
	enb.Bind(adaptor)
	bus.Register(ctx, adaptor)

	emmSink := newSink(itti.TaskNASEMM)
	esmSink := newSink(itti.TaskNASESM)
	appSink := newSink(itti.TaskMMEApp)
	bus.Register(ctx, emmSink)
	bus.Register(ctx, esmSink)
	bus.Register(ctx, appSink)

	return &harness{ctx: ctx, bus: bus, store: store, enb: enb, adaptor: adaptor, emmSink: emmSink, esmSink: esmSink, appSink: appSink}
}

func TestInitialUEMessage_AttachRequestRoutesToEMM(t *testing.T) {
	h := newHarness(t)

	h.enb.Uplink(PDU{Procedure: ProcInitialUEMessage, Body: InitialUEMessage{
		ServingTAI:  mmectx.TAI{MCC: "001", MNC: "01", TAC: 5},
		ServingECGI: mmectx.ECGI{MCC: "001", MNC: "01", CellID: 99},
		NAS:         UplinkNAS{Kind: "AttachRequest", IMSI: "001010000000001", SecurityContextCarried: false},
	}})

	msg := h.emmSink.recv(t)
	require.Equal(t, itti.S1APInitialUEMessage, msg.ID)
	payload, ok := msg.Payload.(emm.InitialUEMessage)
	require.True(t, ok)
	require.NotNil(t, payload.Attach)
	require.Equal(t, "001010000000001", payload.Attach.IMSI)
	require.Equal(t, uint16(5), payload.ServingTAI.TAC)
}

func TestUplinkNASTransport_EMMKindRoutesToNASEMM(t *testing.T) {
	h := newHarness(t)
	ue := h.store.Create()

	h.enb.Uplink(PDU{Procedure: ProcUplinkNASTransport, Body: UplinkNASTransport{
		MMEUES1APID: ue.MMEUES1APID,
		NAS:         UplinkNAS{Kind: "IdentityResponse", IMSI: "001010000000001"},
	}})

	msg := h.emmSink.recv(t)
	require.Equal(t, itti.NASUplinkDataInd, msg.ID)
	up, ok := msg.Payload.(emm.NASUplink)
	require.True(t, ok)
	require.Equal(t, "IdentityResponse", up.Kind)
	require.Equal(t, "001010000000001", up.IMSI)
}

func TestUplinkNASTransport_ESMKindRoutesToNASESM(t *testing.T) {
	h := newHarness(t)
	ue := h.store.Create()

	h.enb.Uplink(PDU{Procedure: ProcUplinkNASTransport, Body: UplinkNASTransport{
		MMEUES1APID: ue.MMEUES1APID,
		NAS:         UplinkNAS{Kind: "ActivateDefaultEPSBearerContextAccept", EBI: 5},
	}})

	msg := h.esmSink.recv(t)
	require.Equal(t, itti.NASUplinkDataInd, msg.ID)
	up, ok := msg.Payload.(esm.NASUplink)
	require.True(t, ok)
	require.Equal(t, uint8(5), up.EBI)
}

func TestUplinkNASTransport_AttachCompleteRoutesToEMM(t *testing.T) {
	h := newHarness(t)
	ue := h.store.Create()

	h.enb.Uplink(PDU{Procedure: ProcUplinkNASTransport, Body: UplinkNASTransport{
		MMEUES1APID: ue.MMEUES1APID,
		NAS:         UplinkNAS{Kind: "AttachComplete"},
	}})

	msg := h.emmSink.recv(t)
	require.Equal(t, itti.EMMAttachCompleteCnf, msg.ID)
	payload, ok := msg.Payload.(struct{ UEID uint32 })
	require.True(t, ok)
	require.Equal(t, ue.MMEUES1APID, payload.UEID)
}

func TestUEContextReleaseRequest_RoutesToMMEApp(t *testing.T) {
	h := newHarness(t)
	ue := h.store.Create()

	h.enb.Uplink(PDU{Procedure: ProcUEContextReleaseRequest, Body: UEContextReleaseRequest{
		MMEUES1APID: ue.MMEUES1APID, Cause: "radio_link_failure",
	}})

	msg := h.appSink.recv(t)
	require.Equal(t, itti.S1APUEContextReleaseRequest, msg.ID)
	payload, ok := msg.Payload.(mmeapp.UEContextReleaseRequest)
	require.True(t, ok)
	require.Equal(t, "radio_link_failure", payload.Cause)
}

func TestInitialContextSetupRequest_SentToUEsENB(t *testing.T) {
	h := newHarness(t)
	ue := h.store.Create()
	ue.Lock()
	ue.ENBKey = mmectx.ENBKey{ENBUES1APID: 1, SCTPAssocID: 7}
	ue.Unlock()

	require.NoError(t, h.bus.Send(itti.Message{Source: itti.TaskMMEApp, Destination: itti.TaskS1AP, ID: itti.S1APInitialContextSetupRequest,
		Payload: mmeapp.InitialContextSetupRequest{UEID: ue.MMEUES1APID, ERABs: []mmeapp.ERABToSetup{{EBI: 5, QCI: 9}}}}))

	require.Eventually(t, func() bool {
		for _, pdu := range h.enb.Sent() {
			if pdu.Procedure == ProcInitialContextSetupRequest {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}
