package emm

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

type fakeHSS struct{ vector AuthVector }

func (f *fakeHSS) AuthenticationInformation(ctx context.Context, imsi string) (AuthVector, error) {
	return f.vector, nil
}

func (f *fakeHSS) UpdateLocation(ctx context.Context, imsi string) error { return nil }

type fakeKeys struct{}

func (fakeKeys) DeriveNASKeys(kasme []byte, eia, eea string) ([]byte, []byte) {
	return []byte("knasint"), []byte("knasenc")
}

func newHarness(t *testing.T, mutate func(*config.Config)) (*Engine, *mmectx.Store, *recvTask, *recvTask, *recvTask) {
	t.Helper()
	logger := zap.NewNop()
	bus := itti.NewBus(logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mmeapp := &recvTask{id: itti.TaskMMEApp, received: make(chan itti.Message, 20)}
	s1ap := &recvTask{id: itti.TaskS1AP, received: make(chan itti.Message, 20)}
	esmTask := &recvTask{id: itti.TaskNASESM, received: make(chan itti.Message, 20)}
	bus.Register(ctx, mmeapp)
	bus.Register(ctx, s1ap)
	bus.Register(ctx, esmTask)

	timers := timer.NewService(bus, logger)
	go timers.Run(ctx)

	cfg := &config.Config{
		Security: config.SecurityConfig{
			PreferredIntegrityAlgorithms: []string{"EIA2"},
			PreferredCipheringAlgorithms: []string{"EEA2"},
		},
		GUMMEIs: []config.GUMMEI{{PLMN: config.PLMN{MCC: "001", MNC: "01"}, MMEGroupID: 1, MMECode: 1}},
		Timers: config.TimersConfig{
			T3450: 20 * time.Millisecond,
			T3460: 20 * time.Millisecond,
			T3470: 20 * time.Millisecond,
			T3418: 20 * time.Millisecond,
			T3422: 20 * time.Millisecond,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	store := mmectx.NewStore()
	hss := &fakeHSS{vector: AuthVector{RAND: []byte("r"), AUTN: []byte("a"), XRES: []byte("x"), KASME: []byte("k")}}
	engine := NewEngine(store, bus, timers, hss, fakeKeys{}, cfg, logger)
	bus.Register(ctx, engine)

	return engine, store, mmeapp, s1ap, esmTask
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

func expectNone(t *testing.T, ch chan itti.Message, d time.Duration) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected message received: %+v", m)
	case <-time.After(d):
	}
}

// asDownlink/asReject type-assert against the exact anonymous struct shapes
// sendNASDownlink/sendNASReject send: Go type identity for an unnamed
// struct depends on its field list matching exactly, so these must mirror
// engine.go's literals field-for-field.
func asDownlink(t *testing.T, m itti.Message) struct {
	UEID uint32
	Kind string
} {
	t.Helper()
	v, ok := m.Payload.(struct {
		UEID uint32
		Kind string
	})
	require.True(t, ok, "expected a plain downlink payload, got %T", m.Payload)
	return v
}

func asReject(t *testing.T, m itti.Message) struct {
	UEID  uint32
	Kind  string
	Cause string
} {
	t.Helper()
	v, ok := m.Payload.(struct {
		UEID  uint32
		Kind  string
		Cause string
	})
	require.True(t, ok, "expected a reject downlink payload, got %T", m.Payload)
	return v
}

func TestStartAttach_RetransmitIsIdempotent(t *testing.T) {
	// T3450 is long here so that no expiry changes RetryCount while the
	// retransmitted Attach Request is being checked.
	e, store, _, s1ap, esmTask := newHarness(t, func(cfg *config.Config) { cfg.Timers.T3450 = 10 * time.Second })

	require.NoError(t, e.bus.Send(itti.Message{
		Source: itti.TaskS1AP, Destination: itti.TaskNASEMM, ID: itti.S1APInitialUEMessage,
		Payload: InitialUEMessage{Attach: &AttachData{IMSI: "001010123456789", SecurityContextCarried: true, PDNConnectivityPayload: "pdn-req"}},
	}))

	esmReq := recvWithin(t, esmTask.received, time.Second)
	require.Equal(t, itti.NASESMPDNConnectivityReq, esmReq.ID)

	ues := store.Snapshot()
	require.Len(t, ues, 1)
	ue := ues[0]

	require.NoError(t, e.bus.Send(itti.Message{
		Source: itti.TaskNASESM, Destination: itti.TaskNASEMM, ID: itti.NASESMPDNConnectivityCnf,
		Payload: struct{ UEID uint32 }{UEID: ue.MMEUES1APID},
	}))

	accept := recvWithin(t, s1ap.received, time.Second)
	require.Equal(t, itti.S1APDownlinkNASTransport, accept.ID)
	require.Equal(t, "AttachAccept", asDownlink(t, accept).Kind)

	ue.RLock()
	retryBefore := ue.EMM.Procedures.Specific.RetryCount
	ue.RUnlock()

	// A retransmitted Attach Request with matching IEs must reproduce the
	// Attach Accept and change nothing else.
	require.NoError(t, e.bus.Send(itti.Message{
		Source: itti.TaskS1AP, Destination: itti.TaskNASEMM, ID: itti.S1APInitialUEMessage,
		Payload: InitialUEMessage{MMEUES1APID: ue.MMEUES1APID, Attach: &AttachData{IMSI: "001010123456789", SecurityContextCarried: true}},
	}))

	retransmit := recvWithin(t, s1ap.received, time.Second)
	require.Equal(t, "AttachAccept", asDownlink(t, retransmit).Kind)
	expectNone(t, esmTask.received, 100*time.Millisecond)

	ue.RLock()
	defer ue.RUnlock()
	require.Equal(t, retryBefore, ue.EMM.Procedures.Specific.RetryCount)
	require.Equal(t, mmectx.EMMCommonProcedureInitiated, ue.EMM.State)
}

func TestStartAttach_T3450ExhaustsIntoImplicitDetach(t *testing.T) {
	e, store, mmeapp, s1ap, esmTask := newHarness(t, nil)

	require.NoError(t, e.bus.Send(itti.Message{
		Source: itti.TaskS1AP, Destination: itti.TaskNASEMM, ID: itti.S1APInitialUEMessage,
		Payload: InitialUEMessage{Attach: &AttachData{IMSI: "001010199999999", SecurityContextCarried: true}},
	}))
	recvWithin(t, esmTask.received, time.Second)
	ue := store.Snapshot()[0]

	require.NoError(t, e.bus.Send(itti.Message{
		Source: itti.TaskNASESM, Destination: itti.TaskNASEMM, ID: itti.NASESMPDNConnectivityCnf,
		Payload: struct{ UEID uint32 }{UEID: ue.MMEUES1APID},
	}))

	// One initial AttachAccept plus (attachCounterMax-1) retransmissions
	// before the retry counter reaches ATTACH_COUNTER_MAX and the attach
	// is implicitly torn down; no AttachComplete is ever sent.
	for i := 0; i < attachCounterMax; i++ {
		accept := recvWithin(t, s1ap.received, time.Second)
		require.Equal(t, "AttachAccept", asDownlink(t, accept).Kind)
	}

	detach := recvWithin(t, mmeapp.received, time.Second)
	require.Equal(t, itti.EMMDetachCnf, detach.ID)

	_, found := store.GetByMMEUES1APID(ue.MMEUES1APID)
	require.True(t, found, "implicit detach only resets EMM state, it does not remove the context")
	ue.RLock()
	defer ue.RUnlock()
	require.Equal(t, mmectx.EMMDeregistered, ue.EMM.State)
}

func TestStartAttach_EmergencyRejectedWhenUnsupported(t *testing.T) {
	e, store, _, s1ap, _ := newHarness(t, func(cfg *config.Config) {
		cfg.NetworkFeature.EmergencyBearerServicesSupported = false
	})

	require.NoError(t, e.bus.Send(itti.Message{
		Source: itti.TaskS1AP, Destination: itti.TaskNASEMM, ID: itti.S1APInitialUEMessage,
		Payload: InitialUEMessage{Attach: &AttachData{IsEmergency: true, IMEIPresented: true}},
	}))
	reject := recvWithin(t, s1ap.received, time.Second)
	require.Equal(t, "AttachReject", asReject(t, reject).Kind)
	require.Equal(t, "imei_not_accepted", asReject(t, reject).Cause)

	require.NoError(t, e.bus.Send(itti.Message{
		Source: itti.TaskS1AP, Destination: itti.TaskNASEMM, ID: itti.S1APInitialUEMessage,
		Payload: InitialUEMessage{Attach: &AttachData{IsEmergency: true, IMEIPresented: false}},
	}))
	reject2 := recvWithin(t, s1ap.received, time.Second)
	require.Equal(t, "not_authorized_in_plmn", asReject(t, reject2).Cause)

	// No EMM procedure or state transition was started for either reject.
	for _, ue := range store.Snapshot() {
		ue.RLock()
		require.Nil(t, ue.EMM.Procedures.Specific)
		require.Equal(t, mmectx.EMMDeregistered, ue.EMM.State)
		ue.RUnlock()
	}
}

func TestStartAttach_CollisionAbortsAndReplaces(t *testing.T) {
	e, store, mmeapp, _, esmTask := newHarness(t, nil)

	require.NoError(t, e.bus.Send(itti.Message{
		Source: itti.TaskS1AP, Destination: itti.TaskNASEMM, ID: itti.S1APInitialUEMessage,
		Payload: InitialUEMessage{Attach: &AttachData{IMSI: "A", SecurityContextCarried: true}},
	}))
	recvWithin(t, esmTask.received, time.Second)
	ue := store.Snapshot()[0]

	// A second Attach Request for the same UE with a different IMSI, and
	// with no common procedure yet nested underneath the first, must abort
	// the old specific procedure (implicitly detaching it) and start over.
	require.NoError(t, e.bus.Send(itti.Message{
		Source: itti.TaskS1AP, Destination: itti.TaskNASEMM, ID: itti.S1APInitialUEMessage,
		Payload: InitialUEMessage{MMEUES1APID: ue.MMEUES1APID, Attach: &AttachData{IMSI: "B", SecurityContextCarried: true}},
	}))

	detach := recvWithin(t, mmeapp.received, time.Second)
	require.Equal(t, itti.EMMDetachCnf, detach.ID)

	second := recvWithin(t, esmTask.received, time.Second)
	require.Equal(t, itti.NASESMPDNConnectivityReq, second.ID)

	ue.RLock()
	defer ue.RUnlock()
	require.Equal(t, "B", ue.IMSI)
	require.Equal(t, mmectx.EMMCommonProcedureInitiated, ue.EMM.State)
}

func TestTAU_CompletesWithGUTIReallocation(t *testing.T) {
	e, store, _, s1ap, _ := newHarness(t, nil)

	ue := store.Create()
	oldGUTI := &mmectx.GUTI{MCC: "001", MNC: "01", MMEGroupID: 9, MMECode: 9, MTMSI: 1}
	ue.Lock()
	ue.IMSI = "001010100000001"
	ue.GUTI = oldGUTI
	ue.EMM.State = mmectx.EMMRegistered
	ue.Unlock()
	store.Reindex(ue, mmectx.Keys{}, mmectx.Keys{GUTI: oldGUTI})

	require.NoError(t, e.bus.Send(itti.Message{
		Source: itti.TaskS1AP, Destination: itti.TaskNASEMM, ID: itti.S1APInitialUEMessage,
		Payload: InitialUEMessage{MMEUES1APID: ue.MMEUES1APID, TAU: &TAUData{GUTI: oldGUTI, SecurityContextCarried: true}},
	}))

	reallocCmd := recvWithin(t, s1ap.received, time.Second)
	require.Equal(t, "GUTIReallocationCommand", asDownlink(t, reallocCmd).Kind)

	require.NoError(t, e.bus.Send(itti.Message{
		Source: itti.TaskS1AP, Destination: itti.TaskNASEMM, ID: itti.NASUplinkDataInd,
		Payload: NASUplink{UEID: ue.MMEUES1APID, Kind: "GUTIReallocationComplete"},
	}))

	accept := recvWithin(t, s1ap.received, time.Second)
	require.Equal(t, "TAUAccept", asDownlink(t, accept).Kind)

	ue.RLock()
	newGUTI := ue.GUTI
	specific := ue.EMM.Procedures.Specific
	state := ue.EMM.State
	ue.RUnlock()

	require.NotNil(t, newGUTI)
	require.NotEqual(t, *oldGUTI, *newGUTI)
	require.Nil(t, specific)
	require.Equal(t, mmectx.EMMRegistered, state)

	_, stillOld := store.GetByGUTI(*oldGUTI)
	require.False(t, stillOld)
	found, ok := store.GetByGUTI(*newGUTI)
	require.True(t, ok)
	require.Equal(t, ue.MMEUES1APID, found.MMEUES1APID)
}

func TestServiceRequest_AcceptTriggersRegistration(t *testing.T) {
	e, store, mmeapp, s1ap, _ := newHarness(t, nil)

	ue := store.Create()
	guti := &mmectx.GUTI{MCC: "001", MNC: "01", MMEGroupID: 1, MMECode: 1, MTMSI: 5}
	ue.Lock()
	ue.GUTI = guti
	ue.EMM.State = mmectx.EMMRegistered
	ue.EMM.Security = &mmectx.SecurityContext{KASME: []byte("k")}
	ue.Unlock()
	store.Reindex(ue, mmectx.Keys{}, mmectx.Keys{GUTI: guti})

	require.NoError(t, e.bus.Send(itti.Message{
		Source: itti.TaskS1AP, Destination: itti.TaskNASEMM, ID: itti.S1APInitialUEMessage,
		Payload: InitialUEMessage{ServiceReq: &ServiceRequestData{GUTI: guti}},
	}))

	accept := recvWithin(t, s1ap.received, time.Second)
	require.Equal(t, "ServiceAccept", asDownlink(t, accept).Kind)

	reg := recvWithin(t, mmeapp.received, time.Second)
	require.Equal(t, itti.EMMRegistrationCnf, reg.ID)
	require.Equal(t, ue.MMEUES1APID, reg.Payload.(struct{ UEID uint32 }).UEID)
}

func TestServiceRequest_RejectsWithoutSecurityContext(t *testing.T) {
	e, store, _, s1ap, _ := newHarness(t, nil)

	ue := store.Create()
	guti := &mmectx.GUTI{MCC: "001", MNC: "01", MMEGroupID: 1, MMECode: 1, MTMSI: 6}
	ue.Lock()
	ue.GUTI = guti
	ue.EMM.State = mmectx.EMMRegistered
	ue.Unlock()
	store.Reindex(ue, mmectx.Keys{}, mmectx.Keys{GUTI: guti})

	require.NoError(t, e.bus.Send(itti.Message{
		Source: itti.TaskS1AP, Destination: itti.TaskNASEMM, ID: itti.S1APInitialUEMessage,
		Payload: InitialUEMessage{ServiceReq: &ServiceRequestData{GUTI: guti}},
	}))

	reject := recvWithin(t, s1ap.received, time.Second)
	require.Equal(t, "ServiceReject", asReject(t, reject).Kind)
	require.Equal(t, "ue_not_authenticated", asReject(t, reject).Cause)
}

func TestESMPDNDisconnectConfirmed_ImplicitlyDetachesOnLastPDN(t *testing.T) {
	e, store, _, _, _ := newHarness(t, nil)

	ue := store.Create()
	ue.Lock()
	ue.EMM.State = mmectx.EMMRegistered
	ue.Unlock()

	require.NoError(t, e.bus.Send(itti.Message{
		Source: itti.TaskNASESM, Destination: itti.TaskNASEMM, ID: itti.NASESMPDNDisconnectCnf,
		Payload: struct{ UEID uint32 }{UEID: ue.MMEUES1APID},
	}))

	require.Eventually(t, func() bool {
		_, ok := store.GetByMMEUES1APID(ue.MMEUES1APID)
		return !ok
	}, time.Second, 10*time.Millisecond, "UE should be removed once its last PDN disconnects")
}

func TestESMPDNDisconnectConfirmed_KeepsUEWithRemainingPDNs(t *testing.T) {
	e, store, _, _, _ := newHarness(t, nil)

	ue := store.Create()
	ue.Lock()
	ue.EMM.State = mmectx.EMMRegistered
	ue.Session.AddPDN(&mmectx.PDNContext{ContextID: 1, APN: "internet", Bearers: []*mmectx.BearerContext{{EBI: 5}}})
	ue.Unlock()

	require.NoError(t, e.bus.Send(itti.Message{
		Source: itti.TaskNASESM, Destination: itti.TaskNASEMM, ID: itti.NASESMPDNDisconnectCnf,
		Payload: struct{ UEID uint32 }{UEID: ue.MMEUES1APID},
	}))

	time.Sleep(50 * time.Millisecond)
	_, ok := store.GetByMMEUES1APID(ue.MMEUES1APID)
	require.True(t, ok, "a UE with remaining PDN contexts must not be detached")
}
