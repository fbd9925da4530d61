package mmeapp

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/go-mme/core/common/metrics"
	"github.com/go-mme/core/internal/config"
	"github.com/go-mme/core/internal/esm"
	"github.com/go-mme/core/internal/gtpv2"
	"github.com/go-mme/core/internal/itti"
	"github.com/go-mme/core/internal/mmectx"
	"github.com/go-mme/core/internal/sgw"
	"github.com/go-mme/core/internal/timer"
)

// Engine is the mme_app subsystem: an itti.Task (TaskMMEApp) that owns
// the S11/S10 GTPv2-C endpoints and every non-NAS S1AP procedure.
type Engine struct {
	store  *mmectx.Store
	bus    *itti.Bus
	timers *timer.Service
	cfg    *config.Config
	logger *zap.Logger
	tracer trace.Tracer

	s11 *gtpv2.Endpoint
	s10 *gtpv2.Endpoint
}

// NewEngine creates the mme_app engine. s11 and s10 must already be
// wired with NewS11ULPCallback(bus)/NewS10ULPCallback(bus) so their
// events loop back onto this Task's own queue.
func NewEngine(store *mmectx.Store, bus *itti.Bus, timers *timer.Service, cfg *config.Config, logger *zap.Logger, s11, s10 *gtpv2.Endpoint) *Engine {
	return &Engine{store: store, bus: bus, timers: timers, cfg: cfg, logger: logger, s11: s11, s10: s10, tracer: otel.Tracer("mme-app")}
}

// ID implements itti.Task.
func (e *Engine) ID() itti.TaskID { return itti.TaskMMEApp }

// Run implements itti.Task. GTPv2-C events loop back from internal/gtpv2
// tagged with Source TaskS11/TaskS10 rather than through a dedicated
// task goroutine, the same way internal/timer delivers TimerHasExpired:
// this keeps every mutation of a UE's session pool serialized through
// mme_app's single queue.
func (e *Engine) Run(ctx context.Context, in <-chan itti.Message) {
	for msg := range in {
		if msg.ID == itti.TerminateMessage {
			return
		}

		switch msg.Source {
		case itti.TaskS11:
			e.handleS11Event(ctx, msg)
			continue
		case itti.TaskS10:
			e.handleS10Event(ctx, msg)
			continue
		}

		switch msg.ID {
		case itti.ESMSessionCreateReq:
			e.handleSessionCreateReq(ctx, msg)
		case itti.ESMSessionDeleteReq:
			e.handleSessionDeleteReq(ctx, msg)
		case itti.EMMDetachCnf:
			e.handleDetach(ctx, msg)
		case itti.EMMRegistrationCnf:
			e.handleRegistration(ctx, msg)
		case itti.ESMBearerActivationCnf:
			e.handleBearerActivationCnf(ctx, msg)
		case itti.ESMBearerModificationCnf:
			e.handleBearerModificationCnf(ctx, msg)
		case itti.ESMBearerDeactivationCnf:
			e.handleBearerDeactivationCnf(ctx, msg)
		case itti.S1APUEContextReleaseRequest:
			e.handleUEContextReleaseRequest(ctx, msg)
		case itti.S1APUEContextReleaseComplete:
			e.handleUEContextReleaseComplete(ctx, msg)
		case itti.S1APInitialContextSetupResponse:
			e.handleInitialContextSetupResponse(ctx, msg)
		case itti.S1APInitialContextSetupFailure:
			e.handleInitialContextSetupFailure(ctx, msg)
		case itti.S1APERABSetupResponse:
			e.handleERABSetupResponse(ctx, msg)
		case itti.S1APERABModifyResponse:
			e.handleERABModifyResponse(ctx, msg)
		case itti.S1APERABReleaseResponse:
			e.handleERABReleaseResponse(ctx, msg)
		case itti.S1APPathSwitchRequest:
			e.handlePathSwitchRequest(ctx, msg)
		case itti.S1APHandoverRequired:
			e.handleHandoverRequired(ctx, msg)
		case itti.S1APHandoverRequestAck:
			e.handleHandoverRequestAck(ctx, msg)
		case itti.S1APHandoverNotify:
			e.handleHandoverNotify(ctx, msg)
		case itti.S1APHandoverCancel:
			e.handleHandoverCancel(ctx, msg)
		case itti.TimerHasExpired:
			e.handleTimerExpiry(ctx, msg)
		default:
			e.logger.Debug("mmeapp: unhandled message", zap.Int("id", int(msg.ID)))
		}
	}
}

// --- ESM-driven session/bearer establishment (ue-triggered, §4.6/§4.7) ---

func (e *Engine) handleSessionCreateReq(ctx context.Context, msg itti.Message) {
	ctx, span := e.tracer.Start(ctx, "mmeapp.SessionCreate")
	defer span.End()

	req, ok := msg.Payload.(esm.SessionCreateRequest)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(req.UEID)
	if !ok {
		return
	}

	ue.Lock()
	if hasS11Procedure(ue) {
		ue.Unlock()
		e.rejectSessionCreate(req.UEID, req.PDNContextID, "s11_procedure_in_progress")
		return
	}
	pdn, ok := ue.Session.PDNs[req.PDNContextID]
	if !ok {
		ue.Unlock()
		e.rejectSessionCreate(req.UEID, req.PDNContextID, "unknown_pdn_context")
		return
	}
	tac := ue.ServingTAI.TAC
	ue.Unlock()

	edns, ok := e.cfg.FindEDNSEntry(req.APN, tac)
	if !ok {
		e.rejectSessionCreate(req.UEID, req.PDNContextID, "unknown_apn")
		return
	}
	peer := sgw.Addr(fmt.Sprintf("%s:%d", edns.PeerIPv4, edns.PeerPort))

	ue.Lock()
	tunnel := e.s11.AllocateTunnel(peer, ue.MMEUES1APID)
	oldTEID := ue.Session.MMETEIDS11
	ue.Session.MMETEIDS11 = tunnel.LocalTEID
	proc := &procedure{UE: ue, Kind: procSessionCreate, PDNContextID: pdn.ContextID, EBI: pdn.DefaultEBI}
	addProcedure(ue, proc)
	ue.Unlock()
	e.store.Reindex(ue, mmectx.Keys{MMETEIDS11: oldTEID}, mmectx.Keys{MMETEIDS11: tunnel.LocalTEID})

	body := sessionBody{
		IMSI:        ue.IMSI,
		APN:         req.APN,
		PDNType:     req.Type,
		SenderFTEID: mmectx.FTEID{TEID: tunnel.LocalTEID, IPv4: e.cfg.S11.IPv4},
		Bearer:      bearerIE{EBI: req.DefaultEBI, QCI: 9, ARP: 1},
	}

	if _, err := e.s11.SendInitialRequest(ctx, peer, gtpv2.Message{Type: gtpv2.CreateSessionRequest, Body: body}, proc); err != nil {
		e.logger.Warn("mmeapp: sending create session request", zap.Error(err))
		ue.Lock()
		removeProcedure(ue, proc)
		ue.Unlock()
		e.rejectSessionCreate(req.UEID, req.PDNContextID, "transport_error")
	}
}

func (e *Engine) rejectSessionCreate(ueID uint32, pdnID int, cause string) {
	e.bus.Send(itti.Message{Source: itti.TaskMMEApp, Destination: itti.TaskNASESM, ID: itti.ESMSessionCreateRej,
		Payload: esm.SessionCreateFailure{UEID: ueID, PDNContextID: pdnID, Cause: cause}})
}

func (e *Engine) completeSessionCreate(ctx context.Context, ue *mmectx.UEContext, proc *procedure, body sessionBody) {
	ue.Lock()
	removeProcedure(ue, proc)
	if !body.Accept {
		pdnID := proc.PDNContextID
		ue.Unlock()
		e.bus.Send(itti.Message{Source: itti.TaskMMEApp, Destination: itti.TaskNASESM, ID: itti.ESMSessionCreateRej,
			Payload: esm.SessionCreateFailure{UEID: ue.MMEUES1APID, PDNContextID: pdnID, Cause: body.Cause}})
		return
	}

	pdn, ok := ue.Session.PDNs[proc.PDNContextID]
	if !ok {
		ue.Unlock()
		return
	}
	pdn.SGWTEID = body.SGWFTEID
	if body.PAA != "" {
		pdn.IPv4 = body.PAA
	}
	pdn.APNAMBR = body.APNAMBR
	bearer := pdn.DefaultBearer()
	if bearer != nil {
		bearer.SGWFTEID = body.SGWFTEID
		bearer.StateBits |= mmectx.BearerStateMMECreated
	}
	ecmIdle := ue.ECMState == mmectx.ECMIdle
	ambr := ue.Session.UEAMBR
	ue.Unlock()
	if bearer == nil {
		return
	}

	e.bus.Send(itti.Message{Source: itti.TaskMMEApp, Destination: itti.TaskNASESM, ID: itti.ESMSessionCreateCnf,
		Payload: esm.SessionCreateResult{UEID: ue.MMEUES1APID, PDNContextID: pdn.ContextID, SGWFTEID: body.SGWFTEID,
			UEIPv4: pdn.IPv4, UEIPv6: pdn.IPv6, APNAMBR: pdn.APNAMBR}})

	erab := ERABToSetup{EBI: bearer.EBI, QCI: bearer.QCI, ARP: bearer.ARP, SGWFTEID: bearer.SGWFTEID}
	if ecmIdle {
		// The UE's very first PDN: no S1 signaling connection exists yet,
		// so the radio bearer is established via Initial Context Setup
		// rather than a standalone E-RAB Setup Request.
		e.bus.Send(itti.Message{Source: itti.TaskMMEApp, Destination: itti.TaskS1AP, ID: itti.S1APInitialContextSetupRequest,
			Payload: InitialContextSetupRequest{UEID: ue.MMEUES1APID, ERABs: []ERABToSetup{erab}, UEAMBR: ambr}})
		return
	}
	e.bus.Send(itti.Message{Source: itti.TaskMMEApp, Destination: itti.TaskS1AP, ID: itti.S1APERABSetupRequest,
		Payload: ERABSetupRequest{UEID: ue.MMEUES1APID, ERABs: []ERABToSetup{erab}}})
}

func (e *Engine) handleSessionDeleteReq(ctx context.Context, msg itti.Message) {
	ctx, span := e.tracer.Start(ctx, "mmeapp.SessionDelete")
	defer span.End()

	req, ok := msg.Payload.(esm.SessionDeleteRequest)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(req.UEID)
	if !ok {
		return
	}

	ue.Lock()
	if hasS11Procedure(ue) {
		// NAS-ESM's own T3495 retry will resend; mme_app is still
		// finishing a prior procedure under the one-at-a-time rule.
		ue.Unlock()
		return
	}
	pdn, ok := ue.Session.PDNs[req.PDNContextID]
	if !ok {
		ue.Unlock()
		e.bus.Send(itti.Message{Source: itti.TaskMMEApp, Destination: itti.TaskNASESM, ID: itti.ESMSessionDeleteCnf,
			Payload: esm.SessionDeleteResult{UEID: req.UEID, PDNContextID: req.PDNContextID}})
		return
	}
	teid := ue.Session.MMETEIDS11
	proc := &procedure{UE: ue, Kind: procSessionDelete, PDNContextID: pdn.ContextID, EBI: pdn.DefaultEBI, Data: req}
	addProcedure(ue, proc)
	ue.Unlock()

	tunnel, ok := e.s11.LookupTunnel(teid)
	if !ok {
		ue.Lock()
		removeProcedure(ue, proc)
		ue.Unlock()
		e.bus.Send(itti.Message{Source: itti.TaskMMEApp, Destination: itti.TaskNASESM, ID: itti.ESMSessionDeleteCnf,
			Payload: esm.SessionDeleteResult{UEID: req.UEID, PDNContextID: req.PDNContextID}})
		return
	}

	body := sessionBody{Bearer: bearerIE{EBI: pdn.DefaultEBI}}
	if _, err := e.s11.SendInitialRequest(ctx, tunnel.Peer, gtpv2.Message{Type: gtpv2.DeleteSessionRequest, TEID: teid, Body: body}, proc); err != nil {
		e.logger.Warn("mmeapp: sending delete session request", zap.Error(err))
		ue.Lock()
		removeProcedure(ue, proc)
		ue.Unlock()
	}
}

func (e *Engine) completeSessionDelete(ctx context.Context, ue *mmectx.UEContext, proc *procedure, ev gtpv2.Event) {
	ue.Lock()
	removeProcedure(ue, proc)
	_, isDetach := proc.Data.(detachMarker)
	if isDetach {
		for id := range ue.Session.PDNs {
			ue.Session.RemovePDN(id)
		}
	} else {
		ue.Session.RemovePDN(proc.PDNContextID)
	}
	ue.Unlock()

	if isDetach {
		e.releaseUEContext(ue)
		return
	}
	e.bus.Send(itti.Message{Source: itti.TaskMMEApp, Destination: itti.TaskNASESM, ID: itti.ESMSessionDeleteCnf,
		Payload: esm.SessionDeleteResult{UEID: ue.MMEUES1APID, PDNContextID: proc.PDNContextID}})
}

// --- EMM-driven registration: a Service Request accept re-establishes radio bearers ---

// handleRegistration implements spec.md §4.7's Initial Context Setup path
// for a UE returning from ECM-IDLE via Service Request: every bearer
// already MME_CREATED is resent to the eNB so the S1 signaling connection
// and radio bearers are rebuilt without re-running session creation.
func (e *Engine) handleRegistration(ctx context.Context, msg itti.Message) {
	k, ok := msg.Payload.(struct{ UEID uint32 })
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(k.UEID)
	if !ok {
		return
	}

	ue.Lock()
	var erabs []ERABToSetup
	for _, pdn := range ue.Session.PDNs {
		for _, bearer := range pdn.Bearers {
			if bearer.StateBits&mmectx.BearerStateMMECreated == 0 {
				continue
			}
			erabs = append(erabs, ERABToSetup{EBI: bearer.EBI, QCI: bearer.QCI, ARP: bearer.ARP, SGWFTEID: bearer.SGWFTEID})
		}
	}
	ambr := ue.Session.UEAMBR
	ue.Unlock()

	if len(erabs) == 0 {
		return
	}
	e.bus.Send(itti.Message{Source: itti.TaskMMEApp, Destination: itti.TaskS1AP, ID: itti.S1APInitialContextSetupRequest,
		Payload: InitialContextSetupRequest{UEID: ue.MMEUES1APID, ERABs: erabs, UEAMBR: ambr}})
}

// --- EMM-driven detach: one Delete Session Request tears down every PDN ---

func (e *Engine) handleDetach(ctx context.Context, msg itti.Message) {
	ctx, span := e.tracer.Start(ctx, "mmeapp.Detach")
	defer span.End()

	k, ok := msg.Payload.(struct{ UEID uint32 })
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(k.UEID)
	if !ok {
		return
	}

	ue.Lock()
	if len(ue.Session.PDNs) == 0 {
		ue.Unlock()
		e.releaseUEContext(ue)
		return
	}
	if hasS11Procedure(ue) {
		ue.Unlock()
		return
	}
	teid := ue.Session.MMETEIDS11
	proc := &procedure{UE: ue, Kind: procSessionDelete, Data: detachMarker{}}
	addProcedure(ue, proc)
	ue.Unlock()

	tunnel, ok := e.s11.LookupTunnel(teid)
	if !ok {
		ue.Lock()
		removeProcedure(ue, proc)
		ue.Unlock()
		e.releaseUEContext(ue)
		return
	}

	if _, err := e.s11.SendInitialRequest(ctx, tunnel.Peer, gtpv2.Message{Type: gtpv2.DeleteSessionRequest, TEID: teid}, proc); err != nil {
		e.logger.Warn("mmeapp: sending detach delete session request", zap.Error(err))
		ue.Lock()
		removeProcedure(ue, proc)
		ue.Unlock()
		e.releaseUEContext(ue)
	}
}

func (e *Engine) releaseUEContext(ue *mmectx.UEContext) {
	ue.RLock()
	teid := ue.Session.MMETEIDS11
	ue.RUnlock()
	if teid != 0 {
		e.s11.ReleaseTunnel(teid)
	}
	e.store.Remove(ue)
}

// --- network-triggered bearer procedures (SGW-initiated, §4.7) ---

func (e *Engine) handleS11NetworkTriggeredRequest(ctx context.Context, ev gtpv2.Event) {
	ue, ok := e.store.GetByS11TEID(ev.LocalTEID)
	if !ok {
		return
	}

	ue.RLock()
	busy := hasS11Procedure(ue)
	ue.RUnlock()
	if busy {
		// SGW will retransmit; admission rule of spec.md §4.7 allows only
		// one S11 procedure per UE at a time.
		return
	}

	switch ev.Msg.Type {
	case gtpv2.CreateBearerRequest:
		e.handleCreateBearerRequest(ue, ev)
	case gtpv2.UpdateBearerRequest:
		e.handleUpdateBearerRequest(ue, ev)
	case gtpv2.DeleteBearerRequest, gtpv2.DeleteBearerCommand:
		e.handleDeleteBearerRequest(ue, ev)
	}
}

func (e *Engine) handleCreateBearerRequest(ue *mmectx.UEContext, ev gtpv2.Event) {
	body, ok := ev.Msg.Body.(bearerOpBody)
	if !ok || len(body.Bearers) == 0 {
		return
	}
	bi := body.Bearers[0]

	ue.Lock()
	_, pdn, found := ue.Session.FindBearerByEBI(body.LinkedEBI)
	if !found {
		ue.Unlock()
		return
	}
	proc := &procedure{UE: ue, Kind: procBearerActivation, PDNContextID: pdn.ContextID,
		Data: &pendingBearerOp{Peer: ev.Peer, Request: ev.Msg}}
	addProcedure(ue, proc)
	ue.Unlock()

	e.bus.Send(itti.Message{Source: itti.TaskMMEApp, Destination: itti.TaskNASESM, ID: itti.ESMBearerActivationInd,
		Payload: esm.BearerActivationRequest{UEID: ue.MMEUES1APID, PDNContextID: pdn.ContextID, LinkedEBI: body.LinkedEBI,
			QCI: bi.QCI, ARP: bi.ARP, TFT: bi.TFT, SGWFTEID: bi.SGWFTEIDU}})
}

func (e *Engine) handleUpdateBearerRequest(ue *mmectx.UEContext, ev gtpv2.Event) {
	body, ok := ev.Msg.Body.(bearerOpBody)
	if !ok || len(body.Bearers) == 0 {
		return
	}
	bi := body.Bearers[0]

	ue.Lock()
	_, pdn, found := ue.Session.FindBearerByEBI(bi.EBI)
	if !found {
		ue.Unlock()
		return
	}
	proc := &procedure{UE: ue, Kind: procBearerModification, PDNContextID: pdn.ContextID, EBI: bi.EBI,
		Data: &pendingBearerOp{Peer: ev.Peer, Request: ev.Msg}}
	addProcedure(ue, proc)
	ue.Unlock()

	e.bus.Send(itti.Message{Source: itti.TaskMMEApp, Destination: itti.TaskNASESM, ID: itti.ESMBearerModificationInd,
		Payload: esm.BearerModificationRequest{UEID: ue.MMEUES1APID, EBI: bi.EBI, QCI: bi.QCI, ARP: bi.ARP, TFT: bi.TFT}})
}

func (e *Engine) handleDeleteBearerRequest(ue *mmectx.UEContext, ev gtpv2.Event) {
	body, ok := ev.Msg.Body.(bearerOpBody)
	if !ok || len(body.Bearers) == 0 {
		return
	}
	ebi := body.Bearers[0].EBI

	ue.Lock()
	_, pdn, found := ue.Session.FindBearerByEBI(ebi)
	if !found {
		ue.Unlock()
		return
	}
	proc := &procedure{UE: ue, Kind: procBearerDeactivation, PDNContextID: pdn.ContextID, EBI: ebi,
		Data: &pendingBearerOp{Peer: ev.Peer, Request: ev.Msg}}
	addProcedure(ue, proc)
	ue.Unlock()

	e.bus.Send(itti.Message{Source: itti.TaskMMEApp, Destination: itti.TaskNASESM, ID: itti.ESMBearerDeactivationInd,
		Payload: esm.BearerDeactivationRequest{UEID: ue.MMEUES1APID, EBI: ebi}})
}

// handleBearerActivationCnf/ModificationCnf/DeactivationCnf complete the
// network-triggered bearer procedures above: NAS-ESM has confirmed the
// UE's side, so the cached SGW request is answered and, for an accepted
// Create/Update, the matching S1AP E-RAB exchange is started
// independently (this implementation's simplification: the SGW reply is
// not held until the eNB also confirms, see pendingBearerOp).

func (e *Engine) handleBearerActivationCnf(ctx context.Context, msg itti.Message) {
	outcome, ok := msg.Payload.(esm.BearerOutcome)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(outcome.UEID)
	if !ok {
		return
	}

	ue.Lock()
	proc := findByKind(ue, procBearerActivation)
	if proc == nil {
		ue.Unlock()
		return
	}
	removeProcedure(ue, proc)
	pending, _ := proc.Data.(*pendingBearerOp)
	teid := ue.Session.MMETEIDS11
	ue.Unlock()
	if pending == nil {
		return
	}

	body := bearerOpBody{Accept: outcome.Accept, Cause: outcome.Cause}
	if outcome.Accept {
		body.Bearers = []bearerIE{{EBI: outcome.EBI, Accept: true}}
	}
	if err := e.s11.SendTriggeredResponse(ctx, pending.Peer, pending.Request,
		gtpv2.Message{Type: gtpv2.CreateBearerResponse, TEID: teid, Body: body}); err != nil {
		e.logger.Warn("mmeapp: replying to create bearer request", zap.Error(err))
	}
	if !outcome.Accept {
		return
	}

	ue.RLock()
	b, _, found := ue.Session.FindBearerByEBI(outcome.EBI)
	ue.RUnlock()
	if !found {
		return
	}
	e.bus.Send(itti.Message{Source: itti.TaskMMEApp, Destination: itti.TaskS1AP, ID: itti.S1APERABSetupRequest,
		Payload: ERABSetupRequest{UEID: ue.MMEUES1APID, ERABs: []ERABToSetup{{EBI: b.EBI, QCI: b.QCI, ARP: b.ARP, SGWFTEID: b.SGWFTEID}}}})
}

func (e *Engine) handleBearerModificationCnf(ctx context.Context, msg itti.Message) {
	outcome, ok := msg.Payload.(esm.BearerOutcome)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(outcome.UEID)
	if !ok {
		return
	}

	ue.Lock()
	proc := findByKind(ue, procBearerModification)
	if proc == nil {
		ue.Unlock()
		return
	}
	removeProcedure(ue, proc)
	pending, _ := proc.Data.(*pendingBearerOp)
	teid := ue.Session.MMETEIDS11
	ue.Unlock()
	if pending == nil {
		return
	}

	body := bearerOpBody{Accept: outcome.Accept, Cause: outcome.Cause, Bearers: []bearerIE{{EBI: outcome.EBI, Accept: outcome.Accept}}}
	if err := e.s11.SendTriggeredResponse(ctx, pending.Peer, pending.Request,
		gtpv2.Message{Type: gtpv2.UpdateBearerResponse, TEID: teid, Body: body}); err != nil {
		e.logger.Warn("mmeapp: replying to update bearer request", zap.Error(err))
	}
	if !outcome.Accept {
		return
	}

	ue.RLock()
	b, _, found := ue.Session.FindBearerByEBI(outcome.EBI)
	ue.RUnlock()
	if !found {
		return
	}
	e.bus.Send(itti.Message{Source: itti.TaskMMEApp, Destination: itti.TaskS1AP, ID: itti.S1APERABModifyRequest,
		Payload: ERABModifyRequest{UEID: ue.MMEUES1APID, ERABs: []ERABToSetup{{EBI: b.EBI, QCI: b.QCI, ARP: b.ARP, SGWFTEID: b.SGWFTEID}}}})
}

func (e *Engine) handleBearerDeactivationCnf(ctx context.Context, msg itti.Message) {
	outcome, ok := msg.Payload.(esm.BearerOutcome)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(outcome.UEID)
	if !ok {
		return
	}

	ue.Lock()
	proc := findByKind(ue, procBearerDeactivation)
	if proc == nil {
		ue.Unlock()
		return
	}
	removeProcedure(ue, proc)
	pending, _ := proc.Data.(*pendingBearerOp)
	teid := ue.Session.MMETEIDS11
	ue.Unlock()
	if pending == nil {
		return
	}

	body := bearerOpBody{Accept: true, Bearers: []bearerIE{{EBI: outcome.EBI, Accept: true}}}
	if err := e.s11.SendTriggeredResponse(ctx, pending.Peer, pending.Request,
		gtpv2.Message{Type: gtpv2.DeleteBearerResponse, TEID: teid, Body: body}); err != nil {
		e.logger.Warn("mmeapp: replying to delete bearer request", zap.Error(err))
	}

	e.bus.Send(itti.Message{Source: itti.TaskMMEApp, Destination: itti.TaskS1AP, ID: itti.S1APERABReleaseRequest,
		Payload: ERABReleaseRequest{UEID: ue.MMEUES1APID, EBIs: []uint8{outcome.EBI}}})
}

// --- S1AP responses into the radio-bearer state ---

func (e *Engine) handleInitialContextSetupResponse(ctx context.Context, msg itti.Message) {
	rsp, ok := msg.Payload.(InitialContextSetupResponse)
	if !ok {
		return
	}
	e.applyERABOutcomes(rsp.UEID, rsp.ERABs)

	if ue, ok := e.store.GetByMMEUES1APID(rsp.UEID); ok {
		ue.Lock()
		ue.ECMState = mmectx.ECMConnected
		ue.Unlock()
	}
}

func (e *Engine) handleInitialContextSetupFailure(ctx context.Context, msg itti.Message) {
	fail, ok := msg.Payload.(InitialContextSetupFailure)
	if !ok {
		return
	}
	e.logger.Warn("mmeapp: initial context setup failed", zap.Uint32("ue_id", fail.UEID), zap.String("cause", fail.Cause))
}

func (e *Engine) handleERABSetupResponse(ctx context.Context, msg itti.Message) {
	rsp, ok := msg.Payload.(ERABSetupResponse)
	if !ok {
		return
	}
	e.applyERABOutcomes(rsp.UEID, rsp.ERABs)
}

func (e *Engine) handleERABModifyResponse(ctx context.Context, msg itti.Message) {
	rsp, ok := msg.Payload.(ERABModifyResponse)
	if !ok {
		return
	}
	e.applyERABOutcomes(rsp.UEID, rsp.ERABs)
}

func (e *Engine) handleERABReleaseResponse(ctx context.Context, msg itti.Message) {
	rsp, ok := msg.Payload.(ERABReleaseResponse)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(rsp.UEID)
	if !ok {
		return
	}
	ue.Lock()
	for _, ebi := range rsp.EBIs {
		if b, _, found := ue.Session.FindBearerByEBI(ebi); found {
			b.StateBits &^= mmectx.BearerStateENBCreated | mmectx.BearerStateActive
		}
	}
	ue.Unlock()
}

func (e *Engine) applyERABOutcomes(ueID uint32, outcomes []ERABOutcome) {
	ue, ok := e.store.GetByMMEUES1APID(ueID)
	if !ok {
		return
	}
	ue.Lock()
	defer ue.Unlock()
	for _, outcome := range outcomes {
		b, _, found := ue.Session.FindBearerByEBI(outcome.EBI)
		if !found || !outcome.Accept {
			continue
		}
		b.ENBFTEID = outcome.ENBFTEID
		b.StateBits |= mmectx.BearerStateENBCreated | mmectx.BearerStateActive
		b.State = mmectx.EBRActive
	}
}

// --- S1 UE context release (eNB-initiated) ---

func (e *Engine) handleUEContextReleaseRequest(ctx context.Context, msg itti.Message) {
	req, ok := msg.Payload.(UEContextReleaseRequest)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(req.UEID)
	if !ok {
		return
	}

	ue.Lock()
	if hasS11Procedure(ue) {
		ue.Unlock()
		return
	}
	teid := ue.Session.MMETEIDS11
	hasPDNs := len(ue.Session.PDNs) > 0
	ue.ReleaseCause = req.Cause
	ue.Unlock()

	if !hasPDNs || teid == 0 {
		e.sendUEContextReleaseCommand(ue, req.Cause)
		return
	}

	tunnel, ok := e.s11.LookupTunnel(teid)
	if !ok {
		e.sendUEContextReleaseCommand(ue, req.Cause)
		return
	}

	ue.Lock()
	proc := &procedure{UE: ue, Kind: procReleaseAccessBearers, Data: releaseAccessBearersMarker{cause: req.Cause}}
	addProcedure(ue, proc)
	ue.Unlock()

	if _, err := e.s11.SendInitialRequest(ctx, tunnel.Peer, gtpv2.Message{Type: gtpv2.ReleaseAccessBearersRequest, TEID: teid}, proc); err != nil {
		e.logger.Warn("mmeapp: sending release access bearers request", zap.Error(err))
		ue.Lock()
		removeProcedure(ue, proc)
		ue.Unlock()
		e.sendUEContextReleaseCommand(ue, req.Cause)
	}
}

func (e *Engine) completeReleaseAccessBearers(ue *mmectx.UEContext, proc *procedure) {
	ue.Lock()
	removeProcedure(ue, proc)
	ue.Unlock()

	cause := ""
	if marker, ok := proc.Data.(releaseAccessBearersMarker); ok {
		cause = marker.cause
	}
	e.sendUEContextReleaseCommand(ue, cause)
}

func (e *Engine) sendUEContextReleaseCommand(ue *mmectx.UEContext, cause string) {
	e.bus.Send(itti.Message{Source: itti.TaskMMEApp, Destination: itti.TaskS1AP, ID: itti.S1APUEContextReleaseCommand,
		Payload: UEContextReleaseCommand{UEID: ue.MMEUES1APID, Cause: cause}})
}

func (e *Engine) handleUEContextReleaseComplete(ctx context.Context, msg itti.Message) {
	comp, ok := msg.Payload.(UEContextReleaseComplete)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(comp.UEID)
	if !ok {
		return
	}

	ue.Lock()
	ue.ECMState = mmectx.ECMIdle
	for _, pdn := range ue.Session.PDNs {
		for _, b := range pdn.Bearers {
			b.StateBits &^= mmectx.BearerStateENBCreated | mmectx.BearerStateActive
			b.ENBFTEID = mmectx.FTEID{}
		}
	}
	ue.Unlock()
}

// --- X2-based handover (path switch) ---

func (e *Engine) handlePathSwitchRequest(ctx context.Context, msg itti.Message) {
	req, ok := msg.Payload.(PathSwitchRequest)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(req.UEID)
	if !ok {
		return
	}

	ue.Lock()
	if hasS11Procedure(ue) {
		ue.Unlock()
		return
	}
	teid := ue.Session.MMETEIDS11
	for _, erab := range req.ERABs {
		if b, _, found := ue.Session.FindBearerByEBI(erab.EBI); found {
			b.ENBFTEID = erab.SGWFTEID
		}
	}
	ue.ServingECGI = req.TargetECGI
	proc := &procedure{UE: ue, Kind: procPathSwitch, Data: &pendingPathSwitch{ERABs: req.ERABs}}
	addProcedure(ue, proc)
	ue.Unlock()

	tunnel, ok := e.s11.LookupTunnel(teid)
	if !ok {
		ue.Lock()
		removeProcedure(ue, proc)
		ue.Unlock()
		return
	}
	if _, err := e.s11.SendInitialRequest(ctx, tunnel.Peer, gtpv2.Message{Type: gtpv2.ModifyBearerRequest, TEID: teid}, proc); err != nil {
		e.logger.Warn("mmeapp: sending modify bearer request for path switch", zap.Error(err))
		ue.Lock()
		removeProcedure(ue, proc)
		ue.Unlock()
	}
}

func (e *Engine) completePathSwitch(ue *mmectx.UEContext, proc *procedure) {
	ue.Lock()
	removeProcedure(ue, proc)
	ue.Unlock()

	if pending, ok := proc.Data.(*pendingPathSwitch); ok {
		e.bus.Send(itti.Message{Source: itti.TaskMMEApp, Destination: itti.TaskS1AP, ID: itti.S1APPathSwitchRequestAck,
			Payload: PathSwitchRequestAck{UEID: ue.MMEUES1APID, ERABs: pending.ERABs}})
	}
}

// --- S1-based handover (intra-MME direct, inter-MME via S10) ---

func (e *Engine) activeERABs(ue *mmectx.UEContext) []ERABToSetup {
	var out []ERABToSetup
	for _, pdn := range ue.Session.PDNs {
		for _, b := range pdn.Bearers {
			if b.IsActive() {
				out = append(out, ERABToSetup{EBI: b.EBI, QCI: b.QCI, ARP: b.ARP, SGWFTEID: b.SGWFTEID})
			}
		}
	}
	return out
}

func (e *Engine) handleHandoverRequired(ctx context.Context, msg itti.Message) {
	ctx, span := e.tracer.Start(ctx, "mmeapp.HandoverRequired")
	defer span.End()

	req, ok := msg.Payload.(HandoverRequired)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(req.UEID)
	if !ok {
		return
	}

	ue.Lock()
	if hasHandoverProc(ue) {
		ue.Unlock()
		return
	}
	erabs := e.activeERABs(ue)
	ue.Unlock()
	if len(erabs) == 0 {
		return
	}

	if req.TargetMMEPeer == "" {
		hp := &handoverProc{UE: ue, Kind: procS1HandoverOut}
		ue.Lock()
		addHandoverProc(ue, hp)
		ue.Unlock()
		e.bus.Send(itti.Message{Source: itti.TaskMMEApp, Destination: itti.TaskS1AP, ID: itti.S1APHandoverRequest,
			Payload: HandoverRequest{UEID: ue.MMEUES1APID, TargetECGI: req.TargetECGI, ERABs: erabs, SourceToTargetContainer: req.SourceToTargetContainer}})
		return
	}

	hp := &handoverProc{UE: ue, Kind: procS10HandoverOut, TargetMMEID: req.TargetMMEPeer}
	ue.Lock()
	addHandoverProc(ue, hp)
	ue.Unlock()

	peer := sgw.Addr(req.TargetMMEPeer)
	body := relocationBody{IMSI: ue.IMSI, Container: req.SourceToTargetContainer, ERABs: erabs}
	if _, err := e.s10.SendInitialRequest(ctx, peer, gtpv2.Message{Type: gtpv2.ForwardRelocationRequest, Body: body}, hp); err != nil {
		e.logger.Warn("mmeapp: sending forward relocation request", zap.Error(err))
		ue.Lock()
		removeHandoverProc(ue, hp)
		ue.Unlock()
		return
	}
	hp.TimerHandle = e.timers.Create(e.cfg.Timers.MMES10HandoverCompletion, timer.OneShot, itti.TaskMMEApp, hp)
}

func (e *Engine) handleHandoverRequestAck(ctx context.Context, msg itti.Message) {
	ack, ok := msg.Payload.(HandoverRequestAck)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(ack.UEID)
	if !ok {
		return
	}

	ue.Lock()
	hp := findHandoverByKind(ue, procS1HandoverOut)
	if hp != nil {
		removeHandoverProc(ue, hp)
	}
	ue.Unlock()
	if hp == nil {
		return
	}

	e.bus.Send(itti.Message{Source: itti.TaskMMEApp, Destination: itti.TaskS1AP, ID: itti.S1APHandoverCommand,
		Payload: HandoverCommand{UEID: ue.MMEUES1APID, TargetToSourceContainer: ack.TargetToSourceContainer}})
}

func (e *Engine) handleHandoverNotify(ctx context.Context, msg itti.Message) {
	note, ok := msg.Payload.(HandoverNotify)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(note.UEID)
	if !ok {
		return
	}

	ue.Lock()
	if hasS11Procedure(ue) {
		ue.Unlock()
		return
	}
	teid := ue.Session.MMETEIDS11
	ue.ECMState = mmectx.ECMConnected
	proc := &procedure{UE: ue, Kind: procPathSwitch}
	addProcedure(ue, proc)
	ue.Unlock()

	tunnel, ok := e.s11.LookupTunnel(teid)
	if !ok {
		ue.Lock()
		removeProcedure(ue, proc)
		ue.Unlock()
		return
	}
	if _, err := e.s11.SendInitialRequest(ctx, tunnel.Peer, gtpv2.Message{Type: gtpv2.ModifyBearerRequest, TEID: teid}, proc); err != nil {
		e.logger.Warn("mmeapp: sending modify bearer request after handover", zap.Error(err))
		ue.Lock()
		removeProcedure(ue, proc)
		ue.Unlock()
	}
}

func (e *Engine) handleHandoverCancel(ctx context.Context, msg itti.Message) {
	cancel, ok := msg.Payload.(HandoverCancel)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(cancel.UEID)
	if !ok {
		return
	}

	ue.Lock()
	hp := findHandoverByKind(ue, procS1HandoverOut)
	if hp == nil {
		hp = findHandoverByKind(ue, procS10HandoverOut)
	}
	if hp != nil {
		e.stopHandoverTimer(hp)
		removeHandoverProc(ue, hp)
	}
	ue.Unlock()
	e.logger.Info("mmeapp: handover cancelled", zap.Uint32("ue_id", ue.MMEUES1APID), zap.String("cause", cancel.Cause))
}

func (e *Engine) stopHandoverTimer(hp *handoverProc) {
	if h, ok := hp.TimerHandle.(timer.Handle); ok {
		_ = e.timers.Remove(h)
	}
}

// --- S11 GTPv2-C event dispatch ---

func (e *Engine) handleS11Event(ctx context.Context, msg itti.Message) {
	ev, ok := msg.Payload.(gtpv2.Event)
	if !ok {
		return
	}

	switch ev.Kind {
	case gtpv2.InitialReqInd:
		e.handleS11NetworkTriggeredRequest(ctx, ev)
	case gtpv2.TriggeredRspInd:
		e.handleS11TriggeredResponse(ctx, ev)
	case gtpv2.RspFailureInd:
		e.handleS11Failure(ctx, ev)
	}
}

func (e *Engine) handleS11TriggeredResponse(ctx context.Context, ev gtpv2.Event) {
	proc, ok := ev.Arg.(*procedure)
	if !ok {
		return
	}
	ue := proc.UE
	if ue == nil {
		return
	}

	switch proc.Kind {
	case procSessionCreate:
		body, _ := ev.Msg.Body.(sessionBody)
		e.completeSessionCreate(ctx, ue, proc, body)
	case procSessionDelete:
		e.completeSessionDelete(ctx, ue, proc, ev)
	case procPathSwitch:
		e.completePathSwitch(ue, proc)
	case procReleaseAccessBearers:
		e.completeReleaseAccessBearers(ue, proc)
	}
}

func (e *Engine) handleS11Failure(ctx context.Context, ev gtpv2.Event) {
	metrics.RecordGTPv2PeerFailure(fmt.Sprintf("%v", ev.Msg.Type))

	proc, ok := ev.Arg.(*procedure)
	if !ok {
		return
	}
	ue := proc.UE
	if ue == nil {
		return
	}

	ue.Lock()
	removeProcedure(ue, proc)
	ue.Unlock()

	switch proc.Kind {
	case procSessionCreate:
		e.bus.Send(itti.Message{Source: itti.TaskMMEApp, Destination: itti.TaskNASESM, ID: itti.ESMSessionCreateRej,
			Payload: esm.SessionCreateFailure{UEID: ue.MMEUES1APID, PDNContextID: proc.PDNContextID, Cause: "no_response_from_peer"}})
	case procSessionDelete:
		if _, isDetach := proc.Data.(detachMarker); isDetach {
			e.releaseUEContext(ue)
			return
		}
		e.bus.Send(itti.Message{Source: itti.TaskMMEApp, Destination: itti.TaskNASESM, ID: itti.ESMSessionDeleteCnf,
			Payload: esm.SessionDeleteResult{UEID: ue.MMEUES1APID, PDNContextID: proc.PDNContextID}})
	case procReleaseAccessBearers:
		cause := ""
		if marker, ok := proc.Data.(releaseAccessBearersMarker); ok {
			cause = marker.cause
		}
		e.sendUEContextReleaseCommand(ue, cause)
	case procPathSwitch:
		e.logger.Warn("mmeapp: modify bearer request failed after handover/path switch", zap.Uint32("ue_id", ue.MMEUES1APID))
	}
}

// --- S10 GTPv2-C event dispatch (inter-MME handover) ---

func (e *Engine) handleS10Event(ctx context.Context, msg itti.Message) {
	ev, ok := msg.Payload.(gtpv2.Event)
	if !ok {
		return
	}

	switch ev.Kind {
	case gtpv2.InitialReqInd:
		e.handleS10NetworkTriggeredRequest(ctx, ev)
	case gtpv2.TriggeredRspInd:
		e.completeForwardRelocation(ev)
	case gtpv2.RspFailureInd:
		e.failForwardRelocation(ev)
	}
}

func (e *Engine) handleS10NetworkTriggeredRequest(ctx context.Context, ev gtpv2.Event) {
	switch ev.Msg.Type {
	case gtpv2.ForwardRelocationRequest:
		e.handleIncomingForwardRelocation(ctx, ev)
	case gtpv2.ForwardRelocationCompleteNotification:
		e.handleForwardRelocationComplete(ctx, ev)
	}
}

func (e *Engine) completeForwardRelocation(ev gtpv2.Event) {
	hp, ok := ev.Arg.(*handoverProc)
	if !ok {
		return
	}
	ue := hp.UE
	if ue == nil {
		return
	}

	ue.Lock()
	e.stopHandoverTimer(hp)
	removeHandoverProc(ue, hp)
	ue.Unlock()

	body, _ := ev.Msg.Body.(relocationBody)
	if !body.Accept {
		metrics.RecordS10HandoverAttempt("source", "rejected")
		return
	}
	metrics.RecordS10HandoverAttempt("source", "success")

	e.bus.Send(itti.Message{Source: itti.TaskMMEApp, Destination: itti.TaskS1AP, ID: itti.S1APHandoverCommand,
		Payload: HandoverCommand{UEID: ue.MMEUES1APID, TargetToSourceContainer: body.TargetToSourceContainer}})
}

func (e *Engine) failForwardRelocation(ev gtpv2.Event) {
	hp, ok := ev.Arg.(*handoverProc)
	if !ok {
		return
	}
	ue := hp.UE
	if ue == nil {
		return
	}

	ue.Lock()
	e.stopHandoverTimer(hp)
	removeHandoverProc(ue, hp)
	ue.Unlock()

	metrics.RecordS10HandoverAttempt("source", "no_response")
	e.logger.Warn("mmeapp: forward relocation request failed", zap.Uint32("ue_id", ue.MMEUES1APID))
}

// handleIncomingForwardRelocation admits a brand-new UE context on the
// target MME side of an inter-MME handover. A full target-side
// implementation would also drive its own Create Session Request and
// S1AP Handover Request toward the local SGW/eNB before answering;
// this simplification stands up the UE context and accepts
// immediately, recorded in DESIGN.md.
func (e *Engine) handleIncomingForwardRelocation(ctx context.Context, ev gtpv2.Event) {
	body, ok := ev.Msg.Body.(relocationBody)
	if !ok {
		return
	}

	ue := e.store.Create()
	ue.Lock()
	ue.IMSI = body.IMSI
	ue.EMM.State = mmectx.EMMRegistered
	hp := &handoverProc{UE: ue, Kind: procS10HandoverIn}
	addHandoverProc(ue, hp)
	ue.Unlock()
	if body.IMSI != "" {
		e.store.Reindex(ue, mmectx.Keys{}, mmectx.Keys{IMSI: body.IMSI})
	}

	rsp := relocationBody{Accept: true, ERABs: body.ERABs}
	if err := e.s10.SendTriggeredResponse(ctx, ev.Peer, ev.Msg, gtpv2.Message{Type: gtpv2.ForwardRelocationResponse, Body: rsp}); err != nil {
		e.logger.Warn("mmeapp: replying to forward relocation request", zap.Error(err))
	}
	metrics.RecordS10HandoverAttempt("target", "success")
}

func (e *Engine) handleForwardRelocationComplete(ctx context.Context, ev gtpv2.Event) {
	body, ok := ev.Msg.Body.(relocationBody)
	if !ok {
		return
	}
	ue, ok := e.store.GetByIMSI(body.IMSI)
	if !ok {
		return
	}

	if err := e.s10.SendTriggeredResponse(ctx, ev.Peer, ev.Msg, gtpv2.Message{Type: gtpv2.ForwardRelocationCompleteAck}); err != nil {
		e.logger.Warn("mmeapp: acking forward relocation complete", zap.Error(err))
	}

	e.sendUEContextReleaseCommand(ue, "successful_handover")
}

// --- timers ---

func (e *Engine) handleTimerExpiry(ctx context.Context, msg itti.Message) {
	expiry, ok := msg.Payload.(timer.Expiry)
	if !ok {
		return
	}
	hp, ok := expiry.Arg.(*handoverProc)
	if !ok {
		return
	}
	ue := hp.UE
	if ue == nil {
		return
	}

	ue.Lock()
	removeHandoverProc(ue, hp)
	ue.Unlock()

	metrics.RecordS10HandoverAttempt("source", "timeout")
	e.logger.Warn("mmeapp: handover completion timer expired", zap.Uint32("ue_id", ue.MMEUES1APID))
}
