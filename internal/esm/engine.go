package esm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/go-mme/core/common/metrics"
	"github.com/go-mme/core/internal/config"
	"github.com/go-mme/core/internal/itti"
	"github.com/go-mme/core/internal/mmectx"
	"github.com/go-mme/core/internal/timer"
)

// ErrReactivationRequested is the special retry-time cause of spec.md
// §4.6: the default bearer backing a retried procedure was observed
// inactive, so MME-App should page the UE rather than treat the
// procedure as failed.
var ErrReactivationRequested = fmt.Errorf("esm: reactivation requested")

const retryMax = 4

type timerKind int

const (
	timerT3485 timerKind = iota
	timerT3486
	timerT3495
)

type timerArg struct {
	ueID uint32
	kind timerKind
	proc *Procedure
}

// Engine is the ESM subsystem: an itti.Task (TaskNASESM) driving the
// per-UE PDN/bearer procedure set.
type Engine struct {
	store  *mmectx.Store
	bus    *itti.Bus
	timers *timer.Service
	cfg    *config.Config
	logger *zap.Logger
}

// NewEngine creates the ESM engine.
func NewEngine(store *mmectx.Store, bus *itti.Bus, timers *timer.Service, cfg *config.Config, logger *zap.Logger) *Engine {
	return &Engine{store: store, bus: bus, timers: timers, cfg: cfg, logger: logger}
}

// ID implements itti.Task.
func (e *Engine) ID() itti.TaskID { return itti.TaskNASESM }

// Run implements itti.Task.
func (e *Engine) Run(ctx context.Context, in <-chan itti.Message) {
	for msg := range in {
		switch msg.ID {
		case itti.TerminateMessage:
			return
		case itti.NASESMPDNConnectivityReq:
			e.handlePDNConnectivityReq(ctx, msg)
		case itti.NASESMPDNDisconnectReq:
			e.handlePDNDisconnectReq(ctx, msg)
		case itti.NASESMDefaultBearerActivatedInd:
			e.completeDefaultBearerActivation(ctx, msg)
		case itti.ESMSessionCreateCnf:
			e.handleSessionCreateCnf(ctx, msg)
		case itti.ESMSessionCreateRej:
			e.handleSessionCreateRej(ctx, msg)
		case itti.ESMSessionDeleteCnf:
			e.handleSessionDeleteCnf(ctx, msg)
		case itti.ESMBearerActivationInd:
			e.handleBearerActivationInd(ctx, msg)
		case itti.ESMBearerModificationInd:
			e.handleBearerModificationInd(ctx, msg)
		case itti.ESMBearerDeactivationInd:
			e.handleBearerDeactivationInd(ctx, msg)
		case itti.NASUplinkDataInd:
			e.handleNASUplink(ctx, msg)
		case itti.TimerHasExpired:
			e.handleTimerExpiry(ctx, msg)
		default:
			e.logger.Debug("esm: unhandled message", zap.Int("id", int(msg.ID)))
		}
	}
}

type keyedPayload = struct {
	UEID    uint32
	Payload interface{}
}

func (e *Engine) handlePDNConnectivityReq(ctx context.Context, msg itti.Message) {
	k, ok := msg.Payload.(keyedPayload)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(k.UEID)
	if !ok {
		return
	}
	req, _ := k.Payload.(*PDNConnectivityRequest)
	if req == nil {
		req = &PDNConnectivityRequest{Type: mmectx.PDNTypeIPv4}
	}

	ue.Lock()
	ctxID, ok := ue.Session.AllocatePDNSlot()
	if !ok {
		ue.Unlock()
		e.rejectPDNConnectivity(ue, "insufficient_resources")
		return
	}
	ebi, ok := ue.Session.AllocateEBI()
	if !ok {
		ue.Session.ReleasePDNSlot(ctxID)
		ue.Unlock()
		e.rejectPDNConnectivity(ue, "no_resources_available")
		return
	}
	bearer := &mmectx.BearerContext{EBI: ebi, PDNContextID: ctxID, State: mmectx.EBRActivePending, QCI: 9, ARP: 1}
	pdn := &mmectx.PDNContext{ContextID: ctxID, APN: req.APN, Type: req.Type, DefaultEBI: ebi, PCO: req.PCO,
		Bearers: []*mmectx.BearerContext{bearer}}
	ue.Session.AddPDN(pdn)

	proc := &Procedure{PTI: req.PTI, EBI: ebi, PDNContextID: ctxID, Kind: ProcPDNConnectivity, Data: req}
	addProcedure(ue, proc)
	ue.Unlock()

	e.bus.Send(itti.Message{Source: itti.TaskNASESM, Destination: itti.TaskMMEApp, ID: itti.ESMSessionCreateReq,
		Payload: SessionCreateRequest{UEID: ue.MMEUES1APID, PDNContextID: ctxID, APN: req.APN, Type: req.Type, DefaultEBI: ebi}})
}

func (e *Engine) rejectPDNConnectivity(ue *mmectx.UEContext, cause string) {
	e.logger.Info("esm: PDN connectivity rejected", zap.Uint32("ue_id", ue.MMEUES1APID), zap.String("cause", cause))
	e.bus.Send(itti.Message{Source: itti.TaskNASESM, Destination: itti.TaskNASEMM, ID: itti.NASESMPDNConnectivityRej,
		Payload: struct{ UEID uint32 }{UEID: ue.MMEUES1APID}})
}

func (e *Engine) handleSessionCreateCnf(ctx context.Context, msg itti.Message) {
	res, ok := msg.Payload.(SessionCreateResult)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(res.UEID)
	if !ok {
		return
	}

	ue.Lock()
	pdn, ok := ue.Session.PDNs[res.PDNContextID]
	if !ok {
		ue.Unlock()
		return
	}
	pdn.SGWTEID = res.SGWFTEID
	pdn.IPv4 = res.UEIPv4
	pdn.IPv6 = res.UEIPv6
	pdn.APNAMBR = res.APNAMBR
	if b := pdn.DefaultBearer(); b != nil {
		b.SGWFTEID = res.SGWFTEID
		b.StateBits |= mmectx.BearerStateMMECreated
	}
	proc := findByPDNContextID(ue, pdn.ContextID, ProcPDNConnectivity)
	var standAlone bool
	if proc != nil {
		if req, ok := proc.Data.(*PDNConnectivityRequest); ok {
			standAlone = req.StandAlone
		}
	}
	ue.Unlock()

	if proc == nil {
		return
	}

	if !standAlone {
		// Embedded in Attach Accept: NAS-EMM drives retransmission via
		// T3450 and signals completion via NASESMDefaultBearerActivatedInd
		// once Attach Complete arrives, so ESM just confirms EMM can proceed.
		e.bus.Send(itti.Message{Source: itti.TaskNASESM, Destination: itti.TaskNASEMM, ID: itti.NASESMPDNConnectivityCnf,
			Payload: struct{ UEID uint32 }{UEID: ue.MMEUES1APID}})
		return
	}

	e.startTimer(ue, proc, timerT3485, e.cfg.Timers.T3485)
	e.sendNASDownlink(ctx, ue, "ActivateDefaultEPSBearerContextRequest", proc)
}

func (e *Engine) handleSessionCreateRej(ctx context.Context, msg itti.Message) {
	res, ok := msg.Payload.(SessionCreateFailure)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(res.UEID)
	if !ok {
		return
	}

	ue.Lock()
	if proc := findByPDNContextID(ue, res.PDNContextID, ProcPDNConnectivity); proc != nil {
		e.stopTimer(proc)
		removeProcedure(ue, proc)
	}
	ue.Session.RemovePDN(res.PDNContextID)
	ue.Unlock()

	metrics.RecordESMProcedureRetry("session_create_rejected")
	e.rejectPDNConnectivity(ue, res.Cause)
}

func (e *Engine) handlePDNDisconnectReq(ctx context.Context, msg itti.Message) {
	k, ok := msg.Payload.(keyedPayload)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(k.UEID)
	if !ok {
		return
	}
	req, _ := k.Payload.(*PDNDisconnectRequest)
	if req == nil {
		return
	}

	ue.Lock()
	pdn, ok := ue.Session.PDNs[req.PDNContextID]
	if !ok {
		ue.Unlock()
		return
	}
	if def := pdn.DefaultBearer(); def != nil {
		def.State = mmectx.EBRInactivePending
	}
	proc := &Procedure{PTI: req.PTI, EBI: pdn.DefaultEBI, PDNContextID: pdn.ContextID, Kind: ProcPDNDisconnect, Data: req}
	addProcedure(ue, proc)
	ue.Unlock()

	e.bus.Send(itti.Message{Source: itti.TaskNASESM, Destination: itti.TaskMMEApp, ID: itti.ESMSessionDeleteReq,
		Payload: SessionDeleteRequest{UEID: ue.MMEUES1APID, PDNContextID: pdn.ContextID}})
}

func (e *Engine) handleSessionDeleteCnf(ctx context.Context, msg itti.Message) {
	res, ok := msg.Payload.(SessionDeleteResult)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(res.UEID)
	if !ok {
		return
	}

	ue.RLock()
	proc := findByPDNContextID(ue, res.PDNContextID, ProcPDNDisconnect)
	ue.RUnlock()
	if proc == nil {
		return
	}

	e.startTimer(ue, proc, timerT3495, e.cfg.Timers.T3495)
	e.sendNASDownlink(ctx, ue, "DeactivateEPSBearerContextRequest", proc)
}

func (e *Engine) handleBearerActivationInd(ctx context.Context, msg itti.Message) {
	req, ok := msg.Payload.(BearerActivationRequest)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(req.UEID)
	if !ok {
		return
	}

	ue.Lock()
	pdn, ok := ue.Session.PDNs[req.PDNContextID]
	if !ok {
		ue.Unlock()
		e.bus.Send(itti.Message{Source: itti.TaskNASESM, Destination: itti.TaskMMEApp, ID: itti.ESMBearerActivationCnf,
			Payload: BearerOutcome{UEID: req.UEID, Accept: false, Cause: "unknown_pdn_context"}})
		return
	}
	if def := pdn.DefaultBearer(); def != nil && def.State != mmectx.EBRActive {
		// Default bearer procedure still in flight on this PDN: defer,
		// per spec.md §4.6's correlation rule.
		def.PendingQoS = true
		ue.Unlock()
		return
	}
	ebi, ok := ue.Session.AllocateEBI()
	if !ok {
		ue.Unlock()
		e.bus.Send(itti.Message{Source: itti.TaskNASESM, Destination: itti.TaskMMEApp, ID: itti.ESMBearerActivationCnf,
			Payload: BearerOutcome{UEID: req.UEID, Accept: false, Cause: "no_resources_available"}})
		return
	}
	bearer := &mmectx.BearerContext{EBI: ebi, LinkedEBI: req.LinkedEBI, PDNContextID: pdn.ContextID,
		State: mmectx.EBRActivePending, QCI: req.QCI, ARP: req.ARP, TFT: req.TFT, SGWFTEID: req.SGWFTEID,
		StateBits: mmectx.BearerStateMMECreated}
	pdn.Bearers = append(pdn.Bearers, bearer)
	proc := &Procedure{EBI: ebi, PDNContextID: pdn.ContextID, Kind: ProcDedicatedBearerActivation}
	addProcedure(ue, proc)
	ue.Unlock()

	e.startTimer(ue, proc, timerT3485, e.cfg.Timers.T3485)
	e.sendNASDownlink(ctx, ue, "ActivateDedicatedEPSBearerContextRequest", proc)
}

func (e *Engine) handleBearerModificationInd(ctx context.Context, msg itti.Message) {
	req, ok := msg.Payload.(BearerModificationRequest)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(req.UEID)
	if !ok {
		return
	}

	ue.Lock()
	b, pdn, found := ue.Session.FindBearerByEBI(req.EBI)
	if !found || findByEBI(ue, req.EBI) != nil {
		ue.Unlock()
		return
	}
	if def := pdn.DefaultBearer(); def != nil && def.State != mmectx.EBRActive {
		def.PendingQoS = true
		ue.Unlock()
		return
	}
	b.State = mmectx.EBRModifyPending
	if req.QCI != 0 {
		b.QCI = req.QCI
	}
	if req.ARP != 0 {
		b.ARP = req.ARP
	}
	if req.TFT != nil {
		b.TFT = req.TFT
	}
	proc := &Procedure{EBI: req.EBI, PDNContextID: pdn.ContextID, Kind: ProcBearerModification}
	addProcedure(ue, proc)
	ue.Unlock()

	e.startTimer(ue, proc, timerT3486, e.cfg.Timers.T3486)
	e.sendNASDownlink(ctx, ue, "ModifyEPSBearerContextRequest", proc)
}

func (e *Engine) handleBearerDeactivationInd(ctx context.Context, msg itti.Message) {
	req, ok := msg.Payload.(BearerDeactivationRequest)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(req.UEID)
	if !ok {
		return
	}

	ue.Lock()
	b, pdn, found := ue.Session.FindBearerByEBI(req.EBI)
	if !found || findByEBI(ue, req.EBI) != nil {
		ue.Unlock()
		return
	}
	if b == pdn.DefaultBearer() {
		// Deactivating the default bearer tears down the whole PDN.
		b.State = mmectx.EBRInactivePending
		proc := &Procedure{EBI: pdn.DefaultEBI, PDNContextID: pdn.ContextID, Kind: ProcPDNDisconnect}
		addProcedure(ue, proc)
		ue.Unlock()
		e.startTimer(ue, proc, timerT3495, e.cfg.Timers.T3495)
		e.sendNASDownlink(ctx, ue, "DeactivateEPSBearerContextRequest", proc)
		return
	}
	b.State = mmectx.EBRInactivePending
	proc := &Procedure{EBI: req.EBI, PDNContextID: pdn.ContextID, Kind: ProcBearerDeactivation}
	addProcedure(ue, proc)
	ue.Unlock()

	e.startTimer(ue, proc, timerT3495, e.cfg.Timers.T3495)
	e.sendNASDownlink(ctx, ue, "DeactivateEPSBearerContextRequest", proc)
}

func (e *Engine) completeDefaultBearerActivation(ctx context.Context, msg itti.Message) {
	k, ok := msg.Payload.(struct{ UEID uint32 })
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(k.UEID)
	if !ok {
		return
	}

	ue.Lock()
	proc := findByKind(ue, ProcPDNConnectivity)
	if proc != nil {
		e.stopTimer(proc)
		removeProcedure(ue, proc)
		if pdn, ok := ue.Session.PDNs[proc.PDNContextID]; ok {
			if b := pdn.DefaultBearer(); b != nil {
				b.State = mmectx.EBRActive
				b.StateBits |= mmectx.BearerStateMMECreated
			}
		}
	}
	ue.Unlock()
}

func (e *Engine) handleNASUplink(ctx context.Context, msg itti.Message) {
	up, ok := msg.Payload.(NASUplink)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(up.UEID)
	if !ok {
		return
	}

	switch up.Kind {
	case "ActivateDefaultEPSBearerContextAccept":
		e.completeBearerAccept(ue, up.EBI, true)
	case "ActivateDefaultEPSBearerContextReject":
		e.completeBearerAccept(ue, up.EBI, false)
	case "ActivateDedicatedEPSBearerContextAccept":
		e.completeDedicatedBearer(ue, up.EBI, true)
	case "ActivateDedicatedEPSBearerContextReject":
		e.completeDedicatedBearer(ue, up.EBI, false)
	case "ModifyEPSBearerContextAccept":
		e.completeModification(ue, up.EBI, true)
	case "ModifyEPSBearerContextReject":
		e.completeModification(ue, up.EBI, false)
	case "DeactivateEPSBearerContextAccept":
		e.completeDeactivation(ue, up.EBI)
	case "PDNDisconnectRequest":
		e.handlePDNDisconnectUplink(ctx, ue, up)
	case "BearerResourceCommand":
		e.bus.Send(itti.Message{Source: itti.TaskNASESM, Destination: itti.TaskMMEApp, ID: itti.ESMBearerResourceCommandReq,
			Payload: struct {
				UEID uint32
				EBI  uint8
			}{UEID: ue.MMEUES1APID, EBI: up.EBI}})
	}
}

func (e *Engine) handlePDNDisconnectUplink(ctx context.Context, ue *mmectx.UEContext, up NASUplink) {
	ue.RLock()
	_, pdn, found := ue.Session.FindBearerByEBI(up.EBI)
	ue.RUnlock()
	if !found {
		return
	}
	e.handlePDNDisconnectReq(ctx, itti.Message{Payload: keyedPayload{
		UEID:    ue.MMEUES1APID,
		Payload: &PDNDisconnectRequest{PTI: up.PTI, PDNContextID: pdn.ContextID, LinkedEBI: up.EBI},
	}})
}

func (e *Engine) completeBearerAccept(ue *mmectx.UEContext, ebi uint8, accept bool) {
	ue.Lock()
	proc := findByEBI(ue, ebi)
	if proc == nil || proc.Kind != ProcPDNConnectivity {
		ue.Unlock()
		return
	}
	e.stopTimer(proc)
	removeProcedure(ue, proc)
	if pdn, ok := ue.Session.PDNs[proc.PDNContextID]; ok {
		if accept {
			if b := pdn.DefaultBearer(); b != nil {
				b.State = mmectx.EBRActive
			}
		} else {
			ue.Session.RemovePDN(pdn.ContextID)
		}
	}
	ue.Unlock()

	e.bus.Send(itti.Message{Source: itti.TaskNASESM, Destination: itti.TaskNASEMM, ID: itti.NASESMPDNConnectivityCnf,
		Payload: struct{ UEID uint32 }{UEID: ue.MMEUES1APID}})
}

func (e *Engine) completeDedicatedBearer(ue *mmectx.UEContext, ebi uint8, accept bool) {
	ue.Lock()
	proc := findByEBI(ue, ebi)
	if proc == nil || proc.Kind != ProcDedicatedBearerActivation {
		ue.Unlock()
		return
	}
	e.stopTimer(proc)
	removeProcedure(ue, proc)
	if pdn, ok := ue.Session.PDNs[proc.PDNContextID]; ok {
		if accept {
			if b, _, ok := ue.Session.FindBearerByEBI(ebi); ok {
				b.State = mmectx.EBRActive
			}
		} else {
			removeBearer(pdn, ebi)
			ue.Session.ReleaseEBI(ebi)
		}
		if def := pdn.DefaultBearer(); def != nil {
			def.PendingQoS = false
		}
	}
	ue.Unlock()

	e.bus.Send(itti.Message{Source: itti.TaskNASESM, Destination: itti.TaskMMEApp, ID: itti.ESMBearerActivationCnf,
		Payload: BearerOutcome{UEID: ue.MMEUES1APID, EBI: ebi, Accept: accept}})
}

func (e *Engine) completeModification(ue *mmectx.UEContext, ebi uint8, accept bool) {
	ue.Lock()
	proc := findByEBI(ue, ebi)
	if proc == nil || proc.Kind != ProcBearerModification {
		ue.Unlock()
		return
	}
	e.stopTimer(proc)
	removeProcedure(ue, proc)
	if b, _, ok := ue.Session.FindBearerByEBI(ebi); ok && accept {
		b.State = mmectx.EBRActive
	}
	ue.Unlock()

	e.bus.Send(itti.Message{Source: itti.TaskNASESM, Destination: itti.TaskMMEApp, ID: itti.ESMBearerModificationCnf,
		Payload: BearerOutcome{UEID: ue.MMEUES1APID, EBI: ebi, Accept: accept}})
}

func (e *Engine) completeDeactivation(ue *mmectx.UEContext, ebi uint8) {
	ue.Lock()
	proc := findByEBI(ue, ebi)
	if proc == nil {
		ue.Unlock()
		return
	}
	e.stopTimer(proc)
	removeProcedure(ue, proc)
	kind := proc.Kind
	switch kind {
	case ProcPDNDisconnect:
		ue.Session.RemovePDN(proc.PDNContextID)
	case ProcBearerDeactivation:
		if pdn, ok := ue.Session.PDNs[proc.PDNContextID]; ok {
			removeBearer(pdn, ebi)
			ue.Session.ReleaseEBI(ebi)
		}
	}
	ue.Unlock()

	switch kind {
	case ProcPDNDisconnect:
		e.bus.Send(itti.Message{Source: itti.TaskNASESM, Destination: itti.TaskNASEMM, ID: itti.NASESMPDNDisconnectCnf,
			Payload: struct{ UEID uint32 }{UEID: ue.MMEUES1APID}})
	case ProcBearerDeactivation:
		e.bus.Send(itti.Message{Source: itti.TaskNASESM, Destination: itti.TaskMMEApp, ID: itti.ESMBearerDeactivationCnf,
			Payload: BearerOutcome{UEID: ue.MMEUES1APID, EBI: ebi, Accept: true}})
	}
}

func (e *Engine) handleTimerExpiry(ctx context.Context, msg itti.Message) {
	expiry, ok := msg.Payload.(timer.Expiry)
	if !ok {
		return
	}
	arg, ok := expiry.Arg.(timerArg)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(arg.ueID)
	if !ok {
		return
	}

	switch arg.kind {
	case timerT3485:
		e.onRetry(ctx, ue, arg.proc, retryMessageFor(arg.proc), timerT3485, e.cfg.Timers.T3485)
	case timerT3486:
		e.onRetry(ctx, ue, arg.proc, "ModifyEPSBearerContextRequest", timerT3486, e.cfg.Timers.T3486)
	case timerT3495:
		e.onRetry(ctx, ue, arg.proc, retryMessageFor(arg.proc), timerT3495, e.cfg.Timers.T3495)
	}
}

func retryMessageFor(proc *Procedure) string {
	switch proc.Kind {
	case ProcPDNConnectivity:
		return "ActivateDefaultEPSBearerContextRequest"
	case ProcPDNDisconnect, ProcBearerDeactivation:
		return "DeactivateEPSBearerContextRequest"
	case ProcDedicatedBearerActivation:
		return "ActivateDedicatedEPSBearerContextRequest"
	default:
		return "unknown"
	}
}

func (e *Engine) onRetry(ctx context.Context, ue *mmectx.UEContext, proc *Procedure, what string, kind timerKind, d time.Duration) {
	ue.RLock()
	var def *mmectx.BearerContext
	if _, pdn, found := ue.Session.FindBearerByEBI(proc.EBI); found {
		def = pdn.DefaultBearer()
	}
	ue.RUnlock()

	if def != nil && proc.Kind != ProcPDNConnectivity && proc.Kind != ProcPDNDisconnect && !def.IsActive() {
		e.destroyAndNotify(ue, proc, ErrReactivationRequested)
		metrics.RecordESMProcedureRetry("reactivation_requested")
		return
	}

	proc.RetryCount++
	if proc.RetryCount >= retryMax {
		e.destroyAndNotify(ue, proc, fmt.Errorf("esm: %s retry exhausted", what))
		metrics.RecordESMProcedureRetry("exhausted")
		return
	}
	e.startTimer(ue, proc, kind, d)
	e.sendNASDownlink(ctx, ue, what, proc)
}

func (e *Engine) destroyAndNotify(ue *mmectx.UEContext, proc *Procedure, cause error) {
	e.stopTimer(proc)
	ue.Lock()
	removeProcedure(ue, proc)
	ue.Unlock()
	e.logger.Warn("esm: procedure failed", zap.String("kind", proc.Kind.String()), zap.Error(cause))

	switch proc.Kind {
	case ProcPDNConnectivity:
		e.rejectPDNConnectivity(ue, cause.Error())
	case ProcPDNDisconnect:
		e.bus.Send(itti.Message{Source: itti.TaskNASESM, Destination: itti.TaskNASEMM, ID: itti.NASESMPDNDisconnectCnf,
			Payload: struct{ UEID uint32 }{UEID: ue.MMEUES1APID}})
	case ProcDedicatedBearerActivation:
		e.bus.Send(itti.Message{Source: itti.TaskNASESM, Destination: itti.TaskMMEApp, ID: itti.ESMBearerActivationCnf,
			Payload: BearerOutcome{UEID: ue.MMEUES1APID, EBI: proc.EBI, Accept: false, Cause: cause.Error()}})
	case ProcBearerModification:
		e.bus.Send(itti.Message{Source: itti.TaskNASESM, Destination: itti.TaskMMEApp, ID: itti.ESMBearerModificationCnf,
			Payload: BearerOutcome{UEID: ue.MMEUES1APID, EBI: proc.EBI, Accept: false, Cause: cause.Error()}})
	case ProcBearerDeactivation:
		e.bus.Send(itti.Message{Source: itti.TaskNASESM, Destination: itti.TaskMMEApp, ID: itti.ESMBearerDeactivationCnf,
			Payload: BearerOutcome{UEID: ue.MMEUES1APID, EBI: proc.EBI, Accept: false, Cause: cause.Error()}})
	}
}

func (e *Engine) startTimer(ue *mmectx.UEContext, proc *Procedure, kind timerKind, d time.Duration) {
	e.stopTimer(proc)
	proc.TimerHandle = e.timers.Create(d, timer.OneShot, itti.TaskNASESM, timerArg{ueID: ue.MMEUES1APID, kind: kind, proc: proc})
}

func (e *Engine) stopTimer(proc *Procedure) {
	if proc == nil || proc.TimerHandle == nil {
		return
	}
	if h, ok := proc.TimerHandle.(timer.Handle); ok {
		_ = e.timers.Remove(h)
	}
	proc.TimerHandle = nil
}

// sendNASDownlink wraps an ESM NAS message identified by kind for
// outbound delivery via S1AP (Downlink NAS Transport). The NAS wire
// codec itself is out of scope; kind documents which message the MME
// core intends to send.
func (e *Engine) sendNASDownlink(ctx context.Context, ue *mmectx.UEContext, kind string, proc *Procedure) {
	e.bus.Send(itti.Message{
		Source: itti.TaskNASESM, Destination: itti.TaskS1AP,
		ID: itti.S1APDownlinkNASTransport,
		Payload: struct {
			UEID uint32
			Kind string
			EBI  uint8
		}{UEID: ue.MMEUES1APID, Kind: kind, EBI: proc.EBI},
	})
}
