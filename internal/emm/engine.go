package emm

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/go-mme/core/common/metrics"
	"github.com/go-mme/core/internal/config"
	"github.com/go-mme/core/internal/itti"
	"github.com/go-mme/core/internal/mmectx"
	"github.com/go-mme/core/internal/timer"
)

// AuthVector is an EPS-AKA authentication vector, as returned by an S6a
// Authentication-Information-Answer.
type AuthVector struct {
	RAND, AUTN, XRES, KASME []byte
}

// HSSClient is the subset of the S6a contract the EMM engine consumes.
// internal/hss.Client satisfies this.
type HSSClient interface {
	AuthenticationInformation(ctx context.Context, imsi string) (AuthVector, error)
	UpdateLocation(ctx context.Context, imsi string) error
}

// KeyDeriver derives NAS security keys from KASME. internal/security
// satisfies this.
type KeyDeriver interface {
	DeriveNASKeys(kasme []byte, eia, eea string) (knasInt, knasEnc []byte)
}

// timerKind discriminates which EMM timer fired, carried in the timer
// service's opaque Expiry.Arg.
type timerKind int

const (
	timerT3450 timerKind = iota
	timerT3460
	timerT3470
	timerT3418
	timerT3422
)

type timerArg struct {
	ueID uint32
	kind timerKind
	proc *mmectx.Procedure
}

// InitialUEMessage is the payload of an itti.S1APInitialUEMessage
// delivered to the EMM engine.
type InitialUEMessage struct {
	MMEUES1APID uint32 // 0 if the eNB has not yet been told one
	ENBKey      mmectx.ENBKey
	ServingTAI  mmectx.TAI
	ServingECGI mmectx.ECGI
	Attach      *AttachData
	TAU         *TAUData
	ServiceReq  *ServiceRequestData
}

// Engine is the EMM subsystem: an itti.Task (TaskNASEMM) driving the
// per-UE EMM FSM, specific procedures, and their nested common
// procedures.
type Engine struct {
	store  *mmectx.Store
	bus    *itti.Bus
	timers *timer.Service
	hss    HSSClient
	keys   KeyDeriver
	cfg    *config.Config
	logger *zap.Logger
}

// NewEngine creates the EMM engine.
func NewEngine(store *mmectx.Store, bus *itti.Bus, timers *timer.Service, hss HSSClient, keys KeyDeriver, cfg *config.Config, logger *zap.Logger) *Engine {
	return &Engine{store: store, bus: bus, timers: timers, hss: hss, keys: keys, cfg: cfg, logger: logger}
}

// ID implements itti.Task.
func (e *Engine) ID() itti.TaskID { return itti.TaskNASEMM }

// Run implements itti.Task.
func (e *Engine) Run(ctx context.Context, in <-chan itti.Message) {
	for msg := range in {
		switch msg.ID {
		case itti.TerminateMessage:
			return
		case itti.S1APInitialUEMessage:
			e.handleInitialUEMessage(ctx, msg)
		case itti.TimerHasExpired:
			e.handleTimerExpiry(ctx, msg)
		case itti.EMMAttachCompleteCnf:
			e.handleAttachComplete(ctx, msg)
		case itti.NASESMPDNConnectivityCnf:
			e.handleESMPDNConnectivityAccepted(ctx, msg)
		case itti.NASESMPDNConnectivityRej:
			e.handleESMPDNConnectivityRejected(ctx, msg)
		case itti.NASESMPDNDisconnectCnf:
			e.handleESMPDNDisconnectConfirmed(ctx, msg)
		case itti.NASUplinkDataInd:
			e.handleNASUplink(ctx, msg)
		default:
			e.logger.Debug("emm: unhandled message", zap.Int("id", int(msg.ID)))
		}
	}
}

func (e *Engine) handleInitialUEMessage(ctx context.Context, msg itti.Message) {
	payload, ok := msg.Payload.(InitialUEMessage)
	if !ok {
		e.logger.Warn("emm: malformed InitialUEMessage payload")
		return
	}

	switch {
	case payload.Attach != nil:
		e.startAttach(ctx, payload)
	case payload.TAU != nil:
		e.startTAU(ctx, payload)
	case payload.ServiceReq != nil:
		e.startServiceRequest(ctx, payload)
	}
}

// startAttach implements spec.md §4.5's Attach procedure steps 1-6.
func (e *Engine) startAttach(ctx context.Context, payload InitialUEMessage) {
	metrics.RecordAttachRequest()

	if payload.Attach.IsEmergency && !e.cfg.NetworkFeature.EmergencyBearerServicesSupported {
		e.rejectEmergencyAttach(ctx, payload)
		return
	}

	var ue *mmectx.UEContext
	var existing *mmectx.EMMContext

	if payload.MMEUES1APID != 0 {
		if found, ok := e.store.GetByMMEUES1APID(payload.MMEUES1APID); ok {
			ue = found
		}
	}
	if ue == nil && payload.Attach.GUTI != nil {
		if found, ok := e.store.GetByGUTI(*payload.Attach.GUTI); ok {
			ue = found
		}
	}
	if ue == nil && payload.Attach.IMSI != "" {
		if found, ok := e.store.GetByIMSI(payload.Attach.IMSI); ok {
			ue = found
		}
	}

	if ue != nil {
		ue.Lock()
		existing = ue.EMM
		replace := false
		resolution := resolveExistingContext(existing, payload.Attach)
		switch resolution {
		case ResolutionRetransmitAccept:
			prev, _ := existing.Procedures.Specific.Data.(*AttachData)
			prev.RetransmittedAcceptOnce = true
			e.sendAttachAccept(ctx, ue, existing.Procedures.Specific)
			ue.Unlock()
			return
		case ResolutionAbortSMC:
			for _, c := range existing.Procedures.Specific.Children {
				if c.Kind == mmectx.ProcSMC {
					c.Abort()
				}
			}
		case ResolutionAbortAuthenticationNested:
			for _, c := range existing.Procedures.Specific.Children {
				if c.Kind == mmectx.ProcAuthentication {
					c.Abort()
				}
			}
		case ResolutionAbortAuthenticationStandalone:
			for _, c := range existing.Procedures.Common {
				if c.Kind == mmectx.ProcAuthentication {
					c.Abort()
					existing.Procedures.RemoveCommon(c)
				}
			}
		case ResolutionAbortAndReplace:
			existing.Procedures.AbortAll()
			replace = true
		}
		ue.Unlock()
		if replace {
			// implicitDetach takes the UE lock itself.
			e.implicitDetach(ctx, ue)
		}
	}

	if ue == nil {
		ue = e.store.Create()
	}

	ue.Lock()
	ue.ENBKey = payload.ENBKey
	ue.ServingTAI = payload.ServingTAI
	ue.ServingECGI = payload.ServingECGI
	if payload.Attach.IMSI != "" {
		ue.IMSI = payload.Attach.IMSI
	}
	ue.EMM.State = mmectx.EMMCommonProcedureInitiated

	proc := mmectx.NewProcedure(mmectx.ProcAttach)
	proc.Data = payload.Attach
	ue.EMM.Procedures.Specific = proc
	ue.Unlock()

	metrics.RecordAttachAttempt("started")

	if payload.Attach.IMSI == "" {
		e.startIdentification(ctx, ue, proc, "IMSI")
		return
	}
	if !payload.Attach.SecurityContextCarried {
		e.startAuthentication(ctx, ue, proc)
		return
	}
	e.proceedToESM(ctx, ue, proc)
}

// rejectEmergencyAttach implements spec.md §4.5 step 1 and the §8
// boundary behavior for an emergency attach the network does not
// support: the eNB association still needs recording so the reject can
// be routed, but no EMM procedure or state transition is started.
func (e *Engine) rejectEmergencyAttach(ctx context.Context, payload InitialUEMessage) {
	var ue *mmectx.UEContext
	if payload.MMEUES1APID != 0 {
		if found, ok := e.store.GetByMMEUES1APID(payload.MMEUES1APID); ok {
			ue = found
		}
	}
	if ue == nil && payload.Attach.GUTI != nil {
		if found, ok := e.store.GetByGUTI(*payload.Attach.GUTI); ok {
			ue = found
		}
	}
	if ue == nil {
		ue = e.store.Create()
	}

	ue.Lock()
	ue.ENBKey = payload.ENBKey
	ue.ServingTAI = payload.ServingTAI
	ue.ServingECGI = payload.ServingECGI
	ue.Unlock()

	cause := "not_authorized_in_plmn"
	if payload.Attach.IMEIPresented {
		cause = "imei_not_accepted"
	}
	metrics.RecordAttachAttempt("rejected_emergency_unsupported")
	e.sendNASReject(ctx, ue, "AttachReject", cause)
}

func (e *Engine) startIdentification(ctx context.Context, ue *mmectx.UEContext, parent *mmectx.Procedure, idType string) {
	proc := mmectx.NewProcedure(mmectx.ProcIdentification)
	proc.Data = &IdentificationData{RequestedIDType: idType}
	ue.Lock()
	parent.AddChild(proc)
	ue.Unlock()

	e.startTimer(ue, proc, timerT3470, e.cfg.Timers.T3470)
	e.sendNASDownlink(ctx, ue, "IdentityRequest", proc)
}

func (e *Engine) startAuthentication(ctx context.Context, ue *mmectx.UEContext, parent *mmectx.Procedure) {
	proc := mmectx.NewProcedure(mmectx.ProcAuthentication)
	ue.Lock()
	imsi := ue.IMSI
	if parent != nil {
		parent.AddChild(proc)
	} else {
		ue.EMM.Procedures.AddCommon(proc)
	}
	ue.Unlock()

	vector, err := e.hss.AuthenticationInformation(ctx, imsi)
	if err != nil {
		metrics.RecordAuthenticationAttempt("hss_error")
		e.abortSpecific(ue, proc, fmt.Errorf("emm: authentication information request: %w", err))
		if parent != nil && parent.Kind == mmectx.ProcAttach {
			metrics.RecordAttachAttempt("abort")
		}
		return
	}
	proc.Data = &AuthenticationData{RAND: vector.RAND, AUTN: vector.AUTN, XRES: vector.XRES, KASME: vector.KASME}
	metrics.RecordAuthenticationAttempt("requested")

	e.startTimer(ue, proc, timerT3460, e.cfg.Timers.T3460)
	e.sendNASDownlink(ctx, ue, "AuthenticationRequest", proc)
}

func (e *Engine) startSMC(ctx context.Context, ue *mmectx.UEContext, parent *mmectx.Procedure) {
	eia := e.cfg.Security.PreferredIntegrityAlgorithms[0]
	eea := e.cfg.Security.PreferredCipheringAlgorithms[0]

	proc := mmectx.NewProcedure(mmectx.ProcSMC)
	proc.Data = &SMCData{SelectedEEA: eea, SelectedEIA: eia}
	ue.Lock()
	parent.AddChild(proc)
	sec := ue.EMM.Security
	ue.Unlock()

	if sec != nil && e.keys != nil {
		knasInt, knasEnc := e.keys.DeriveNASKeys(sec.KASME, eia, eea)
		ue.Lock()
		sec.KNASInt, sec.KNASEnc = knasInt, knasEnc
		sec.SelectedEIA, sec.SelectedEEA = eia, eea
		ue.Unlock()
	}

	e.startTimer(ue, proc, timerT3460, e.cfg.Timers.T3460)
	e.sendNASDownlink(ctx, ue, "SecurityModeCommand", proc)
}

func (e *Engine) proceedToESM(ctx context.Context, ue *mmectx.UEContext, attachProc *mmectx.Procedure) {
	data := attachProc.Data.(*AttachData)
	e.bus.Send(itti.Message{
		Source: itti.TaskNASEMM, Destination: itti.TaskNASESM,
		ID: itti.NASESMPDNConnectivityReq,
		Payload: struct {
			UEID    uint32
			Payload interface{}
		}{UEID: ue.MMEUES1APID, Payload: data.PDNConnectivityPayload},
	})
}

func (e *Engine) handleESMPDNConnectivityAccepted(ctx context.Context, msg itti.Message) {
	ue, proc := e.ueAndAttachProc(msg)
	if ue == nil || proc == nil {
		return
	}
	e.sendAttachAccept(ctx, ue, proc)
}

func (e *Engine) handleESMPDNConnectivityRejected(ctx context.Context, msg itti.Message) {
	ue, proc := e.ueAndAttachProc(msg)
	if ue == nil || proc == nil {
		return
	}
	e.abortSpecific(ue, proc, fmt.Errorf("emm: ESM PDN connectivity rejected"))
}

// handleESMPDNDisconnectConfirmed implements spec.md §8 scenario 6: when
// ESM confirms a PDN disconnect left the UE with no remaining PDN
// contexts, the UE is implicitly detached via the same teardown path as
// an explicit detach.
func (e *Engine) handleESMPDNDisconnectConfirmed(ctx context.Context, msg itti.Message) {
	type keyed = struct{ UEID uint32 }
	k, ok := msg.Payload.(keyed)
	if !ok {
		return
	}
	ue, ok := e.store.GetByMMEUES1APID(k.UEID)
	if !ok {
		return
	}
	ue.RLock()
	remaining := 0
	if ue.Session != nil {
		remaining = len(ue.Session.PDNs)
	}
	ue.RUnlock()
	if remaining > 0 {
		return
	}
	e.finishDetach(ctx, ue)
}

func (e *Engine) ueAndAttachProc(msg itti.Message) (*mmectx.UEContext, *mmectx.Procedure) {
	type keyed = struct{ UEID uint32 }
	k, ok := msg.Payload.(keyed)
	if !ok {
		return nil, nil
	}
	ue, ok := e.store.GetByMMEUES1APID(k.UEID)
	if !ok {
		return nil, nil
	}
	ue.RLock()
	proc := ue.EMM.Procedures.Specific
	ue.RUnlock()
	return ue, proc
}

// NASUplink is the payload of an itti.NASUplinkDataInd delivered to the
// EMM engine: a decoded NAS message (content out of scope, kind names
// which one) carried up from S1AP.
type NASUplink struct {
	UEID uint32
	Kind string // "IdentityResponse" | "AuthenticationResponse" | "SecurityModeComplete" | "DetachRequest" | "DetachAccept" | "GUTIReallocationComplete"
	IMSI string // set for IdentityResponse
}

func findChild(parent *mmectx.Procedure, kind mmectx.ProcedureKind) *mmectx.Procedure {
	if parent == nil {
		return nil
	}
	for _, c := range parent.Children {
		if c.Kind == kind {
			return c
		}
	}
	return nil
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
	ue.RLock()
	specific := ue.EMM.Procedures.Specific
	ue.RUnlock()

	switch up.Kind {
	case "IdentityResponse":
		e.completeIdentification(ctx, ue, specific, up.IMSI)
	case "AuthenticationResponse":
		e.completeAuthentication(ctx, ue, specific)
	case "SecurityModeComplete":
		e.completeSMC(ctx, ue, specific)
	case "DetachRequest":
		e.handleDetachRequest(ctx, ue)
	case "DetachAccept":
		if specific != nil && specific.Kind == mmectx.ProcDetach {
			e.stopTimer(specific)
			e.finishDetach(ctx, ue)
		}
	case "GUTIReallocationComplete":
		e.completeGUTIReallocation(ctx, ue, specific)
	}
}

func (e *Engine) completeIdentification(ctx context.Context, ue *mmectx.UEContext, specific *mmectx.Procedure, imsi string) {
	proc := findChild(specific, mmectx.ProcIdentification)
	if proc == nil {
		return
	}
	e.stopTimer(proc)
	ue.Lock()
	specific.RemoveChild(proc)
	ue.IMSI = imsi
	ue.Unlock()

	if specific.Kind != mmectx.ProcAttach {
		return
	}
	data := specific.Data.(*AttachData)
	data.IMSI = imsi
	if !data.SecurityContextCarried {
		e.startAuthentication(ctx, ue, specific)
		return
	}
	e.proceedToESM(ctx, ue, specific)
}

func (e *Engine) completeAuthentication(ctx context.Context, ue *mmectx.UEContext, specific *mmectx.Procedure) {
	proc := findChild(specific, mmectx.ProcAuthentication)
	standalone := false
	if proc == nil {
		ue.RLock()
		for _, c := range ue.EMM.Procedures.Common {
			if c.Kind == mmectx.ProcAuthentication {
				proc = c
				standalone = true
				break
			}
		}
		ue.RUnlock()
		if proc == nil {
			return
		}
	}
	e.stopTimer(proc)
	data := proc.Data.(*AuthenticationData)

	ue.Lock()
	ue.EMM.Security = &mmectx.SecurityContext{KASME: data.KASME}
	if standalone {
		ue.EMM.Procedures.RemoveCommon(proc)
	} else {
		specific.RemoveChild(proc)
	}
	ue.Unlock()

	if standalone || specific == nil {
		return
	}
	if specific.Kind == mmectx.ProcAttach || specific.Kind == mmectx.ProcTAU {
		e.startSMC(ctx, ue, specific)
	}
}

func (e *Engine) completeSMC(ctx context.Context, ue *mmectx.UEContext, specific *mmectx.Procedure) {
	proc := findChild(specific, mmectx.ProcSMC)
	if proc == nil {
		return
	}
	e.stopTimer(proc)
	ue.Lock()
	specific.RemoveChild(proc)
	ue.Unlock()

	switch specific.Kind {
	case mmectx.ProcAttach:
		e.proceedToESM(ctx, ue, specific)
	case mmectx.ProcTAU:
		e.completeTAU(ctx, ue, specific)
	}
}

// startTAU implements spec.md §4.5's Tracking Area Update procedure: it
// resolves the UE by the GUTI the TAU Request carries (distinct from
// Attach, which may additionally resolve by IMSI), validates the
// carried NAS security context, and triggers authentication when one is
// missing or not yet trusted.
func (e *Engine) startTAU(ctx context.Context, payload InitialUEMessage) {
	var ue *mmectx.UEContext
	if payload.MMEUES1APID != 0 {
		if found, ok := e.store.GetByMMEUES1APID(payload.MMEUES1APID); ok {
			ue = found
		}
	}
	if ue == nil && payload.TAU.GUTI != nil {
		if found, ok := e.store.GetByGUTI(*payload.TAU.GUTI); ok {
			ue = found
		}
	}
	if ue == nil {
		// The old GUTI belongs to a neighbor MME (it's keyed by mme_code,
		// not known to this one); spec.md §4.5 calls for an S10 Context
		// Request to retrieve the UE's context before the TAU can proceed.
		e.requestS10Context(ctx, payload)
		return
	}

	ue.Lock()
	if ue.EMM.Procedures.Specific != nil {
		ue.Unlock()
		metrics.RecordTAUAttempt("rejected_collision")
		e.sendNASReject(ctx, ue, "TAUReject", "procedure_collision")
		return
	}
	ue.ENBKey = payload.ENBKey
	ue.ServingTAI = payload.ServingTAI
	ue.ServingECGI = payload.ServingECGI

	proc := mmectx.NewProcedure(mmectx.ProcTAU)
	proc.Data = payload.TAU
	ue.EMM.Procedures.Specific = proc
	ue.EMM.State = mmectx.EMMCommonProcedureInitiated
	ue.Unlock()

	metrics.RecordTAUAttempt("started")

	if !payload.TAU.SecurityContextCarried {
		e.startAuthentication(ctx, ue, proc)
		return
	}
	e.completeTAU(ctx, ue, proc)
}

// requestS10Context handles a TAU whose old GUTI no local UE context
// owns. This core keeps no neighbor-MME address directory, so it only
// logs the condition and counts it as "rejected_unknown_guti": no S10
// Context Request is sent, and no TAU Reject is sent to the UE.
func (e *Engine) requestS10Context(ctx context.Context, payload InitialUEMessage) {
	e.logger.Warn("emm: TAU references a GUTI this MME cannot resolve locally; S10 Context Request has no resolvable peer",
		zap.Uint16("mme_group_id", payload.TAU.GUTI.MMEGroupID), zap.Uint8("mme_code", payload.TAU.GUTI.MMECode))
	metrics.RecordTAUAttempt("rejected_unknown_guti")
}

// completeTAU finishes a TAU procedure once any required authentication
// and SMC have completed: spec.md §4.5 allows reassigning a GUTI
// (implicit GUTI reallocation, nested as a COMMON_PROC) before
// accepting; this MME always takes that opportunity to refresh the UE's
// M-TMSI.
func (e *Engine) completeTAU(ctx context.Context, ue *mmectx.UEContext, specific *mmectx.Procedure) {
	ue.Lock()
	ue.EMM.State = mmectx.EMMRegistered
	ue.Unlock()
	metrics.RecordEMMStateTransition("COMMON_PROCEDURE_INITIATED", "REGISTERED")

	e.startGUTIReallocation(ctx, ue, specific)
}

// startGUTIReallocation nests a GUTI Reallocation common procedure
// under parent (Attach or TAU), per spec.md §3's COMMON_PROC nesting.
func (e *Engine) startGUTIReallocation(ctx context.Context, ue *mmectx.UEContext, parent *mmectx.Procedure) {
	newGUTI := e.allocateGUTI()
	proc := mmectx.NewProcedure(mmectx.ProcGUTIReallocation)
	proc.Data = &GUTIReallocationData{NewGUTI: newGUTI}
	ue.Lock()
	parent.AddChild(proc)
	ue.Unlock()

	e.startTimer(ue, proc, timerT3418, e.cfg.Timers.T3418)
	e.sendNASDownlink(ctx, ue, "GUTIReallocationCommand", proc)
}

// completeGUTIReallocation applies the new GUTI once the UE acks it,
// reindexes the GUTI secondary index, and finishes whichever specific
// procedure the reallocation was nested under.
func (e *Engine) completeGUTIReallocation(ctx context.Context, ue *mmectx.UEContext, specific *mmectx.Procedure) {
	proc := findChild(specific, mmectx.ProcGUTIReallocation)
	if proc == nil {
		return
	}
	e.stopTimer(proc)
	data, _ := proc.Data.(*GUTIReallocationData)
	if data == nil {
		return
	}

	ue.Lock()
	specific.RemoveChild(proc)
	oldGUTI := ue.GUTI
	newGUTI := data.NewGUTI
	ue.EMM.OldGUTI = oldGUTI
	ue.GUTI = &newGUTI
	ue.EMM.GUTI = &newGUTI
	ue.Unlock()

	e.store.Reindex(ue, mmectx.Keys{GUTI: oldGUTI}, mmectx.Keys{GUTI: &newGUTI})

	if specific.Kind == mmectx.ProcTAU {
		e.finishTAU(ctx, ue, specific)
	}
}

func (e *Engine) finishTAU(ctx context.Context, ue *mmectx.UEContext, specific *mmectx.Procedure) {
	ue.Lock()
	ue.EMM.Procedures.Specific = nil
	ue.Unlock()
	metrics.RecordTAUAttempt("success")
	e.sendNASDownlink(ctx, ue, "TAUAccept", specific)
}

// allocateGUTI assigns a fresh M-TMSI under this MME's own GUMMEI.
func (e *Engine) allocateGUTI() mmectx.GUTI {
	if len(e.cfg.GUMMEIs) == 0 {
		return mmectx.GUTI{}
	}
	g := e.cfg.GUMMEIs[0]
	return mmectx.GUTI{
		MCC:        g.PLMN.MCC,
		MNC:        g.PLMN.MNC,
		MMEGroupID: g.MMEGroupID,
		MMECode:    g.MMECode,
		MTMSI:      uint32(atomic.AddUint64(&mtmsiCounter, 1)),
	}
}

var mtmsiCounter uint64

// startServiceRequest implements the Service Request specific
// procedure: the UE is resolved by the GUTI it presents and must
// already hold a valid EPS security context and be EMM-REGISTERED, per
// spec.md §2's Service Request/Common-procedure overview. On acceptance
// MME-App is asked to re-establish the UE's existing radio bearers
// (spec.md §4.7's Initial Context Setup path, also used on a fresh
// Attach).
func (e *Engine) startServiceRequest(ctx context.Context, payload InitialUEMessage) {
	var ue *mmectx.UEContext
	if payload.MMEUES1APID != 0 {
		if found, ok := e.store.GetByMMEUES1APID(payload.MMEUES1APID); ok {
			ue = found
		}
	}
	if ue == nil && payload.ServiceReq.GUTI != nil {
		if found, ok := e.store.GetByGUTI(*payload.ServiceReq.GUTI); ok {
			ue = found
		}
	}
	if ue == nil {
		metrics.RecordServiceRequestAttempt("rejected_unknown_ue")
		return
	}

	ue.Lock()
	registered := ue.EMM.State == mmectx.EMMRegistered
	hasSecurity := ue.EMM.Security != nil
	noCollision := ue.EMM.Procedures.Specific == nil
	if registered && hasSecurity && noCollision {
		ue.ENBKey = payload.ENBKey
		ue.ServingTAI = payload.ServingTAI
		ue.ServingECGI = payload.ServingECGI
		ue.ECMState = mmectx.ECMConnected
	}
	ue.Unlock()

	if !registered || !hasSecurity {
		metrics.RecordServiceRequestAttempt("rejected_not_registered")
		e.sendNASReject(ctx, ue, "ServiceReject", "ue_not_authenticated")
		return
	}
	if !noCollision {
		metrics.RecordServiceRequestAttempt("rejected_collision")
		e.sendNASReject(ctx, ue, "ServiceReject", "procedure_collision")
		return
	}

	metrics.RecordServiceRequestAttempt("success")
	e.sendNASDownlink(ctx, ue, "ServiceAccept", nil)
	e.bus.Send(itti.Message{Source: itti.TaskNASEMM, Destination: itti.TaskMMEApp, ID: itti.EMMRegistrationCnf,
		Payload: struct{ UEID uint32 }{UEID: ue.MMEUES1APID}})
}

func (e *Engine) handleDetachRequest(ctx context.Context, ue *mmectx.UEContext) {
	ue.RLock()
	hadRegistration := ue.EMM.State == mmectx.EMMRegistered
	ue.RUnlock()
	if !hadRegistration {
		e.finishDetach(ctx, ue)
		return
	}

	ue.Lock()
	ue.EMM.State = mmectx.EMMDeregisteredInitiated
	ue.EMM.Procedures.AbortAll()
	proc := mmectx.NewProcedure(mmectx.ProcDetach)
	proc.Data = &DetachData{}
	ue.EMM.Procedures.Specific = proc
	ue.Unlock()

	e.bus.Send(itti.Message{Source: itti.TaskNASEMM, Destination: itti.TaskNASESM, ID: itti.NASESMPDNDisconnectReq,
		Payload: struct{ UEID uint32 }{UEID: ue.MMEUES1APID}})
}

func (e *Engine) sendAttachAccept(ctx context.Context, ue *mmectx.UEContext, proc *mmectx.Procedure) {
	data, _ := proc.Data.(*AttachData)
	if data != nil {
		data.PDNConnectivityPayload = nil // consumed
	}
	e.startTimer(ue, proc, timerT3450, e.cfg.Timers.T3450)
	e.sendNASDownlink(ctx, ue, "AttachAccept", proc)
}

func (e *Engine) handleAttachComplete(ctx context.Context, msg itti.Message) {
	ue, proc := e.ueAndAttachProc(msg)
	if ue == nil || proc == nil || proc.Kind != mmectx.ProcAttach {
		return
	}
	e.stopTimer(proc)

	ue.Lock()
	ue.EMM.State = mmectx.EMMRegistered
	ue.EMM.OldGUTI = nil
	ue.EMM.Procedures.Specific = nil
	ue.Unlock()

	metrics.RecordEMMStateTransition("COMMON_PROCEDURE_INITIATED", "REGISTERED")
	metrics.RecordAttachAttempt("success")

	e.bus.Send(itti.Message{Source: itti.TaskNASEMM, Destination: itti.TaskNASESM, ID: itti.NASESMDefaultBearerActivatedInd,
		Payload: struct{ UEID uint32 }{UEID: ue.MMEUES1APID}})
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
	case timerT3450:
		e.onT3450Expiry(ctx, ue, arg.proc)
	case timerT3460:
		e.onCommonProcRetry(ctx, ue, arg.proc, "AuthenticationRequest/SecurityModeCommand", timerT3460, e.cfg.Timers.T3460, 5)
	case timerT3470:
		e.onCommonProcRetry(ctx, ue, arg.proc, "IdentityRequest", timerT3470, e.cfg.Timers.T3470, 5)
	case timerT3418:
		e.onCommonProcRetry(ctx, ue, arg.proc, "GUTIReallocationCommand", timerT3418, e.cfg.Timers.T3418, 5)
	case timerT3422:
		e.onDetachRetry(ctx, ue, arg.proc)
	}
}

const attachCounterMax = 5

func (e *Engine) onT3450Expiry(ctx context.Context, ue *mmectx.UEContext, proc *mmectx.Procedure) {
	proc.RetryCount++
	if proc.RetryCount >= attachCounterMax {
		e.abortSpecific(ue, proc, fmt.Errorf("emm: attach accept retransmission exhausted"))
		metrics.RecordAttachAttempt("abort")
		e.implicitDetach(ctx, ue)
		return
	}
	e.startTimer(ue, proc, timerT3450, e.cfg.Timers.T3450)
	e.sendNASDownlink(ctx, ue, "AttachAccept", proc)
}

func (e *Engine) onCommonProcRetry(ctx context.Context, ue *mmectx.UEContext, proc *mmectx.Procedure, what string, kind timerKind, d time.Duration, max int) {
	proc.RetryCount++
	if proc.RetryCount >= max {
		proc.Abort()
		return
	}
	e.startTimer(ue, proc, kind, d)
	e.sendNASDownlink(ctx, ue, what, proc)
}

func (e *Engine) onDetachRetry(ctx context.Context, ue *mmectx.UEContext, proc *mmectx.Procedure) {
	proc.RetryCount++
	if proc.RetryCount >= 5 {
		e.finishDetach(ctx, ue)
		return
	}
	e.startTimer(ue, proc, timerT3422, e.cfg.Timers.T3422)
	e.sendNASDownlink(ctx, ue, "DetachRequest", proc)
}

func (e *Engine) abortSpecific(ue *mmectx.UEContext, proc *mmectx.Procedure, cause error) {
	e.stopTimer(proc)
	proc.Abort()
	ue.Lock()
	if ue.EMM.Procedures.Specific == proc {
		ue.EMM.Procedures.Specific = nil
	}
	ue.Unlock()
	e.logger.Info("emm: procedure aborted", zap.Uint64("nas_puid", proc.NASPUID), zap.Error(cause))
}

func (e *Engine) implicitDetach(ctx context.Context, ue *mmectx.UEContext) {
	ue.Lock()
	ue.EMM.State = mmectx.EMMDeregistered
	ue.Unlock()
	e.bus.Send(itti.Message{Source: itti.TaskNASEMM, Destination: itti.TaskMMEApp, ID: itti.EMMDetachCnf,
		Payload: struct{ UEID uint32 }{UEID: ue.MMEUES1APID}})
}

func (e *Engine) finishDetach(ctx context.Context, ue *mmectx.UEContext) {
	ue.Lock()
	ue.EMM.State = mmectx.EMMDeregistered
	ue.Unlock()
	e.store.Remove(ue)
}

func (e *Engine) startTimer(ue *mmectx.UEContext, proc *mmectx.Procedure, kind timerKind, d time.Duration) {
	e.stopTimer(proc)
	proc.TimerHandle = e.timers.Create(d, timer.OneShot, itti.TaskNASEMM, timerArg{ueID: ue.MMEUES1APID, kind: kind, proc: proc})
}

func (e *Engine) stopTimer(proc *mmectx.Procedure) {
	if proc == nil || proc.TimerHandle == nil {
		return
	}
	if h, ok := proc.TimerHandle.(timer.Handle); ok {
		_ = e.timers.Remove(h)
	}
	proc.TimerHandle = nil
}

// sendNASDownlink wraps a NAS message identified by kind for outbound
// delivery via S1AP (Downlink NAS Transport). The NAS wire codec itself
// is out of scope; kind documents which message the MME core intends
// to send.
func (e *Engine) sendNASDownlink(ctx context.Context, ue *mmectx.UEContext, kind string, proc *mmectx.Procedure) {
	e.bus.Send(itti.Message{
		Source: itti.TaskNASEMM, Destination: itti.TaskS1AP,
		ID: itti.S1APDownlinkNASTransport,
		Payload: struct {
			UEID uint32
			Kind string
		}{UEID: ue.MMEUES1APID, Kind: kind},
	})
}

// sendNASReject is sendNASDownlink's cause-carrying counterpart, used
// for the EMM reject messages (AttachReject, TAUReject, ServiceReject).
func (e *Engine) sendNASReject(ctx context.Context, ue *mmectx.UEContext, kind, cause string) {
	e.bus.Send(itti.Message{
		Source: itti.TaskNASEMM, Destination: itti.TaskS1AP,
		ID: itti.S1APDownlinkNASTransport,
		Payload: struct {
			UEID  uint32
			Kind  string
			Cause string
		}{UEID: ue.MMEUES1APID, Kind: kind, Cause: cause},
	})
}
