package s1ap

import (
	"context"

	"go.uber.org/zap"

	"github.com/go-mme/core/internal/emm"
	"github.com/go-mme/core/internal/esm"
	"github.com/go-mme/core/internal/itti"
	"github.com/go-mme/core/internal/mmeapp"
	"github.com/go-mme/core/internal/mmectx"
)

// Adaptor is the S1AP subsystem: an itti.Task (TaskS1AP) that turns
// inbound PDUs from Transport into itti messages for NAS-EMM, NAS-ESM
// and MME-App, and turns their outgoing itti messages back into PDUs for
// Transport. It dispatches inbound PDUs by ProcedureCode the way
// nf/amf/internal/server/handlers.go dispatches HTTP requests by route:
// one small decode-then-forward handler per procedure, collected in a
// map rather than a chi router.
type Adaptor struct {
	store     *mmectx.Store
	bus       *itti.Bus
	transport Transport
	logger    *zap.Logger

	inbound map[ProcedureCode]func(PDU)
}

// NewAdaptor creates the S1AP adaptor.
func NewAdaptor(store *mmectx.Store, bus *itti.Bus, transport Transport, logger *zap.Logger) *Adaptor {
	a := &Adaptor{store: store, bus: bus, transport: transport, logger: logger}
	a.inbound = map[ProcedureCode]func(PDU){
		ProcInitialUEMessage:             a.handleInitialUEMessage,
		ProcUplinkNASTransport:           a.handleUplinkNASTransport,
		ProcUEContextReleaseRequest:      a.handleUEContextReleaseRequest,
		ProcUEContextReleaseComplete:     a.handleUEContextReleaseComplete,
		ProcInitialContextSetupResponse:  a.handleInitialContextSetupResponse,
		ProcInitialContextSetupFailure:   a.handleInitialContextSetupFailure,
		ProcERABSetupResponse:            a.handleERABSetupResponse,
		ProcERABModifyResponse:           a.handleERABModifyResponse,
		ProcERABReleaseResponse:          a.handleERABReleaseResponse,
		ProcPathSwitchRequest:            a.handlePathSwitchRequest,
		ProcHandoverRequired:             a.handleHandoverRequired,
		ProcHandoverRequestAck:           a.handleHandoverRequestAck,
		ProcHandoverNotify:               a.handleHandoverNotify,
		ProcHandoverCancel:               a.handleHandoverCancel,
		ProcS1SetupRequest:               a.handleS1SetupRequest,
		ProcENBConfigurationTransfer:     a.handleENBConfigurationTransfer,
	}
	return a
}

// HandleInbound is the entry point Transport calls for every PDU an eNB
// sends, the S1AP counterpart of internal/sgw's Serve callback. It never
// touches the itti bus directly from the transport's own goroutine for
// anything but Send, since Bus.Send is safe to call concurrently.
func (a *Adaptor) HandleInbound(pdu PDU) {
	h, ok := a.inbound[pdu.Procedure]
	if !ok {
		a.logger.Warn("s1ap: no handler for inbound procedure", zap.Stringer("procedure", pdu.Procedure))
		return
	}
	h(pdu)
}

// ID implements itti.Task.
func (a *Adaptor) ID() itti.TaskID { return itti.TaskS1AP }

// Run implements itti.Task: it drains MME-App/NAS-EMM/NAS-ESM's outgoing
// S1AP traffic and turns each into a PDU for Transport.
func (a *Adaptor) Run(ctx context.Context, in <-chan itti.Message) {
	for msg := range in {
		switch msg.ID {
		case itti.TerminateMessage:
			return
		case itti.S1APDownlinkNASTransport:
			a.handleDownlinkNAS(msg)
		case itti.S1APUEContextReleaseCommand:
			a.handleUEContextReleaseCommandMsg(msg)
		case itti.S1APInitialContextSetupRequest:
			a.handleInitialContextSetupRequestMsg(msg)
		case itti.S1APERABSetupRequest:
			a.handleERABSetupRequestMsg(msg)
		case itti.S1APERABModifyRequest:
			a.handleERABModifyRequestMsg(msg)
		case itti.S1APERABReleaseRequest:
			a.handleERABReleaseRequestMsg(msg)
		case itti.S1APHandoverRequest:
			a.handleHandoverRequestMsg(msg)
		case itti.S1APHandoverCommand:
			a.handleHandoverCommandMsg(msg)
		case itti.S1APPathSwitchRequestAck:
			a.handlePathSwitchRequestAckMsg(msg)
		case itti.S1APMMEStatusTransfer:
			a.handleMMEStatusTransferMsg(msg)
		default:
			a.logger.Debug("s1ap: unhandled message", zap.Int("id", int(msg.ID)))
		}
	}
}

// enbKeyFor resolves the eNB association a UE's outbound PDU must be
// addressed to.
func (a *Adaptor) enbKeyFor(ueID uint32) (mmectx.ENBKey, bool) {
	ue, ok := a.store.GetByMMEUES1APID(ueID)
	if !ok {
		return mmectx.ENBKey{}, false
	}
	ue.RLock()
	defer ue.RUnlock()
	return ue.ENBKey, true
}

func (a *Adaptor) send(ueID uint32, proc ProcedureCode, body interface{}) {
	enbKey, ok := a.enbKeyFor(ueID)
	if !ok {
		a.logger.Warn("s1ap: no eNB association for UE", zap.Uint32("ue_id", ueID), zap.Stringer("procedure", proc))
		return
	}
	if err := a.transport.Send(enbKey, PDU{Procedure: proc, ENBKey: enbKey, Body: body}); err != nil {
		a.logger.Warn("s1ap: send failed", zap.Stringer("procedure", proc), zap.Error(err))
	}
}

// --- inbound: eNB -> core ---

func (a *Adaptor) handleInitialUEMessage(pdu PDU) {
	body, ok := pdu.Body.(InitialUEMessage)
	if !ok {
		return
	}

	payload := emm.InitialUEMessage{
		MMEUES1APID: body.MMEUES1APID,
		ENBKey:      pdu.ENBKey,
		ServingTAI:  body.ServingTAI,
		ServingECGI: body.ServingECGI,
	}

	switch body.NAS.Kind {
	case "AttachRequest":
		payload.Attach = &emm.AttachData{
			IMSI:                   body.NAS.IMSI,
			GUTI:                   body.NAS.GUTI,
			IsEmergency:            body.NAS.IsEmergency,
			IMEIPresented:          body.NAS.IMEIPresented,
			SecurityContextCarried: body.NAS.SecurityContextCarried,
			PDNConnectivityPayload: body.NAS.ESMPayload,
		}
	case "TrackingAreaUpdateRequest":
		payload.TAU = &emm.TAUData{
			GUTI:                   body.NAS.GUTI,
			SecurityContextCarried: body.NAS.SecurityContextCarried,
			ActiveFlag:             body.NAS.ActiveFlag,
		}
	case "ServiceRequest":
		payload.ServiceReq = &emm.ServiceRequestData{GUTI: body.NAS.GUTI}
	default:
		a.logger.Warn("s1ap: unclassified Initial UE Message NAS content", zap.String("kind", body.NAS.Kind))
		return
	}

	a.bus.Send(itti.Message{Source: itti.TaskS1AP, Destination: itti.TaskNASEMM, ID: itti.S1APInitialUEMessage, Payload: payload})
}

// emmUplinkKinds classifies the NAS uplink messages internal/emm owns:
// common-procedure responses and detach.
var emmUplinkKinds = map[string]bool{
	"IdentityResponse":        true,
	"AuthenticationResponse":  true,
	"AuthenticationFailure":   true,
	"SecurityModeComplete":    true,
	"SecurityModeReject":      true,
	"DetachRequest":           true,
	"DetachAccept":            true,
	"GUTIReallocationComplete": true,
}

// esmUplinkKinds classifies the NAS uplink messages internal/esm owns:
// per-bearer activate/modify/deactivate replies and bearer resource
// requests.
var esmUplinkKinds = map[string]bool{
	"ActivateDefaultEPSBearerContextAccept":   true,
	"ActivateDefaultEPSBearerContextReject":   true,
	"ActivateDedicatedEPSBearerContextAccept": true,
	"ActivateDedicatedEPSBearerContextReject": true,
	"ModifyEPSBearerContextAccept":            true,
	"ModifyEPSBearerContextReject":             true,
	"DeactivateEPSBearerContextAccept":        true,
	"PDNDisconnectRequest":                    true,
	"BearerResourceCommand":                   true,
}

func (a *Adaptor) handleUplinkNASTransport(pdu PDU) {
	body, ok := pdu.Body.(UplinkNASTransport)
	if !ok {
		return
	}
	a.routeUplinkNAS(body.MMEUES1APID, body.NAS)
}

func (a *Adaptor) routeUplinkNAS(ueID uint32, nas UplinkNAS) {
	switch {
	case nas.Kind == "AttachComplete":
		a.bus.Send(itti.Message{Source: itti.TaskS1AP, Destination: itti.TaskNASEMM, ID: itti.EMMAttachCompleteCnf,
			Payload: struct{ UEID uint32 }{UEID: ueID}})
	case nas.Kind == "PDNConnectivityRequest":
		// A standalone PDN Connectivity Request (not piggybacked on Attach
		// Request) has no EMM specific procedure to nest under, so it goes
		// straight to NAS-ESM instead of via internal/emm's proceedToESM.
		a.bus.Send(itti.Message{Source: itti.TaskS1AP, Destination: itti.TaskNASESM, ID: itti.NASESMPDNConnectivityReq,
			Payload: struct {
				UEID    uint32
				Payload interface{}
			}{UEID: ueID, Payload: &esm.PDNConnectivityRequest{PTI: nas.PTI, APN: nas.APN, Type: nas.Type, PCO: nas.PCO, StandAlone: true}}})
	case emmUplinkKinds[nas.Kind]:
		a.bus.Send(itti.Message{Source: itti.TaskS1AP, Destination: itti.TaskNASEMM, ID: itti.NASUplinkDataInd,
			Payload: emm.NASUplink{UEID: ueID, Kind: nas.Kind, IMSI: nas.IMSI}})
	case esmUplinkKinds[nas.Kind]:
		a.bus.Send(itti.Message{Source: itti.TaskS1AP, Destination: itti.TaskNASESM, ID: itti.NASUplinkDataInd,
			Payload: esm.NASUplink{UEID: ueID, Kind: nas.Kind, EBI: nas.EBI, PTI: nas.PTI, APN: nas.APN}})
	default:
		a.logger.Warn("s1ap: unclassified uplink NAS content", zap.String("kind", nas.Kind))
	}
}

func (a *Adaptor) handleUEContextReleaseRequest(pdu PDU) {
	body, ok := pdu.Body.(UEContextReleaseRequest)
	if !ok {
		return
	}
	a.bus.Send(itti.Message{Source: itti.TaskS1AP, Destination: itti.TaskMMEApp, ID: itti.S1APUEContextReleaseRequest,
		Payload: mmeapp.UEContextReleaseRequest{UEID: body.MMEUES1APID, Cause: body.Cause}})
}

func (a *Adaptor) handleUEContextReleaseComplete(pdu PDU) {
	body, ok := pdu.Body.(UEContextReleaseComplete)
	if !ok {
		return
	}
	a.bus.Send(itti.Message{Source: itti.TaskS1AP, Destination: itti.TaskMMEApp, ID: itti.S1APUEContextReleaseComplete,
		Payload: mmeapp.UEContextReleaseComplete{UEID: body.MMEUES1APID}})
}

func outcomesFrom(results []ERABResult) []mmeapp.ERABOutcome {
	out := make([]mmeapp.ERABOutcome, 0, len(results))
	for _, r := range results {
		out = append(out, mmeapp.ERABOutcome{EBI: r.EBI, Accept: r.Accept, Cause: r.Cause, ENBFTEID: r.ENBFTEID})
	}
	return out
}

func (a *Adaptor) handleInitialContextSetupResponse(pdu PDU) {
	body, ok := pdu.Body.(InitialContextSetupResponse)
	if !ok {
		return
	}
	a.bus.Send(itti.Message{Source: itti.TaskS1AP, Destination: itti.TaskMMEApp, ID: itti.S1APInitialContextSetupResponse,
		Payload: mmeapp.InitialContextSetupResponse{UEID: body.MMEUES1APID, ERABs: outcomesFrom(body.ERABs)}})
}

func (a *Adaptor) handleInitialContextSetupFailure(pdu PDU) {
	body, ok := pdu.Body.(InitialContextSetupFailure)
	if !ok {
		return
	}
	a.bus.Send(itti.Message{Source: itti.TaskS1AP, Destination: itti.TaskMMEApp, ID: itti.S1APInitialContextSetupFailure,
		Payload: mmeapp.InitialContextSetupFailure{UEID: body.MMEUES1APID, Cause: body.Cause}})
}

func (a *Adaptor) handleERABSetupResponse(pdu PDU) {
	body, ok := pdu.Body.(ERABSetupResponse)
	if !ok {
		return
	}
	a.bus.Send(itti.Message{Source: itti.TaskS1AP, Destination: itti.TaskMMEApp, ID: itti.S1APERABSetupResponse,
		Payload: mmeapp.ERABSetupResponse{UEID: body.MMEUES1APID, ERABs: outcomesFrom(body.ERABs)}})
}

func (a *Adaptor) handleERABModifyResponse(pdu PDU) {
	body, ok := pdu.Body.(ERABModifyResponse)
	if !ok {
		return
	}
	a.bus.Send(itti.Message{Source: itti.TaskS1AP, Destination: itti.TaskMMEApp, ID: itti.S1APERABModifyResponse,
		Payload: mmeapp.ERABModifyResponse{UEID: body.MMEUES1APID, ERABs: outcomesFrom(body.ERABs)}})
}

func (a *Adaptor) handleERABReleaseResponse(pdu PDU) {
	body, ok := pdu.Body.(ERABReleaseResponse)
	if !ok {
		return
	}
	a.bus.Send(itti.Message{Source: itti.TaskS1AP, Destination: itti.TaskMMEApp, ID: itti.S1APERABReleaseResponse,
		Payload: mmeapp.ERABReleaseResponse{UEID: body.MMEUES1APID, EBIs: body.EBIs}})
}

func erabsToSetup(rs []ERABToRelocate) []mmeapp.ERABToSetup {
	out := make([]mmeapp.ERABToSetup, 0, len(rs))
	for _, r := range rs {
		out = append(out, mmeapp.ERABToSetup{EBI: r.EBI, QCI: r.QCI, ARP: r.ARP, SGWFTEID: r.ENBFTEID})
	}
	return out
}

func (a *Adaptor) handlePathSwitchRequest(pdu PDU) {
	body, ok := pdu.Body.(PathSwitchRequest)
	if !ok {
		return
	}
	a.bus.Send(itti.Message{Source: itti.TaskS1AP, Destination: itti.TaskMMEApp, ID: itti.S1APPathSwitchRequest,
		Payload: mmeapp.PathSwitchRequest{UEID: body.MMEUES1APID, TargetECGI: body.TargetECGI, ERABs: erabsToSetup(body.ERABs)}})
}

func (a *Adaptor) handleHandoverRequired(pdu PDU) {
	body, ok := pdu.Body.(HandoverRequired)
	if !ok {
		return
	}
	a.bus.Send(itti.Message{Source: itti.TaskS1AP, Destination: itti.TaskMMEApp, ID: itti.S1APHandoverRequired,
		Payload: mmeapp.HandoverRequired{
			UEID: body.MMEUES1APID, TargetECGI: body.TargetECGI, TargetMMEPeer: body.TargetMMEPeer,
			SourceToTargetContainer: body.SourceToTargetContainer,
		}})
}

func (a *Adaptor) handleHandoverRequestAck(pdu PDU) {
	body, ok := pdu.Body.(HandoverRequestAck)
	if !ok {
		return
	}
	a.bus.Send(itti.Message{Source: itti.TaskS1AP, Destination: itti.TaskMMEApp, ID: itti.S1APHandoverRequestAck,
		Payload: mmeapp.HandoverRequestAck{
			UEID: body.MMEUES1APID, ERABs: erabsToSetup(body.ERABs), TargetToSourceContainer: body.TargetToSourceContainer,
		}})
}

func (a *Adaptor) handleHandoverNotify(pdu PDU) {
	body, ok := pdu.Body.(HandoverNotify)
	if !ok {
		return
	}
	a.bus.Send(itti.Message{Source: itti.TaskS1AP, Destination: itti.TaskMMEApp, ID: itti.S1APHandoverNotify,
		Payload: mmeapp.HandoverNotify{UEID: body.MMEUES1APID}})
}

func (a *Adaptor) handleHandoverCancel(pdu PDU) {
	body, ok := pdu.Body.(HandoverCancel)
	if !ok {
		return
	}
	a.bus.Send(itti.Message{Source: itti.TaskS1AP, Destination: itti.TaskMMEApp, ID: itti.S1APHandoverCancel,
		Payload: mmeapp.HandoverCancel{UEID: body.MMEUES1APID, Cause: body.Cause}})
}

// handleS1SetupRequest and handleENBConfigurationTransfer are answered
// autonomously: S1 Setup is a transport-association handshake with no
// UE or session state behind it, and ENB Configuration Transfer is a
// SON message the MME relays without interpreting, so neither needs a
// round trip through MME-App.
func (a *Adaptor) handleS1SetupRequest(pdu PDU) {
	body, ok := pdu.Body.(S1SetupRequest)
	if !ok {
		return
	}
	a.logger.Info("s1ap: S1 setup", zap.String("enb_name", body.ENBName), zap.Int("served_tas", len(body.SupportedTAs)))
	if err := a.transport.Send(pdu.ENBKey, PDU{Procedure: ProcS1SetupResponse, ENBKey: pdu.ENBKey}); err != nil {
		a.logger.Warn("s1ap: S1 setup response failed", zap.Error(err))
	}
}

func (a *Adaptor) handleENBConfigurationTransfer(pdu PDU) {
	body, ok := pdu.Body.(ENBConfigurationTransfer)
	if !ok {
		return
	}
	// The target eNB for a SON configuration transfer is identified by
	// TargetECGI, not by an already-known UE; relaying it to a specific
	// peer eNB association requires the transport layer's own eNB
	// directory (out of scope for this in-process adaptor).
	a.logger.Debug("s1ap: eNB configuration transfer received, no relay target resolvable in-process", zap.Uint32("target_cell", body.TargetECGI.CellID))
}

// --- outbound: core -> eNB ---

func (a *Adaptor) handleDownlinkNAS(msg itti.Message) {
	if body, ok := msg.Payload.(struct {
		UEID uint32
		Kind string
	}); ok {
		a.send(body.UEID, ProcDownlinkNASTransport, body)
		return
	}
	if body, ok := msg.Payload.(struct {
		UEID uint32
		Kind string
		EBI  uint8
	}); ok {
		a.send(body.UEID, ProcDownlinkNASTransport, body)
		return
	}
	if body, ok := msg.Payload.(struct {
		UEID  uint32
		Kind  string
		Cause string
	}); ok {
		a.send(body.UEID, ProcDownlinkNASTransport, body)
		return
	}
	a.logger.Warn("s1ap: unrecognized downlink NAS payload shape")
}

func (a *Adaptor) handleUEContextReleaseCommandMsg(msg itti.Message) {
	body, ok := msg.Payload.(mmeapp.UEContextReleaseCommand)
	if !ok {
		return
	}
	a.send(body.UEID, ProcUEContextReleaseCommand, body)
}

func (a *Adaptor) handleInitialContextSetupRequestMsg(msg itti.Message) {
	body, ok := msg.Payload.(mmeapp.InitialContextSetupRequest)
	if !ok {
		return
	}
	a.send(body.UEID, ProcInitialContextSetupRequest, body)
}

func (a *Adaptor) handleERABSetupRequestMsg(msg itti.Message) {
	body, ok := msg.Payload.(mmeapp.ERABSetupRequest)
	if !ok {
		return
	}
	a.send(body.UEID, ProcERABSetupRequest, body)
}

func (a *Adaptor) handleERABModifyRequestMsg(msg itti.Message) {
	body, ok := msg.Payload.(mmeapp.ERABModifyRequest)
	if !ok {
		return
	}
	a.send(body.UEID, ProcERABModifyRequest, body)
}

func (a *Adaptor) handleERABReleaseRequestMsg(msg itti.Message) {
	body, ok := msg.Payload.(mmeapp.ERABReleaseRequest)
	if !ok {
		return
	}
	a.send(body.UEID, ProcERABReleaseRequest, body)
}

func (a *Adaptor) handleHandoverRequestMsg(msg itti.Message) {
	body, ok := msg.Payload.(mmeapp.HandoverRequest)
	if !ok {
		return
	}
	a.send(body.UEID, ProcHandoverRequest, body)
}

func (a *Adaptor) handleHandoverCommandMsg(msg itti.Message) {
	body, ok := msg.Payload.(mmeapp.HandoverCommand)
	if !ok {
		return
	}
	a.send(body.UEID, ProcHandoverCommand, body)
}

func (a *Adaptor) handlePathSwitchRequestAckMsg(msg itti.Message) {
	body, ok := msg.Payload.(mmeapp.PathSwitchRequestAck)
	if !ok {
		return
	}
	a.send(body.UEID, ProcPathSwitchRequestAck, body)
}

func (a *Adaptor) handleMMEStatusTransferMsg(msg itti.Message) {
	body, ok := msg.Payload.(mmeapp.MMEStatusTransfer)
	if !ok {
		return
	}
	a.send(body.UEID, ProcMMEStatusTransfer, body)
}
