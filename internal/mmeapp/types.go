// Package mmeapp is the session-orchestration hub of spec.md §4.4 and
// §4.7: it resolves the SGW/neighbor-MME peer for a PDN over the eDNS
// table, builds and correlates GTPv2-C S11/S10 exchanges, emits the
// non-NAS S1AP procedures (context release, E-RAB, handover, path
// switch), and enforces the "at most one S11 procedure and one S1AP
// procedure per UE" admission rule. NAS-carrying S1AP messages (Initial
// UE Message, Uplink NAS Transport) go straight from internal/s1ap to
// NAS-EMM and never pass through here.
package mmeapp

import (
	"github.com/go-mme/core/internal/mmectx"
)

// s11ProcKind names the single in-flight S11 (or S10) GTPv2-C procedure a UE
// may have outstanding, spec.md §4.7's admission rule.
type s11ProcKind int

const (
	procSessionCreate s11ProcKind = iota
	procSessionDelete
	procBearerActivation
	procBearerModification
	procBearerDeactivation
	procReleaseAccessBearers
	procPathSwitch
	procS10HandoverOut
	procS10HandoverIn
	procS1HandoverOut
)

func (k s11ProcKind) String() string {
	switch k {
	case procSessionCreate:
		return "SESSION_CREATE"
	case procSessionDelete:
		return "SESSION_DELETE"
	case procBearerActivation:
		return "BEARER_ACTIVATION"
	case procBearerModification:
		return "BEARER_MODIFICATION"
	case procBearerDeactivation:
		return "BEARER_DEACTIVATION"
	case procReleaseAccessBearers:
		return "RELEASE_ACCESS_BEARERS"
	case procPathSwitch:
		return "PATH_SWITCH"
	case procS10HandoverOut:
		return "S10_HANDOVER_OUT"
	case procS10HandoverIn:
		return "S10_HANDOVER_IN"
	case procS1HandoverOut:
		return "S1_HANDOVER_OUT"
	default:
		return "UNKNOWN"
	}
}

// procedure is one in-flight S11/S10 GTPv2-C exchange mme_app is driving
// for a UE; ue.Session.S11Procedures holds these the same way
// internal/esm's Procedure lives on ESMProcedures.
type procedure struct {
	UE           *mmectx.UEContext // the owning UE; recovered from gtpv2.Event.Arg on RspFailureInd, which carries no TEID
	Kind         s11ProcKind
	PDNContextID int
	EBI          uint8
	TimerHandle  interface{}
	Data         interface{}
}

func procedures(ue *mmectx.UEContext) []*procedure {
	out := make([]*procedure, 0, len(ue.Session.S11Procedures))
	for _, p := range ue.Session.S11Procedures {
		if proc, ok := p.(*procedure); ok {
			out = append(out, proc)
		}
	}
	return out
}

func addProcedure(ue *mmectx.UEContext, p *procedure) { ue.Session.S11Procedures = append(ue.Session.S11Procedures, p) }

func removeProcedure(ue *mmectx.UEContext, p *procedure) {
	for i, existing := range ue.Session.S11Procedures {
		if ep, ok := existing.(*procedure); ok && ep == p {
			ue.Session.S11Procedures = append(ue.Session.S11Procedures[:i], ue.Session.S11Procedures[i+1:]...)
			return
		}
	}
}

func findByKind(ue *mmectx.UEContext, kind s11ProcKind) *procedure {
	for _, p := range procedures(ue) {
		if p.Kind == kind {
			return p
		}
	}
	return nil
}

// hasS11Procedure reports whether any GTPv2-C procedure is already
// in flight, the one-S11-procedure-per-UE admission rule of spec.md §4.7.
func hasS11Procedure(ue *mmectx.UEContext) bool { return len(procedures(ue)) > 0 }

// detachMarker tags a procSessionDelete procedure driven by EMM Detach
// (one Delete Session Request tearing down every PDN under the UE's S11
// control-plane TEID) as distinct from an ESM-driven, single-PDN
// disconnect, whose procedure.Data instead holds an esm.SessionDeleteRequest.
type detachMarker struct{}

// releaseAccessBearersMarker tags a procReleaseAccessBearers procedure with
// the S1AP release cause to echo back to the eNB once the SGW confirms.
type releaseAccessBearersMarker struct{ cause string }

// handoverProc tracks an S1AP/S10 handover attempt, kept on
// ue.HandoverProcedures so it coexists with, but is distinct from, the
// GTPv2-C procedure list.
type handoverProc struct {
	UE          *mmectx.UEContext
	Kind        s11ProcKind
	TargetMMEID string // peer net.Addr.String(), empty for intra-MME S1 handover
	TimerHandle interface{}
	Data        interface{}
}

func handoverProcs(ue *mmectx.UEContext) []*handoverProc {
	out := make([]*handoverProc, 0, len(ue.HandoverProcedures))
	for _, p := range ue.HandoverProcedures {
		if hp, ok := p.(*handoverProc); ok {
			out = append(out, hp)
		}
	}
	return out
}

func addHandoverProc(ue *mmectx.UEContext, p *handoverProc) {
	ue.HandoverProcedures = append(ue.HandoverProcedures, p)
}

func removeHandoverProc(ue *mmectx.UEContext, p *handoverProc) {
	for i, existing := range ue.HandoverProcedures {
		if hp, ok := existing.(*handoverProc); ok && hp == p {
			ue.HandoverProcedures = append(ue.HandoverProcedures[:i], ue.HandoverProcedures[i+1:]...)
			return
		}
	}
}

func hasHandoverProc(ue *mmectx.UEContext) bool { return len(handoverProcs(ue)) > 0 }

func findHandoverByKind(ue *mmectx.UEContext, kind s11ProcKind) *handoverProc {
	for _, p := range handoverProcs(ue) {
		if p.Kind == kind {
			return p
		}
	}
	return nil
}

// --- MME-App <-> S1AP payloads (internal/s1ap is the transport adaptor;
// these structs are the contract, the same way internal/esm/types.go
// defines the MME-App<->ESM contract) ---

// ERABToSetup describes one E-RAB the eNB must create or add, carried on
// both Initial Context Setup Request (the full bearer set of a freshly
// registered UE) and a standalone E-RAB Setup Request (a later dedicated
// bearer).
type ERABToSetup struct {
	EBI      uint8
	QCI      uint8
	ARP      uint8
	SGWFTEID mmectx.FTEID
	NASPDU   []byte
}

// InitialContextSetupRequest asks the eNB to establish the radio bearer
// set for a UE that just completed Attach or a service request, spec.md §4.7.
type InitialContextSetupRequest struct {
	UEID    uint32
	ERABs   []ERABToSetup
	UEAMBR  mmectx.AMBR
	NASPDU  []byte
}

// ERABSetupRequest asks the eNB to add one or more dedicated E-RABs
// outside of Initial Context Setup.
type ERABSetupRequest struct {
	UEID  uint32
	ERABs []ERABToSetup
}

// ERABModifyRequest asks the eNB to modify one or more E-RABs' QoS.
type ERABModifyRequest struct {
	UEID  uint32
	ERABs []ERABToSetup
}

// ERABReleaseRequest asks the eNB to release one or more E-RABs.
type ERABReleaseRequest struct {
	UEID uint32
	EBIs []uint8
}

// UEContextReleaseCommand tells the eNB to tear down the S1 signaling
// connection and release radio resources, spec.md §4.7.
type UEContextReleaseCommand struct {
	UEID  uint32
	Cause string
}

// PathSwitchRequestAck confirms an X2 handover's S1 path switch, carrying
// the freshly relocated SGW F-TEIDs (one per surviving bearer).
type PathSwitchRequestAck struct {
	UEID    uint32
	ERABs   []ERABToSetup
}

// HandoverRequest starts an S1-based handover to a target eNB, either
// intra-MME (source and target eNB share this MME) or, after a
// successful S10 Forward Relocation exchange, to a target eNB under a
// different MME.
type HandoverRequest struct {
	UEID        uint32
	TargetECGI  mmectx.ECGI
	ERABs       []ERABToSetup
	SourceToTargetContainer []byte
}

// HandoverCommand tells the source eNB to command the UE to the target.
type HandoverCommand struct {
	UEID                    uint32
	TargetToSourceContainer []byte
}

// MMEStatusTransfer forwards PDCP sequence-number status across a
// handover so the target eNB can resume in-sequence delivery.
type MMEStatusTransfer struct {
	UEID               uint32
	ENBStatusTransfer []byte
}

// --- S1AP -> MME-App payloads ---

// UEContextReleaseRequest is the eNB asking the MME to release a UE's S1
// signaling connection (radio link failure, O&M, NAS delivery failure).
type UEContextReleaseRequest struct {
	UEID  uint32
	Cause string
}

// UEContextReleaseComplete confirms the eNB tore the context down.
type UEContextReleaseComplete struct {
	UEID uint32
}

// InitialContextSetupResponse confirms the eNB admitted every E-RAB
// carried on an InitialContextSetupRequest.
type InitialContextSetupResponse struct {
	UEID  uint32
	ERABs []ERABOutcome
}

// InitialContextSetupFailure reports the eNB could not admit the UE's
// initial radio bearer set at all.
type InitialContextSetupFailure struct {
	UEID  uint32
	Cause string
}

// ERABOutcome reports one E-RAB's setup/modify/release result.
type ERABOutcome struct {
	EBI      uint8
	Accept   bool
	Cause    string
	ENBFTEID mmectx.FTEID
}

// ERABSetupResponse is the eNB's reply to an ERABSetupRequest or the
// E-RAB portion of an InitialContextSetupRequest.
type ERABSetupResponse struct {
	UEID  uint32
	ERABs []ERABOutcome
}

// ERABModifyResponse is the eNB's reply to an ERABModifyRequest.
type ERABModifyResponse struct {
	UEID  uint32
	ERABs []ERABOutcome
}

// ERABReleaseResponse is the eNB's reply to an ERABReleaseRequest.
type ERABReleaseResponse struct {
	UEID  uint32
	EBIs  []uint8
}

// PathSwitchRequest is the target eNB asking the MME to relocate the S1
// path after an X2-based handover.
type PathSwitchRequest struct {
	UEID       uint32
	TargetECGI mmectx.ECGI
	ERABs      []ERABToSetup // carries the target eNB's new F-TEIDs in ENBFTEID-equivalent form
}

// HandoverRequired is the source eNB requesting an S1-based handover,
// either intra-MME (TargetMMEPeer empty) or, when the target eNB belongs
// to a different MME pool member, inter-MME via S10.
type HandoverRequired struct {
	UEID                    uint32
	TargetECGI              mmectx.ECGI
	TargetMMEPeer           string // empty for intra-MME
	SourceToTargetContainer []byte
}

// HandoverRequestAck is the target eNB (intra-MME) or target MME's S1AP
// adaptor (inter-MME, relayed over S10) admitting the handover.
type HandoverRequestAck struct {
	UEID                    uint32
	ERABs                   []ERABToSetup
	TargetToSourceContainer []byte
}

// HandoverNotify is the target eNB confirming the UE arrived.
type HandoverNotify struct {
	UEID uint32
}

// HandoverCancel is the source eNB aborting an in-progress handover.
type HandoverCancel struct {
	UEID  uint32
	Cause string
}
