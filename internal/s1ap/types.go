// Package s1ap adapts the eNB-facing S1-MME interface onto the itti bus.
// The ASN.1 PER wire codec (3GPP TS 36.413) is out of scope per spec.md's
// Non-goals: Transport hands this package already-decoded PDUs as
// semantic Go values, and this package's only job is procedure-code
// dispatch, NAS-content classification, and routing to/from NAS-EMM,
// NAS-ESM and MME-App, generalizing the decode-then-route handler table
// nf/amf/internal/server/handlers.go builds over chi routes into an
// in-process map keyed by ProcedureCode.
package s1ap

import (
	"github.com/go-mme/core/internal/esm"
	"github.com/go-mme/core/internal/mmectx"
)

// ProcedureCode identifies an S1AP elementary procedure, TS 36.413 §9.3.8.
type ProcedureCode int

const (
	ProcInitialUEMessage ProcedureCode = iota
	ProcUplinkNASTransport
	ProcUEContextReleaseRequest
	ProcUEContextReleaseComplete
	ProcInitialContextSetupResponse
	ProcInitialContextSetupFailure
	ProcERABSetupResponse
	ProcERABModifyResponse
	ProcERABReleaseResponse
	ProcPathSwitchRequest
	ProcHandoverRequired
	ProcHandoverRequestAck
	ProcHandoverNotify
	ProcHandoverCancel
	ProcS1SetupRequest
	ProcENBConfigurationTransfer

	ProcDownlinkNASTransport
	ProcUEContextReleaseCommand
	ProcInitialContextSetupRequest
	ProcERABSetupRequest
	ProcERABModifyRequest
	ProcERABReleaseRequest
	ProcHandoverRequest
	ProcHandoverCommand
	ProcPathSwitchRequestAck
	ProcMMEStatusTransfer
	ProcS1SetupResponse
)

func (p ProcedureCode) String() string {
	switch p {
	case ProcInitialUEMessage:
		return "InitialUEMessage"
	case ProcUplinkNASTransport:
		return "UplinkNASTransport"
	case ProcUEContextReleaseRequest:
		return "UEContextReleaseRequest"
	case ProcUEContextReleaseComplete:
		return "UEContextReleaseComplete"
	case ProcInitialContextSetupResponse:
		return "InitialContextSetupResponse"
	case ProcInitialContextSetupFailure:
		return "InitialContextSetupFailure"
	case ProcERABSetupResponse:
		return "ERABSetupResponse"
	case ProcERABModifyResponse:
		return "ERABModifyResponse"
	case ProcERABReleaseResponse:
		return "ERABReleaseResponse"
	case ProcPathSwitchRequest:
		return "PathSwitchRequest"
	case ProcHandoverRequired:
		return "HandoverRequired"
	case ProcHandoverRequestAck:
		return "HandoverRequestAcknowledge"
	case ProcHandoverNotify:
		return "HandoverNotify"
	case ProcHandoverCancel:
		return "HandoverCancel"
	case ProcS1SetupRequest:
		return "S1SetupRequest"
	case ProcENBConfigurationTransfer:
		return "ENBConfigurationTransfer"
	case ProcDownlinkNASTransport:
		return "DownlinkNASTransport"
	case ProcUEContextReleaseCommand:
		return "UEContextReleaseCommand"
	case ProcInitialContextSetupRequest:
		return "InitialContextSetupRequest"
	case ProcERABSetupRequest:
		return "ERABSetupRequest"
	case ProcERABModifyRequest:
		return "ERABModifyRequest"
	case ProcERABReleaseRequest:
		return "ERABReleaseRequest"
	case ProcHandoverRequest:
		return "HandoverRequest"
	case ProcHandoverCommand:
		return "HandoverCommand"
	case ProcPathSwitchRequestAck:
		return "PathSwitchRequestAcknowledge"
	case ProcMMEStatusTransfer:
		return "MMEStatusTransfer"
	case ProcS1SetupResponse:
		return "S1SetupResponse"
	default:
		return "Unknown"
	}
}

// PDU is one S1AP message, already decoded into a Go value by the
// (out-of-scope) ASN.1 PER codec. ENBKey identifies the sending/receiving
// SCTP association and eNB-side UE id; Body is one of the per-procedure
// structs below.
type PDU struct {
	Procedure ProcedureCode
	ENBKey    mmectx.ENBKey
	Body      interface{}
}

// UplinkNAS is the semantic content of an Initial UE Message or Uplink
// NAS Transport PDU: the NAS wire format is out of scope, so Transport
// hands this package an already-classified message instead of raw bytes.
// Kind names the NAS message; only the fields it uses are populated.
type UplinkNAS struct {
	Kind string

	// EMM-procedure fields (Attach/TAU/Service Request, Identity/
	// Authentication/Security Mode/Detach responses).
	IMSI                   string
	GUTI                   *mmectx.GUTI
	IsEmergency            bool
	IMEIPresented          bool
	SecurityContextCarried bool
	ActiveFlag             bool

	// ESM-procedure fields (PDN connectivity/disconnect, bearer resource
	// command, and the per-bearer activate/modify/deactivate replies).
	EBI  uint8
	PTI  esm.PTI
	APN  string
	Type mmectx.PDNType
	PCO  []byte

	// ESMPayload carries an embedded ESM request piggybacked on this NAS
	// message (e.g. the PDN Connectivity Request riding inside Attach
	// Request): *esm.PDNConnectivityRequest or *esm.PDNDisconnectRequest.
	ESMPayload interface{}
}

// InitialUEMessage is the eNB's first contact for a UE with no existing
// S1 signaling connection.
type InitialUEMessage struct {
	MMEUES1APID uint32 // 0 unless the UE is already known (re-attach race)
	ServingTAI  mmectx.TAI
	ServingECGI mmectx.ECGI
	NAS         UplinkNAS
}

// UplinkNASTransport carries NAS content for a UE with an established S1
// signaling connection (MMEUES1APID already assigned).
type UplinkNASTransport struct {
	MMEUES1APID uint32
	NAS         UplinkNAS
}

// UEContextReleaseRequest is the eNB asking the MME to release a UE's S1
// signaling connection.
type UEContextReleaseRequest struct {
	MMEUES1APID uint32
	Cause       string
}

// UEContextReleaseComplete confirms the eNB tore a UE context down.
type UEContextReleaseComplete struct {
	MMEUES1APID uint32
}

// ERABResult reports one E-RAB's setup/modify/release outcome.
type ERABResult struct {
	EBI      uint8
	Accept   bool
	Cause    string
	ENBFTEID mmectx.FTEID
}

// InitialContextSetupResponse confirms the eNB admitted Initial Context
// Setup's E-RAB set (possibly partially).
type InitialContextSetupResponse struct {
	MMEUES1APID uint32
	ERABs       []ERABResult
}

// InitialContextSetupFailure reports the eNB could not admit the UE at
// all.
type InitialContextSetupFailure struct {
	MMEUES1APID uint32
	Cause       string
}

// ERABSetupResponse is the eNB's reply to a standalone E-RAB Setup
// Request.
type ERABSetupResponse struct {
	MMEUES1APID uint32
	ERABs       []ERABResult
}

// ERABModifyResponse is the eNB's reply to an E-RAB Modify Request.
type ERABModifyResponse struct {
	MMEUES1APID uint32
	ERABs       []ERABResult
}

// ERABReleaseResponse is the eNB's reply to an E-RAB Release Request.
type ERABReleaseResponse struct {
	MMEUES1APID uint32
	EBIs        []uint8
}

// ERABToRelocate is one bearer's target-side F-TEID carried on a Path
// Switch Request or Handover Request Acknowledge.
type ERABToRelocate struct {
	EBI      uint8
	QCI      uint8
	ARP      uint8
	ENBFTEID mmectx.FTEID
}

// PathSwitchRequest is the target eNB requesting an X2-based handover's
// S1 path relocation.
type PathSwitchRequest struct {
	MMEUES1APID uint32
	TargetECGI  mmectx.ECGI
	ERABs       []ERABToRelocate
}

// HandoverRequired is the source eNB requesting an S1-based handover.
type HandoverRequired struct {
	MMEUES1APID             uint32
	TargetECGI              mmectx.ECGI
	TargetMMEPeer           string // empty for intra-MME
	SourceToTargetContainer []byte
}

// HandoverRequestAck is the target eNB (or, relayed over S10, the target
// MME) admitting an S1-based handover.
type HandoverRequestAck struct {
	MMEUES1APID             uint32
	ERABs                   []ERABToRelocate
	TargetToSourceContainer []byte
}

// HandoverNotify is the target eNB confirming the UE arrived.
type HandoverNotify struct {
	MMEUES1APID uint32
}

// HandoverCancel is the source eNB aborting an in-progress handover.
type HandoverCancel struct {
	MMEUES1APID uint32
	Cause       string
}

// S1SetupRequest is an eNB announcing itself on a new SCTP association.
type S1SetupRequest struct {
	ENBName     string
	SupportedTAs []mmectx.TAI
}

// ENBConfigurationTransfer relays a SON configuration message between
// eNBs via the MME; the MME does not interpret its content.
type ENBConfigurationTransfer struct {
	TargetECGI mmectx.ECGI
	Container  []byte
}

// Transport abstracts the SCTP wire: production code backs it with an
// SCTP association per eNB (out of scope per spec.md's Non-goals, since
// nothing in the retrieved examples supplies an SCTP/S1AP stack); tests
// use InMemoryENB, which records downlink PDUs and delivers uplink PDUs
// by direct call, the same split internal/sgw draws
// between UDPTransport and InMemoryPeer.
type Transport interface {
	Send(enbKey mmectx.ENBKey, pdu PDU) error
}
