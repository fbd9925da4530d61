// Package esm implements the ESM transactional engine of spec.md §4.6:
// PTI-keyed (UE-triggered) and EBI-keyed (network-triggered) bearer
// procedures, their T3485/T3486/T3495 retry policies, and the
// pending_qos deferral rule for dedicated-bearer operations that race
// an in-flight default-bearer procedure on the same PDN.
package esm

import "github.com/go-mme/core/internal/mmectx"

// PTI is a Procedure Transaction Identity: chosen by the UE for
// UE-triggered ESM procedures (1..254), or PTINone for network-triggered
// ones, which are instead correlated by EBI.
type PTI uint8

// PTINone marks a network-triggered procedure, keyed by EBI instead.
const PTINone PTI = 0

// ProcedureKind discriminates the ESM procedure variants of spec.md §4.6.
type ProcedureKind int

const (
	ProcPDNConnectivity ProcedureKind = iota
	ProcPDNDisconnect
	ProcDedicatedBearerActivation
	ProcBearerModification
	ProcBearerDeactivation
)

func (k ProcedureKind) String() string {
	switch k {
	case ProcPDNConnectivity:
		return "PDN_CONNECTIVITY"
	case ProcPDNDisconnect:
		return "PDN_DISCONNECT"
	case ProcDedicatedBearerActivation:
		return "DEDICATED_BEARER_ACTIVATION"
	case ProcBearerModification:
		return "BEARER_MODIFICATION"
	case ProcBearerDeactivation:
		return "BEARER_DEACTIVATION"
	default:
		return "UNKNOWN"
	}
}

// Procedure is one ESM transaction: keyed by PTI for a UE-triggered
// request, or by EBI for a network-triggered one (PTI == PTINone).
type Procedure struct {
	PTI          PTI
	EBI          uint8
	PDNContextID int
	Kind         ProcedureKind

	RetryCount  int
	TimerHandle interface{} // internal/timer.Handle, opaque to avoid an import cycle

	Data interface{}
}

// procedures lists the UE's ESM procedures, filtering out anything that
// isn't an *esm.Procedure (mmectx.SessionPool stores ESMProcedures as
// []interface{} to avoid depending on this package).
func procedures(ue *mmectx.UEContext) []*Procedure {
	out := make([]*Procedure, 0, len(ue.Session.ESMProcedures))
	for _, p := range ue.Session.ESMProcedures {
		if proc, ok := p.(*Procedure); ok {
			out = append(out, proc)
		}
	}
	return out
}

func addProcedure(ue *mmectx.UEContext, p *Procedure) {
	ue.Session.ESMProcedures = append(ue.Session.ESMProcedures, p)
}

func removeProcedure(ue *mmectx.UEContext, p *Procedure) {
	for i, existing := range ue.Session.ESMProcedures {
		if ep, ok := existing.(*Procedure); ok && ep == p {
			ue.Session.ESMProcedures = append(ue.Session.ESMProcedures[:i], ue.Session.ESMProcedures[i+1:]...)
			return
		}
	}
}

func findByEBI(ue *mmectx.UEContext, ebi uint8) *Procedure {
	for _, p := range procedures(ue) {
		if p.EBI == ebi {
			return p
		}
	}
	return nil
}

func findByPDNContextID(ue *mmectx.UEContext, id int, kind ProcedureKind) *Procedure {
	for _, p := range procedures(ue) {
		if p.PDNContextID == id && p.Kind == kind {
			return p
		}
	}
	return nil
}

func findByKind(ue *mmectx.UEContext, kind ProcedureKind) *Procedure {
	for _, p := range procedures(ue) {
		if p.Kind == kind {
			return p
		}
	}
	return nil
}

func removeBearer(pdn *mmectx.PDNContext, ebi uint8) {
	for i, b := range pdn.Bearers {
		if b.EBI == ebi {
			pdn.Bearers = append(pdn.Bearers[:i], pdn.Bearers[i+1:]...)
			return
		}
	}
}

// PDNConnectivityRequest is the UE-supplied ESM request, forwarded
// verbatim by internal/emm either embedded in an Attach Request
// (AttachData.PDNConnectivityPayload) or carried by a stand-alone
// uplink NAS message.
type PDNConnectivityRequest struct {
	PTI  PTI
	APN  string
	Type mmectx.PDNType
	PCO  []byte

	// StandAlone is true when this request did not arrive embedded in an
	// Attach Request: the resulting Activate Default EPS Bearer Context
	// Request is sent (and retried under T3485) as its own NAS message,
	// rather than piggybacked on, and retried as part of, Attach Accept.
	StandAlone bool
}

// PDNDisconnectRequest is the UE-supplied ESM disconnect request.
type PDNDisconnectRequest struct {
	PTI          PTI
	PDNContextID int
	LinkedEBI    uint8
}

// SessionCreateRequest is sent to MME-App to establish the SGW-facing
// GTPv2-C session for a newly admitted PDN.
type SessionCreateRequest struct {
	UEID         uint32
	PDNContextID int
	APN          string
	Type         mmectx.PDNType
	DefaultEBI   uint8
}

// SessionCreateResult is MME-App's confirmation once the SGW has
// accepted the Create Session Request.
type SessionCreateResult struct {
	UEID         uint32
	PDNContextID int
	SGWFTEID     mmectx.FTEID
	UEIPv4       string
	UEIPv6       string
	APNAMBR      mmectx.AMBR
}

// SessionCreateFailure is MME-App's rejection of a SessionCreateRequest.
type SessionCreateFailure struct {
	UEID         uint32
	PDNContextID int
	Cause        string
}

// SessionDeleteRequest asks MME-App to tear down a PDN's GTPv2-C session.
type SessionDeleteRequest struct {
	UEID         uint32
	PDNContextID int
}

// SessionDeleteResult is MME-App's confirmation that the SGW accepted
// the Delete Session Request.
type SessionDeleteResult struct {
	UEID         uint32
	PDNContextID int
}

// BearerActivationRequest is MME-App forwarding a network-triggered
// Create Bearer Request from the SGW.
type BearerActivationRequest struct {
	UEID         uint32
	PDNContextID int
	LinkedEBI    uint8
	QCI          uint8
	ARP          uint8
	TFT          []byte
	SGWFTEID     mmectx.FTEID
}

// BearerModificationRequest is MME-App forwarding a network-triggered
// Update Bearer Request from the SGW. Zero fields mean "unchanged".
type BearerModificationRequest struct {
	UEID uint32
	EBI  uint8
	QCI  uint8
	ARP  uint8
	TFT  []byte
}

// BearerDeactivationRequest is MME-App forwarding a network-triggered
// Delete Bearer Request from the SGW.
type BearerDeactivationRequest struct {
	UEID uint32
	EBI  uint8
}

// BearerOutcome reports a bearer procedure's NAS-side result back to
// MME-App so it can build the matching S11 response.
type BearerOutcome struct {
	UEID   uint32
	EBI    uint8
	Accept bool
	Cause  string
}

// NASUplink is the payload of an itti.NASUplinkDataInd delivered to the
// ESM engine.
type NASUplink struct {
	UEID uint32
	Kind string
	EBI  uint8
	PTI  PTI
	APN  string
}
