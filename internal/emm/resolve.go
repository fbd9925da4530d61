package emm

import "github.com/go-mme/core/internal/mmectx"

// ContextResolution is the outcome of resolving a new Attach Request
// against whatever EMM context already exists for the resolved UE,
// spec.md §4.5 step 2.
type ContextResolution int

const (
	// ResolutionFresh: no usable existing context; proceed as a new attach.
	ResolutionFresh ContextResolution = iota
	// ResolutionRetransmitAccept: an identical Attach Accept was already
	// sent; retransmit it and restart T3450 without incrementing the
	// retry counter, discarding the new request.
	ResolutionRetransmitAccept
	// ResolutionAbortAndReplace: a REGISTERED/pending context exists with
	// differing IEs; abort the previous attach and implicitly detach the
	// old context, then continue the new request.
	ResolutionAbortAndReplace
	// ResolutionAbortSMC: a Security Mode Control common procedure is
	// running; abort it (COMMON_PROC_ABORT) and continue.
	ResolutionAbortSMC
	// ResolutionAbortAuthenticationStandalone: a stand-alone
	// Authentication procedure is running; abort it alone.
	ResolutionAbortAuthenticationStandalone
	// ResolutionAbortAuthenticationNested: a nested Authentication
	// procedure is running under a specific procedure; abort both together.
	ResolutionAbortAuthenticationNested
)

// attachIEsMatch reports whether a newly received Attach Request carries
// the same essential identity/security IEs as the one that produced the
// already-sent Attach Accept, per spec.md §4.5's "matching IEs" test.
func attachIEsMatch(existing, incoming *AttachData) bool {
	if existing == nil || incoming == nil {
		return false
	}
	if existing.IMSI != incoming.IMSI {
		return false
	}
	if existing.IsEmergency != incoming.IsEmergency {
		return false
	}
	if (existing.GUTI == nil) != (incoming.GUTI == nil) {
		return false
	}
	if existing.GUTI != nil && *existing.GUTI != *incoming.GUTI {
		return false
	}
	return true
}

// resolveExistingContext implements the decision table of spec.md §4.5
// step 2 for resolving an Attach Request collision against an existing
// EMM context found for the same UE (by mme_ue_s1ap_id, then GUTI, then
// IMSI, as already performed by the caller before invoking this).
func resolveExistingContext(existing *mmectx.EMMContext, incoming *AttachData) ContextResolution {
	if existing == nil {
		return ResolutionFresh
	}

	procs := existing.Procedures
	specific := procs.Specific

	if existing.State == mmectx.EMMRegistered && specific == nil {
		// No attach in flight: the caller will still decide whether a
		// fresh attach is warranted (e.g. after implicit detach timeout).
		return ResolutionFresh
	}

	if specific != nil && specific.Kind == mmectx.ProcAttach {
		prev, ok := specific.Data.(*AttachData)
		if ok && prev.RetransmittedAcceptOnce == false && attachIEsMatch(prev, incoming) && prev.PDNConnectivityPayload == nil {
			return ResolutionRetransmitAccept
		}

		for _, child := range specific.Children {
			switch child.Kind {
			case mmectx.ProcSMC:
				return ResolutionAbortSMC
			case mmectx.ProcAuthentication:
				return ResolutionAbortAuthenticationNested
			}
		}

		if !attachIEsMatch(prev, incoming) {
			return ResolutionAbortAndReplace
		}
	}

	for _, common := range procs.Common {
		if common.Kind == mmectx.ProcAuthentication {
			return ResolutionAbortAuthenticationStandalone
		}
	}

	return ResolutionFresh
}
