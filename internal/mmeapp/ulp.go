package mmeapp

import (
	"github.com/go-mme/core/internal/gtpv2"
	"github.com/go-mme/core/internal/itti"
)

// s11MessageIDs/s10MessageIDs map a gtpv2.MessageType to the itti
// MessageID an InitialReqInd for that type carries, so Run's dispatch
// loop can tell Create Session Request apart from Create Bearer
// Request without re-inspecting ev.Msg.Type. TriggeredRspInd and
// RspFailureInd never use this table: every response/failure is
// resolved through ev.Arg's procedure/handoverProc instead.
var s11MessageIDs = map[gtpv2.MessageType]itti.MessageID{
	gtpv2.CreateSessionRequest:          itti.S11CreateSessionRequest,
	gtpv2.ModifyBearerRequest:           itti.S11ModifyBearerRequest,
	gtpv2.DeleteSessionRequest:          itti.S11DeleteSessionRequest,
	gtpv2.ReleaseAccessBearersRequest:   itti.S11ReleaseAccessBearersRequest,
	gtpv2.CreateBearerRequest:           itti.S11CreateBearerRequest,
	gtpv2.UpdateBearerRequest:           itti.S11UpdateBearerRequest,
	gtpv2.DeleteBearerRequest:           itti.S11DeleteBearerRequest,
	gtpv2.DeleteBearerCommand:           itti.S11DeleteBearerCommand,
}

var s10MessageIDs = map[gtpv2.MessageType]itti.MessageID{
	gtpv2.ForwardRelocationRequest:             itti.S10ForwardRelocationRequest,
	gtpv2.ForwardRelocationCompleteNotification: itti.S10ForwardRelocationCompleteNotification,
}

// messageIDFor picks the itti.MessageID for ev given the endpoint's
// type table. Engine.Run never actually switches on the result (it
// dispatches GTPv2-C events by Source alone, via handleS11Event/
// handleS10Event), but the mapping stays here as the single place that
// documents which S11/S10 request types this implementation expects to
// receive as InitialReqInd.
func messageIDFor(table map[gtpv2.MessageType]itti.MessageID, ev gtpv2.Event) itti.MessageID {
	if ev.Kind == gtpv2.RspFailureInd {
		return itti.GTPv2ResponseFailureInd
	}
	if id, ok := table[ev.Msg.Type]; ok {
		return id
	}
	return itti.GTPv2ResponseFailureInd
}

// NewS11ULPCallback wires a gtpv2.Endpoint's ULP callback straight onto
// bus, tagged with Source TaskS11 so Engine.Run's dispatch loop routes
// every S11 transaction-layer event to handleS11Event regardless of its
// MessageID.
func NewS11ULPCallback(bus *itti.Bus) gtpv2.ULPCallback {
	return func(ev gtpv2.Event) {
		_ = bus.Send(itti.Message{
			Source:      itti.TaskS11,
			Destination: itti.TaskMMEApp,
			ID:          messageIDFor(s11MessageIDs, ev),
			Payload:     ev,
		})
	}
}

// NewS10ULPCallback is NewS11ULPCallback's S10 (inter-MME handover)
// counterpart.
func NewS10ULPCallback(bus *itti.Bus) gtpv2.ULPCallback {
	return func(ev gtpv2.Event) {
		_ = bus.Send(itti.Message{
			Source:      itti.TaskS10,
			Destination: itti.TaskMMEApp,
			ID:          messageIDFor(s10MessageIDs, ev),
			Payload:     ev,
		})
	}
}
