package itti

// TaskID identifies one of the cooperating single-threaded tasks on the bus.
type TaskID int

const (
	TaskS1AP TaskID = iota
	TaskNASEMM
	TaskNASESM
	TaskMMEApp
	TaskS11
	TaskS10
	TaskS6A
	TaskTimer
	taskCount
)

func (t TaskID) String() string {
	switch t {
	case TaskS1AP:
		return "S1AP"
	case TaskNASEMM:
		return "NAS-EMM"
	case TaskNASESM:
		return "NAS-ESM"
	case TaskMMEApp:
		return "MME-APP"
	case TaskS11:
		return "S11"
	case TaskS10:
		return "S10"
	case TaskS6A:
		return "S6A"
	case TaskTimer:
		return "TIMER"
	default:
		return "UNKNOWN"
	}
}

// Priority is the message's priority class. Within a (source, destination)
// pair and within a priority class, delivery is FIFO; there is no ordering
// guarantee across priority classes or across different source/destination
// pairs.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// MessageID discriminates the payload union carried by a Message. Payloads
// are ordinary Go values reclaimed by the garbage collector; there is no
// per-id release step.
type MessageID int

const (
	// TerminateMessage requests cooperative task shutdown.
	TerminateMessage MessageID = iota
	TimerHasExpired

	// S1AP -> NAS-EMM / MME-APP
	S1APInitialUEMessage
	S1APUplinkNASTransport
	S1APUEContextReleaseRequest
	S1APUEContextReleaseComplete
	S1APInitialContextSetupResponse
	S1APInitialContextSetupFailure
	S1APERABSetupResponse
	S1APERABModifyResponse
	S1APERABReleaseResponse
	S1APPathSwitchRequest
	S1APHandoverRequired
	S1APHandoverRequestAck
	S1APHandoverNotify
	S1APHandoverCancel
	S1APS1SetupRequest
	S1APENBConfigurationTransfer

	// MME-APP / NAS-EMM -> S1AP
	S1APDownlinkNASTransport
	S1APUEContextReleaseCommand
	S1APInitialContextSetupRequest
	S1APERABSetupRequest
	S1APERABModifyRequest
	S1APERABReleaseRequest
	S1APHandoverRequest
	S1APHandoverCommand
	S1APPathSwitchRequestAck
	S1APMMEStatusTransfer

	// NAS <-> EMM/ESM internal
	NASUplinkDataInd
	NASDownlinkDataReq
	NASDownlinkDataCnf
	NASDownlinkDataRej

	// EMM <-> MME-APP
	EMMRegistrationCnf
	EMMAttachCompleteCnf
	EMMDetachCnf
	NASESMPDNConnectivityReq
	NASESMPDNConnectivityCnf
	NASESMPDNConnectivityRej
	NASESMPDNDisconnectReq
	NASESMPDNDisconnectCnf
	// NASESMDefaultBearerActivatedInd is sent by NAS-EMM once an Attach
	// Complete arrives, since the Activate Default EPS Bearer Context
	// Accept it carries is embedded rather than delivered as a separate
	// uplink NAS message.
	NASESMDefaultBearerActivatedInd

	// NAS-ESM <-> MME-APP: ESM delegates SGW-facing GTPv2 session/bearer
	// work to MME-App (which owns eDNS resolution and the S11 transport)
	// and is in turn notified of network-triggered bearer procedures.
	ESMSessionCreateReq
	ESMSessionCreateCnf
	ESMSessionCreateRej
	ESMSessionDeleteReq
	ESMSessionDeleteCnf
	ESMBearerActivationInd
	ESMBearerActivationCnf
	ESMBearerModificationInd
	ESMBearerModificationCnf
	ESMBearerDeactivationInd
	ESMBearerDeactivationCnf
	ESMBearerResourceCommandReq

	// MME-APP <-> S11
	S11CreateSessionRequest
	S11CreateSessionResponse
	S11ModifyBearerRequest
	S11ModifyBearerResponse
	S11DeleteSessionRequest
	S11DeleteSessionResponse
	S11ReleaseAccessBearersRequest
	S11ReleaseAccessBearersResponse
	S11CreateBearerRequest
	S11CreateBearerResponse
	S11UpdateBearerRequest
	S11UpdateBearerResponse
	S11DeleteBearerRequest
	S11DeleteBearerResponse
	S11DeleteBearerCommand
	S11BearerResourceCommand
	S11DownlinkDataNotification
	S11DownlinkDataNotificationAck
	S11DeleteBearerFailureIndication
	GTPv2ResponseFailureInd

	// MME-APP <-> S10
	S10ForwardRelocationRequest
	S10ForwardRelocationResponse
	S10ForwardAccessContextNotification
	S10ForwardAccessContextAck
	S10ContextRequest
	S10ContextResponse
	S10ContextAck
	S10ForwardRelocationCompleteNotification
	S10ForwardRelocationCompleteAck
	S10RelocationCancelRequest
	S10RelocationCancelResponse

	// MME-APP <-> S6A
	S6AUpdateLocationRequest
	S6AUpdateLocationAnswer
	S6AAuthInfoRequest
	S6AAuthInfoAnswer
	S6ACancelLocationRequest
	S6AResetRequest
	S6ANotifyAnswer
)

// Message is the envelope exchanged on the bus. The sender transfers
// ownership of any heap-resident payload fields; the receiver is
// responsible for releasing them (trivial in Go, since the payload is
// garbage collected once the last reference is dropped — there is no
// itti_free_msg_content step required, but Payload's concrete type still
// documents what the message variant "owns").
type Message struct {
	Source      TaskID
	Destination TaskID
	Instance    uint32
	ID          MessageID
	Priority    Priority
	Payload     interface{}
}
