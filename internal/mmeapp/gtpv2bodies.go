package mmeapp

import (
	"net"

	"github.com/go-mme/core/internal/gtpv2"
	"github.com/go-mme/core/internal/mmectx"
)

// bearerIE is one bearer-context information element, reused across
// every S11 message that carries bearer-level detail.
type bearerIE struct {
	EBI       uint8
	LinkedEBI uint8
	QCI       uint8
	ARP       uint8
	TFT       []byte
	SGWFTEIDU mmectx.FTEID
	ENBFTEIDU mmectx.FTEID
	Accept    bool
	Cause     string
}

// sessionBody is the semantic body of Create/Delete Session and Modify
// Bearer Request/Response: gtpv2.Message.Body carries one of these for
// every S11 session-level exchange mme_app drives.
type sessionBody struct {
	IMSI        string
	APN         string
	PDNType     mmectx.PDNType
	SenderFTEID mmectx.FTEID // the sending side's own control-plane F-TEID
	Bearer      bearerIE

	Accept   bool
	Cause    string
	PAA      string // allocated UE IPv4, empty if IPv6-only
	SGWFTEID mmectx.FTEID
	APNAMBR  mmectx.AMBR
}

// bearerOpBody is the semantic body of Create/Update/Delete Bearer
// Request/Response and Delete Bearer Command.
type bearerOpBody struct {
	LinkedEBI uint8 // Create Bearer only: the default bearer this dedicated bearer rides on
	Bearers   []bearerIE

	Accept bool
	Cause  string
}

// pendingBearerOp caches the SGW-initiated request mme_app must
// eventually answer once NAS-ESM confirms the bearer operation. Per this
// implementation's simplification, the S11 reply is sent as soon as
// NAS-ESM confirms; the corresponding S1AP E-RAB exchange with the eNB
// runs independently rather than gating the SGW's response (a real MME
// holds the S11 response until the eNB also confirms — recorded in
// DESIGN.md).
type pendingBearerOp struct {
	Peer    net.Addr
	Request gtpv2.Message
}

// pendingPathSwitch remembers the E-RAB list an X2-based Path Switch
// Request carried, so PathSwitchRequestAck can echo the relocated
// F-TEIDs back to the target eNB once the SGW confirms the Modify
// Bearer Request.
type pendingPathSwitch struct {
	ERABs []ERABToSetup
}

// relocationBody is the semantic body of S10 Forward Relocation
// Request/Response and Forward Relocation Complete Notification/Ack.
type relocationBody struct {
	IMSI      string
	Container []byte // source-to-target transparent container
	ERABs     []ERABToSetup

	Accept                  bool
	Cause                   string
	TargetToSourceContainer []byte
}
