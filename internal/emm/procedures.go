package emm

import "github.com/go-mme/core/internal/mmectx"

// AttachData is the Procedure.Data payload for a ProcAttach procedure.
type AttachData struct {
	IMSI                   string
	GUTI                   *mmectx.GUTI
	IsEmergency            bool
	IMEIPresented          bool // UE included a Mobile Identity IE carrying IMEI/IMEISV
	SecurityContextCarried bool
	PDNConnectivityPayload interface{} // opaque, forwarded to internal/esm verbatim

	RetransmittedAcceptOnce bool
}

// DetachData is the Procedure.Data payload for a ProcDetach procedure.
type DetachData struct {
	NetworkInitiated bool
	SwitchOff        bool
}

// TAUData is the Procedure.Data payload for a ProcTAU procedure.
type TAUData struct {
	GUTI                  *mmectx.GUTI
	SecurityContextCarried bool
	ActiveFlag            bool
}

// ServiceRequestData is the Procedure.Data payload for ProcServiceRequest.
type ServiceRequestData struct {
	GUTI *mmectx.GUTI
}

// IdentificationData is the Procedure.Data payload for ProcIdentification.
type IdentificationData struct {
	RequestedIDType string // "IMSI" | "IMEI"
}

// AuthenticationData is the Procedure.Data payload for ProcAuthentication.
type AuthenticationData struct {
	RAND, AUTN, XRES, KASME []byte
	KSI        uint8
	SyncFailureCount int
}

// SMCData is the Procedure.Data payload for ProcSMC.
type SMCData struct {
	SelectedEEA, SelectedEIA string
	ReplayedUENetworkCapability []byte
}

// GUTIReallocationData is the Procedure.Data payload for ProcGUTIReallocation.
type GUTIReallocationData struct {
	NewGUTI mmectx.GUTI
}
