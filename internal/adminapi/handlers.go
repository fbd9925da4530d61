package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/go-mme/core/common/metrics"
	"github.com/go-mme/core/internal/mmectx"
)

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleStatus reports aggregate UE counts and refreshes the registered/
// connected UE gauges internal/mmeapp deliberately leaves unset, since
// internal/mmectx.Store has no iteration API beyond Snapshot/Len for it
// to drive those gauges from without this endpoint's own sweep.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ues := s.store.Snapshot()
	registered, connected := 0, 0
	for _, ue := range ues {
		ue.RLock()
		if ue.EMM.State == mmectx.EMMRegistered {
			registered++
		}
		if ue.ECMState == mmectx.ECMConnected {
			connected++
		}
		ue.RUnlock()
	}
	metrics.SetRegisteredUEs(registered)
	metrics.SetConnectedUEs(connected)

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"ue_contexts": len(ues),
		"registered":  registered,
		"connected":   connected,
	})
}

// ueSummary is the list-view projection of a UE context: enough to spot
// a stuck or misbehaving UE without exposing security material.
type ueSummary struct {
	MMEUES1APID uint32 `json:"mme_ue_s1ap_id"`
	IMSI        string `json:"imsi,omitempty"`
	EMMState    string `json:"emm_state"`
	ECMState    string `json:"ecm_state"`
	PDNCount    int    `json:"pdn_count"`
}

func ecmStateString(s mmectx.ECMState) string {
	if s == mmectx.ECMConnected {
		return "CONNECTED"
	}
	return "IDLE"
}

func summarize(ue *mmectx.UEContext) ueSummary {
	ue.RLock()
	defer ue.RUnlock()
	return ueSummary{
		MMEUES1APID: ue.MMEUES1APID,
		IMSI:        ue.IMSI,
		EMMState:    ue.EMM.State.String(),
		ECMState:    ecmStateString(ue.ECMState),
		PDNCount:    len(ue.Session.PDNs),
	}
}

func (s *Server) handleUEList(w http.ResponseWriter, r *http.Request) {
	ues := s.store.Snapshot()
	out := make([]ueSummary, 0, len(ues))
	for _, ue := range ues {
		out = append(out, summarize(ue))
	}
	s.respondJSON(w, http.StatusOK, out)
}

// ueDetail is the single-UE-view projection: the summary plus its
// per-PDN/per-bearer state.
type ueDetail struct {
	ueSummary
	ServingTAI  mmectx.TAI    `json:"serving_tai"`
	ServingECGI mmectx.ECGI   `json:"serving_ecgi"`
	PDNs        []pdnDetail   `json:"pdns"`
}

type pdnDetail struct {
	ContextID int            `json:"context_id"`
	APN       string         `json:"apn"`
	Type      mmectx.PDNType `json:"type"`
	Bearers   []bearerDetail `json:"bearers"`
}

type bearerDetail struct {
	EBI   uint8  `json:"ebi"`
	QCI   uint8  `json:"qci"`
	State string `json:"state"`
}

func bearerStateString(s mmectx.EBRState) string {
	switch s {
	case mmectx.EBRActive:
		return "ACTIVE"
	case mmectx.EBRInactivePending:
		return "INACTIVE_PENDING"
	case mmectx.EBRModifyPending:
		return "MODIFY_PENDING"
	case mmectx.EBRActivePending:
		return "ACTIVE_PENDING"
	default:
		return "INACTIVE"
	}
}

func (s *Server) handleUEGet(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "mmeUeS1apId")
	id, err := strconv.ParseUint(idParam, 10, 32)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid mme_ue_s1ap_id", err)
		return
	}

	ue, ok := s.store.GetByMMEUES1APID(uint32(id))
	if !ok {
		http.NotFound(w, r)
		return
	}

	ue.RLock()
	defer ue.RUnlock()

	pdns := make([]pdnDetail, 0, len(ue.Session.PDNs))
	for _, pdn := range ue.Session.PDNs {
		bearers := make([]bearerDetail, 0, len(pdn.Bearers))
		for _, b := range pdn.Bearers {
			bearers = append(bearers, bearerDetail{EBI: b.EBI, QCI: b.QCI, State: bearerStateString(b.State)})
		}
		pdns = append(pdns, pdnDetail{ContextID: pdn.ContextID, APN: pdn.APN, Type: pdn.Type, Bearers: bearers})
	}

	s.respondJSON(w, http.StatusOK, ueDetail{
		ueSummary: ueSummary{
			MMEUES1APID: ue.MMEUES1APID,
			IMSI:        ue.IMSI,
			EMMState:    ue.EMM.State.String(),
			ECMState:    ecmStateString(ue.ECMState),
			PDNCount:    len(ue.Session.PDNs),
		},
		ServingTAI:  ue.ServingTAI,
		ServingECGI: ue.ServingECGI,
		PDNs:        pdns,
	})
}
