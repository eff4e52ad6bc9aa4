package api

import (
	"encoding/json"
	"net/http"

	"tepmonitor/internal/driver"
	"tepmonitor/pkg/tep"
)

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.respondLifecycle(w, r, s.drv.Start())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.respondLifecycle(w, r, s.drv.Pause())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.respondLifecycle(w, r, s.drv.Resume())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.respondLifecycle(w, r, s.drv.Stop())
}

func (s *Server) respondLifecycle(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		if err == driver.ErrInvalidTransition {
			writeError(w, r, http.StatusConflict, CodeInvalidTransition, err.Error(), "")
			return
		}
		writeError(w, r, http.StatusInternalServerError, CodeInternal, err.Error(), "")
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"state": string(s.drv.Status().State)})
}

type speedRequest struct {
	Preset tep.SpeedPreset `json:"preset"`
}

func (s *Server) handleSetSpeed(w http.ResponseWriter, r *http.Request) {
	var req speedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.ctrl.SetSpeed(req.Preset); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidInput, err.Error(), "")
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"preset": string(req.Preset)})
}

type idvRequest struct {
	Index     int     `json:"index"`
	Magnitude float64 `json:"magnitude"`
}

func (s *Server) handleSetIDV(w http.ResponseWriter, r *http.Request) {
	var req idvRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.ctrl.SetIDV(req.Index, req.Magnitude, s.maxIDVMagnitude); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidInput, err.Error(), "")
		return
	}
	writeData(w, r, http.StatusOK, map[string]interface{}{"index": req.Index, "magnitude": req.Magnitude})
}

type xmvRequest struct {
	Index int      `json:"index"`
	Value *float64 `json:"value"`
}

func (s *Server) handleSetXMV(w http.ResponseWriter, r *http.Request) {
	var req xmvRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.ctrl.SetXMV(req.Index, req.Value); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidInput, err.Error(), "")
		return
	}
	writeData(w, r, http.StatusOK, map[string]interface{}{"index": req.Index, "value": req.Value})
}

func (s *Server) handleStopAllFaults(w http.ResponseWriter, r *http.Request) {
	s.ctrl.StopAllFaults()
	writeData(w, r, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.drv.Status()
	resp := map[string]interface{}{
		"state":                st.State,
		"step":                 st.Step,
		"last_t2":              st.LastT2,
		"last_anomaly":         st.LastAnomaly,
		"subscriber_count":     st.SubscriberCount,
		"dispatch_queue_depth": st.DispatchQueueDepth,
		"missed_deadlines":     st.MissedDeadlines,
		"control":              s.ctrl.Current(),
	}
	if !st.LastAnomalyChange.IsZero() {
		resp["last_anomaly_change"] = st.LastAnomalyChange
	}
	if !st.LastAnalysisAt.IsZero() {
		resp["last_analysis_at"] = st.LastAnalysisAt
	}
	if ev := s.det.ActiveEvent(); ev != nil {
		resp["active_event"] = ev
	}
	writeData(w, r, http.StatusOK, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidInput, "request body required", "")
		return false
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidInput, "invalid request body", err.Error())
		return false
	}
	return true
}
