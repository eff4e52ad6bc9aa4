package api

import (
	"net/http"

	"tepmonitor/internal/detector"
)

// handleBaselineReload re-reads and validates the baseline artifact at the
// configured path, atomically swapping it into the Detector only if it
// validates — a bad reload never disturbs the currently active model.
func (s *Server) handleBaselineReload(w http.ResponseWriter, r *http.Request) {
	if s.baselinePath == "" {
		writeError(w, r, http.StatusBadRequest, CodeBaselineInvalid, "no baseline path configured", "")
		return
	}
	model, err := detector.LoadBaseline(s.baselinePath)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, CodeBaselineInvalid, "baseline failed validation", err.Error())
		return
	}
	s.det.SwapBaseline(model)
	s.buf.Flush()
	writeData(w, r, http.StatusOK, map[string]interface{}{
		"feature_count":   model.F(),
		"component_count": model.P(),
		"threshold_t2":    model.ThresholdT2,
	})
}
