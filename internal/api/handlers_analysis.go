package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"tepmonitor/internal/store"
)

const defaultHistoryLimit = 50

func (s *Server) handleAnalysisHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, r, http.StatusBadRequest, CodeInvalidInput, "limit must be a positive integer", "")
			return
		}
		limit = parsed
	}
	records, err := s.store.List(limit, nil)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeStorageError, "failed to list analysis history", err.Error())
		return
	}
	writeData(w, r, http.StatusOK, records)
}

func (s *Server) handleAnalysisByDate(w http.ResponseWriter, r *http.Request) {
	date := mux.Vars(r)["date"]
	records, err := s.store.DownloadByDate(date)
	if err != nil {
		writeError(w, r, http.StatusNotFound, CodeNotFound, "no analysis records for that date", err.Error())
		return
	}
	writeData(w, r, http.StatusOK, records)
}

func (s *Server) handleAnalysisDownload(w http.ResponseWriter, r *http.Request) {
	format := mux.Vars(r)["format"]
	var f store.Format
	var contentType, filename string
	switch format {
	case "jsonl":
		f, contentType, filename = store.FormatJSONL, "application/x-ndjson", "analysis_history.jsonl"
	case "csv":
		f, contentType, filename = store.FormatCSV, "text/csv", "analysis_history.csv"
	default:
		writeError(w, r, http.StatusBadRequest, CodeInvalidInput, "format must be jsonl or csv", "")
		return
	}

	body, err := s.store.DownloadAll(f)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeStorageError, "failed to assemble download", err.Error())
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
