package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/quizdeck/accountsync/internal/usersync"
)

const multipartMemory = 8 << 20

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, correlationID string) {
	s.runCSV(w, r, correlationID, false)
}

func (s *Server) handleDeleteCSV(w http.ResponseWriter, r *http.Request, correlationID string) {
	s.runCSV(w, r, correlationID, true)
}

func (s *Server) runCSV(w http.ResponseWriter, r *http.Request, correlationID string, forceDelete bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "expected multipart form with a file field", correlationID)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "file field is required", correlationID)
		return
	}
	defer file.Close()

	deleteMode, err := parseOptionalBool(formValue(r, "deleteMode"), forceDelete)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "deleteMode: "+err.Error(), correlationID)
		return
	}
	dryRun, err := parseOptionalBool(formValue(r, "dryRun"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "dryRun: "+err.Error(), correlationID)
		return
	}
	if forceDelete {
		deleteMode = true
	}

	result, err := s.engine.ImportCSV(r.Context(), file, usersync.ImportOptions{DeleteMode: deleteMode, DryRun: dryRun})
	if err != nil {
		s.writeEngineError(w, err, correlationID, result)
		return
	}
	s.logger.Info("csv processed",
		zap.String("correlation_id", correlationID),
		zap.String("file", header.Filename),
		zap.Bool("delete_mode", deleteMode),
		zap.Bool("dry_run", dryRun),
		zap.Int("total", result.Total),
		zap.Int("created", result.Created),
		zap.Int("deleted", result.Deleted),
		zap.Int("failed", result.Failed),
	)
	writeJSON(w, http.StatusOK, result)
}

// formValue reads a multipart field, falling back to the query string.
func formValue(r *http.Request, name string) string {
	if value := r.FormValue(name); value != "" {
		return value
	}
	return r.URL.Query().Get(name)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, correlationID string) {
	format, err := usersync.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.writeEngineError(w, err, correlationID, nil)
		return
	}
	var buf bytes.Buffer
	count, err := s.engine.ExportCSV(r.Context(), &buf, format)
	if err != nil {
		s.writeEngineError(w, err, correlationID, nil)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", usersync.ExportFilename(s.now())))
	w.Header().Set("X-Account-Count", fmt.Sprint(count))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request, correlationID string) {
	report, err := s.engine.ListAccounts(r.Context())
	if err != nil {
		s.writeEngineError(w, err, correlationID, nil)
		return
	}
	writeJSON(w, http.StatusOK, accountListResponse{
		Success:       true,
		AccountReport: report,
		CorrelationID: correlationID,
	})
}

type accountListResponse struct {
	Success bool `json:"success"`
	usersync.AccountReport
	CorrelationID string `json:"correlationId"`
}

type deleteAllRequest struct {
	Confirm bool `json:"confirm"`
	DryRun  bool `json:"dryRun"`
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req deleteAllRequest
	if !s.decodeValidatedBody(w, r, correlationID, s.schemas.deleteAll, &req) {
		return
	}
	result, err := s.engine.DeleteAll(r.Context(), usersync.DeleteAllRequest{Confirm: req.Confirm, DryRun: req.DryRun})
	if err != nil {
		s.writeEngineError(w, err, correlationID, result)
		return
	}
	s.logger.Warn("delete-all finished",
		zap.String("correlation_id", correlationID),
		zap.Bool("dry_run", result.DryRun),
		zap.Int("deleted", result.Deleted),
		zap.Int("failed", result.Failed),
	)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTestExternalID(w http.ResponseWriter, r *http.Request, correlationID string) {
	recordID := strings.TrimSpace(r.URL.Query().Get("recordId"))
	report, err := s.engine.LookupExternalID(r.Context(), recordID)
	if err != nil {
		s.writeEngineError(w, err, correlationID, nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
