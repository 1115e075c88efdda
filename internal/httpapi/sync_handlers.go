package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/quizdeck/accountsync/internal/kintone"
	"github.com/quizdeck/accountsync/internal/usersync"
)

type syncRequest struct {
	BatchSize           int    `json:"batchSize"`
	Offset              *int   `json:"offset"`
	Cursor              string `json:"cursor"`
	EmailFieldCode      string `json:"emailFieldCode"`
	Query               string `json:"query"`
	SingleUser          string `json:"singleUser"`
	ProcessAll          bool   `json:"processAll"`
	MaxBatches          int    `json:"maxBatches"`
	DeleteOrphanedUsers bool   `json:"deleteOrphanedUsers"`
	DryRun              bool   `json:"dryRun"`
	Resume              bool   `json:"resume"`
}

type syncResponse struct {
	usersync.RunResult
	Duration      string                 `json:"duration"`
	DeletedUsers  []string               `json:"deletedUsers,omitempty"`
	DeletedCount  int                    `json:"deletedCount"`
	Orphans       int                    `json:"orphans,omitempty"`
	DeleteErrors  []usersync.RecordError `json:"deleteErrors,omitempty"`
	CorrelationID string                 `json:"correlationId"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req syncRequest
	if !s.decodeValidatedBody(w, r, correlationID, s.schemas.sync, &req) {
		return
	}
	ctx := r.Context()

	if email := strings.TrimSpace(req.SingleUser); email != "" {
		result, err := s.engine.SyncOne(ctx, email)
		resp := newSyncResponse(result, correlationID)
		if err != nil {
			s.writeEngineError(w, err, correlationID, resp)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	cursor, err := s.resolveCursor(r, req)
	if err != nil {
		s.writeEngineError(w, err, correlationID, nil)
		return
	}
	batch := usersync.BatchRequest{
		Cursor:     cursor,
		PageSize:   req.BatchSize,
		Query:      req.Query,
		EmailField: req.EmailFieldCode,
	}
	var result usersync.RunResult
	if req.ProcessAll {
		result, err = s.engine.RunAll(ctx, usersync.AllRequest{BatchRequest: batch, MaxBatches: req.MaxBatches})
	} else {
		result, err = s.engine.RunBatch(ctx, batch)
	}
	resp := newSyncResponse(result, correlationID)
	if err != nil {
		s.writeEngineError(w, err, correlationID, resp)
		return
	}

	if req.DeleteOrphanedUsers {
		orphans, err := s.engine.DeleteOrphans(ctx, usersync.OrphanRequest{
			Query:      req.Query,
			EmailField: req.EmailFieldCode,
			DryRun:     req.DryRun,
		})
		resp.DeletedUsers = orphans.Deleted
		resp.DeletedCount = len(orphans.Deleted)
		resp.Orphans = len(orphans.Orphans)
		resp.DeleteErrors = orphans.Errors
		resp.Deleted = len(orphans.Deleted)
		if err != nil {
			s.writeEngineError(w, err, correlationID, resp)
			return
		}
	}
	s.logger.Info("sync request finished",
		zap.String("correlation_id", correlationID),
		zap.Bool("process_all", req.ProcessAll),
		zap.Int("created", resp.Created),
		zap.Int("updated", resp.Updated),
		zap.Bool("has_more", resp.HasMore),
		zap.String("cursor", resp.NextCursor),
	)
	writeJSON(w, http.StatusOK, resp)
}

// resolveCursor prefers an explicit cursor, then offset, then the stored
// checkpoint when resume is set.
func (s *Server) resolveCursor(r *http.Request, req syncRequest) (usersync.Cursor, error) {
	switch {
	case strings.TrimSpace(req.Cursor) != "":
		return usersync.ParseCursor(req.Cursor)
	case req.Offset != nil:
		return usersync.OffsetCursor(*req.Offset), nil
	case req.Resume:
		return s.engine.LastCursor(r.Context(), req.Query, req.EmailFieldCode), nil
	default:
		return usersync.Cursor{}, nil
	}
}

func newSyncResponse(result usersync.RunResult, correlationID string) syncResponse {
	if result.Errors == nil {
		result.Errors = []usersync.RecordError{}
	}
	return syncResponse{
		RunResult:     result,
		Duration:      result.Duration.String(),
		CorrelationID: correlationID,
	}
}

func (s *Server) handleSyncInfo(w http.ResponseWriter, r *http.Request, correlationID string) {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("test"))) {
	case "":
	case "kintone", "external":
		report := s.engine.ProbeSource(r.Context())
		status := http.StatusOK
		if !report.Success {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, report)
		return
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "test must be kintone or external", correlationID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"lastCursor": s.engine.LastCursor(r.Context(), "", "").String(),
		"emailField": s.engine.EmailField(),
		"endpoints": map[string]string{
			"POST /sync":                  "run one batch, or every batch with processAll",
			"GET /sync?test=kintone":      "probe the record source",
			"GET /sync/events":            "websocket progress feed",
			"POST /webhooks/kintone":      "sync the single record named by a kintone webhook",
			"POST /users/import":          "import accounts from CSV",
			"POST /users/delete":          "delete accounts listed in CSV",
			"GET /users/export":           "export accounts as CSV",
			"GET /users/list":             "account report",
			"POST /users/delete-all":      "delete every account",
			"GET /users/test-external-id": "diagnose an external id",
		},
		"correlationId": correlationID,
	})
}

type webhookRequest struct {
	Type   string         `json:"type"`
	Record kintone.Record `json:"record"`
}

func (s *Server) handleKintoneWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationIDFrom(r.Context())
	if strings.TrimSpace(s.cfg.WebhookSecret) == "" {
		writeError(w, http.StatusServiceUnavailable, "configuration_error", "webhook secret is not configured", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := s.now().UTC()
	timestamp := r.Header.Get("X-Accountsync-Timestamp")
	signature := r.Header.Get("X-Accountsync-Signature")
	if authErr := verifyWebhookHMAC(s.cfg.WebhookSecret, timestamp, signature, body, now, s.cfg.WebhookMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markWebhookSeen(timestamp, signature, now) {
		writeError(w, http.StatusConflict, "replay_detected", "webhook delivery already processed", correlationID)
		return
	}
	if err := validateBody(s.schemas.webhook, body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body failed validation: "+err.Error(), correlationID)
		return
	}
	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}

	if req.Type == "DELETE_RECORD" {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":       true,
			"message":       "record deletions are handled by the orphan pass",
			"correlationId": correlationID,
		})
		return
	}
	record := kintone.Extract(req.Record, s.engine.EmailField(), "", "")
	if record.Email == "" {
		s.writeEngineError(w, &usersync.ValidationError{Field: s.engine.EmailField(), Reason: "webhook record has no email"}, correlationID, nil)
		return
	}
	result, err := s.engine.SyncOne(r.Context(), record.Email)
	resp := newSyncResponse(result, correlationID)
	if err != nil {
		s.writeEngineError(w, err, correlationID, resp)
		return
	}
	s.logger.Info("webhook sync finished",
		zap.String("correlation_id", correlationID),
		zap.String("type", req.Type),
		zap.String("external_id", record.ExternalID),
		zap.Int("created", resp.Created),
		zap.Int("updated", resp.Updated),
	)
	writeJSON(w, http.StatusOK, resp)
}
