package usersync

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

var externalIDColumns = []string{"kintone_record_id", "kintone_recordid", "record_id"}

const detailLimit = 10

type ImportOptions struct {
	DeleteMode bool
	DryRun     bool
}

type RowRef struct {
	Line       int    `json:"line"`
	Email      string `json:"email,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type ImportDetails struct {
	Processed      int      `json:"processed"`
	ExistingEmails []RowRef `json:"existingEmails"`
	InvalidRows    []RowRef `json:"invalidRows"`
	SkippedRows    []RowRef `json:"skippedRows"`
	Candidates     []RowRef `json:"candidates,omitempty"`
}

type ImportResult struct {
	Success    bool               `json:"success"`
	DeleteMode bool               `json:"deleteMode"`
	DryRun     bool               `json:"dryRun,omitempty"`
	Total      int                `json:"total"`
	Created    int                `json:"created"`
	Updated    int                `json:"updated"`
	Deleted    int                `json:"deleted"`
	Skipped    int                `json:"skipped"`
	Failed     int                `json:"failed"`
	Conflicts  []IdentityConflict `json:"conflicts,omitempty"`
	Errors     []RecordError      `json:"errors"`
	Details    ImportDetails      `json:"details"`
	Duration   time.Duration      `json:"-"`
}

type csvRow struct {
	line       int
	email      string
	externalID string
}

// ImportCSV reads an email[,external id] file and reconciles each row with
// the store. In delete mode a row deletes the account only when both keys
// resolve to it.
func (e *Engine) ImportCSV(ctx context.Context, r io.Reader, opts ImportOptions) (ImportResult, error) {
	start := e.opts.Now()
	result := ImportResult{
		DeleteMode: opts.DeleteMode,
		DryRun:     opts.DryRun,
		Errors:     []RecordError{},
		Details: ImportDetails{
			ExistingEmails: []RowRef{},
			InvalidRows:    []RowRef{},
			SkippedRows:    []RowRef{},
		},
	}
	rows, hasExternalID, err := parseAccountCSV(r)
	if err != nil {
		return result, err
	}
	if opts.DeleteMode && !hasExternalID {
		return result, &ValidationError{Field: "file", Reason: `a "kintone_record_id" column is required for deletion`}
	}
	result.Total = len(rows)

	mode := "import"
	if opts.DeleteMode {
		mode = "delete"
	}
	token, err := e.acquireLease(ctx, e.opts.LeaseWait)
	if err != nil {
		e.recordRun(mode, outcomeLabel(err), e.opts.Now().Sub(start))
		return result, err
	}
	defer e.releaseLease(token)

	index, err := e.BuildIndex(ctx)
	if err != nil {
		e.recordRun(mode, outcomeLabel(err), e.opts.Now().Sub(start))
		return result, err
	}
	if opts.DeleteMode {
		e.deleteRows(ctx, rows, index, opts.DryRun, &result)
	} else {
		e.importRows(ctx, rows, index, &result)
	}
	result.Success = true
	result.Duration = e.opts.Now().Sub(start)
	e.recordRun(mode, "success", result.Duration)
	e.logger.Info("csv processed",
		zap.String("mode", mode),
		zap.Int("rows", result.Total),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("deleted", result.Deleted),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func (e *Engine) importRows(ctx context.Context, rows []csvRow, index *AccountIndex, result *ImportResult) {
	items := make([]workItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, workItem{
			record: ExternalRecord{ExternalID: row.externalID, Email: row.email},
			line:   row.line,
		})
	}
	summary := e.apply(ctx, items, index)
	run := summary.runResult()
	result.Created = run.Created
	result.Updated = run.Updated
	result.Skipped = run.Skipped
	result.Failed = run.Failed
	result.Conflicts = run.Conflicts
	result.Errors = append(result.Errors, run.Errors...)
	for _, out := range summary.outcomes {
		ref := RowRef{Line: out.item.line, Email: out.item.record.Email, ExternalID: out.item.record.ExternalID, Reason: out.reason}
		switch {
		case out.action == ActionSkipInvalid:
			appendLimited(&result.Details.InvalidRows, ref)
		case out.status == statusSkipped:
			appendLimited(&result.Details.ExistingEmails, ref)
		}
		if out.action != ActionSkipInvalid {
			result.Details.Processed++
		}
	}
}

func (e *Engine) deleteRows(ctx context.Context, rows []csvRow, index *AccountIndex, dryRun bool, result *ImportResult) {
	seen := map[string]struct{}{}
	for _, row := range rows {
		ref := RowRef{Line: row.line, Email: row.email, ExternalID: row.externalID}
		record := ExternalRecord{ExternalID: row.externalID, Email: row.email}
		if record.ExternalID == "" || !IsValidEmail(record.Email) {
			ref.Reason = "email and kintone_record_id are both required"
			result.Failed++
			result.Errors = append(result.Errors, RecordError{Line: row.line, Email: row.email, ExternalID: row.externalID, Error: ref.Reason})
			appendLimited(&result.Details.InvalidRows, ref)
			continue
		}
		result.Details.Processed++
		c := ClassifyForDeletion(record, index)
		if c.Action != ActionDeleteCandidate {
			ref.Reason = c.Reason
			result.Skipped++
			appendLimited(&result.Details.SkippedRows, ref)
			continue
		}
		if _, dup := seen[c.Account.ID]; dup {
			ref.Reason = "account already handled by an earlier row"
			result.Skipped++
			appendLimited(&result.Details.SkippedRows, ref)
			continue
		}
		seen[c.Account.ID] = struct{}{}
		if dryRun {
			ref.Reason = "would delete account " + c.Account.ID
			result.Details.Candidates = append(result.Details.Candidates, ref)
			continue
		}
		if err := e.store.DeleteAccount(ctx, c.Account.ID); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, RecordError{
				Line:       row.line,
				Email:      row.email,
				ExternalID: row.externalID,
				Error:      storeError("delete account", err).Error(),
			})
			continue
		}
		result.Deleted++
	}
	e.recordOutcome(string(statusDeleted), result.Deleted)
}

func appendLimited(list *[]RowRef, ref RowRef) {
	if len(*list) < detailLimit {
		*list = append(*list, ref)
	}
}

// parseAccountCSV returns the data rows and whether an external id column
// was present. Header names are matched case-insensitively.
func parseAccountCSV(r io.Reader) ([]csvRow, bool, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, false, &ValidationError{Field: "file", Reason: "csv file is empty"}
	}
	if err != nil {
		return nil, false, &ValidationError{Field: "file", Reason: err.Error()}
	}
	emailIndex, idIndex := -1, -1
	columns := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, exists := columns[name]; !exists {
			columns[name] = i
		}
	}
	if i, ok := columns["email"]; ok {
		emailIndex = i
	} else {
		return nil, false, &ValidationError{Field: "file", Reason: `csv header has no "email" column`}
	}
	for _, name := range externalIDColumns {
		if i, ok := columns[name]; ok {
			idIndex = i
			break
		}
	}

	var rows []csvRow
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, false, &ValidationError{Field: "file", Reason: err.Error()}
		}
		line, _ := reader.FieldPos(0)
		row := csvRow{line: line, email: cell(fields, emailIndex)}
		if idIndex >= 0 {
			row.externalID = cell(fields, idIndex)
		}
		if row.email == "" && row.externalID == "" && blank(fields) {
			continue
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, idIndex >= 0, &ValidationError{Field: "file", Reason: "csv file has a header but no data rows"}
	}
	return rows, idIndex >= 0, nil
}

func cell(fields []string, i int) string {
	if i < 0 || i >= len(fields) {
		return ""
	}
	value := strings.TrimSpace(fields[i])
	switch strings.ToLower(value) {
	case "null", "undefined":
		return ""
	}
	return value
}

func blank(fields []string) bool {
	for _, field := range fields {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

type ExportFormat string

const (
	ExportSimple ExportFormat = "simple"
	ExportFull   ExportFormat = "full"
)

func ParseExportFormat(raw string) (ExportFormat, error) {
	switch ExportFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ExportFull:
		return ExportFull, nil
	case ExportSimple:
		return ExportSimple, nil
	default:
		return "", &ValidationError{Field: "format", Reason: "format must be simple or full"}
	}
}

// ExportFilename is the attachment name for an export taken at now.
func ExportFilename(now time.Time) string {
	return fmt.Sprintf("users-%s.csv", now.Format("2006-01-02"))
}

// ExportCSV writes every account with an email, sorted by email.
func (e *Engine) ExportCSV(ctx context.Context, w io.Writer, format ExportFormat) (int, error) {
	accounts, err := e.listAccounts(ctx)
	if err != nil {
		return 0, err
	}
	return WriteAccountsCSV(w, accounts, format)
}

func WriteAccountsCSV(w io.Writer, accounts []Account, format ExportFormat) (int, error) {
	sorted := make([]Account, 0, len(accounts))
	for _, account := range accounts {
		if strings.TrimSpace(account.Email) != "" {
			sorted = append(sorted, account)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Email < sorted[j].Email })

	writer := csv.NewWriter(w)
	header := []string{"email"}
	if format == ExportFull {
		header = append(header, "kintone_record_id")
	}
	if err := writer.Write(header); err != nil {
		return 0, err
	}
	for _, account := range sorted {
		row := []string{account.Email}
		if format == ExportFull {
			row = append(row, account.ExternalID)
		}
		if err := writer.Write(row); err != nil {
			return 0, err
		}
	}
	writer.Flush()
	return len(sorted), writer.Error()
}
