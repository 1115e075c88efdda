package usersync

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

type AccountReport struct {
	Total             int       `json:"total"`
	WithExternalID    int       `json:"usersWithKintoneId"`
	WithoutExternalID int       `json:"usersWithoutKintoneId"`
	Accounts          []Account `json:"users"`
}

func (e *Engine) ListAccounts(ctx context.Context) (AccountReport, error) {
	accounts, err := e.listAccounts(ctx)
	if err != nil {
		return AccountReport{}, err
	}
	report := AccountReport{Total: len(accounts), Accounts: accounts}
	if report.Accounts == nil {
		report.Accounts = []Account{}
	}
	for _, account := range accounts {
		if account.ExternalID != "" {
			report.WithExternalID++
		} else {
			report.WithoutExternalID++
		}
	}
	return report, nil
}

type DeleteAllRequest struct {
	Confirm bool
	DryRun  bool
}

type DeleteAllResult struct {
	Success bool          `json:"success"`
	DryRun  bool          `json:"dryRun"`
	Total   int           `json:"total"`
	Deleted int           `json:"deleted"`
	Failed  int           `json:"failed"`
	Users   []Account     `json:"users,omitempty"`
	Errors  []RecordError `json:"errors"`
}

// DeleteAll removes every account. It requires explicit confirmation.
func (e *Engine) DeleteAll(ctx context.Context, req DeleteAllRequest) (DeleteAllResult, error) {
	result := DeleteAllResult{DryRun: req.DryRun, Errors: []RecordError{}}
	if !req.Confirm {
		return result, &ValidationError{Field: "confirm", Reason: "confirm must be true to delete all accounts"}
	}
	token, err := e.acquireLease(ctx, e.opts.LeaseWait)
	if err != nil {
		return result, err
	}
	defer e.releaseLease(token)

	accounts, err := e.listAccounts(ctx)
	if err != nil {
		return result, err
	}
	result.Total = len(accounts)
	result.Success = true
	if req.DryRun {
		result.Users = accounts
		return result, nil
	}
	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			result.Success = false
			result.Errors = append(result.Errors, RecordError{Error: err.Error()})
			break
		}
		if err := e.store.DeleteAccount(ctx, account.ID); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, RecordError{Email: account.Email, Error: err.Error()})
			continue
		}
		result.Deleted++
	}
	e.recordOutcome(string(statusDeleted), result.Deleted)
	e.logger.Warn("all accounts deleted", zap.Int("deleted", result.Deleted), zap.Int("failed", result.Failed))
	return result, nil
}

type ExternalIDSample struct {
	Value       string `json:"value"`
	Type        string `json:"type"`
	Email       string `json:"email,omitempty"`
	StringValue string `json:"stringValue"`
}

type ExternalIDReport struct {
	RecordID          string             `json:"recordId"`
	Found             bool               `json:"found"`
	Account           *Account           `json:"user"`
	TotalAccounts     int                `json:"totalUsers"`
	WithExternalID    int                `json:"usersWithKintoneId"`
	TypeMismatchCount int                `json:"typeMismatchCount"`
	TypeMismatch      []ExternalIDSample `json:"typeMismatchUsers"`
	Sample            []ExternalIDSample `json:"sampleKintoneRecordIds"`
}

// LookupExternalID finds the account holding recordID and reports accounts
// whose stored id only matches after converting a number to a string.
func (e *Engine) LookupExternalID(ctx context.Context, recordID string) (ExternalIDReport, error) {
	recordID = strings.TrimSpace(recordID)
	report := ExternalIDReport{RecordID: recordID, TypeMismatch: []ExternalIDSample{}, Sample: []ExternalIDSample{}}
	if recordID == "" {
		return report, &ValidationError{Field: "recordId", Reason: "recordId is required"}
	}
	accounts, err := e.listAccounts(ctx)
	if err != nil {
		return report, err
	}
	report.TotalAccounts = len(accounts)
	for _, account := range accounts {
		if account.ExternalID == "" {
			continue
		}
		report.WithExternalID++
		sample := ExternalIDSample{
			Value:       account.ExternalID,
			Type:        externalIDType(account),
			Email:       account.Email,
			StringValue: account.ExternalID,
		}
		if len(report.Sample) < 10 {
			report.Sample = append(report.Sample, sample)
		}
		if account.ExternalID != recordID {
			continue
		}
		if sample.Type != "string" {
			report.TypeMismatchCount++
			if len(report.TypeMismatch) < 5 {
				report.TypeMismatch = append(report.TypeMismatch, sample)
			}
			continue
		}
		if !report.Found {
			found := account
			report.Account = &found
			report.Found = true
		}
	}
	return report, nil
}

func externalIDType(account Account) string {
	if account.ExternalIDType == "" {
		return "string"
	}
	return account.ExternalIDType
}

type ProbeResult struct {
	Method  string `json:"method"`
	Success bool   `json:"success"`
	Count   int    `json:"count"`
	Error   string `json:"error,omitempty"`
}

type ProbeReport struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Results []ProbeResult `json:"testResults"`
}

var probeQueries = []string{"", "limit 1", "order by $id asc limit 1"}

// ProbeSource checks connectivity with three increasingly specific queries.
func (e *Engine) ProbeSource(ctx context.Context) ProbeReport {
	report := ProbeReport{Results: make([]ProbeResult, 0, len(probeQueries))}
	passed := 0
	for _, query := range probeQueries {
		method := query
		if method == "" {
			method = "no query"
		}
		count, err := e.source.Probe(ctx, query)
		if err != nil {
			report.Results = append(report.Results, ProbeResult{Method: method, Error: err.Error()})
			continue
		}
		passed++
		report.Results = append(report.Results, ProbeResult{Method: method, Success: true, Count: count})
	}
	report.Success = passed > 0
	report.Message = fmt.Sprintf("%d/%d probes succeeded", passed, len(probeQueries))
	return report
}
