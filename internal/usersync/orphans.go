package usersync

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

type OrphanRequest struct {
	Query      string
	EmailField string
	DryRun     bool
}

type OrphanResult struct {
	Success       bool          `json:"success"`
	DryRun        bool          `json:"dryRun"`
	SourceRecords int           `json:"sourceRecords"`
	Accounts      int           `json:"accounts"`
	Orphans       []Account     `json:"orphans"`
	Deleted       []string      `json:"deleted"`
	Errors        []RecordError `json:"errors"`
}

// DeleteOrphans removes accounts that no qualifying source record references
// by either key. It refuses to run when the source yields no records.
func (e *Engine) DeleteOrphans(ctx context.Context, req OrphanRequest) (OrphanResult, error) {
	start := e.opts.Now()
	result := OrphanResult{DryRun: req.DryRun, Orphans: []Account{}, Deleted: []string{}, Errors: []RecordError{}}
	token, err := e.acquireLease(ctx, e.opts.LeaseWait)
	if err != nil {
		e.recordRun("orphans", outcomeLabel(err), e.opts.Now().Sub(start))
		return result, err
	}
	defer e.releaseLease(token)

	result, err = e.deleteOrphans(ctx, req, result)
	e.recordRun("orphans", outcomeLabel(err), e.opts.Now().Sub(start))
	return result, err
}

func (e *Engine) deleteOrphans(ctx context.Context, req OrphanRequest, result OrphanResult) (OrphanResult, error) {
	records, err := e.AllRecords(ctx, req.Query, req.EmailField)
	if err != nil {
		return result, err
	}
	result.SourceRecords = len(records)
	if len(records) == 0 {
		return result, &ValidationError{Field: "source", Reason: "record source returned no qualifying records; refusing to delete accounts"}
	}
	accounts, err := e.listAccounts(ctx)
	if err != nil {
		return result, err
	}
	result.Accounts = len(accounts)
	orphans := FindOrphans(records, accounts)
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].Email < orphans[j].Email })
	result.Orphans = orphans
	result.Success = true
	if req.DryRun {
		return result, nil
	}
	for _, account := range orphans {
		if err := ctx.Err(); err != nil {
			result.Success = false
			result.Errors = append(result.Errors, RecordError{Email: account.Email, Error: err.Error()})
			break
		}
		if err := e.store.DeleteAccount(ctx, account.ID); err != nil {
			result.Errors = append(result.Errors, RecordError{
				Email:      account.Email,
				ExternalID: account.ExternalID,
				Error:      storeError("delete account", err).Error(),
			})
			continue
		}
		result.Deleted = append(result.Deleted, account.Email)
	}
	e.recordOutcome(string(statusDeleted), len(result.Deleted))
	e.logger.Info("orphaned accounts deleted",
		zap.Int("source_records", result.SourceRecords),
		zap.Int("orphans", len(orphans)),
		zap.Int("deleted", len(result.Deleted)),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// AllRecords pages the whole source and keeps the records that pass the
// filter for query.
func (e *Engine) AllRecords(ctx context.Context, query, emailField string) ([]ExternalRecord, error) {
	if emailField == "" {
		emailField = e.opts.EmailField
	}
	accept := e.recordFilter(query)
	limit := e.opts.MaxFetch
	cursor := Cursor{}
	var out []ExternalRecord
	for {
		records, err := e.source.FetchRecords(ctx, FetchRequest{
			Cursor:     cursor,
			Limit:      limit,
			Query:      query,
			EmailField: emailField,
		})
		if err != nil {
			return nil, sourceError("fetch records", err)
		}
		for _, record := range records {
			if accept(record) {
				out = append(out, record)
			}
		}
		if len(records) < limit {
			return out, nil
		}
		next := cursor.Advance(len(records), lastExternalID(records), e.opts.MaxOffset)
		if next == cursor {
			return out, nil
		}
		cursor = next
	}
}
