package usersync

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// SyncOne reconciles the single source record with the given email. It
// performs at most one create or update.
func (e *Engine) SyncOne(ctx context.Context, email string) (RunResult, error) {
	start := e.opts.Now()
	email = strings.TrimSpace(email)
	result := RunResult{Errors: []RecordError{}}
	if !IsValidEmail(email) {
		err := &ValidationError{Field: "email", Reason: "invalid email address"}
		e.recordRun("single", outcomeLabel(err), e.opts.Now().Sub(start))
		return result, err
	}

	token, err := e.acquireLease(ctx, e.opts.LeaseWait)
	if err != nil {
		e.recordRun("single", outcomeLabel(err), e.opts.Now().Sub(start))
		return result, err
	}
	defer e.releaseLease(token)

	result, err = e.syncOne(ctx, email)
	result.Duration = e.opts.Now().Sub(start)
	e.recordRun("single", outcomeLabel(err), result.Duration)
	return result, err
}

func (e *Engine) syncOne(ctx context.Context, email string) (RunResult, error) {
	result := RunResult{Processed: 1, Errors: []RecordError{}}
	record, found, err := e.source.FindByEmail(ctx, e.opts.EmailField, email)
	if err != nil {
		result.Failed = 1
		return result, sourceError("find record by email", err)
	}
	if !found {
		result.Failed = 1
		result.Message = "no source record has this email"
		return result, fmt.Errorf("record with email %s: %w", email, ErrNotFound)
	}
	if !MatchesGroups(record, e.opts.Groups) {
		result.Success = true
		result.Skipped = 1
		result.Message = "record is not in a synchronized group"
		return result, nil
	}
	if record.Email == "" {
		record.Email = email
	}

	index, err := e.BuildIndex(ctx)
	if err != nil {
		result.Failed = 1
		return result, err
	}
	summary := e.apply(ctx, []workItem{{record: record}}, index)
	result = summary.runResult()
	if len(summary.outcomes) == 1 {
		out := summary.outcomes[0]
		switch out.status {
		case statusCreated:
			result.Message = "account created"
		case statusUpdated:
			result.Message = fmt.Sprintf("account updated (%s)", out.action)
		case statusSkipped:
			result.Message = "account already exists"
		case statusFailed:
			result.Success = false
			result.Message = out.reason
		}
	}
	e.logger.Info("single record synced",
		zap.String("external_id", record.ExternalID),
		zap.String("message", result.Message),
	)
	return result, nil
}
