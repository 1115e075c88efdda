package usersync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

type workItem struct {
	record ExternalRecord
	line   int
}

type itemStatus string

const (
	statusCreated itemStatus = "created"
	statusUpdated itemStatus = "updated"
	statusSkipped itemStatus = "skipped"
	statusFailed  itemStatus = "failed"
	statusDeleted itemStatus = "deleted"
)

type itemOutcome struct {
	item      workItem
	action    Action
	status    itemStatus
	reason    string
	accountID string
}

type applySummary struct {
	outcomes  []itemOutcome
	conflicts []IdentityConflict
}

// apply classifies items in order and executes the mutations. Updates run
// as they are classified; creates are deferred and run in chunks.
func (e *Engine) apply(ctx context.Context, items []workItem, index *AccountIndex) applySummary {
	summary := applySummary{outcomes: make([]itemOutcome, 0, len(items))}
	var creates []int
	pendingEmails := map[string]struct{}{}
	pendingIDs := map[string]struct{}{}

	for _, item := range items {
		c := Classify(item.record, index)
		out := itemOutcome{item: item, action: c.Action, accountID: c.Account.ID}
		if c.ConflictAccount != nil {
			summary.conflicts = append(summary.conflicts, IdentityConflict{
				ExternalID:        item.record.ExternalID,
				Email:             item.record.Email,
				AccountID:         c.Account.ID,
				ConflictAccountID: c.ConflictAccount.ID,
			})
			e.logger.Warn("external id and email match different accounts",
				zap.String("external_id", item.record.ExternalID),
				zap.String("account_id", c.Account.ID),
				zap.String("conflict_account_id", c.ConflictAccount.ID),
			)
		}
		switch c.Action {
		case ActionSkipInvalid:
			out.status = statusFailed
			out.reason = c.Reason
		case ActionSkipUnchanged:
			out.status = statusSkipped
			out.reason = "already in sync"
		case ActionUpdateEmail:
			e.update(ctx, &out, index, c.Account, AccountUpdate{Email: NormalizeEmail(item.record.Email)})
		case ActionAttachExternalID:
			e.update(ctx, &out, index, c.Account, AccountUpdate{ExternalID: item.record.ExternalID})
		case ActionCreate:
			email := NormalizeEmail(item.record.Email)
			_, dupEmail := pendingEmails[email]
			_, dupID := pendingIDs[item.record.ExternalID]
			if dupEmail || (item.record.ExternalID != "" && dupID) {
				out.status = statusSkipped
				out.reason = "duplicate record in batch"
				break
			}
			pendingEmails[email] = struct{}{}
			if item.record.ExternalID != "" {
				pendingIDs[item.record.ExternalID] = struct{}{}
			}
			creates = append(creates, len(summary.outcomes))
		}
		summary.outcomes = append(summary.outcomes, out)
	}

	chunk := e.opts.CreateChunkSize
	for start := 0; start < len(creates); start += chunk {
		end := min(start+chunk, len(creates))
		if err := ctx.Err(); err != nil {
			for _, i := range creates[start:] {
				summary.outcomes[i].status = statusFailed
				summary.outcomes[i].reason = "create not attempted: " + err.Error()
			}
			break
		}
		for _, i := range creates[start:end] {
			e.create(ctx, &summary.outcomes[i], index)
		}
		e.logger.Debug("create chunk applied", zap.Int("from", start), zap.Int("to", end))
	}

	counts := map[itemStatus]int{}
	for _, out := range summary.outcomes {
		counts[out.status]++
	}
	for status, count := range counts {
		e.recordOutcome(string(status), count)
	}
	return summary
}

func (e *Engine) update(ctx context.Context, out *itemOutcome, index *AccountIndex, previous Account, update AccountUpdate) {
	updated, err := e.store.UpdateAccount(ctx, previous.ID, update)
	if err != nil {
		out.status = statusFailed
		out.reason = fmt.Sprintf("%s: %v", out.action, err)
		return
	}
	current := previous
	if updated.ID != "" {
		current = updated
	} else {
		if update.Email != "" {
			current.Email = update.Email
		}
		if update.ExternalID != "" {
			current.ExternalID = update.ExternalID
		}
	}
	index.Replace(previous, current)
	out.status = statusUpdated
}

func (e *Engine) create(ctx context.Context, out *itemOutcome, index *AccountIndex) {
	password, err := e.opts.Passwords()
	if err != nil {
		out.status = statusFailed
		out.reason = "generate temporary password: " + err.Error()
		return
	}
	record := out.item.record
	account, err := e.store.CreateAccount(ctx, NewAccount{
		Email:           NormalizeEmail(record.Email),
		ExternalID:      record.ExternalID,
		Password:        password,
		InitialPassword: true,
	})
	if errors.Is(err, ErrConflict) {
		out.status = statusSkipped
		out.reason = "already exists"
		return
	}
	if err != nil {
		out.status = statusFailed
		out.reason = "create: " + err.Error()
		return
	}
	if account.Email == "" {
		account.Email = NormalizeEmail(record.Email)
		account.ExternalID = record.ExternalID
	}
	out.accountID = account.ID
	out.status = statusCreated
	index.Add(account)
}

func (s applySummary) runResult() RunResult {
	result := RunResult{
		Success:   true,
		Processed: len(s.outcomes),
		Conflicts: s.conflicts,
		Errors:    []RecordError{},
	}
	for _, out := range s.outcomes {
		switch out.status {
		case statusCreated:
			result.Created++
		case statusUpdated:
			result.Updated++
		case statusSkipped:
			result.Skipped++
		case statusDeleted:
			result.Deleted++
		case statusFailed:
			result.Failed++
			result.Errors = append(result.Errors, RecordError{
				Line:       out.item.line,
				ExternalID: out.item.record.ExternalID,
				Email:      out.item.record.Email,
				Error:      out.reason,
			})
		}
	}
	return result
}
