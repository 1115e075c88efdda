package usersync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type BatchRequest struct {
	Cursor     Cursor
	PageSize   int
	Query      string
	EmailField string
}

type AllRequest struct {
	BatchRequest
	MaxBatches int
	Budget     time.Duration
}

func (e *Engine) normalizeBatch(req BatchRequest) BatchRequest {
	if req.PageSize <= 0 {
		req.PageSize = e.opts.PageSize
	}
	if req.EmailField == "" {
		req.EmailField = e.opts.EmailField
	}
	return req
}

// RunBatch processes one page of qualifying records starting at the cursor.
func (e *Engine) RunBatch(ctx context.Context, req BatchRequest) (RunResult, error) {
	start := e.opts.Now()
	req = e.normalizeBatch(req)
	token, err := e.acquireLease(ctx, 0)
	if err != nil {
		result := RunResult{Errors: []RecordError{}}
		result.setCursor(req.Cursor)
		result.HasMore = true
		e.recordRun("batch", outcomeLabel(err), e.opts.Now().Sub(start))
		return result, err
	}
	defer e.releaseLease(token)

	state := e.loadCheckpoint(ctx)
	result, next, err := e.runBatch(ctx, req, state, 1)
	if err == nil || next != state {
		e.storeCheckpoint(ctx, next)
	}
	result.Duration = e.opts.Now().Sub(start)
	e.recordRun("batch", outcomeLabel(err), result.Duration)
	return result, err
}

// RunAll runs batches until the source is exhausted, a batch fails, or the
// batch count or wall-clock budget is spent. The budget is checked between
// batches only.
func (e *Engine) RunAll(ctx context.Context, req AllRequest) (RunResult, error) {
	start := e.opts.Now()
	batchReq := e.normalizeBatch(req.BatchRequest)
	maxBatches := req.MaxBatches
	if maxBatches <= 0 {
		maxBatches = e.opts.MaxBatches
	}
	budget := req.Budget
	if budget <= 0 {
		budget = e.opts.Budget
	}

	total := RunResult{Success: true, Errors: []RecordError{}}
	total.setCursor(batchReq.Cursor)

	token, err := e.acquireLease(ctx, 0)
	if err != nil {
		total.Success = false
		total.HasMore = true
		e.recordRun("all", outcomeLabel(err), e.opts.Now().Sub(start))
		return total, err
	}
	defer e.releaseLease(token)

	state := e.loadCheckpoint(ctx)
	cursor := batchReq.Cursor
	var runErr error
	for {
		if err := ctx.Err(); err != nil {
			total.Success = false
			total.HasMore = true
			runErr = err
			break
		}
		total.Batches++
		batchReq.Cursor = cursor
		res, next, err := e.runBatch(ctx, batchReq, state, total.Batches)
		total.Merge(res)
		if err == nil || next != state {
			state = next
			e.storeCheckpoint(ctx, state)
		}
		e.renewLease(ctx, token)
		e.publish(Progress{
			Batch:     total.Batches,
			Cursor:    res.NextCursor,
			Processed: total.Processed,
			Created:   total.Created,
			Updated:   total.Updated,
			Skipped:   total.Skipped,
			Failed:    total.Failed,
			HasMore:   res.HasMore,
		})

		if err != nil || !res.Success {
			total.Success = false
			total.HasMore = true
			total.setCursor(cursor)
			if err != nil {
				total.Errors = append(total.Errors, RecordError{Batch: total.Batches, Error: err.Error()})
			}
			runErr = err
			break
		}
		cursor, _ = ParseCursor(res.NextCursor)
		if !res.HasMore {
			total.HasMore = false
			total.setCursor(Cursor{})
			e.storeCheckpoint(ctx, nil)
			break
		}
		if total.Batches >= maxBatches || e.opts.Now().Sub(start) >= budget {
			total.HasMore = true
			total.StoppedEarly = true
			total.setCursor(cursor)
			break
		}
	}

	total.Duration = e.opts.Now().Sub(start)
	total.Message = summarize(total)
	e.publish(Progress{
		Batch:        total.Batches,
		Cursor:       total.NextCursor,
		Processed:    total.Processed,
		Created:      total.Created,
		Updated:      total.Updated,
		Skipped:      total.Skipped,
		Failed:       total.Failed,
		HasMore:      total.HasMore,
		Done:         true,
		StoppedEarly: total.StoppedEarly,
	})
	e.logger.Info("sync run finished",
		zap.Int("batches", total.Batches),
		zap.Int("processed", total.Processed),
		zap.Int("created", total.Created),
		zap.Int("updated", total.Updated),
		zap.Int("skipped", total.Skipped),
		zap.Int("failed", total.Failed),
		zap.Bool("stopped_early", total.StoppedEarly),
		zap.String("next_cursor", total.NextCursor),
		zap.Duration("elapsed", total.Duration),
	)
	e.recordRun("all", outcomeLabel(runErr), total.Duration)
	return total, runErr
}

// runBatch returns the checkpoint to persist: nil when nothing is carried
// and the source reported no more data, or the unchanged state on error.
func (e *Engine) runBatch(ctx context.Context, req BatchRequest, state *Checkpoint, batch int) (RunResult, *Checkpoint, error) {
	e.recordBatch()
	result := RunResult{Success: true, Errors: []RecordError{}}
	result.setCursor(req.Cursor)
	log := e.logger.With(zap.Int("batch", batch), zap.String("cursor", req.Cursor.String()))

	var carry []ExternalRecord
	fetchCursor := req.Cursor
	sourceHasMore := false
	if state.covers(req.Query, req.EmailField) && state.Cursor == req.Cursor.String() {
		carry = state.Carry
		sourceHasMore = state.SourceHasMore
		if parsed, err := ParseCursor(state.FetchCursor); err == nil {
			fetchCursor = parsed
		} else {
			carry = nil
		}
	}

	accept := e.recordFilter(req.Query)
	var fetched []ExternalRecord
	if len(carry) == 0 || (countMatching(carry, accept) < req.PageSize && sourceHasMore) {
		if !fetchCursor.IsID() && fetchCursor.Offset > e.opts.MaxOffset {
			result.Success = false
			err := &ValidationError{Field: "cursor", Reason: fmt.Sprintf("offset %d exceeds %d; resume with an id cursor", fetchCursor.Offset, e.opts.MaxOffset)}
			return result, state, err
		}
		limit := e.fetchSize(req.PageSize)
		records, err := e.source.FetchRecords(ctx, FetchRequest{
			Cursor:     fetchCursor,
			Limit:      limit,
			Query:      req.Query,
			EmailField: req.EmailField,
		})
		if err != nil {
			result.Success = false
			result.HasMore = true
			log.Error("record fetch failed", zap.Error(err))
			return result, state, sourceError("fetch records", err)
		}
		fetched = records
		sourceHasMore = len(records) >= limit
		if len(records) > 0 {
			fetchCursor = fetchCursor.Advance(len(records), lastExternalID(records), e.opts.MaxOffset)
		}
	}

	raw := make([]ExternalRecord, 0, len(carry)+len(fetched))
	raw = append(raw, carry...)
	raw = append(raw, fetched...)
	if len(raw) == 0 {
		result.Message = "no records to process"
		return result, nil, nil
	}

	var selected []workItem
	cut := len(raw)
	for i, record := range raw {
		if len(selected) == req.PageSize {
			cut = i
			break
		}
		if accept(record) {
			selected = append(selected, workItem{record: record})
		}
	}
	rest := raw[cut:]
	if countMatching(rest, accept) == 0 {
		cut = len(raw)
		rest = nil
	}
	next := req.Cursor.Advance(cut, lastExternalID(raw[:cut]), e.opts.MaxOffset)

	var nextState *Checkpoint
	if len(rest) > 0 || sourceHasMore {
		nextState = &Checkpoint{
			Job:           e.opts.Job,
			Cursor:        next.String(),
			Query:         req.Query,
			EmailField:    req.EmailField,
			FetchCursor:   fetchCursor.String(),
			Carry:         append([]ExternalRecord(nil), rest...),
			SourceHasMore: sourceHasMore,
			UpdatedAt:     e.opts.Now().UTC(),
		}
	}

	if len(selected) > 0 {
		index, err := e.BuildIndex(ctx)
		if err != nil {
			result.Success = false
			result.HasMore = true
			log.Error("account index build failed", zap.Error(err))
			return result, state, err
		}
		summary := e.apply(ctx, selected, index)
		applied := summary.runResult()
		for i := range applied.Errors {
			applied.Errors[i].Batch = batch
		}
		result.Merge(applied)
	}

	result.HasMore = len(rest) > 0 || sourceHasMore
	result.setCursor(next)
	if len(selected) == 0 {
		result.Message = "no records matched the filter"
	} else {
		result.Message = summarize(result)
	}
	log.Info("batch processed",
		zap.Int("fetched", len(fetched)),
		zap.Int("carried", len(carry)),
		zap.Int("selected", len(selected)),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Bool("has_more", result.HasMore),
		zap.String("next_cursor", result.NextCursor),
	)
	return result, nextState, nil
}

func countMatching(records []ExternalRecord, accept func(ExternalRecord) bool) int {
	n := 0
	for _, record := range records {
		if accept(record) {
			n++
		}
	}
	return n
}

func lastExternalID(records []ExternalRecord) string {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].ExternalID != "" {
			return records[i].ExternalID
		}
	}
	return ""
}

func summarize(r RunResult) string {
	return fmt.Sprintf("created %d, updated %d, skipped %d, failed %d", r.Created, r.Updated, r.Skipped, r.Failed)
}

// IsBenign reports errors that leave the caller's data untouched and only
// mean "try again later".
func IsBenign(err error) bool {
	return errors.Is(err, ErrAlreadyRunning)
}
