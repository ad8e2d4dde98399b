// Package dispatch sends an OperationMap to the CRM in size-limited batches.
package dispatch

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/parcelbot/internal/crm"
)

const (
	defaultChunkSize   = 50
	defaultMaxAttempts = 3
	defaultRetryDelay  = 2 * time.Second
)

type BatchClient interface {
	Batch(ctx context.Context, ops []crm.Operation) (*crm.BatchResult, error)
}

type Options struct {
	ChunkSize   int
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      logrus.FieldLogger
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Dispatcher struct {
	client      BatchClient
	chunkSize   int
	maxAttempts int
	retryDelay  time.Duration
	log         logrus.FieldLogger
	sleep       func(ctx context.Context, d time.Duration) error
}

// Report is the outcome of one Dispatch. Every key of the dispatched map ends
// up in exactly one of Results, Failed or Lost.
type Report struct {
	Results map[string]json.RawMessage `json:"results"`
	Failed  map[string]error           `json:"-"`
	Lost    []string                   `json:"lost,omitempty"`
	// Chunks lists the size of every batch request answered or abandoned, in
	// send order.
	Chunks []int `json:"chunks"`
}

func (r *Report) OK() bool {
	return len(r.Failed) == 0 && len(r.Lost) == 0
}

// FailedKeys returns the failed operation keys sorted.
func (r *Report) FailedKeys() []string {
	keys := make([]string, 0, len(r.Failed))
	for key := range r.Failed {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func New(client BatchClient, opts Options) *Dispatcher {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	} else if opts.RetryDelay == 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Dispatcher{
		client:      client,
		chunkSize:   opts.ChunkSize,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		log:         opts.Logger.WithField("component", "dispatch"),
		sleep:       opts.Sleep,
	}
}

// Dispatch sends ops in insertion order. It never fails as a whole; per-key
// outcomes are in the Report.
func (d *Dispatcher) Dispatch(ctx context.Context, ops *crm.OperationMap) *Report {
	report := &Report{Results: map[string]json.RawMessage{}, Failed: map[string]error{}}
	all := ops.Operations()
	for start := 0; start < len(all); start += d.chunkSize {
		end := start + d.chunkSize
		if end > len(all) {
			end = len(all)
		}
		d.sendChunk(ctx, all[start:end], report)
	}
	if !report.OK() {
		d.log.WithFields(logrus.Fields{
			"operations": len(all),
			"failed":     len(report.Failed),
			"lost":       len(report.Lost),
		}).Warn("batch dispatch incomplete")
	}
	return report
}

func (d *Dispatcher) sendChunk(ctx context.Context, chunk []crm.Operation, report *Report) {
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		res, err := d.client.Batch(ctx, chunk)
		if err == nil {
			report.Chunks = append(report.Chunks, len(chunk))
			d.collect(chunk, res, report)
			return
		}
		if errors.Is(err, crm.ErrBatchTooLarge) {
			d.split(ctx, chunk, report, err)
			return
		}
		lastErr = err
		d.log.WithError(err).WithFields(logrus.Fields{"size": len(chunk), "attempt": attempt}).Warn("batch chunk failed")
		if attempt == d.maxAttempts || ctx.Err() != nil {
			break
		}
		if err := d.sleep(ctx, d.retryDelay); err != nil {
			break
		}
	}

	report.Chunks = append(report.Chunks, len(chunk))
	for _, op := range chunk {
		report.Lost = append(report.Lost, op.Key)
	}
	d.log.WithError(lastErr).WithFields(logrus.Fields{"size": len(chunk), "first_key": chunk[0].Key}).Error("batch chunk lost")
}

func (d *Dispatcher) split(ctx context.Context, chunk []crm.Operation, report *Report, cause error) {
	if len(chunk) == 1 {
		report.Failed[chunk[0].Key] = cause
		d.log.WithField("op_key", chunk[0].Key).Error("single command exceeds batch length")
		return
	}
	half := len(chunk) / 2
	d.log.WithFields(logrus.Fields{"size": len(chunk), "half": half}).Info("batch length exceeded, splitting")
	d.sendChunk(ctx, chunk[:half], report)
	d.sendChunk(ctx, chunk[half:], report)
}

func (d *Dispatcher) collect(chunk []crm.Operation, res *crm.BatchResult, report *Report) {
	for _, op := range chunk {
		if apiErr, failed := res.Errors[op.Key]; failed && apiErr != nil {
			if op.Command.IsDelete() && apiErr.NotFound() {
				d.log.WithField("op_key", op.Key).Info("delete target already gone")
				report.Results[op.Key] = json.RawMessage("true")
				continue
			}
			report.Failed[op.Key] = apiErr
			d.log.WithError(apiErr).WithField("op_key", op.Key).Error("batch command failed")
			continue
		}
		raw, ok := res.Results[op.Key]
		if !ok {
			raw = json.RawMessage("null")
		}
		report.Results[op.Key] = raw
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
