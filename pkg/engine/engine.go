// Package engine orchestrates a sync run: per stream it loads the current
// watermark, scans the source in ascending watermark order, routes records
// through field extraction into the bucketed sink, and persists the new
// watermark once the stream reached a clean finishing state.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dataculpa/mongo-connector/pkg/config"
	"github.com/dataculpa/mongo-connector/pkg/errors"
	"github.com/dataculpa/mongo-connector/pkg/field"
	"github.com/dataculpa/mongo-connector/pkg/metrics"
	"github.com/dataculpa/mongo-connector/pkg/models"
	"github.com/dataculpa/mongo-connector/pkg/sink"
	"github.com/dataculpa/mongo-connector/pkg/watermark"
)

// Iterator yields source records in ascending watermark order.
type Iterator interface {
	Next(ctx context.Context) bool
	Record() (models.Record, error)
	Err() error
	Close(ctx context.Context) error
}

// SourceStore is the narrow contract the engine needs from the source
// database.
type SourceStore interface {
	ListStreams(ctx context.Context) ([]string, error)
	Scan(ctx context.Context, stream, fieldName string, after *watermark.Value) (Iterator, error)
	QueryDescription(stream, fieldName string, after *watermark.Value) string
}

// Checkpoints is the durable watermark state. *watermark.Store satisfies
// it.
type Checkpoints interface {
	Get(ctx context.Context, stream string) (*watermark.Watermark, error)
	Put(ctx context.Context, stream, fieldName string, value watermark.Value) error
	AppendAudit(ctx context.Context, stream, queryText string) error
}

// StreamSink receives one stream's records partitioned into buckets.
// *sink.Bucketed satisfies it.
type StreamSink interface {
	OnBucketBoundary(ctx context.Context, key field.BucketKey) error
	Push(ctx context.Context, rec models.Record) error
	Finish(ctx context.Context) ([]sink.CommitResult, error)
}

// SinkFactory builds a fresh StreamSink bound to a destination pipeline.
// The engine creates one per stream per run; a sink never outlives its
// stream.
type SinkFactory func(pipeline string) StreamSink

// phase names the per-stream lifecycle for debug logging.
type phase int

const (
	phaseIdle phase = iota
	phaseFetching
	phaseIterating
	phaseFinishing
	phaseCheckpointing
)

func (p phase) String() string {
	switch p {
	case phaseFetching:
		return "fetching"
	case phaseIterating:
		return "iterating"
	case phaseFinishing:
		return "finishing"
	case phaseCheckpointing:
		return "checkpointing"
	}
	return "idle"
}

// Engine runs the sync. Streams are synced sequentially to completion;
// they are independent (distinct watermark keys, distinct sink sessions),
// and the in-flight guard rejects a second concurrent run for the same
// stream instead of racing it.
type Engine struct {
	cfg         *config.Config
	source      SourceStore
	checkpoints Checkpoints
	newSink     SinkFactory
	metrics     *metrics.Metrics
	log         *zap.Logger
	dryRun      bool

	mu       sync.Mutex
	inflight map[string]bool
}

// New builds an engine. The checkpoint store is passed by handle; the
// engine holds no global state.
func New(cfg *config.Config, src SourceStore, cp Checkpoints, factory SinkFactory, m *metrics.Metrics, log *zap.Logger, dryRun bool) *Engine {
	if m == nil {
		m = metrics.Nop()
	}
	return &Engine{
		cfg:         cfg,
		source:      src,
		checkpoints: cp,
		newSink:     factory,
		metrics:     m,
		log:         log,
		dryRun:      dryRun,
		inflight:    make(map[string]bool),
	}
}

// RunReport aggregates the outcome of one run.
type RunReport struct {
	Started  time.Time
	Finished time.Time
	Results  []models.StreamResult
}

// SinkErrors counts commits that failed across all streams.
func (r *RunReport) SinkErrors() int {
	n := 0
	for _, res := range r.Results {
		n += res.SinkErrors
	}
	return n
}

// FailedStreams counts streams whose run aborted.
func (r *RunReport) FailedStreams() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// StatusLines renders the human-readable per-stream outcome.
func (r *RunReport) StatusLines() []string {
	lines := make([]string, 0, len(r.Results))
	for _, res := range r.Results {
		switch {
		case res.Err != nil:
			lines = append(lines, fmt.Sprintf("%s: FAILED after %d records: %v",
				res.Stream, res.Scanned, res.Err))
		case res.Scanned == 0:
			lines = append(lines, fmt.Sprintf("%s: up to date, 0 new records", res.Stream))
		default:
			line := fmt.Sprintf("%s: scanned %d records, committed %d buckets",
				res.Stream, res.Scanned, res.Buckets)
			if len(res.QueueIDs) > 0 {
				line += fmt.Sprintf(", queue_ids=%v", res.QueueIDs)
			}
			if res.SinkErrors > 0 {
				line += fmt.Sprintf(", %d commit errors", res.SinkErrors)
			}
			lines = append(lines, line)
		}
	}
	return lines
}

// Run syncs every eligible stream once, sequentially. Configuration and
// source connection failures abort the whole run; field-type and data
// errors abort only their owning stream.
func (e *Engine) Run(ctx context.Context) (*RunReport, error) {
	report := &RunReport{Started: time.Now()}
	defer func() {
		report.Finished = time.Now()
		e.metrics.RunDuration.Observe(report.Finished.Sub(report.Started).Seconds())
	}()

	live, err := e.source.ListStreams(ctx)
	if err != nil {
		return report, errors.Wrap(err, errors.ErrorTypeConnection, "failed to enumerate source streams")
	}
	sort.Strings(live)

	for _, name := range live {
		if err := ctx.Err(); err != nil {
			return report, errors.Wrap(err, errors.ErrorTypeInternal, "run cancelled")
		}

		sc := e.cfg.StreamFor(name)
		if sc == nil {
			if !e.cfg.TraverseNewStreams() {
				e.log.Info("skipping unconfigured stream per new_collections policy",
					zap.String("stream", name))
				e.metrics.StreamsSkipped.Inc()
				continue
			}
			e.log.Info("unconfigured stream; default scan behavior is traverse",
				zap.String("stream", name))
		} else if !sc.IsEnabled() {
			e.log.Info("skipping disabled stream", zap.String("stream", name))
			e.metrics.StreamsSkipped.Inc()
			continue
		}

		result := e.SyncStream(ctx, name, sc)
		report.Results = append(report.Results, result)
		if result.Err != nil {
			e.metrics.StreamsFailed.Inc()
			if !errors.IsStreamFatal(result.Err) && !errors.IsType(result.Err, errors.ErrorTypeSinkCommit) {
				// Connection-shaped failures are unlikely to spare the
				// remaining streams; surface them as run failures.
				return report, result.Err
			}
			e.log.Error("stream aborted; continuing with next stream",
				zap.String("stream", name), zap.Error(result.Err))
		}
	}

	return report, nil
}

// SyncStream syncs a single stream to completion. sc may be nil for an
// unconfigured stream admitted by the traverse policy; defaults apply.
func (e *Engine) SyncStream(ctx context.Context, name string, sc *config.StreamConfig) models.StreamResult {
	result := models.StreamResult{Stream: name}

	if !e.acquire(name) {
		result.Err = errors.Newf(errors.ErrorTypeConflict,
			"a sync for stream %q is already in flight", name)
		return result
	}
	defer e.release(name)

	fieldName := config.DefaultWatermarkField
	bucketed := true
	if sc != nil {
		fieldName = sc.Field()
		bucketed = sc.UseTimeBucketing
	}

	log := e.log.With(zap.String("stream", name), zap.String("field", fieldName))
	log.Debug("stream phase", zap.Stringer("phase", phaseFetching))

	wm, err := e.checkpoints.Get(ctx, name)
	if err != nil {
		result.Err = err
		return result
	}

	var after *watermark.Value
	if wm != nil {
		if wm.FieldName != fieldName {
			// The configured field changed since the checkpoint was
			// taken; the old value cannot bound the new ordering.
			log.Warn("watermark field changed; performing full rescan",
				zap.String("previous_field", wm.FieldName))
		} else {
			v := wm.Value
			after = &v
			log.Info("resuming from watermark", zap.String("watermark", v.String()))
		}
	} else {
		log.Info("no watermark; performing full ascending scan")
	}

	query := e.source.QueryDescription(name, fieldName, after)
	if err := e.checkpoints.AppendAudit(ctx, name, query); err != nil {
		log.Warn("failed to append audit log entry", zap.Error(err))
	}

	it, err := e.source.Scan(ctx, name, fieldName, after)
	if err != nil {
		result.Err = err
		return result
	}
	defer func() {
		_ = it.Close(context.Background())
	}()

	snk := e.newSink(e.cfg.PipelineFor(name))

	log.Debug("stream phase", zap.Stringer("phase", phaseIterating))

	var last watermark.Value
	for it.Next(ctx) {
		if err := ctx.Err(); err != nil {
			e.abandonRun(ctx, snk, &result, log)
			result.Err = errors.Wrap(err, errors.ErrorTypeInternal, "run cancelled mid-stream")
			return result
		}

		rec, err := it.Record()
		if err != nil {
			e.abortStream(ctx, snk, &result, fieldName, last, log)
			result.Err = err
			return result
		}

		value, key, err := field.Extract(rec, fieldName)
		if err != nil {
			e.abortStream(ctx, snk, &result, fieldName, last, log)
			result.Err = err
			return result
		}

		if !e.dryRun {
			if bucketed {
				if err := e.boundary(ctx, snk, key, &result, log); err != nil {
					result.Err = err
					return result
				}
			}
			if err := snk.Push(ctx, rec); err != nil {
				e.abortStream(ctx, snk, &result, fieldName, last, log)
				result.Err = err
				return result
			}
		}

		last = value
		result.Scanned++
		e.metrics.RecordsScanned.WithLabelValues(name).Inc()
	}

	if err := it.Err(); err != nil {
		e.abortStream(ctx, snk, &result, fieldName, last, log)
		result.Err = errors.Wrap(err, errors.ErrorTypeQuery, "source cursor failed mid-scan")
		return result
	}

	log.Debug("stream phase", zap.Stringer("phase", phaseFinishing))

	commits, err := snk.Finish(ctx)
	e.recordCommits(commits, &result)
	if err != nil {
		// A failed commit is reported, not retried, and does not block
		// the watermark update.
		result.SinkErrors++
		e.metrics.CommitFailures.WithLabelValues(name).Inc()
		log.Error("final bucket commit failed", zap.Error(err))
	}

	log.Debug("stream phase", zap.Stringer("phase", phaseCheckpointing))

	if result.Scanned > 0 && !e.dryRun {
		if err := e.checkpoints.Put(ctx, name, fieldName, last); err != nil {
			result.Err = err
			return result
		}
		result.Advanced = true
	}

	log.Debug("stream phase", zap.Stringer("phase", phaseIdle))

	return result
}

// boundary forwards a bucket boundary to the sink. A commit failure at a
// boundary is logged and counted but does not abort the stream.
func (e *Engine) boundary(ctx context.Context, snk StreamSink, key field.BucketKey, result *models.StreamResult, log *zap.Logger) error {
	err := snk.OnBucketBoundary(ctx, key)
	if err == nil {
		return nil
	}
	if errors.IsType(err, errors.ErrorTypeSinkCommit) {
		result.SinkErrors++
		e.metrics.CommitFailures.WithLabelValues(result.Stream).Inc()
		log.Error("bucket commit failed; continuing", zap.Error(err))
		return nil
	}
	return err
}

// abortStream is the mid-iteration failure path. Records already pushed
// must not be abandoned in an open session, so the sink is finished, and
// the watermark advances to the last successfully bucketed record, never
// past it.
func (e *Engine) abortStream(ctx context.Context, snk StreamSink, result *models.StreamResult, fieldName string, last watermark.Value, log *zap.Logger) {
	commits, err := snk.Finish(ctx)
	e.recordCommits(commits, result)
	if err != nil {
		result.SinkErrors++
		e.metrics.CommitFailures.WithLabelValues(result.Stream).Inc()
		log.Error("commit during stream abort failed", zap.Error(err))
	}
	if result.Scanned > 0 && !last.IsZero() && !e.dryRun {
		if err := e.checkpoints.Put(ctx, result.Stream, fieldName, last); err != nil {
			log.Error("failed to persist watermark during stream abort", zap.Error(err))
			return
		}
		result.Advanced = true
	}
}

// abandonRun is the cancellation path: flush what we can, never advance
// the watermark, since the run did not reach a clean finishing state.
func (e *Engine) abandonRun(ctx context.Context, snk StreamSink, result *models.StreamResult, log *zap.Logger) {
	commits, err := snk.Finish(ctx)
	e.recordCommits(commits, result)
	if err != nil {
		log.Warn("could not flush open session on cancellation", zap.Error(err))
	}
}

func (e *Engine) recordCommits(commits []sink.CommitResult, result *models.StreamResult) {
	for _, c := range commits {
		result.Buckets++
		result.QueueIDs = append(result.QueueIDs, c.QueueID)
		e.metrics.BucketsCommitted.WithLabelValues(result.Stream).Inc()
	}
}

func (e *Engine) acquire(stream string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[stream] {
		return false
	}
	e.inflight[stream] = true
	return true
}

func (e *Engine) release(stream string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, stream)
}
