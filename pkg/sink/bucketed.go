package sink

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dataculpa/mongo-connector/pkg/errors"
	"github.com/dataculpa/mongo-connector/pkg/field"
	"github.com/dataculpa/mongo-connector/pkg/models"
)

// sessionState is the explicit state of the bucketed sink: either no
// session is open, or one session is open for exactly one bucket key.
type sessionState int

const (
	stateNoSession sessionState = iota
	stateSessionOpen
)

// Bucketed maintains at most one open validator session per (stream,
// bucket) pair. Sessions open lazily on the first Push after a boundary
// and are flushed-then-closed when the bucket key changes or the stream's
// iteration finishes. Not safe for concurrent use; each stream run owns
// its own instance.
type Bucketed struct {
	opener   Opener
	pipeline string
	now      func() time.Time
	log      *zap.Logger

	state      sessionState
	current    SessionHandle
	currentKey field.BucketKey
	nextKey    field.BucketKey
	commits    []CommitResult
	finished   bool
}

// NewBucketed builds a bucketed sink for one stream bound to the given
// destination pipeline.
func NewBucketed(opener Opener, pipeline string, log *zap.Logger) *Bucketed {
	return &Bucketed{
		opener:   opener,
		pipeline: pipeline,
		now:      time.Now,
		log:      log,
	}
}

// OnBucketBoundary informs the sink of the bucket the next pushed record
// belongs to. If a session is open for a different bucket it is committed
// and closed; the next Push opens a fresh session bound to the new key.
func (b *Bucketed) OnBucketBoundary(ctx context.Context, key field.BucketKey) error {
	if b.finished {
		return errors.New(errors.ErrorTypeInternal, "bucket boundary after finish")
	}
	crossed := b.state == stateSessionOpen && key != b.currentKey
	// Record the new key before flushing: a failed commit must not leave
	// the replacement session bound to the stale bucket.
	b.nextKey = key
	if crossed {
		return b.flushClose(ctx)
	}
	return nil
}

// Push appends a record to the session for the current bucket, opening the
// session if none is open.
func (b *Bucketed) Push(ctx context.Context, rec models.Record) error {
	if b.finished {
		return errors.New(errors.ErrorTypeInternal, "push after finish")
	}
	if b.state == stateNoSession {
		if err := b.open(ctx); err != nil {
			return err
		}
	}
	return b.current.Push(rec)
}

// Finish commits any open session. It must be called exactly once at the
// end of a stream's iteration; it covers the run that never crossed a
// bucket boundary.
func (b *Bucketed) Finish(ctx context.Context) ([]CommitResult, error) {
	if b.finished {
		return nil, errors.New(errors.ErrorTypeInternal, "sink finished twice")
	}
	b.finished = true
	if b.state == stateSessionOpen {
		if err := b.flushClose(ctx); err != nil {
			return b.commits, err
		}
	}
	return b.commits, nil
}

// Commits returns the acknowledgements collected so far.
func (b *Bucketed) Commits() []CommitResult {
	return b.commits
}

func (b *Bucketed) open(ctx context.Context) error {
	shift := b.timeShift()
	handle, err := b.opener.Open(ctx, b.pipeline, shift)
	if err != nil {
		return err
	}
	b.current = handle
	b.currentKey = b.nextKey
	b.state = stateSessionOpen
	return nil
}

func (b *Bucketed) flushClose(ctx context.Context) error {
	res, err := b.current.Commit(ctx)
	b.current = nil
	b.state = stateNoSession
	if err != nil {
		return err
	}
	b.commits = append(b.commits, res)
	b.log.Info("bucket committed",
		zap.String("pipeline", b.pipeline),
		zap.String("bucket", b.currentKey.String()),
		zap.String("queue_id", res.QueueID),
		zap.String("server_result", res.ServerResult),
		zap.Int("records", res.Records))
	return nil
}

// timeShift is how far in the past the current bucket's day lies, so the
// validator attributes old buckets to their original date.
func (b *Bucketed) timeShift() time.Duration {
	if b.nextKey.IsZero() {
		return 0
	}
	shift := b.now().Sub(b.nextKey.Time())
	if shift < 0 {
		return 0
	}
	return shift
}
