package sink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dataculpa/mongo-connector/pkg/errors"
	"github.com/dataculpa/mongo-connector/pkg/field"
	"github.com/dataculpa/mongo-connector/pkg/models"
)

type fakeSession struct {
	id        string
	records   []models.Record
	committed bool
	commitErr error
}

func (s *fakeSession) Push(rec models.Record) error {
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeSession) Commit(ctx context.Context) (CommitResult, error) {
	if s.committed {
		return CommitResult{}, errors.New(errors.ErrorTypeInternal, "session committed twice")
	}
	s.committed = true
	if s.commitErr != nil {
		return CommitResult{}, s.commitErr
	}
	return CommitResult{QueueID: s.id, ServerResult: "ok", Records: len(s.records)}, nil
}

type fakeOpener struct {
	sessions  []*fakeSession
	shifts    []time.Duration
	pipelines []string
	commitErr error
}

func (o *fakeOpener) Open(ctx context.Context, pipeline string, timeShift time.Duration) (SessionHandle, error) {
	s := &fakeSession{
		id:        string(rune('a' + len(o.sessions))),
		commitErr: o.commitErr,
	}
	o.sessions = append(o.sessions, s)
	o.shifts = append(o.shifts, timeShift)
	o.pipelines = append(o.pipelines, pipeline)
	return s, nil
}

func day(y int, m time.Month, d int) field.BucketKey {
	return field.BucketKeyFor(time.Date(y, m, d, 12, 0, 0, 0, time.UTC))
}

func push(t *testing.T, b *Bucketed, key field.BucketKey, rec models.Record) {
	t.Helper()
	require.NoError(t, b.OnBucketBoundary(context.Background(), key))
	require.NoError(t, b.Push(context.Background(), rec))
}

func TestBucketedOneSessionPerDay(t *testing.T) {
	opener := &fakeOpener{}
	b := NewBucketed(opener, "pipe", zap.NewNop())

	d1 := day(2021, time.June, 1)
	d2 := day(2021, time.June, 2)
	d3 := day(2021, time.June, 3)

	push(t, b, d1, models.Record{"n": 1})
	push(t, b, d1, models.Record{"n": 2})
	push(t, b, d2, models.Record{"n": 3})
	push(t, b, d2, models.Record{"n": 4})
	push(t, b, d2, models.Record{"n": 5})
	push(t, b, d3, models.Record{"n": 6})

	commits, err := b.Finish(context.Background())
	require.NoError(t, err)

	require.Len(t, commits, 3)
	require.Len(t, opener.sessions, 3)
	assert.Len(t, opener.sessions[0].records, 2)
	assert.Len(t, opener.sessions[1].records, 3)
	assert.Len(t, opener.sessions[2].records, 1)
	for _, s := range opener.sessions {
		assert.True(t, s.committed)
	}
	// Commits come back in stream order, oldest bucket first.
	assert.Equal(t, 2, commits[0].Records)
	assert.Equal(t, 3, commits[1].Records)
	assert.Equal(t, 1, commits[2].Records)
}

func TestBucketedSingleBucketCommitsOnFinish(t *testing.T) {
	opener := &fakeOpener{}
	b := NewBucketed(opener, "pipe", zap.NewNop())

	d1 := day(2021, time.June, 1)
	push(t, b, d1, models.Record{"n": 1})
	push(t, b, d1, models.Record{"n": 2})

	require.Len(t, opener.sessions, 1)
	assert.False(t, opener.sessions[0].committed)

	commits, err := b.Finish(context.Background())
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.True(t, opener.sessions[0].committed)
}

func TestBucketedEmptyStreamOpensNothing(t *testing.T) {
	opener := &fakeOpener{}
	b := NewBucketed(opener, "pipe", zap.NewNop())

	commits, err := b.Finish(context.Background())
	require.NoError(t, err)
	assert.Empty(t, commits)
	assert.Empty(t, opener.sessions)
}

func TestBucketedSameKeyBoundaryKeepsSession(t *testing.T) {
	opener := &fakeOpener{}
	b := NewBucketed(opener, "pipe", zap.NewNop())

	d1 := day(2021, time.June, 1)
	push(t, b, d1, models.Record{"n": 1})
	require.NoError(t, b.OnBucketBoundary(context.Background(), d1))
	require.NoError(t, b.Push(context.Background(), models.Record{"n": 2}))

	require.Len(t, opener.sessions, 1)
	assert.Len(t, opener.sessions[0].records, 2)
}

func TestBucketedFinishTwice(t *testing.T) {
	b := NewBucketed(&fakeOpener{}, "pipe", zap.NewNop())

	_, err := b.Finish(context.Background())
	require.NoError(t, err)

	_, err = b.Finish(context.Background())
	assert.Error(t, err)
}

func TestBucketedPushAfterFinish(t *testing.T) {
	b := NewBucketed(&fakeOpener{}, "pipe", zap.NewNop())

	_, err := b.Finish(context.Background())
	require.NoError(t, err)

	assert.Error(t, b.Push(context.Background(), models.Record{"n": 1}))
	assert.Error(t, b.OnBucketBoundary(context.Background(), day(2021, time.June, 1)))
}

func TestBucketedTimeShiftReflectsBucketAge(t *testing.T) {
	opener := &fakeOpener{}
	b := NewBucketed(opener, "pipe", zap.NewNop())
	b.now = func() time.Time {
		return time.Date(2021, 6, 4, 6, 0, 0, 0, time.UTC)
	}

	push(t, b, day(2021, time.June, 1), models.Record{"n": 1})
	push(t, b, day(2021, time.June, 4), models.Record{"n": 2})

	require.Len(t, opener.shifts, 2)
	assert.Equal(t, 3*24*time.Hour, opener.shifts[0])
	assert.Equal(t, 6*time.Hour, opener.shifts[1])
}

func TestBucketedCommitFailureResetsSession(t *testing.T) {
	opener := &fakeOpener{commitErr: errors.New(errors.ErrorTypeSinkCommit, "server said no")}
	b := NewBucketed(opener, "pipe", zap.NewNop())
	b.now = func() time.Time {
		return time.Date(2021, 6, 2, 6, 0, 0, 0, time.UTC)
	}

	push(t, b, day(2021, time.June, 1), models.Record{"n": 1})

	err := b.OnBucketBoundary(context.Background(), day(2021, time.June, 2))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSinkCommit))

	// The failed session is closed; the next push opens a new one bound to
	// the new bucket instead of reusing the broken handle or the old key.
	require.NoError(t, b.Push(context.Background(), models.Record{"n": 2}))
	require.Len(t, opener.sessions, 2)
	assert.Len(t, opener.sessions[1].records, 1)
	require.Len(t, opener.shifts, 2)
	assert.Equal(t, 30*time.Hour, opener.shifts[0])
	assert.Equal(t, 6*time.Hour, opener.shifts[1], "replacement session must carry the new bucket's age")

	// A later boundary call for the same new bucket must not commit again.
	require.NoError(t, b.OnBucketBoundary(context.Background(), day(2021, time.June, 2)))
	require.NoError(t, b.Push(context.Background(), models.Record{"n": 3}))
	require.Len(t, opener.sessions, 2)
	assert.Len(t, opener.sessions[1].records, 2)

	_, err = b.Finish(context.Background())
	assert.Error(t, err)
	assert.Empty(t, b.Commits())
}
