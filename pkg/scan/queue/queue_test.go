package queue

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korrelio/reqscan/db"
	"github.com/korrelio/reqscan/pkg/capture"
	"github.com/korrelio/reqscan/pkg/codec"
)

func openTestQueue(t *testing.T, prefix string) *Queue {
	t.Helper()
	conn, err := db.Open(db.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	q, err := Open(context.Background(), conn, prefix, codec.NewJSONCodec(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

func reopenTestQueue(t *testing.T, conn *db.Connection, prefix string) *Queue {
	t.Helper()
	q, err := Open(context.Background(), conn, prefix, codec.NewJSONCodec(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

func req(method, url string) *capture.Request {
	return &capture.Request{Method: method, URL: url}
}

func TestPut_Dedup(t *testing.T) {
	q := openTestQueue(t, "s1")
	ctx := context.Background()

	r := req("GET", "https://example.com/a")

	inserted, err := q.Put(ctx, r)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = q.Put(ctx, r)
	require.NoError(t, err)
	assert.False(t, inserted)

	total, scanned, err := q.GetScanCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, int64(0), scanned)
}

func TestGetNewScan_Empty(t *testing.T) {
	q := openTestQueue(t, "empty")
	ctx := context.Background()

	records, err := q.GetNewScan(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, records)

	records, err = q.GetNewScan(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, records)

	total, scanned, err := q.GetScanCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Zero(t, scanned)

	last, err := q.GetLastTime(ctx)
	require.NoError(t, err)
	assert.Zero(t, last)
}

// TestDispatchAndComplete mirrors scenario S2: insert 5, dispatch 3, mark them
// complete, confirm start_id advances and the remaining 2 dispatch next.
func TestDispatchAndComplete(t *testing.T) {
	q := openTestQueue(t, "s2")
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := q.Put(ctx, req("GET", "https://example.com/"+string(rune('a'+i))))
		require.NoError(t, err)
	}

	batch, err := q.GetNewScan(ctx, 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, []uint{1, 2, 3}, ids(batch))
	for _, r := range batch {
		assert.Equal(t, db.StatusInProgress, r.Status)
	}

	require.NoError(t, q.MarkResult(ctx, 3, nil))
	assert.EqualValues(t, 3, q.StartID())

	rest, err := q.GetNewScan(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, []uint{4, 5}, ids(rest))
}

// TestFailureTail mirrors scenario S3: a failed tail must not advance
// start_id past it.
func TestFailureTail(t *testing.T) {
	q := openTestQueue(t, "s3")
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		_, err := q.Put(ctx, req("GET", "https://example.com/"+string(rune('a'+i))))
		require.NoError(t, err)
	}

	batch, err := q.GetNewScan(ctx, 4)
	require.NoError(t, err)
	require.Len(t, batch, 4)

	require.NoError(t, q.MarkResult(ctx, 4, []uint{3, 4}))
	assert.EqualValues(t, 2, q.StartID())
}

// TestRestartRecovery mirrors scenario S4: a crash leaves records
// IN_PROGRESS; reopening the queue on the same connection must recover them.
func TestRestartRecovery(t *testing.T) {
	conn, err := db.Open(db.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	ctx := context.Background()

	q := reopenTestQueue(t, conn, "s4")
	for i := 1; i <= 3; i++ {
		_, err := q.Put(ctx, req("GET", "https://example.com/"+string(rune('a'+i))))
		require.NoError(t, err)
	}
	batch, err := q.GetNewScan(ctx, 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	// Simulate a crash: the consumer guard dies with the process, and no
	// MarkResult is ever called for the claimed batch.
	q.Close()
	q2 := reopenTestQueue(t, conn, "s4")
	assert.EqualValues(t, 0, q2.StartID())

	recovered, err := q2.GetNewScan(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recovered, 3)
	assert.Equal(t, []uint{1, 2, 3}, ids(recovered))
}

// TestResetUnscannedItem_Idempotent: running the startup recovery again against
// an already-recovered table changes nothing.
func TestResetUnscannedItem_Idempotent(t *testing.T) {
	q := openTestQueue(t, "reset")
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		_, err := q.Put(ctx, req("GET", "https://example.com/"+string(rune('a'+i))))
		require.NoError(t, err)
	}
	batch, err := q.GetNewScan(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	require.NoError(t, q.resetUnscannedItem(ctx))
	require.NoError(t, q.resetUnscannedItem(ctx))

	recovered, err := q.GetNewScan(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 2}, ids(recovered))
}

func TestGetLastTime(t *testing.T) {
	q := openTestQueue(t, "lasttime")
	ctx := context.Background()

	_, err := q.Put(ctx, req("GET", "https://example.com/a"))
	require.NoError(t, err)

	last, err := q.GetLastTime(ctx)
	require.NoError(t, err)
	assert.Greater(t, last, int64(0))
}

// TestMarkResult_NoOpOnCompletedRange: repeating a mark_result for an
// already-completed batch leaves the cursor and statuses alone.
func TestMarkResult_NoOpOnCompletedRange(t *testing.T) {
	q := openTestQueue(t, "done")
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := q.Put(ctx, req("GET", "https://example.com/"+string(rune('a'+i))))
		require.NoError(t, err)
	}
	batch, err := q.GetNewScan(ctx, 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	require.NoError(t, q.MarkResult(ctx, 3, nil))
	require.EqualValues(t, 3, q.StartID())

	require.NoError(t, q.MarkResult(ctx, 3, nil))
	assert.EqualValues(t, 3, q.StartID())

	total, scanned, err := q.GetScanCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Equal(t, int64(3), scanned)
}

// TestOpen_SecondConsumerRejected: the three-step dispatch protocol is not
// safe under concurrent consumers, so a second Open against a table with a
// live Queue must fail until the first is Closed.
func TestOpen_SecondConsumerRejected(t *testing.T) {
	conn, err := db.Open(db.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	ctx := context.Background()

	q, err := Open(ctx, conn, "guarded", codec.NewJSONCodec(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(q.Close)

	_, err = Open(ctx, conn, "guarded", codec.NewJSONCodec(), zerolog.Nop())
	require.ErrorIs(t, err, ErrConsumerActive)

	q.Close()
	q2, err := Open(ctx, conn, "guarded", codec.NewJSONCodec(), zerolog.Nop())
	require.NoError(t, err)
	q2.Close()
}

func TestMarkResult_NoOpWhenBelowStartID(t *testing.T) {
	q := openTestQueue(t, "s5")
	ctx := context.Background()

	require.NoError(t, q.MarkResult(ctx, 0, nil))
	assert.EqualValues(t, 0, q.StartID())
}

func ids(records []Record) []uint {
	out := make([]uint, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
