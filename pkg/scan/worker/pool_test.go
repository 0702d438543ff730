package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korrelio/reqscan/db"
	"github.com/korrelio/reqscan/pkg/capture"
	"github.com/korrelio/reqscan/pkg/codec"
	"github.com/korrelio/reqscan/pkg/probe"
	"github.com/korrelio/reqscan/pkg/scan/queue"
)

func openTestQueue(t *testing.T, prefix string) *queue.Queue {
	t.Helper()
	conn, err := db.Open(db.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	q, err := queue.Open(context.Background(), conn, prefix, codec.NewJSONCodec(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

// TestDispatcher_DrainsQueue inserts a handful of records, runs the
// dispatcher against a stub target, and waits for every record to end up
// SCANNED with the cursor advanced past them.
func TestDispatcher_DrainsQueue(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := openTestQueue(t, "drain")
	ctx := context.Background()

	const n = 5
	for i := 0; i < n; i++ {
		inserted, err := q.Put(ctx, &capture.Request{Method: "GET", URL: srv.URL + "/" + string(rune('a'+i))})
		require.NoError(t, err)
		require.True(t, inserted)
	}

	session := probe.NewSession(probe.Config{MaxConcurrentRequest: 2, RequestTimeout: 5 * time.Second}, nil, zerolog.Nop())
	d := New(Config{
		Queue:        q,
		Session:      session,
		BatchSize:    n,
		PollInterval: 10 * time.Millisecond,
		Log:          zerolog.Nop(),
	})
	d.Start()

	require.Eventually(t, func() bool {
		_, scanned, err := q.GetScanCount(ctx)
		return err == nil && scanned == n
	}, 10*time.Second, 20*time.Millisecond)

	d.Stop()

	assert.EqualValues(t, n, atomic.LoadInt32(&hits))
	assert.EqualValues(t, n, q.StartID())
}

// TestDispatcher_ReportsFailures: a record the session cannot send at all
// (unknown verb) ends FAILED, while the rest of its batch still completes.
func TestDispatcher_ReportsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := openTestQueue(t, "failures")
	ctx := context.Background()

	_, err := q.Put(ctx, &capture.Request{Method: "BREW", URL: srv.URL + "/bad"})
	require.NoError(t, err)
	_, err = q.Put(ctx, &capture.Request{Method: "GET", URL: srv.URL + "/good"})
	require.NoError(t, err)

	session := probe.NewSession(probe.Config{MaxConcurrentRequest: 2, RequestTimeout: 5 * time.Second}, nil, zerolog.Nop())
	d := New(Config{
		Queue:        q,
		Session:      session,
		BatchSize:    2,
		PollInterval: 10 * time.Millisecond,
		Log:          zerolog.Nop(),
	})
	d.Start()

	require.Eventually(t, func() bool {
		_, scanned, err := q.GetScanCount(ctx)
		return err == nil && scanned == 1
	}, 10*time.Second, 20*time.Millisecond)

	d.Stop()

	total, scanned, err := q.GetScanCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, int64(1), scanned)
}
