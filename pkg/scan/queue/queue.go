// Package queue implements the durable, monotonically-advancing work queue
// that hands captured requests out to scan workers exactly once.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/korrelio/reqscan/db"
	"github.com/korrelio/reqscan/pkg/capture"
	"github.com/korrelio/reqscan/pkg/codec"
)

// Record pairs a decoded captured request with the row metadata a consumer
// needs to report progress back to the queue.
type Record struct {
	ID      uint
	Request *capture.Request
	Status  db.ScanStatus
	Time    int64
}

// consumers tracks which scan tables already have a live Queue in this
// process. The three-step dispatch protocol is not safe under concurrent
// consumers, so Open refuses to hand out a second Queue for the same table
// until the first is Closed. The guard is process-scoped: it dies with the
// process, which is exactly when startup recovery takes over.
var consumers sync.Map

// ErrConsumerActive is returned by Open when the table already has a live
// Queue in this process.
var ErrConsumerActive = errors.New("queue: table already has an active consumer in this process")

// Queue is the request queue and status tracker for one scan table (one
// prefix). It is safe for a single consumer: concurrent Put calls from
// multiple producers are fine, but GetNewScan/MarkResult must be driven by
// one goroutine per Queue instance (see package worker for the dispatch loop
// that honors this). Open enforces the single-consumer rule within a
// process; one consumer process per table is the operator's contract.
type Queue struct {
	conn  *db.Connection
	table string
	codec codec.Codec
	log   zerolog.Logger

	mu      sync.Mutex
	startID uint
}

// Open constructs a Queue against (conn, prefix): it ensures the backing
// table exists, recovers any IN_PROGRESS/FAILED rows left over from an
// unclean shutdown back to UNSCANNED, and computes the start_id cursor so
// that every row at or below it is already out of the working set.
func Open(ctx context.Context, conn *db.Connection, prefix string, c codec.Codec, log zerolog.Logger) (*Queue, error) {
	if c == nil {
		c = codec.NewJSONCodec()
	}

	table, err := conn.EnsureScanTable(prefix)
	if err != nil {
		return nil, err
	}

	if _, held := consumers.LoadOrStore(table, struct{}{}); held {
		return nil, fmt.Errorf("%w: %s", ErrConsumerActive, table)
	}

	q := &Queue{
		conn:  conn,
		table: table,
		codec: c,
		log:   log.With().Str("scan_table", table).Logger(),
	}

	if err := q.resetUnscannedItem(ctx); err != nil {
		q.Close()
		return nil, err
	}

	startID, err := q.computeStartID(ctx)
	if err != nil {
		q.Close()
		return nil, err
	}
	q.startID = startID

	q.log.Info().Uint("start_id", q.startID).Msg("Queue opened")
	return q, nil
}

func (q *Queue) db(ctx context.Context) *gorm.DB {
	return q.conn.DB().WithContext(ctx).Table(q.table)
}

// resetUnscannedItem returns every IN_PROGRESS or FAILED row to UNSCANNED.
// Run once at startup: it recovers work left claimed by a process that
// crashed before reporting a result. FAILED rows are re-enqueued too, not
// kept sticky across restarts.
func (q *Queue) resetUnscannedItem(ctx context.Context) error {
	err := q.db(ctx).
		Where("scan_status > ?", db.StatusScanned).
		Updates(map[string]interface{}{"scan_status": db.StatusUnscanned}).Error
	return wrapErr("reset_unscanned_item", err)
}

// computeStartID derives start_id = max(0, min_id_where(status != SCANNED) - 1).
func (q *Queue) computeStartID(ctx context.Context) (uint, error) {
	var minID int64
	err := q.db(ctx).
		Select("COALESCE(MIN(id), 0)").
		Where("scan_status != ?", db.StatusScanned).
		Row().Scan(&minID)
	if err != nil {
		return 0, wrapErr("compute_start_id", err)
	}
	if minID <= 0 {
		return 0, nil
	}
	return uint(minID - 1), nil
}

// Put inserts record if its content hash isn't already present, and reports
// whether the insert happened. A duplicate is not an error: the first
// insert wins and the second is silently deduplicated.
func (q *Queue) Put(ctx context.Context, record *capture.Request) (inserted bool, err error) {
	data, err := q.codec.Encode(record)
	if err != nil {
		return false, fmt.Errorf("queue: encode record: %w", err)
	}
	hash, err := q.codec.Hash(record)
	if err != nil {
		return false, fmt.Errorf("queue: hash record: %w", err)
	}

	row := db.ScanRecord{
		Data:       data,
		DataHash:   hash,
		ScanStatus: db.StatusUnscanned,
		Time:       time.Now().Unix(),
	}

	err = q.db(ctx).Create(&row).Error
	if err != nil {
		if isDuplicateKeyErr(err) {
			return false, nil
		}
		return false, wrapErr("put", err)
	}
	return true, nil
}

// GetNewScan dispatches up to count not-yet-scanned records, claiming them
// as IN_PROGRESS. It returns fewer than count rows if fewer are available,
// and an empty slice (never an error) if none are. The returned ids are
// strictly increasing and all greater than start_id at dispatch time.
//
// Dispatch is a three-step probe/claim/fetch: probe for any candidate row,
// claim a batch of candidates with a guarded UPDATE, then fetch exactly the
// claimed rows. The claim can't return rows directly from the
// UPDATE (not portable across the supported drivers), so it selects
// candidate ids first and updates WHERE id IN (...) AND scan_status =
// UNSCANNED; that status filter is what keeps the claim atomic against a
// second caller racing the same table.
func (q *Queue) GetNewScan(ctx context.Context, count int) ([]Record, error) {
	if count <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	startID := q.startID
	q.mu.Unlock()

	// Step 1: probe.
	var probeIDs []uint
	err := q.db(ctx).
		Where("id > ? AND scan_status = ?", startID, db.StatusUnscanned).
		Order("id").Limit(1).
		Pluck("id", &probeIDs).Error
	if err != nil {
		return nil, wrapErr("get_new_scan_probe", err)
	}
	if len(probeIDs) == 0 {
		return nil, nil
	}
	fetchStartID := probeIDs[0]

	// Step 2: claim.
	var candidateIDs []uint
	err = q.db(ctx).
		Where("id > ? AND scan_status = ?", startID, db.StatusUnscanned).
		Order("id").Limit(count).
		Pluck("id", &candidateIDs).Error
	if err != nil {
		return nil, wrapErr("get_new_scan_claim_select", err)
	}
	if len(candidateIDs) == 0 {
		return nil, nil
	}

	result := q.db(ctx).
		Where("scan_status = ? AND id IN ?", db.StatusUnscanned, candidateIDs).
		Updates(map[string]interface{}{"scan_status": db.StatusInProgress})
	if result.Error != nil {
		return nil, wrapErr("get_new_scan_claim_update", result.Error)
	}
	n := int(result.RowsAffected)
	if n == 0 {
		return nil, nil
	}

	// Step 3: fetch.
	var rows []db.ScanRecord
	err = q.db(ctx).
		Where("id >= ? AND scan_status = ?", fetchStartID, db.StatusInProgress).
		Order("id").Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, wrapErr("get_new_scan_fetch", err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		if !row.ScanStatus.Valid() {
			return nil, fmt.Errorf("queue: record %d has out-of-range scan_status %d", row.ID, int(row.ScanStatus))
		}
		req, err := q.codec.Decode(row.Data)
		if err != nil {
			return nil, fmt.Errorf("queue: decode record %d: %w", row.ID, err)
		}
		records = append(records, Record{ID: row.ID, Request: req, Status: row.ScanStatus, Time: row.Time})
	}
	return records, nil
}

// MarkResult reports the outcome of a contiguous dispatched batch ending at
// lastID: ids in failedIDs become FAILED, every other IN_PROGRESS row in
// range becomes SCANNED, and start_id advances to the highest SCANNED id in
// range. A trailing run of FAILED rows at the end of the batch does not
// advance start_id past them, so they remain reachable for operator action.
//
// Must be called with non-decreasing lastID by the consumer driving this
// Queue; calling out of order can make start_id lag behind what's actually
// complete.
func (q *Queue) MarkResult(ctx context.Context, lastID uint, failedIDs []uint) error {
	q.mu.Lock()
	startID := q.startID
	q.mu.Unlock()

	if lastID <= startID {
		return nil
	}

	if len(failedIDs) > 0 {
		err := q.db(ctx).
			Where("id <= ? AND id > ? AND id IN ?", lastID, startID, failedIDs).
			Updates(map[string]interface{}{"scan_status": db.StatusFailed}).Error
		if err != nil {
			return wrapErr("mark_result_fail", err)
		}
	}

	err := q.db(ctx).
		Where("id <= ? AND id > ? AND scan_status = ?", lastID, startID, db.StatusInProgress).
		Updates(map[string]interface{}{"scan_status": db.StatusScanned}).Error
	if err != nil {
		return wrapErr("mark_result_scanned", err)
	}

	var maxScanned int64
	err = q.db(ctx).
		Select("COALESCE(MAX(id), 0)").
		Where("id > ? AND scan_status = ?", startID, db.StatusScanned).
		Row().Scan(&maxScanned)
	if err != nil {
		return wrapErr("mark_result_advance", err)
	}

	if maxScanned > int64(startID) {
		q.mu.Lock()
		if uint(maxScanned) > q.startID {
			q.startID = uint(maxScanned)
		}
		q.mu.Unlock()
	}
	return nil
}

// GetScanCount returns (total, scanned) row counts. Progress is eventually
// consistent under concurrent Put calls.
func (q *Queue) GetScanCount(ctx context.Context) (total int64, scanned int64, err error) {
	if err = q.db(ctx).Count(&total).Error; err != nil {
		return 0, 0, wrapErr("get_scan_count_total", err)
	}
	if err = q.db(ctx).Where("scan_status = ?", db.StatusScanned).Count(&scanned).Error; err != nil {
		return 0, 0, wrapErr("get_scan_count_scanned", err)
	}
	return total, scanned, nil
}

// GetLastTime returns the insertion time of the most recently inserted row,
// or 0 if the table is empty.
func (q *Queue) GetLastTime(ctx context.Context) (int64, error) {
	var times []int64
	err := q.db(ctx).Order("id desc").Limit(1).Pluck("time", &times).Error
	if err != nil {
		return 0, wrapErr("get_last_time", err)
	}
	if len(times) == 0 {
		return 0, nil
	}
	return times[0], nil
}

// Close releases the process-level consumer guard for this queue's table,
// allowing a later Open against the same table. Idempotent. It does not
// close the underlying connection; that belongs to the caller.
func (q *Queue) Close() {
	consumers.Delete(q.table)
}

// StartID returns the queue's current cursor, mainly for tests and metrics.
func (q *Queue) StartID() uint {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.startID
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &db.DatabaseError{Op: op, Err: err}
}

// isDuplicateKeyErr recognizes a unique-constraint violation across the
// sqlite, postgres and mysql drivers gorm supports here. gorm normalizes
// some of these to gorm.ErrDuplicatedKey, but not reliably across every
// driver, so the error text is checked as a fallback.
func isDuplicateKeyErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint"): // sqlite
		return true
	case strings.Contains(msg, "duplicate key value"): // postgres
		return true
	case strings.Contains(msg, "duplicate entry"): // mysql
		return true
	default:
		return false
	}
}
