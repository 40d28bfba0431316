package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/tiny-giraffes/life-beacon-360/internal/beacon"
	"github.com/tiny-giraffes/life-beacon-360/internal/diagnostics"
)

const (
	metaLastSeq   = "last_seq"
	metaInstallID = "install_id"

	defaultFailedRetention = 500
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL DEFAULT 0,
		options TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS beacons (
		seq INTEGER PRIMARY KEY,
		session_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		recorded_at INTEGER NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		accuracy REAL NOT NULL,
		speed REAL,
		heartbeat INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT NOT NULL DEFAULT '',
		delivered_at INTEGER NOT NULL DEFAULT 0,
		failed_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS beacons_state_seq ON beacons (state, seq)`,
}

type Options struct {
	DeviceID        string
	FailedRetention int
	Now             func() time.Time
}

type Recovery struct {
	Corrupted        bool
	QuarantinedPath  string
	Cause            error
	ReleasedInFlight int64
	CounterRepaired  bool
	LastSequence     int64
}

func (r Recovery) Events() []diagnostics.Event {
	var events []diagnostics.Event
	if r.Corrupted {
		events = append(events, diagnostics.Event{
			Kind:   diagnostics.KindStorageCorruption,
			Reason: fmt.Sprintf("%v; previous store moved to %s", r.Cause, r.QuarantinedPath),
		})
	}
	if r.CounterRepaired {
		events = append(events, diagnostics.Event{
			Kind:     diagnostics.KindSequenceGap,
			Sequence: r.LastSequence,
			Reason:   "sequence counter was behind stored beacons and has been advanced",
		})
	}
	return events
}

// Store is the durable beacon queue. Every mutation runs in its own
// transaction on a single connection with synchronous=FULL.
type Store struct {
	db              *sql.DB
	path            string
	deviceID        string
	failedRetention int
	now             func() time.Time
}

// Open moves unreadable state aside and starts a fresh store.
func Open(path string, opts Options) (*Store, Recovery, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, Recovery{}, fmt.Errorf("create store directory: %w", err)
	}

	s, rec, err := open(path, opts)
	if err == nil {
		return s, rec, nil
	}
	if !errors.Is(err, beacon.ErrStorageCorruption) {
		return nil, Recovery{}, err
	}

	quarantined := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if qerr := quarantine(path, quarantined); qerr != nil {
		return nil, Recovery{}, fmt.Errorf("quarantine store: %w", qerr)
	}
	log.Printf("beacon store at %s unreadable, starting fresh: %v", path, err)

	s, rec, ferr := open(path, opts)
	if ferr != nil {
		return nil, Recovery{}, ferr
	}
	rec.Corrupted = true
	rec.QuarantinedPath = quarantined
	rec.Cause = err
	return s, rec, nil
}

func open(path string, opts Options) (*Store, Recovery, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, Recovery{}, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	retention := opts.FailedRetention
	if retention == 0 {
		retention = defaultFailedRetention
	}
	s := &Store{db: db, path: path, failedRetention: retention, now: now}

	ctx := context.Background()
	rec, err := s.init(ctx, opts.DeviceID)
	if err != nil {
		_ = db.Close()
		return nil, Recovery{}, classify(err)
	}
	return s, rec, nil
}

func (s *Store) init(ctx context.Context, deviceID string) (Recovery, error) {
	for _, q := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=FULL"} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return Recovery{}, fmt.Errorf("set pragma %q: %w", q, err)
		}
	}

	var check string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&check); err != nil {
		return Recovery{}, fmt.Errorf("quick check: %w", err)
	}
	if check != "ok" {
		return Recovery{}, fmt.Errorf("%w: quick check reported %q", beacon.ErrStorageCorruption, check)
	}

	var rec Recovery
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range schema {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("create schema: %w", err)
			}
		}

		installID, err := readMeta(ctx, tx, metaInstallID)
		if errors.Is(err, sql.ErrNoRows) {
			installID = uuid.NewString()
			err = writeMeta(ctx, tx, metaInstallID, installID)
		}
		if err != nil {
			return err
		}
		s.deviceID = installID
		if deviceID != "" {
			s.deviceID = deviceID
		}

		last, err := lastSequence(ctx, tx)
		if err != nil {
			return err
		}
		var maxSeq int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM beacons`).Scan(&maxSeq); err != nil {
			return fmt.Errorf("read max sequence: %w", err)
		}
		if maxSeq > last {
			rec.CounterRepaired = true
			last = maxSeq
			if err := writeMeta(ctx, tx, metaLastSeq, strconv.FormatInt(last, 10)); err != nil {
				return err
			}
		}
		rec.LastSequence = last

		res, err := tx.ExecContext(ctx, `UPDATE beacons SET state = ? WHERE state = ?`, beacon.StatePending, beacon.StateInFlight)
		if err != nil {
			return fmt.Errorf("release in-flight beacons: %w", err)
		}
		rec.ReleasedInFlight, _ = res.RowsAffected()
		return nil
	})
	return rec, err
}

func classify(err error) error {
	if errors.Is(err, beacon.ErrStorageCorruption) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrCorrupt || se.Code == sqlite3.ErrNotADB) {
		return fmt.Errorf("%w: %v", beacon.ErrStorageCorruption, err)
	}
	return err
}

func quarantine(path, target string) error {
	if err := os.Rename(path, target); err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (s *Store) DeviceID() string {
	return s.deviceID
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func readMeta(ctx context.Context, tx *sql.Tx, key string) (string, error) {
	var value string
	err := tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	return value, err
}

func writeMeta(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

func lastSequence(ctx context.Context, tx *sql.Tx) (int64, error) {
	raw, err := readMeta(ctx, tx, metaLastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read sequence counter: %w", err)
	}
	last, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: sequence counter %q", beacon.ErrStorageCorruption, raw)
	}
	return last, nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
