// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/s0up4200/qgov/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	connectionSetupTimeout = 5 * time.Second
	writeChannelBuffer     = 256
)

type writeReq struct {
	ctx   context.Context
	query string
	args  []any
	resCh chan writeRes
}

type writeRes struct {
	result sql.Result
	err    error
}

// SQLite is the Store implementation: a read connection pool plus a single
// dedicated writer goroutine serializing every mutation through one
// channel. Grounded on the teacher's database.DB (writer-channel pattern,
// embed.FS migrations, WAL pragmas), stripped of string-pool interning
// and prepared-statement caching since this module's query surface is
// small and fixed.
type SQLite struct {
	conn    *sql.DB
	writeCh chan writeReq
	stop    chan struct{}
	done    chan struct{}
	closeOnce sync.Once
}

// Open creates (if needed) and migrates the SQLite database at path, then
// starts its writer goroutine.
func Open(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionSetupTimeout)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	db := &SQLite{
		conn:    conn,
		writeCh: make(chan writeReq, writeChannelBuffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	go db.writerLoop()

	return db, nil
}

func (db *SQLite) migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			filename   TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, filename := range files {
		var count int
		if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM migrations WHERE filename = ?", filename).Scan(&count); err != nil {
			return fmt.Errorf("check migration status for %s: %w", filename, err)
		}
		if count > 0 {
			continue
		}

		body, err := migrationsFS.ReadFile("migrations/" + filename)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", filename, err)
		}

		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx for %s: %w", filename, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", filename, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO migrations (filename) VALUES (?)", filename); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", filename, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", filename, err)
		}
		log.Info().Str("migration", filename).Msg("store: applied migration")
	}

	return nil
}

// writerLoop processes every write sequentially on one goroutine so
// concurrent governor/auto-remove calls never race on the SQLite writer
// (spec §5: "the store... must provide its own internal mutual exclusion").
func (db *SQLite) writerLoop() {
	defer close(db.done)

	draining := false
	for {
		if draining {
			select {
			case req, ok := <-db.writeCh:
				if !ok {
					return
				}
				db.processWrite(req)
			default:
				return
			}
			continue
		}

		select {
		case req, ok := <-db.writeCh:
			if !ok {
				return
			}
			db.processWrite(req)
		case <-db.stop:
			draining = true
		}
	}
}

func (db *SQLite) processWrite(req writeReq) {
	result, err := db.conn.ExecContext(req.ctx, req.query, req.args...)
	select {
	case req.resCh <- writeRes{result: result, err: err}:
	default:
	}
}

func (db *SQLite) execWrite(ctx context.Context, query string, args ...any) (sql.Result, error) {
	resCh := make(chan writeRes, 1)
	select {
	case db.writeCh <- writeReq{ctx: ctx, query: query, args: args, resCh: resCh}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-db.stop:
		return nil, fmt.Errorf("store: closing")
	}

	select {
	case res := <-resCh:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (db *SQLite) GetConfig(ctx context.Context, key, def string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	return value, nil
}

func (db *SQLite) SetConfig(ctx context.Context, key, value string) error {
	_, err := db.execWrite(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func (db *SQLite) AddLog(ctx context.Context, level, message string) error {
	_, err := db.execWrite(ctx, "INSERT INTO logs (level, message) VALUES (?, ?)", level, message)
	return err
}

func (db *SQLite) GetSpeedRules(ctx context.Context) ([]domain.SiteRule, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT site_id, target_speed_kib, safety_margin, enabled FROM site_rules")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SiteRule
	for rows.Next() {
		var siteID sql.NullInt64
		var r domain.SiteRule
		if err := rows.Scan(&siteID, &r.TargetSpeedKiB, &r.SafetyMargin, &r.Enabled); err != nil {
			return nil, err
		}
		if siteID.Valid {
			id := siteID.Int64
			r.SiteID = &id
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *SQLite) GetPTSites(ctx context.Context) ([]domain.PTSite, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT site_id, name, url, tracker_keyword FROM pt_sites")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PTSite
	for rows.Next() {
		var s domain.PTSite
		if err := rows.Scan(&s.SiteID, &s.Name, &s.URL, &s.TrackerKeyword); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (db *SQLite) GetQBInstances(ctx context.Context) ([]Instance, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT id, name, host, username, password, enabled FROM qb_instances")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		var inst Instance
		if err := rows.Scan(&inst.ID, &inst.Name, &inst.Host, &inst.Username, &inst.Password, &inst.Enabled); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (db *SQLite) GetEnabledRemoveRules(ctx context.Context) ([]domain.RemoveRule, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, name, description, enabled, sort_order, condition
		FROM remove_rules WHERE enabled = 1 ORDER BY sort_order ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RemoveRule
	for rows.Next() {
		var r domain.RemoveRule
		var conditionJSON string
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Enabled, &r.SortOrder, &conditionJSON); err != nil {
			return nil, err
		}
		cond, err := decodeCondition(conditionJSON)
		if err != nil {
			// Configuration errors are non-fatal: skip this rule, keep the loop going (spec §7).
			log.Warn().Err(err).Int64("rule_id", r.ID).Msg("store: malformed remove rule condition, skipping")
			continue
		}
		r.Condition = cond
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *SQLite) GetAllTorrentLimitStates(ctx context.Context) ([]domain.TorrentLimitState, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT hash, name, tracker, instance_id, site_id, tid,
		       cycle_index, cycle_start, cycle_uploaded_start, cycle_synced,
		       reannounce_time, cached_time_left, reannounce_source,
		       target_speed, last_limit, last_limit_reason, last_log_time,
		       pid_phase, pid_integral, pid_last_error, pid_last_time_unix,
		       kalman_speed, kalman_accel, kalman_p_speed, kalman_p_accel,
		       kalman_last_time_unix, kalman_initialized
		FROM torrent_limit_states
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TorrentLimitState
	for rows.Next() {
		s, err := scanTorrentLimitState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTorrentLimitState(row rowScanner) (domain.TorrentLimitState, error) {
	var s domain.TorrentLimitState
	var siteID sql.NullInt64
	var cycleStart, reannounceTime, lastLogTime sql.NullTime

	err := row.Scan(
		&s.Hash, &s.Name, &s.Tracker, &s.InstanceID, &siteID, &s.TID,
		&s.CycleIndex, &cycleStart, &s.CycleUploadedStart, &s.CycleSynced,
		&reannounceTime, &s.CachedTimeLeft, &s.ReannounceSource,
		&s.TargetSpeed, &s.LastLimit, &s.LastLimitReason, &lastLogTime,
		&s.PID.Phase, &s.PID.Integral, &s.PID.LastError, &s.PID.LastTimeUnix,
		&s.Kalman.Speed, &s.Kalman.Acceleration, &s.Kalman.PSpeed, &s.Kalman.PAccel,
		&s.Kalman.LastTimeUnix, &s.Kalman.Initialized,
	)
	if err != nil {
		return s, err
	}

	if siteID.Valid {
		id := siteID.Int64
		s.SiteID = &id
	}
	if cycleStart.Valid {
		s.CycleStart = cycleStart.Time
	}
	if reannounceTime.Valid {
		s.ReannounceTime = reannounceTime.Time
	}
	if lastLogTime.Valid {
		s.LastLogTime = lastLogTime.Time
	}
	return s, nil
}

func (db *SQLite) SaveTorrentLimitState(ctx context.Context, s domain.TorrentLimitState) error {
	var siteID any
	if s.SiteID != nil {
		siteID = *s.SiteID
	}

	_, err := db.execWrite(ctx, `
		INSERT INTO torrent_limit_states (
			hash, name, tracker, instance_id, site_id, tid,
			cycle_index, cycle_start, cycle_uploaded_start, cycle_synced,
			reannounce_time, cached_time_left, reannounce_source,
			target_speed, last_limit, last_limit_reason, last_log_time,
			pid_phase, pid_integral, pid_last_error, pid_last_time_unix,
			kalman_speed, kalman_accel, kalman_p_speed, kalman_p_accel,
			kalman_last_time_unix, kalman_initialized
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			name = excluded.name, tracker = excluded.tracker, instance_id = excluded.instance_id,
			site_id = excluded.site_id, tid = excluded.tid,
			cycle_index = excluded.cycle_index, cycle_start = excluded.cycle_start,
			cycle_uploaded_start = excluded.cycle_uploaded_start, cycle_synced = excluded.cycle_synced,
			reannounce_time = excluded.reannounce_time, cached_time_left = excluded.cached_time_left,
			reannounce_source = excluded.reannounce_source, target_speed = excluded.target_speed,
			last_limit = excluded.last_limit, last_limit_reason = excluded.last_limit_reason,
			last_log_time = excluded.last_log_time,
			pid_phase = excluded.pid_phase, pid_integral = excluded.pid_integral,
			pid_last_error = excluded.pid_last_error, pid_last_time_unix = excluded.pid_last_time_unix,
			kalman_speed = excluded.kalman_speed, kalman_accel = excluded.kalman_accel,
			kalman_p_speed = excluded.kalman_p_speed, kalman_p_accel = excluded.kalman_p_accel,
			kalman_last_time_unix = excluded.kalman_last_time_unix, kalman_initialized = excluded.kalman_initialized
	`,
		s.Hash, s.Name, s.Tracker, s.InstanceID, siteID, s.TID,
		s.CycleIndex, s.CycleStart, s.CycleUploadedStart, s.CycleSynced,
		s.ReannounceTime, s.CachedTimeLeft, s.ReannounceSource,
		s.TargetSpeed, s.LastLimit, s.LastLimitReason, s.LastLogTime,
		s.PID.Phase, s.PID.Integral, s.PID.LastError, s.PID.LastTimeUnix,
		s.Kalman.Speed, s.Kalman.Acceleration, s.Kalman.PSpeed, s.Kalman.PAccel,
		s.Kalman.LastTimeUnix, s.Kalman.Initialized,
	)
	return err
}

func (db *SQLite) AppendRemoveRecord(ctx context.Context, rec domain.RemoveRecord) error {
	_, err := db.execWrite(ctx, `
		INSERT INTO remove_records (
			timestamp, instance_id, instance_name, torrent_hash, torrent_name,
			matched_rule, reason, size, uploaded, ratio, free_space_at_deletion
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Timestamp, rec.InstanceID, rec.InstanceName, rec.TorrentHash, rec.TorrentName,
		rec.MatchedRule, rec.Reason, rec.Size, rec.Uploaded, rec.Ratio, rec.FreeSpaceAtDeletion)
	if err != nil {
		return err
	}

	// Trim the ring to domain.RemoveRecordCap (spec §8 property 7); cheap
	// since remove_records is append-mostly and this runs once per delete.
	_, err = db.execWrite(ctx, `
		DELETE FROM remove_records WHERE id NOT IN (
			SELECT id FROM remove_records ORDER BY id DESC LIMIT ?
		)
	`, domain.RemoveRecordCap)
	return err
}

func (db *SQLite) GetRemoveRecords(ctx context.Context, limit int) ([]domain.RemoveRecord, error) {
	if limit <= 0 || limit > domain.RemoveRecordCap {
		limit = domain.RemoveRecordCap
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT timestamp, instance_id, instance_name, torrent_hash, torrent_name,
		       matched_rule, reason, size, uploaded, ratio, free_space_at_deletion
		FROM remove_records ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RemoveRecord
	for rows.Next() {
		var rec domain.RemoveRecord
		if err := rows.Scan(&rec.Timestamp, &rec.InstanceID, &rec.InstanceName, &rec.TorrentHash, &rec.TorrentName,
			&rec.MatchedRule, &rec.Reason, &rec.Size, &rec.Uploaded, &rec.Ratio, &rec.FreeSpaceAtDeletion); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close signals the writer to drain and exit, then closes the connection
// pool. Safe to call more than once.
func (db *SQLite) Close() error {
	var err error
	db.closeOnce.Do(func() {
		close(db.stop)
		select {
		case <-db.done:
		case <-time.After(5 * time.Second):
			log.Warn().Msg("store: writer did not drain within 5s, closing anyway")
		}
		err = db.conn.Close()
	})
	return err
}
