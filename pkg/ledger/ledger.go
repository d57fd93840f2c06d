// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ledger owns the durable usage store: per-request token accounting,
// quota-rejection events, routing decisions, and the current session. All
// other components read and write persisted state exclusively through it.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	_ "github.com/teradata-labs/cruise/internal/sqlitedriver"
	"github.com/teradata-labs/cruise/pkg/pricing"
)

// Ledger provides SQLite-backed storage for usage accounting. Writes are
// serialized with a mutex on top of WAL journaling; reads take the read lock.
type Ledger struct {
	db          *sql.DB
	mu          sync.RWMutex
	logger      *zap.Logger
	sessionID   string
	projectPath string
	closed      bool
}

// Open creates (or opens) the database at dbPath, initializes the schema,
// and starts a new session. The parent directory is created if absent.
func Open(dbPath string, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL admits concurrent reads during writes; foreign keys enforce the
	// usage_logs -> sessions reference.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	projectPath, _ := os.Getwd()

	l := &Ledger{
		db:          db,
		logger:      logger,
		projectPath: projectPath,
	}

	if err := l.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := l.startSession(); err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	logger.Info("usage ledger opened",
		zap.String("path", dbPath),
		zap.String("session_id", l.sessionID))
	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		total_cost REAL NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		project_path TEXT
	);

	CREATE TABLE IF NOT EXISTS usage_logs (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		model TEXT NOT NULL,
		provider TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cache_write_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 1,
		error_type TEXT,
		project_path TEXT,
		routed_from TEXT,
		routing_reason TEXT,
		FOREIGN KEY (session_id) REFERENCES sessions(session_id)
	);

	CREATE TABLE IF NOT EXISTS rate_limit_events (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		model TEXT NOT NULL,
		error_type TEXT,
		reset_time INTEGER,
		tokens_used_before_limit INTEGER NOT NULL DEFAULT 0,
		window_hours REAL NOT NULL DEFAULT 5
	);

	CREATE TABLE IF NOT EXISTS routing_decisions (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		original_provider TEXT,
		routed_provider TEXT,
		routed_model TEXT,
		reason TEXT,
		estimated_savings REAL NOT NULL DEFAULT 0,
		FOREIGN KEY (session_id) REFERENCES sessions(session_id)
	);

	CREATE INDEX IF NOT EXISTS idx_usage_logs_timestamp ON usage_logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_logs_session ON usage_logs(session_id);
	CREATE INDEX IF NOT EXISTS idx_rate_limit_events_model_ts ON rate_limit_events(model, timestamp);
	CREATE INDEX IF NOT EXISTS idx_routing_decisions_timestamp ON routing_decisions(timestamp);
	`

	_, err := l.db.Exec(schema)
	return err
}

// startSession inserts the session row this process accounts against.
func (l *Ledger) startSession() error {
	now := time.Now()
	l.sessionID = newSessionID(now)
	_, err := l.db.Exec(
		`INSERT INTO sessions (session_id, started_at, project_path) VALUES (?, ?, ?)`,
		l.sessionID, now.UnixMilli(), l.projectPath,
	)
	return err
}

// SessionID returns the identifier of the current session.
func (l *Ledger) SessionID() string {
	return l.sessionID
}

// AddLog assigns a fresh id, stamps the current session, computes the cost,
// writes the row, and recomputes the session totals — all in one transaction.
func (l *Ledger) AddLog(ctx context.Context, entry UsageLog) (UsageLog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.ID = newID()
	entry.SessionID = l.sessionID
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	if entry.ProjectPath == "" {
		entry.ProjectPath = l.projectPath
	}
	entry.CostUSD = pricing.Cost(entry.Model,
		entry.InputTokens, entry.OutputTokens,
		entry.CacheReadTokens, entry.CacheWriteTokens)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return UsageLog{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_logs (
			id, timestamp, session_id, model, provider,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
			cost_usd, latency_ms, success, error_type, project_path,
			routed_from, routing_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp, entry.SessionID, entry.Model, entry.Provider,
		entry.InputTokens, entry.OutputTokens, entry.CacheReadTokens, entry.CacheWriteTokens,
		entry.CostUSD, entry.LatencyMs, boolToInt(entry.Success), nullable(entry.ErrorType),
		entry.ProjectPath, nullable(entry.RoutedFrom), nullable(entry.RoutingReason),
	)
	if err != nil {
		return UsageLog{}, fmt.Errorf("failed to insert usage log: %w", err)
	}

	// Session totals stay equal to the sum over the session's logs.
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET
			total_cost = (SELECT COALESCE(SUM(cost_usd), 0) FROM usage_logs WHERE session_id = ?),
			total_tokens = (SELECT COALESCE(SUM(input_tokens + output_tokens), 0) FROM usage_logs WHERE session_id = ?)
		WHERE session_id = ?`,
		entry.SessionID, entry.SessionID, entry.SessionID,
	)
	if err != nil {
		return UsageLog{}, fmt.Errorf("failed to update session totals: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return UsageLog{}, fmt.Errorf("failed to commit usage log: %w", err)
	}
	return entry, nil
}

const usageLogColumns = `
	id, timestamp, session_id, model, provider,
	input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
	cost_usd, latency_ms, success, error_type, project_path,
	routed_from, routing_reason`

// GetWindowLogs returns usage logs within [now - hours, now], newest first.
func (l *Ledger) GetWindowLogs(ctx context.Context, hours float64) ([]UsageLog, error) {
	cutoff := time.Now().UnixMilli() - int64(hours*3600_000)
	return l.queryLogs(ctx,
		`SELECT `+usageLogColumns+` FROM usage_logs WHERE timestamp >= ? ORDER BY timestamp DESC`,
		cutoff)
}

// GetSessionLogs returns the current session's logs, newest first.
func (l *Ledger) GetSessionLogs(ctx context.Context) ([]UsageLog, error) {
	return l.queryLogs(ctx,
		`SELECT `+usageLogColumns+` FROM usage_logs WHERE session_id = ? ORDER BY timestamp DESC`,
		l.sessionID)
}

// GetTodayLogs returns logs since local midnight, newest first.
func (l *Ledger) GetTodayLogs(ctx context.Context) ([]UsageLog, error) {
	return l.queryLogs(ctx,
		`SELECT `+usageLogColumns+` FROM usage_logs WHERE timestamp >= ? ORDER BY timestamp DESC`,
		localMidnight().UnixMilli())
}

func (l *Ledger) queryLogs(ctx context.Context, query string, args ...interface{}) ([]UsageLog, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	var logs []UsageLog
	for rows.Next() {
		var log UsageLog
		var success int
		var errorType, projectPath, routedFrom, routingReason sql.NullString
		if err := rows.Scan(
			&log.ID, &log.Timestamp, &log.SessionID, &log.Model, &log.Provider,
			&log.InputTokens, &log.OutputTokens, &log.CacheReadTokens, &log.CacheWriteTokens,
			&log.CostUSD, &log.LatencyMs, &success, &errorType, &projectPath,
			&routedFrom, &routingReason,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		log.Success = success != 0
		log.ErrorType = errorType.String
		log.ProjectPath = projectPath.String
		log.RoutedFrom = routedFrom.String
		log.RoutingReason = routingReason.String
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage logs: %w", err)
	}
	return logs, nil
}

// GetTotalUsage reduces the timeframe's logs to aggregate totals.
// AvgLatencyMs is 0 when the window holds no requests.
func (l *Ledger) GetTotalUsage(ctx context.Context, tf Timeframe) (TotalUsage, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	where, arg := l.timeframeFilter(tf)
	query := `
		SELECT
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cost_usd), 0),
			COUNT(*),
			COALESCE(AVG(latency_ms), 0)
		FROM usage_logs WHERE ` + where

	var u TotalUsage
	err := l.db.QueryRowContext(ctx, query, arg).Scan(
		&u.InputTokens, &u.OutputTokens, &u.TotalCost, &u.RequestCount, &u.AvgLatencyMs)
	if err != nil {
		return TotalUsage{}, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return u, nil
}

// timeframeFilter returns the WHERE fragment and its argument for a timeframe.
func (l *Ledger) timeframeFilter(tf Timeframe) (string, interface{}) {
	switch tf {
	case TimeframeSession:
		return "session_id = ?", l.sessionID
	case TimeframeWeek:
		return "timestamp >= ?", time.Now().UnixMilli() - 7*86_400_000
	default: // today
		return "timestamp >= ?", localMidnight().UnixMilli()
	}
}

// AddRateLimitEvent inserts a quota-rejection event. Learned-limit updates
// are the limit learner's responsibility, not the ledger's.
func (l *Ledger) AddRateLimitEvent(ctx context.Context, ev RateLimitEvent) (RateLimitEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev.ID = newID()
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	if ev.WindowHours == 0 {
		ev.WindowHours = 5
	}

	var resetTime interface{}
	if ev.ResetTime != 0 {
		resetTime = ev.ResetTime
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO rate_limit_events (id, timestamp, model, error_type, reset_time, tokens_used_before_limit, window_hours)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Timestamp, ev.Model, nullable(ev.ErrorType), resetTime,
		ev.TokensUsedBeforeLimit, ev.WindowHours,
	)
	if err != nil {
		return RateLimitEvent{}, fmt.Errorf("failed to insert rate limit event: %w", err)
	}
	return ev, nil
}

// GetRateLimitHistory returns all events for one model, newest first.
func (l *Ledger) GetRateLimitHistory(ctx context.Context, model string) ([]RateLimitEvent, error) {
	return l.queryEvents(ctx,
		`SELECT id, timestamp, model, error_type, reset_time, tokens_used_before_limit, window_hours
		 FROM rate_limit_events WHERE model = ? ORDER BY timestamp DESC`, model)
}

// GetRateLimitWindow returns events within [now - hours, now], newest first.
func (l *Ledger) GetRateLimitWindow(ctx context.Context, hours float64) ([]RateLimitEvent, error) {
	cutoff := time.Now().UnixMilli() - int64(hours*3600_000)
	return l.queryEvents(ctx,
		`SELECT id, timestamp, model, error_type, reset_time, tokens_used_before_limit, window_hours
		 FROM rate_limit_events WHERE timestamp >= ? ORDER BY timestamp DESC`, cutoff)
}

func (l *Ledger) queryEvents(ctx context.Context, query string, args ...interface{}) ([]RateLimitEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rate limit events: %w", err)
	}
	defer rows.Close()

	var events []RateLimitEvent
	for rows.Next() {
		var ev RateLimitEvent
		var errorType sql.NullString
		var resetTime sql.NullInt64
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Model, &errorType,
			&resetTime, &ev.TokensUsedBeforeLimit, &ev.WindowHours); err != nil {
			return nil, fmt.Errorf("failed to scan rate limit event: %w", err)
		}
		ev.ErrorType = errorType.String
		ev.ResetTime = resetTime.Int64
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rate limit events: %w", err)
	}
	return events, nil
}

// AddRoutingDecision inserts a persisted routing switch for the current session.
func (l *Ledger) AddRoutingDecision(ctx context.Context, d RoutingDecision) (RoutingDecision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d.ID = newID()
	d.SessionID = l.sessionID
	if d.Timestamp == 0 {
		d.Timestamp = time.Now().UnixMilli()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO routing_decisions (id, timestamp, session_id, original_provider, routed_provider, routed_model, reason, estimated_savings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Timestamp, d.SessionID, d.OriginalProvider, d.RoutedProvider,
		d.RoutedModel, d.Reason, d.EstimatedSavings,
	)
	if err != nil {
		return RoutingDecision{}, fmt.Errorf("failed to insert routing decision: %w", err)
	}
	return d, nil
}

// GetRoutingSavings sums estimated savings over the selected timeframe.
func (l *Ledger) GetRoutingSavings(ctx context.Context, tf Timeframe) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	where, arg := l.timeframeFilter(tf)
	var total float64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(estimated_savings), 0) FROM routing_decisions WHERE `+where,
		arg).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum routing savings: %w", err)
	}
	return total, nil
}

// CurrentSession returns the session row this process accounts against.
func (l *Ledger) CurrentSession(ctx context.Context) (Session, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var s Session
	var endedAt sql.NullInt64
	var projectPath sql.NullString
	err := l.db.QueryRowContext(ctx, `
		SELECT session_id, started_at, ended_at, total_cost, total_tokens, project_path
		FROM sessions WHERE session_id = ?`, l.sessionID).
		Scan(&s.SessionID, &s.StartedAt, &endedAt, &s.TotalCost, &s.TotalTokens, &projectPath)
	if err != nil {
		return Session{}, fmt.Errorf("failed to load session: %w", err)
	}
	s.EndedAt = endedAt.Int64
	s.ProjectPath = projectPath.String
	return s, nil
}

// Cleanup deletes usage logs older than retentionDays days and returns the
// number of rows removed. Events, decisions, and sessions are untouched.
func (l *Ledger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().UnixMilli() - int64(retentionDays)*86_400_000
	res, err := l.db.ExecContext(ctx, `DELETE FROM usage_logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired usage logs: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted rows: %w", err)
	}
	if deleted > 0 {
		l.logger.Info("retention cleanup removed usage logs",
			zap.Int64("deleted", deleted),
			zap.Int("retention_days", retentionDays))
	}
	return deleted, nil
}

// Vacuum reclaims free pages in the database file.
func (l *Ledger) Vacuum(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}

// Close marks the session ended and closes the store. Idempotent.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if _, err := l.db.Exec(
		`UPDATE sessions SET ended_at = ? WHERE session_id = ?`,
		time.Now().UnixMilli(), l.sessionID,
	); err != nil {
		l.logger.Warn("failed to stamp session end", zap.Error(err))
	}
	return l.db.Close()
}

// localMidnight returns today's midnight in the local timezone.
func localMidnight() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullable maps the empty string to SQL NULL.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
