package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "dhan-tracker/internal/errors"
	"dhan-tracker/internal/models"
	"dhan-tracker/internal/security"
)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	mu       sync.RWMutex
	jobTimes map[string]time.Time
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The scheduler, the API and the CLI may share one file.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{
		db:       db,
		jobTimes: make(map[string]time.Time),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Access tokens
	CREATE TABLE IF NOT EXISTS api_keys (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at DATETIME,
		updated_at DATETIME NOT NULL
	);

	-- Executed protective stop-losses
	CREATE TABLE IF NOT EXISTS order_triggers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL UNIQUE,
		trading_symbol TEXT NOT NULL,
		isin TEXT,
		security_id TEXT,
		transaction_type TEXT,
		quantity INTEGER NOT NULL,
		trigger_price REAL,
		executed_price REAL,
		order_type TEXT,
		order_status TEXT,
		trigger_type TEXT,
		cost_price REAL,
		pnl_amount REAL,
		pnl_percent REAL,
		protection_tier TEXT,
		email_sent INTEGER DEFAULT 0,
		triggered_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- One row per protection pass
	CREATE TABLE IF NOT EXISTS protection_runs (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		force INTEGER DEFAULT 0,
		dry_run INTEGER DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		total INTEGER DEFAULT 0,
		succeeded INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		skipped INTEGER DEFAULT 0,
		error TEXT
	);

	-- Per-holding outcomes of a pass
	CREATE TABLE IF NOT EXISTS protection_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		security_id TEXT NOT NULL,
		trading_symbol TEXT NOT NULL,
		action TEXT NOT NULL,
		success INTEGER DEFAULT 0,
		skipped INTEGER DEFAULT 0,
		ltp REAL,
		stop_loss_price REAL,
		target_price REAL,
		tier TEXT,
		order_id TEXT,
		message TEXT,
		FOREIGN KEY (run_id) REFERENCES protection_runs(id)
	);

	-- Last run of each scheduled job
	CREATE TABLE IF NOT EXISTS job_runs (
		job TEXT PRIMARY KEY,
		last_run DATETIME NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_triggers_symbol ON order_triggers(trading_symbol);
	CREATE INDEX IF NOT EXISTS idx_triggers_triggered_at ON order_triggers(triggered_at);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON protection_runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_results_run ON protection_results(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Credentials
// ============================================================================

// GetToken implements security.CredentialStore.
func (s *SQLiteStore) GetToken(ctx context.Context, name string) (*security.Token, error) {
	var (
		t       security.Token
		expires sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT name, value, expires_at, updated_at FROM api_keys WHERE name = ?
	`, name).Scan(&t.Name, &t.Value, &expires, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrDataNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read token: %v", apperrors.ErrDatabaseError, err)
	}
	if expires.Valid {
		t.ExpiresAt = expires.Time
	}
	return &t, nil
}

// SetToken implements security.CredentialStore.
func (s *SQLiteStore) SetToken(ctx context.Context, token security.Token) error {
	if token.UpdatedAt.IsZero() {
		token.UpdatedAt = time.Now()
	}
	var expires interface{}
	if !token.ExpiresAt.IsZero() {
		expires = token.ExpiresAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (name, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at, updated_at = excluded.updated_at
	`, token.Name, token.Value, expires, token.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("%w: failed to save token: %v", apperrors.ErrDatabaseError, err)
	}
	return nil
}

// ============================================================================
// Trigger history
// ============================================================================

// SaveTrigger records an executed stop-loss and returns its row id. Saving
// the same order twice keeps the first row.
func (s *SQLiteStore) SaveTrigger(ctx context.Context, rec models.TriggerRecord) (int64, error) {
	if rec.TriggeredAt.IsZero() {
		rec.TriggeredAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_triggers (order_id, trading_symbol, isin, security_id, transaction_type, quantity, trigger_price, executed_price, order_type, order_status, trigger_type, cost_price, pnl_amount, pnl_percent, protection_tier, email_sent, triggered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO NOTHING
	`, rec.OrderID, rec.TradingSymbol, rec.ISIN, rec.SecurityID, rec.TransactionType, rec.Quantity,
		rec.TriggerPrice, rec.ExecutedPrice, rec.OrderType, rec.OrderStatus, rec.TriggerType,
		nullFloat(rec.CostPrice), nullFloat(rec.PnLAmount), nullFloat(rec.PnLPercent),
		rec.ProtectionTier, boolInt(rec.EmailSent), rec.TriggeredAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to save trigger: %w", err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM order_triggers WHERE order_id = ?`, rec.OrderID).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read trigger id: %w", err)
	}
	return id, nil
}

// TriggerExists reports whether an order's trigger has been recorded.
func (s *SQLiteStore) TriggerExists(ctx context.Context, orderID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM order_triggers WHERE order_id = ?`, orderID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check trigger: %w", err)
	}
	return n > 0, nil
}

// MarkEmailSent flags a recorded trigger as notified.
func (s *SQLiteStore) MarkEmailSent(ctx context.Context, orderID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE order_triggers SET email_sent = 1 WHERE order_id = ?`, orderID)
	if err != nil {
		return fmt.Errorf("failed to mark trigger notified: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("trigger for order %s: %w", orderID, apperrors.ErrDataNotFound)
	}
	return nil
}

// ListTriggers returns recorded triggers, newest first.
func (s *SQLiteStore) ListTriggers(ctx context.Context, filter models.TriggerFilter) ([]models.TriggerRecord, error) {
	query := `SELECT id, order_id, trading_symbol, isin, security_id, transaction_type, quantity, trigger_price, executed_price, order_type, order_status, trigger_type, cost_price, pnl_amount, pnl_percent, protection_tier, email_sent, triggered_at FROM order_triggers WHERE 1=1`
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND trading_symbol = ?"
		args = append(args, filter.Symbol)
	}
	if !filter.Since.IsZero() {
		query += " AND triggered_at >= ?"
		args = append(args, filter.Since.UTC())
	}

	query += " ORDER BY triggered_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}
	defer rows.Close()

	triggers := []models.TriggerRecord{}
	for rows.Next() {
		var (
			t                 models.TriggerRecord
			isin, secID, tier sql.NullString
			cost, pnl, pct    sql.NullFloat64
			emailSent         int
		)
		if err := rows.Scan(&t.ID, &t.OrderID, &t.TradingSymbol, &isin, &secID, &t.TransactionType, &t.Quantity,
			&t.TriggerPrice, &t.ExecutedPrice, &t.OrderType, &t.OrderStatus, &t.TriggerType,
			&cost, &pnl, &pct, &tier, &emailSent, &t.TriggeredAt); err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}
		t.ISIN = isin.String
		t.SecurityID = secID.String
		t.ProtectionTier = tier.String
		t.CostPrice = floatPtr(cost)
		t.PnLAmount = floatPtr(pnl)
		t.PnLPercent = floatPtr(pct)
		t.EmailSent = emailSent == 1
		triggers = append(triggers, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating triggers: %w", err)
	}

	return triggers, nil
}

// ============================================================================
// Protection passes
// ============================================================================

// SaveRun persists a pass header and its per-holding results in one transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, run models.PassRecord, results []models.ProtectionResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var finished interface{}
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt.UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO protection_runs (id, mode, force, dry_run, started_at, finished_at, total, succeeded, failed, skipped, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Mode, boolInt(run.Force), boolInt(run.DryRun), run.StartedAt.UTC(), finished,
		run.Tally.Total, run.Tally.Succeeded, run.Tally.Failed, run.Tally.Skipped, run.Error)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM protection_results WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("failed to clear run results: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO protection_results (run_id, security_id, trading_symbol, action, success, skipped, ltp, stop_loss_price, target_price, tier, order_id, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		_, err := stmt.ExecContext(ctx, run.ID, r.Holding.SecurityID, r.Holding.TradingSymbol, r.Action,
			boolInt(r.Success), boolInt(r.Skipped), r.LTP, r.StopLossPrice, r.TargetPrice, r.Tier, r.OrderID, r.Message)
		if err != nil {
			return fmt.Errorf("failed to insert result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// RecentRuns returns the latest passes, newest first.
func (s *SQLiteStore) RecentRuns(ctx context.Context, limit int) ([]models.PassRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mode, force, dry_run, started_at, finished_at, total, succeeded, failed, skipped, error
		FROM protection_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []models.PassRecord{}
	for rows.Next() {
		var (
			r             models.PassRecord
			force, dryRun int
			finished      sql.NullTime
			runErr        sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Mode, &force, &dryRun, &r.StartedAt, &finished,
			&r.Tally.Total, &r.Tally.Succeeded, &r.Tally.Failed, &r.Tally.Skipped, &runErr); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Force = force == 1
		r.DryRun = dryRun == 1
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		r.Error = runErr.String
		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// RunResults returns the per-holding outcomes of a pass in symbol order.
func (s *SQLiteStore) RunResults(ctx context.Context, runID string) ([]RunResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, security_id, trading_symbol, action, success, skipped, ltp, stop_loss_price, target_price, tier, order_id, message
		FROM protection_results
		WHERE run_id = ?
		ORDER BY trading_symbol ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	results := []RunResult{}
	for rows.Next() {
		var (
			r                      RunResult
			success, skipped       int
			tier, orderID, message sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.SecurityID, &r.TradingSymbol, &r.Action, &success, &skipped,
			&r.LTP, &r.StopLossPrice, &r.TargetPrice, &tier, &orderID, &message); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r.Success = success == 1
		r.Skipped = skipped == 1
		r.Tier = tier.String
		r.OrderID = orderID.String
		r.Message = message.String
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}

	return results, nil
}

// ============================================================================
// Scheduled jobs
// ============================================================================

// LastRun returns when a scheduled job last ran, or the zero time.
func (s *SQLiteStore) LastRun(job string) time.Time {
	s.mu.RLock()
	if t, ok := s.jobTimes[job]; ok {
		s.mu.RUnlock()
		return t
	}
	s.mu.RUnlock()

	var lastRun time.Time
	err := s.db.QueryRow(`
		SELECT last_run FROM job_runs WHERE job = ?
	`, job).Scan(&lastRun)
	if err != nil {
		return time.Time{}
	}

	s.mu.Lock()
	s.jobTimes[job] = lastRun
	s.mu.Unlock()

	return lastRun
}

// SetLastRun records when a scheduled job last ran.
func (s *SQLiteStore) SetLastRun(job string, t time.Time) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO job_runs (job, last_run, updated_at)
		VALUES (?, ?, ?)
	`, job, t.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set last run: %w", err)
	}

	s.mu.Lock()
	s.jobTimes[job] = t
	s.mu.Unlock()

	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
