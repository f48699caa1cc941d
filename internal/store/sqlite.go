package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"paper-trader/internal/models"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_loc=auto")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		user TEXT NOT NULL,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		side TEXT NOT NULL,
		price_type TEXT NOT NULL,
		product TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		price INTEGER NOT NULL DEFAULT 0,
		trigger_price INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		margin_blocked INTEGER NOT NULL DEFAULT 0,
		average_price INTEGER NOT NULL DEFAULT 0,
		placed_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		user TEXT NOT NULL,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		side TEXT NOT NULL,
		product TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		price INTEGER NOT NULL,
		ts DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS positions (
		user TEXT NOT NULL,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		product TEXT NOT NULL,
		quantity INTEGER NOT NULL DEFAULT 0,
		average_price INTEGER NOT NULL DEFAULT 0,
		last_price INTEGER NOT NULL DEFAULT 0,
		unrealized_pnl INTEGER NOT NULL DEFAULT 0,
		today_realized_pnl INTEGER NOT NULL DEFAULT 0,
		accumulated_realized_pnl INTEGER NOT NULL DEFAULT 0,
		margin_blocked INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (user, symbol, exchange, product)
	);

	CREATE TABLE IF NOT EXISTS holdings (
		user TEXT NOT NULL,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		quantity INTEGER NOT NULL DEFAULT 0,
		average_price INTEGER NOT NULL DEFAULT 0,
		last_price INTEGER NOT NULL DEFAULT 0,
		settlement_date DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (user, symbol, exchange)
	);

	CREATE TABLE IF NOT EXISTS funds (
		user TEXT PRIMARY KEY,
		total_capital INTEGER NOT NULL,
		available_balance INTEGER NOT NULL,
		used_margin INTEGER NOT NULL DEFAULT 0,
		realized_pnl INTEGER NOT NULL DEFAULT 0,
		unrealized_pnl INTEGER NOT NULL DEFAULT 0,
		today_realized_pnl INTEGER NOT NULL DEFAULT 0,
		last_reset_date TEXT NOT NULL DEFAULT '',
		reset_count INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS daily_pnl (
		user TEXT NOT NULL,
		date TEXT NOT NULL,
		realized_pnl INTEGER NOT NULL DEFAULT 0,
		positions_unrealized INTEGER NOT NULL DEFAULT 0,
		holdings_unrealized INTEGER NOT NULL DEFAULT 0,
		total_mtm INTEGER NOT NULL DEFAULT 0,
		portfolio_value INTEGER NOT NULL DEFAULT 0,
		approximate INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (user, date)
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS instruments (
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		class TEXT NOT NULL,
		lot_size INTEGER NOT NULL DEFAULT 1,
		tick_size INTEGER NOT NULL DEFAULT 5,
		expiry DATETIME,
		strike INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (symbol, exchange)
	);

	CREATE TABLE IF NOT EXISTS schedule_state (
		job_id TEXT PRIMARY KEY,
		next_fire DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_user_status ON orders(user, status);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_trades_user_ts ON trades(user, ts);
	CREATE INDEX IF NOT EXISTS idx_trades_order ON trades(order_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Orders
// ============================================================================

const orderColumns = `id, user, symbol, exchange, side, price_type, product,
	quantity, price, trigger_price, status, reason, margin_blocked,
	average_price, placed_at, updated_at`

func saveOrder(ctx context.Context, q dbtx, o *models.Order) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.User, o.Symbol, o.Exchange, o.Side, o.PriceType, o.Product,
		o.Quantity, o.Price, o.TriggerPrice, o.Status, o.Reason,
		o.MarginBlocked, o.AveragePrice, o.PlacedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// SaveOrder persists a new order.
func (s *SQLiteStore) SaveOrder(ctx context.Context, order *models.Order) error {
	return saveOrder(ctx, s.db, order)
}

// UpdateOrder persists changes to an existing order.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, order *models.Order) error {
	return saveOrder(ctx, s.db, order)
}

func scanOrder(scan func(dest ...interface{}) error) (*models.Order, error) {
	o := &models.Order{}
	err := scan(&o.ID, &o.User, &o.Symbol, &o.Exchange, &o.Side, &o.PriceType,
		&o.Product, &o.Quantity, &o.Price, &o.TriggerPrice, &o.Status,
		&o.Reason, &o.MarginBlocked, &o.AveragePrice, &o.PlacedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// GetOrder returns a single order by id.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// ListOrders returns orders matching the filter, newest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, filter OrderFilter) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	args := make([]interface{}, 0, 4)

	if filter.User != "" {
		query += ` AND user = ?`
		args = append(args, filter.User)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Exchange != "" {
		query += ` AND exchange = ?`
		args = append(args, filter.Exchange)
	}
	if filter.Product != "" {
		query += ` AND product = ?`
		args = append(args, filter.Product)
	}
	query += ` ORDER BY placed_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ============================================================================
// Trades
// ============================================================================

func saveTrade(ctx context.Context, q dbtx, t *models.Trade) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO trades (id, order_id, user, symbol, exchange, side, product, quantity, price, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OrderID, t.User, t.Symbol, t.Exchange, t.Side, t.Product,
		t.Quantity, t.Price, t.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// SaveTrade appends a trade.
func (s *SQLiteStore) SaveTrade(ctx context.Context, trade *models.Trade) error {
	return saveTrade(ctx, s.db, trade)
}

// ListTrades returns trades matching the filter, newest first.
func (s *SQLiteStore) ListTrades(ctx context.Context, filter TradeFilter) ([]*models.Trade, error) {
	query := `SELECT id, order_id, user, symbol, exchange, side, product, quantity, price, ts
		FROM trades WHERE 1=1`
	args := make([]interface{}, 0, 4)

	if filter.User != "" {
		query += ` AND user = ?`
		args = append(args, filter.User)
	}
	if filter.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, filter.Symbol)
	}
	if !filter.StartTime.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, filter.EndTime)
	}
	query += ` ORDER BY ts DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var trades []*models.Trade
	for rows.Next() {
		t := &models.Trade{}
		if err := rows.Scan(&t.ID, &t.OrderID, &t.User, &t.Symbol, &t.Exchange,
			&t.Side, &t.Product, &t.Quantity, &t.Price, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ============================================================================
// Positions
// ============================================================================

const positionColumns = `user, symbol, exchange, product, quantity,
	average_price, last_price, unrealized_pnl, today_realized_pnl,
	accumulated_realized_pnl, margin_blocked, created_at, updated_at`

func upsertPosition(ctx context.Context, q dbtx, p *models.Position) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.User, p.Symbol, p.Exchange, p.Product, p.Quantity,
		p.AveragePrice, p.LastPrice, p.UnrealizedPnL, p.TodayRealizedPnL,
		p.AccumulatedRealizedPnL, p.MarginBlocked, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert position: %w", err)
	}
	return nil
}

// UpsertPosition inserts or replaces a position row.
func (s *SQLiteStore) UpsertPosition(ctx context.Context, pos *models.Position) error {
	return upsertPosition(ctx, s.db, pos)
}

func scanPosition(scan func(dest ...interface{}) error) (*models.Position, error) {
	p := &models.Position{}
	err := scan(&p.User, &p.Symbol, &p.Exchange, &p.Product, &p.Quantity,
		&p.AveragePrice, &p.LastPrice, &p.UnrealizedPnL, &p.TodayRealizedPnL,
		&p.AccumulatedRealizedPnL, &p.MarginBlocked, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetPosition returns the position for the unique key, or nil.
func (s *SQLiteStore) GetPosition(ctx context.Context, user, symbol string, exchange models.Exchange, product models.ProductType) (*models.Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE user = ? AND symbol = ? AND exchange = ? AND product = ?`,
		user, symbol, exchange, product)
	p, err := scanPosition(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return p, nil
}

// ListPositions returns positions matching the filter.
func (s *SQLiteStore) ListPositions(ctx context.Context, filter PositionFilter) ([]*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE 1=1`
	args := make([]interface{}, 0, 4)

	if filter.User != "" {
		query += ` AND user = ?`
		args = append(args, filter.User)
	}
	if filter.Exchange != "" {
		query += ` AND exchange = ?`
		args = append(args, filter.Exchange)
	}
	if filter.Product != "" {
		query += ` AND product = ?`
		args = append(args, filter.Product)
	}
	if filter.OpenOnly {
		query += ` AND quantity != 0`
	}
	if !filter.CreatedBefore.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, filter.CreatedBefore)
	}
	if !filter.UpdatedBefore.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, filter.UpdatedBefore)
	}
	query += ` ORDER BY user, exchange, symbol`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var positions []*models.Position
	for rows.Next() {
		p, err := scanPosition(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// DeletePosition removes a position row. Used only by T+1 settlement when
// the position has moved into holdings.
func (s *SQLiteStore) DeletePosition(ctx context.Context, user, symbol string, exchange models.Exchange, product models.ProductType) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM positions WHERE user = ? AND symbol = ? AND exchange = ? AND product = ?`,
		user, symbol, exchange, product)
	if err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	return nil
}

// ============================================================================
// Holdings
// ============================================================================

func upsertHolding(ctx context.Context, q dbtx, h *models.Holding) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO holdings (user, symbol, exchange, quantity, average_price, last_price, settlement_date, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.User, h.Symbol, h.Exchange, h.Quantity, h.AveragePrice,
		h.LastPrice, h.SettlementDate, h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert holding: %w", err)
	}
	return nil
}

// UpsertHolding inserts or replaces a holding row.
func (s *SQLiteStore) UpsertHolding(ctx context.Context, holding *models.Holding) error {
	return upsertHolding(ctx, s.db, holding)
}

func deleteHolding(ctx context.Context, q dbtx, user, symbol string, exchange models.Exchange) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM holdings WHERE user = ? AND symbol = ? AND exchange = ?`,
		user, symbol, exchange)
	if err != nil {
		return fmt.Errorf("failed to delete holding: %w", err)
	}
	return nil
}

// GetHolding returns the holding for the unique key, or nil.
func (s *SQLiteStore) GetHolding(ctx context.Context, user, symbol string, exchange models.Exchange) (*models.Holding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user, symbol, exchange, quantity, average_price, last_price, settlement_date, updated_at
		FROM holdings WHERE user = ? AND symbol = ? AND exchange = ?`,
		user, symbol, exchange)
	h := &models.Holding{}
	err := row.Scan(&h.User, &h.Symbol, &h.Exchange, &h.Quantity,
		&h.AveragePrice, &h.LastPrice, &h.SettlementDate, &h.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get holding: %w", err)
	}
	return h, nil
}

// ListHoldings returns all holdings for a user.
func (s *SQLiteStore) ListHoldings(ctx context.Context, user string) ([]*models.Holding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user, symbol, exchange, quantity, average_price, last_price, settlement_date, updated_at
		FROM holdings WHERE user = ? ORDER BY exchange, symbol`, user)
	if err != nil {
		return nil, fmt.Errorf("failed to list holdings: %w", err)
	}
	defer rows.Close()

	var holdings []*models.Holding
	for rows.Next() {
		h := &models.Holding{}
		if err := rows.Scan(&h.User, &h.Symbol, &h.Exchange, &h.Quantity,
			&h.AveragePrice, &h.LastPrice, &h.SettlementDate, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// DeleteHolding removes a holding row once its quantity reaches zero.
func (s *SQLiteStore) DeleteHolding(ctx context.Context, user, symbol string, exchange models.Exchange) error {
	return deleteHolding(ctx, s.db, user, symbol, exchange)
}

// ============================================================================
// Funds
// ============================================================================

const fundColumns = `user, total_capital, available_balance, used_margin,
	realized_pnl, unrealized_pnl, today_realized_pnl, last_reset_date,
	reset_count, updated_at`

const dateLayout = "2006-01-02"

func saveFund(ctx context.Context, q dbtx, f *models.Fund) error {
	resetDate := ""
	if !f.LastResetDate.IsZero() {
		resetDate = f.LastResetDate.Format(dateLayout)
	}
	_, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO funds (`+fundColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.User, f.TotalCapital, f.AvailableBalance, f.UsedMargin,
		f.RealizedPnL, f.UnrealizedPnL, f.TodayRealizedPnL, resetDate,
		f.ResetCount, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save fund: %w", err)
	}
	return nil
}

// SaveFund inserts or replaces a fund account.
func (s *SQLiteStore) SaveFund(ctx context.Context, fund *models.Fund) error {
	return saveFund(ctx, s.db, fund)
}

func scanFund(scan func(dest ...interface{}) error) (*models.Fund, error) {
	f := &models.Fund{}
	var resetDate string
	err := scan(&f.User, &f.TotalCapital, &f.AvailableBalance, &f.UsedMargin,
		&f.RealizedPnL, &f.UnrealizedPnL, &f.TodayRealizedPnL, &resetDate,
		&f.ResetCount, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if resetDate != "" {
		f.LastResetDate, _ = time.Parse(dateLayout, resetDate)
	}
	return f, nil
}

// GetFund returns a user's fund account, or nil.
func (s *SQLiteStore) GetFund(ctx context.Context, user string) (*models.Fund, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fundColumns+` FROM funds WHERE user = ?`, user)
	f, err := scanFund(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fund: %w", err)
	}
	return f, nil
}

// ListFunds returns all fund accounts.
func (s *SQLiteStore) ListFunds(ctx context.Context) ([]*models.Fund, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+fundColumns+` FROM funds ORDER BY user`)
	if err != nil {
		return nil, fmt.Errorf("failed to list funds: %w", err)
	}
	defer rows.Close()

	var funds []*models.Fund
	for rows.Next() {
		f, err := scanFund(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fund: %w", err)
		}
		funds = append(funds, f)
	}
	return funds, rows.Err()
}

// ============================================================================
// Daily P&L
// ============================================================================

// SaveDailyPnL appends a snapshot. Snapshots are append-only: an existing
// row for (user, date) is left untouched.
func (s *SQLiteStore) SaveDailyPnL(ctx context.Context, snap *models.DailyPnL) error {
	approx := 0
	if snap.Approximate {
		approx = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO daily_pnl (user, date, realized_pnl, positions_unrealized,
			holdings_unrealized, total_mtm, portfolio_value, approximate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.User, snap.Date.Format(dateLayout), snap.RealizedPnL,
		snap.PositionsUnrealized, snap.HoldingsUnrealized, snap.TotalMTM,
		snap.PortfolioValue, approx, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save daily pnl: %w", err)
	}
	return nil
}

// GetDailyPnL returns the snapshot for (user, date), or nil.
func (s *SQLiteStore) GetDailyPnL(ctx context.Context, user string, date time.Time) (*models.DailyPnL, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user, date, realized_pnl, positions_unrealized, holdings_unrealized,
			total_mtm, portfolio_value, approximate, created_at
		FROM daily_pnl WHERE user = ? AND date = ?`,
		user, date.Format(dateLayout))

	snap := &models.DailyPnL{}
	var dateStr string
	var approx int
	err := row.Scan(&snap.User, &dateStr, &snap.RealizedPnL,
		&snap.PositionsUnrealized, &snap.HoldingsUnrealized, &snap.TotalMTM,
		&snap.PortfolioValue, &approx, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get daily pnl: %w", err)
	}
	snap.Date, _ = time.Parse(dateLayout, dateStr)
	snap.Approximate = approx != 0
	return snap, nil
}

// ============================================================================
// Fill commit
// ============================================================================

// SaveFillCommit writes one fill's order, trade, position, fund and
// optional holding changes in a single transaction.
func (s *SQLiteStore) SaveFillCommit(ctx context.Context, fc *FillCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if fc.Order != nil {
		if err := saveOrder(ctx, tx, fc.Order); err != nil {
			return err
		}
	}
	if fc.Trade != nil {
		if err := saveTrade(ctx, tx, fc.Trade); err != nil {
			return err
		}
	}
	if fc.Position != nil {
		if fc.DeletePosition {
			_, err := tx.ExecContext(ctx, `
				DELETE FROM positions WHERE user = ? AND symbol = ? AND exchange = ? AND product = ?`,
				fc.Position.User, fc.Position.Symbol, fc.Position.Exchange, fc.Position.Product)
			if err != nil {
				return fmt.Errorf("failed to delete position: %w", err)
			}
		} else if err := upsertPosition(ctx, tx, fc.Position); err != nil {
			return err
		}
	}
	if fc.Holding != nil {
		if fc.DeleteHolding {
			if err := deleteHolding(ctx, tx, fc.Holding.User, fc.Holding.Symbol, fc.Holding.Exchange); err != nil {
				return err
			}
		} else if err := upsertHolding(ctx, tx, fc.Holding); err != nil {
			return err
		}
	}
	if fc.Fund != nil {
		if err := saveFund(ctx, tx, fc.Fund); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit fill: %w", err)
	}
	return nil
}

// ============================================================================
// Settings
// ============================================================================

// GetSetting returns a setting value and whether it exists.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)
	var value string
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get setting: %w", err)
	}
	return value, true, nil
}

// PutSetting inserts or updates a setting. An empty description preserves
// any existing one.
func (s *SQLiteStore) PutSetting(ctx context.Context, key, value, description string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, description, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			description = CASE WHEN excluded.description = '' THEN settings.description ELSE excluded.description END,
			updated_at = excluded.updated_at`,
		key, value, description, time.Now())
	if err != nil {
		return fmt.Errorf("failed to put setting: %w", err)
	}
	return nil
}

// AllSettings returns every setting as a map.
func (s *SQLiteStore) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// ============================================================================
// Instruments
// ============================================================================

// UpsertInstruments bulk-loads reference data.
func (s *SQLiteStore) UpsertInstruments(ctx context.Context, instruments []models.Instrument) error {
	if len(instruments) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO instruments (symbol, exchange, name, class, lot_size, tick_size, expiry, strike)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, inst := range instruments {
		var expiry interface{}
		if !inst.Expiry.IsZero() {
			expiry = inst.Expiry
		}
		if _, err := stmt.ExecContext(ctx, inst.Symbol, inst.Exchange, inst.Name,
			inst.Class, inst.LotSize, inst.TickSize, expiry, inst.Strike); err != nil {
			return fmt.Errorf("failed to insert instrument: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit instruments: %w", err)
	}
	return nil
}

// GetInstrument returns reference data for a symbol, or nil.
func (s *SQLiteStore) GetInstrument(ctx context.Context, symbol string, exchange models.Exchange) (*models.Instrument, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, exchange, name, class, lot_size, tick_size, expiry, strike
		FROM instruments WHERE symbol = ? AND exchange = ?`, symbol, exchange)

	inst := &models.Instrument{}
	var expiry sql.NullTime
	err := row.Scan(&inst.Symbol, &inst.Exchange, &inst.Name, &inst.Class,
		&inst.LotSize, &inst.TickSize, &expiry, &inst.Strike)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instrument: %w", err)
	}
	if expiry.Valid {
		inst.Expiry = expiry.Time
	}
	return inst, nil
}

// ============================================================================
// Scheduler state
// ============================================================================

// GetNextFire returns the persisted next fire time for a job.
func (s *SQLiteStore) GetNextFire(ctx context.Context, jobID string) (time.Time, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT next_fire FROM schedule_state WHERE job_id = ?`, jobID)
	var at time.Time
	err := row.Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get next fire: %w", err)
	}
	return at, true, nil
}

// SetNextFire persists the next fire time for a job.
func (s *SQLiteStore) SetNextFire(ctx context.Context, jobID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO schedule_state (job_id, next_fire, updated_at)
		VALUES (?, ?, ?)`, jobID, at, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set next fire: %w", err)
	}
	return nil
}

// ListNextFires returns every persisted job fire time.
func (s *SQLiteStore) ListNextFires(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, next_fire FROM schedule_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule state: %w", err)
	}
	defer rows.Close()

	fires := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return nil, fmt.Errorf("failed to scan schedule state: %w", err)
		}
		fires[id] = at
	}
	return fires, rows.Err()
}

// Ensure SQLiteStore implements DataStore
var _ DataStore = (*SQLiteStore)(nil)
