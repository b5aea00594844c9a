package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// pgxRows is the subset of pgx.Rows the scan helpers need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func dec(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", what, id, err)
}

// --- Prices ---

func (s *PostgresStore) UpsertPriceStates(ctx context.Context, states []model.PriceState) error {
	batch := &pgx.Batch{}
	for _, st := range states {
		batch.Queue(
			`INSERT INTO price_states (pair, price, high, low, volume, updated_at)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
			 ON CONFLICT (pair) DO UPDATE
			 SET price = EXCLUDED.price, high = EXCLUDED.high, low = EXCLUDED.low,
			     volume = EXCLUDED.volume, updated_at = EXCLUDED.updated_at`,
			st.Pair, st.Price.String(), st.High.String(), st.Low.String(), st.Volume.String(), st.UpdatedAt,
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) GetPriceState(ctx context.Context, pair string) (*model.PriceState, error) {
	var st model.PriceState
	var price, high, low, volume string

	err := s.pool.QueryRow(ctx,
		`SELECT pair, price::TEXT, high::TEXT, low::TEXT, volume::TEXT, updated_at
		 FROM price_states WHERE pair = $1`, pair).
		Scan(&st.Pair, &price, &high, &low, &volume, &st.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "price state", pair)
	}

	st.Price, st.High, st.Low, st.Volume = dec(price), dec(high), dec(low), dec(volume)
	return &st, nil
}

func (s *PostgresStore) ListPriceStates(ctx context.Context) ([]model.PriceState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pair, price::TEXT, high::TEXT, low::TEXT, volume::TEXT, updated_at
		 FROM price_states ORDER BY pair`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []model.PriceState
	for rows.Next() {
		var st model.PriceState
		var price, high, low, volume string
		if err := rows.Scan(&st.Pair, &price, &high, &low, &volume, &st.UpdatedAt); err != nil {
			return nil, err
		}
		st.Price, st.High, st.Low, st.Volume = dec(price), dec(high), dec(low), dec(volume)
		states = append(states, st)
	}
	return states, rows.Err()
}

func (s *PostgresStore) InsertTicks(ctx context.Context, ticks []model.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range ticks {
		batch.Queue(
			`INSERT INTO price_ticks (pair, time, open, high, low, close, volume)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC)
			 ON CONFLICT (pair, time) DO NOTHING`,
			t.Pair, t.Time, t.Open.String(), t.High.String(), t.Low.String(), t.Close.String(), t.Volume.String(),
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) ListTicks(ctx context.Context, pair string, since time.Time) ([]model.Tick, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pair, time, open::TEXT, high::TEXT, low::TEXT, close::TEXT, volume::TEXT
		 FROM price_ticks WHERE pair = $1 AND time >= $2 ORDER BY time`, pair, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ticks []model.Tick
	for rows.Next() {
		var t model.Tick
		var open, high, low, cl, volume string
		if err := rows.Scan(&t.Pair, &t.Time, &open, &high, &low, &cl, &volume); err != nil {
			return nil, err
		}
		t.Open, t.High, t.Low, t.Close, t.Volume = dec(open), dec(high), dec(low), dec(cl), dec(volume)
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

func (s *PostgresStore) PruneTicks(ctx context.Context, before time.Time) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM price_ticks WHERE time < $1`, before)
	return err
}

// --- Interventions ---

const interventionColumns = `id, pair, start_time, end_time, start_date, end_date, recurring,
	min_price::TEXT, max_price::TEXT, trend, priority, conflict_resolution, is_active,
	created_at, updated_at`

func (s *PostgresStore) SaveIntervention(ctx context.Context, r *model.Intervention) error {
	var recurring []byte
	if r.Recurring != nil {
		var err error
		if recurring, err = json.Marshal(r.Recurring); err != nil {
			return fmt.Errorf("marshal recurrence: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO interventions (id, pair, start_time, end_time, start_date, end_date, recurring,
		                            min_price, max_price, trend, priority, conflict_resolution,
		                            is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE
		 SET pair = EXCLUDED.pair, start_time = EXCLUDED.start_time, end_time = EXCLUDED.end_time,
		     start_date = EXCLUDED.start_date, end_date = EXCLUDED.end_date,
		     recurring = EXCLUDED.recurring, min_price = EXCLUDED.min_price,
		     max_price = EXCLUDED.max_price, trend = EXCLUDED.trend, priority = EXCLUDED.priority,
		     conflict_resolution = EXCLUDED.conflict_resolution, is_active = EXCLUDED.is_active,
		     updated_at = EXCLUDED.updated_at`,
		r.ID, r.Pair, r.StartTime, r.EndTime, r.StartDate, r.EndDate, recurring,
		r.MinPrice.String(), r.MaxPrice.String(), string(r.Trend), r.Priority,
		string(r.ConflictResolution), r.IsActive, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetIntervention(ctx context.Context, id string) (*model.Intervention, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+interventionColumns+` FROM interventions WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules, err := scanInterventions(rows)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("intervention %s: %w", id, ErrNotFound)
	}
	return &rules[0], nil
}

func (s *PostgresStore) ListInterventions(ctx context.Context) ([]model.Intervention, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+interventionColumns+` FROM interventions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanInterventions(rows)
}

func (s *PostgresStore) DeleteIntervention(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM interventions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("intervention %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanInterventions(rows pgxRows) ([]model.Intervention, error) {
	var rules []model.Intervention
	for rows.Next() {
		var r model.Intervention
		var recurring []byte
		var minPrice, maxPrice, trend, resolution string

		if err := rows.Scan(&r.ID, &r.Pair, &r.StartTime, &r.EndTime, &r.StartDate, &r.EndDate,
			&recurring, &minPrice, &maxPrice, &trend, &r.Priority, &resolution, &r.IsActive,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if len(recurring) > 0 {
			var rec model.Recurrence
			if err := json.Unmarshal(recurring, &rec); err != nil {
				return nil, fmt.Errorf("decode recurrence of %s: %w", r.ID, err)
			}
			r.Recurring = &rec
		}
		r.MinPrice, r.MaxPrice = dec(minPrice), dec(maxPrice)
		r.Trend = model.Trend(trend)
		r.ConflictResolution = model.ConflictResolution(resolution)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *PostgresStore) InsertInterventionLog(ctx context.Context, e *model.InterventionLog) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO intervention_logs (id, rule_id, pair, original_price, adjusted_price,
		                                deviation, high_severity, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		e.ID, e.RuleID, e.Pair, e.OriginalPrice.String(), e.AdjustedPrice.String(),
		e.Deviation.String(), e.HighSeverity, e.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListInterventionLogs(ctx context.Context, ruleID string, limit int) ([]model.InterventionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, rule_id, pair, original_price::TEXT, adjusted_price::TEXT, deviation::TEXT,
		        high_severity, created_at
		 FROM intervention_logs WHERE rule_id = $1 ORDER BY created_at DESC LIMIT $2`, ruleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []model.InterventionLog
	for rows.Next() {
		var e model.InterventionLog
		var orig, adj, dev string
		if err := rows.Scan(&e.ID, &e.RuleID, &e.Pair, &orig, &adj, &dev, &e.HighSeverity, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.OriginalPrice, e.AdjustedPrice, e.Deviation = dec(orig), dec(adj), dec(dev)
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

// --- Balances ---

// UpdateBalance locks the balance row with SELECT ... FOR UPDATE so two
// concurrent debits can never both pass a check against a stale read.
func (s *PostgresStore) UpdateBalance(ctx context.Context, entry *model.LedgerEntry, fn func(b *model.Balance) error) (*model.Balance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin balance tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO balances (user_id, asset, available, frozen, updated_at)
		 VALUES ($1, $2, 0, 0, $3)
		 ON CONFLICT (user_id, asset) DO NOTHING`,
		entry.UserID, entry.Asset, entry.Timestamp); err != nil {
		return nil, fmt.Errorf("ensure balance row: %w", err)
	}

	b := model.Balance{UserID: entry.UserID, Asset: entry.Asset}
	var available, frozen string
	if err := tx.QueryRow(ctx,
		`SELECT available::TEXT, frozen::TEXT, updated_at
		 FROM balances WHERE user_id = $1 AND asset = $2 FOR UPDATE`,
		entry.UserID, entry.Asset).Scan(&available, &frozen, &b.UpdatedAt); err != nil {
		return nil, fmt.Errorf("lock balance: %w", err)
	}
	b.Available, b.Frozen = dec(available), dec(frozen)

	if err := fn(&b); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE balances SET available = $3::NUMERIC, frozen = $4::NUMERIC, updated_at = $5
		 WHERE user_id = $1 AND asset = $2`,
		b.UserID, b.Asset, b.Available.String(), b.Frozen.String(), b.UpdatedAt); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, asset, available_delta, frozen_delta, reason, ref_id, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)`,
		entry.ID, entry.UserID, entry.Asset, entry.AvailableDelta.String(), entry.FrozenDelta.String(),
		entry.Reason, entry.RefID, entry.Timestamp); err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit balance tx: %w", err)
	}
	return &b, nil
}

func (s *PostgresStore) GetBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, asset, available::TEXT, frozen::TEXT, updated_at
		 FROM balances WHERE user_id = $1 ORDER BY asset`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []model.Balance
	for rows.Next() {
		var b model.Balance
		var available, frozen string
		if err := rows.Scan(&b.UserID, &b.Asset, &available, &frozen, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.Available, b.Frozen = dec(available), dec(frozen)
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (s *PostgresStore) GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, asset, available_delta::TEXT, frozen_delta::TEXT, reason, ref_id, timestamp
		 FROM ledger_entries WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var availDelta, frozenDelta string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Asset, &availDelta, &frozenDelta,
			&e.Reason, &e.RefID, &e.Timestamp); err != nil {
			return nil, err
		}
		e.AvailableDelta, e.FrozenDelta = dec(availDelta), dec(frozenDelta)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetLedgerEntriesByRef(ctx context.Context, refID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, asset, available_delta::TEXT, frozen_delta::TEXT, reason, ref_id, timestamp
		 FROM ledger_entries WHERE ref_id = $1 ORDER BY timestamp`, refID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var availDelta, frozenDelta string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Asset, &availDelta, &frozenDelta,
			&e.Reason, &e.RefID, &e.Timestamp); err != nil {
			return nil, err
		}
		e.AvailableDelta, e.FrozenDelta = dec(availDelta), dec(frozenDelta)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Positions ---

const positionColumns = `id, kind, user_id, pair, asset, side, amount::TEXT, entry_price::TEXT,
	profit_rate::TEXT, period_days, hours, product_id, created_at, matures_at, status,
	outcome, profit::TEXT, settlement_price::TEXT, settled_at`

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, kind, user_id, pair, asset, side, amount, entry_price, profit_rate,
		                        period_days, hours, product_id, created_at, matures_at, status,
		                        outcome, profit, settlement_price, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12,
		         $13, $14, $15, $16, $17::NUMERIC, $18::NUMERIC, $19)`,
		p.ID, string(p.Kind), p.UserID, p.Pair, p.Asset, string(p.Side),
		p.Amount.String(), p.EntryPrice.String(), p.ProfitRate.String(),
		p.PeriodDays, p.Hours, p.ProductID, p.CreatedAt, p.MaturesAt, string(p.Status),
		string(p.Outcome), p.Profit.String(), p.SettlementPrice.String(), p.SettledAt,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return &positions[0], nil
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ListDuePositions(ctx context.Context, now time.Time, limit int) ([]model.Position, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE status = 'active' AND matures_at <= $1
		 ORDER BY matures_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

// SettlePosition is a conditional UPDATE on status = 'active'; exactly one
// concurrent caller sees a row affected.
func (s *PostgresStore) SettlePosition(ctx context.Context, id string, result model.Settlement) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions
		 SET status = 'settled', outcome = $2, profit = $3::NUMERIC,
		     settlement_price = $4::NUMERIC, settled_at = $5
		 WHERE id = $1 AND status = 'active'`,
		id, string(result.Outcome), result.Profit.String(), result.SettlementPrice.String(), result.SettledAt,
	)
	if err != nil {
		return false, fmt.Errorf("settle position %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListSettledPositions(ctx context.Context, from, to time.Time, limit int) ([]model.Position, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE status = 'settled' AND settled_at >= $1 AND settled_at < $2
		 ORDER BY settled_at LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func scanPositions(rows pgxRows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var kind, side, status, outcome string
		var amount, entry, rate, profit, settlePrice string

		if err := rows.Scan(&p.ID, &kind, &p.UserID, &p.Pair, &p.Asset, &side, &amount, &entry,
			&rate, &p.PeriodDays, &p.Hours, &p.ProductID, &p.CreatedAt, &p.MaturesAt, &status,
			&outcome, &profit, &settlePrice, &p.SettledAt); err != nil {
			return nil, err
		}
		p.Kind = model.PositionKind(kind)
		p.Side = model.Side(side)
		p.Status = model.PositionStatus(status)
		p.Outcome = model.Outcome(outcome)
		p.Amount, p.EntryPrice, p.ProfitRate = dec(amount), dec(entry), dec(rate)
		p.Profit, p.SettlementPrice = dec(profit), dec(settlePrice)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// --- Swaps ---

const swapColumns = `id, seller_id, taker_id, from_asset, from_amount::TEXT, to_asset,
	to_amount::TEXT, status, proof_url, created_at, updated_at`

func (s *PostgresStore) CreateSwap(ctx context.Context, o *model.SwapOrder) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO swap_orders (id, seller_id, taker_id, from_asset, from_amount, to_asset,
		                          to_amount, status, proof_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8, $9, $10, $11)`,
		o.ID, o.SellerID, o.TakerID, o.FromAsset, o.FromAmount.String(), o.ToAsset,
		o.ToAmount.String(), string(o.Status), o.ProofURL, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetSwap(ctx context.Context, id string) (*model.SwapOrder, error) {
	o, err := scanSwap(s.pool.QueryRow(ctx, `SELECT `+swapColumns+` FROM swap_orders WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "swap", id)
	}
	return o, nil
}

func (s *PostgresStore) ListSwaps(ctx context.Context, status model.SwapStatus) ([]model.SwapOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+swapColumns+` FROM swap_orders
		 WHERE $1 = '' OR status = $1 ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.SwapOrder
	for rows.Next() {
		o, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// TransitionSwap locks the order row so the status check and the update
// see the same state.
func (s *PostgresStore) TransitionSwap(ctx context.Context, id string, from, to model.SwapStatus, mutate func(o *model.SwapOrder)) (*model.SwapOrder, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin swap tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := scanSwap(tx.QueryRow(ctx,
		`SELECT `+swapColumns+` FROM swap_orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "swap", id)
	}
	if o.Status != from {
		return nil, fmt.Errorf("swap %s is %s, not %s: %w", id, o.Status, from, ErrConflict)
	}
	if mutate != nil {
		mutate(o)
	}
	o.Status = to

	if _, err := tx.Exec(ctx,
		`UPDATE swap_orders SET taker_id = $2, status = $3, proof_url = $4, updated_at = $5
		 WHERE id = $1`,
		o.ID, o.TakerID, string(o.Status), o.ProofURL, o.UpdatedAt); err != nil {
		return nil, fmt.Errorf("update swap %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit swap tx: %w", err)
	}
	return o, nil
}

func scanSwap(row pgx.Row) (*model.SwapOrder, error) {
	var o model.SwapOrder
	var fromAmount, toAmount, status string
	if err := row.Scan(&o.ID, &o.SellerID, &o.TakerID, &o.FromAsset, &fromAmount, &o.ToAsset,
		&toAmount, &status, &o.ProofURL, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.FromAmount, o.ToAmount = dec(fromAmount), dec(toAmount)
	o.Status = model.SwapStatus(status)
	return &o, nil
}

// --- Users ---

func (s *PostgresStore) UpsertUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, referrer_id, is_frozen, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET referrer_id = EXCLUDED.referrer_id, is_frozen = EXCLUDED.is_frozen`,
		u.ID, u.ReferrerID, u.IsFrozen, u.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, referrer_id, is_frozen, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.ReferrerID, &u.IsFrozen, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	return &u, nil
}

// --- Commissions ---

func (s *PostgresStore) InsertCommission(ctx context.Context, c *model.CommissionLog) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO commission_logs (id, user_id, source_user_id, level, amount, asset, trade_id, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
		c.ID, c.UserID, c.SourceUserID, c.Level, c.Amount.String(), c.Asset, c.TradeID, c.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListCommissionsByUser(ctx context.Context, userID string) ([]model.CommissionLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, source_user_id, level, amount::TEXT, asset, trade_id, created_at
		 FROM commission_logs WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []model.CommissionLog
	for rows.Next() {
		var c model.CommissionLog
		var amount string
		if err := rows.Scan(&c.ID, &c.UserID, &c.SourceUserID, &c.Level, &amount, &c.Asset,
			&c.TradeID, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Amount = dec(amount)
		logs = append(logs, c)
	}
	return logs, rows.Err()
}
