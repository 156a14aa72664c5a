package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nexus-trading/pumpsniper/internal/store"
)

// Store implements store.Store using PostgreSQL.
type Store struct {
	pool *Pool
}

var _ store.Store = (*Store)(nil)

// New creates a Store over an existing pool.
func New(pool *Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to dsn and returns a Store owning the pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := NewPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return New(pool), nil
}

func (s *Store) Init(ctx context.Context) error { return s.pool.Migrate(ctx) }
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *Store) Close()                         { s.pool.Close() }

// ---------------------------------------------------------------------------
// Candidates
// ---------------------------------------------------------------------------

const candidateColumns = `mint, name, symbol, creator, discovered_at, status, buy_attempts, updated_at`

func (s *Store) IsNameSeen(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM seen_names WHERE name = $1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check seen name: %w", err)
	}
	return exists, nil
}

func (s *Store) IsCreatorBlocked(ctx context.Context, creator string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM blocked_creators WHERE creator = $1)`, creator).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check blocked creator: %w", err)
	}
	return exists, nil
}

func (s *Store) BlockCreator(ctx context.Context, creator string, at time.Time) error {
	if creator == "" {
		return store.ErrInvalidInput
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO blocked_creators (creator, blocked_at) VALUES ($1, $2) ON CONFLICT (creator) DO NOTHING`,
		creator, at)
	if err != nil {
		return fmt.Errorf("block creator: %w", err)
	}
	return nil
}

// InsertCandidate writes the seen name and the candidate in one transaction.
func (s *Store) InsertCandidate(ctx context.Context, c *store.Candidate) error {
	if err := store.ValidateCandidate(c); err != nil {
		return err
	}
	status := c.Status
	if status == "" {
		status = store.StatusNew
	}
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = c.DiscoveredAt
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO seen_names (name, first_seen) VALUES ($1, $2)`,
			c.Name, c.DiscoveredAt); err != nil {
			if isDuplicateKeyError(err) {
				return store.ErrDuplicateKey
			}
			return fmt.Errorf("insert seen name: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO candidates (`+candidateColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			c.Mint, c.Name, c.Symbol, c.Creator, c.DiscoveredAt, string(status), c.BuyAttempts, updated); err != nil {
			if isDuplicateKeyError(err) {
				return store.ErrDuplicateKey
			}
			return fmt.Errorf("insert candidate: %w", err)
		}
		return nil
	})
}

func (s *Store) GetCandidate(ctx context.Context, mint string) (*store.Candidate, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+candidateColumns+` FROM candidates WHERE mint = $1`, mint)
	c, err := scanCandidate(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get candidate: %w", err)
	}
	return c, nil
}

func (s *Store) ListCandidatesByStatus(ctx context.Context, status store.CandidateStatus) ([]*store.Candidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+candidateColumns+`
		FROM candidates
		WHERE status = $1
		ORDER BY discovered_at ASC, mint ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list candidates by status: %w", err)
	}
	defer rows.Close()
	return scanCandidates(rows)
}

func (s *Store) ListCandidates(ctx context.Context, limit int) ([]*store.Candidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+candidateColumns+`
		FROM candidates
		ORDER BY discovered_at DESC, mint ASC
		LIMIT $1`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()
	return scanCandidates(rows)
}

func (s *Store) ClaimCandidate(ctx context.Context, mint string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE candidates SET status = $2, updated_at = $3
		WHERE mint = $1 AND status = $4`,
		mint, string(store.StatusQualifying), at, string(store.StatusNew))
	if err != nil {
		return fmt.Errorf("claim candidate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrNotClaimable(ctx, mint)
	}
	return nil
}

func (s *Store) ReleaseCandidate(ctx context.Context, mint string, countAttempt bool, maxAttempts int, at time.Time) (store.CandidateStatus, error) {
	inc := 0
	if countAttempt {
		inc = 1
	}
	var status string
	err := s.pool.QueryRow(ctx, `
		UPDATE candidates
		SET buy_attempts = buy_attempts + $2::int,
		    status = CASE WHEN buy_attempts + $2::int >= $3::int THEN $5 ELSE $6 END,
		    updated_at = $4
		WHERE mint = $1 AND status = $7
		RETURNING status`,
		mint, inc, maxAttempts, at,
		string(store.StatusRejected), string(store.StatusNew), string(store.StatusQualifying),
	).Scan(&status)
	if err != nil {
		if isNotFoundError(err) {
			return "", s.missingOrNotClaimable(ctx, mint)
		}
		return "", fmt.Errorf("release candidate: %w", err)
	}
	return store.CandidateStatus(status), nil
}

func (s *Store) RejectCandidate(ctx context.Context, mint string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE candidates SET status = $2, updated_at = $3
		WHERE mint = $1 AND status = $4`,
		mint, string(store.StatusRejected), at, string(store.StatusQualifying))
	if err != nil {
		return fmt.Errorf("reject candidate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrNotClaimable(ctx, mint)
	}
	return nil
}

func (s *Store) ResetStaleClaims(ctx context.Context, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE candidates SET status = $1, updated_at = $2 WHERE status = $3`,
		string(store.StatusNew), at, string(store.StatusQualifying))
	if err != nil {
		return 0, fmt.Errorf("reset stale claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) missingOrNotClaimable(ctx context.Context, mint string) error {
	if _, err := s.GetCandidate(ctx, mint); err != nil {
		return err
	}
	return store.ErrNotClaimable
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

const openColumns = `mint, quantity, entry_price, cost, stop_price, take_profit, last_price, unrealized_pnl, buy_ref, opened_at, updated_at`

const closedColumns = `id, mint, quantity, entry_price, exit_price, realized_pnl, reason, sell_ref, opened_at, closed_at`

// OpenPosition inserts the position and flips the candidate to BOUGHT in
// one transaction.
func (s *Store) OpenPosition(ctx context.Context, p *store.OpenPosition) error {
	if err := store.ValidatePosition(p); err != nil {
		return err
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = p.OpenedAt
	}
	last := p.LastPrice
	if last.IsZero() {
		last = p.EntryPrice
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE candidates SET status = $2, updated_at = $3
			WHERE mint = $1 AND status = $4`,
			p.Mint, string(store.StatusBought), p.OpenedAt, string(store.StatusQualifying))
		if err != nil {
			return fmt.Errorf("mark candidate bought: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return s.missingOrNotClaimable(ctx, p.Mint)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO open_positions (`+openColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			p.Mint, p.Quantity, p.EntryPrice, p.Cost, p.StopPrice, p.TakeProfit,
			last, p.UnrealizedPnL, p.BuyRef, p.OpenedAt, updated); err != nil {
			if isDuplicateKeyError(err) {
				return store.ErrDuplicateKey
			}
			return fmt.Errorf("insert open position: %w", err)
		}
		return nil
	})
}

func (s *Store) GetOpenPosition(ctx context.Context, mint string) (*store.OpenPosition, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+openColumns+` FROM open_positions WHERE mint = $1`, mint)
	p, err := scanOpenPosition(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get open position: %w", err)
	}
	return p, nil
}

func (s *Store) ListOpenPositions(ctx context.Context) ([]*store.OpenPosition, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+openColumns+` FROM open_positions ORDER BY opened_at ASC, mint ASC`)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()

	out := make([]*store.OpenPosition, 0)
	for rows.Next() {
		p, err := scanOpenPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan open position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate open positions: %w", err)
	}
	return out, nil
}

// MarkPosition records the latest observation. GREATEST keeps the stop
// monotonic even if two writers race.
func (s *Store) MarkPosition(ctx context.Context, mint string, m store.Mark) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE open_positions
		SET last_price = $2,
		    stop_price = GREATEST(stop_price, $3),
		    unrealized_pnl = $4,
		    updated_at = $5
		WHERE mint = $1`,
		mint, m.Price, m.StopPrice, m.UnrealizedPnL, m.At)
	if err != nil {
		return fmt.Errorf("mark position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ClosePosition deletes the open row and inserts the closed record in one
// transaction. The DELETE ... RETURNING makes a concurrent second close
// see no row.
func (s *Store) ClosePosition(ctx context.Context, req store.CloseRequest) (*store.ClosedPosition, error) {
	var closed *store.ClosedPosition
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			DELETE FROM open_positions WHERE mint = $1
			RETURNING `+openColumns, req.Mint)
		p, err := scanOpenPosition(row)
		if err != nil {
			if isNotFoundError(err) {
				return store.ErrNotFound
			}
			return fmt.Errorf("delete open position: %w", err)
		}

		closed = &store.ClosedPosition{
			ID:          uuid.NewString(),
			Mint:        p.Mint,
			Quantity:    p.Quantity,
			EntryPrice:  p.EntryPrice,
			ExitPrice:   req.ExitPrice,
			RealizedPnL: store.RealizedPnL(p.EntryPrice, req.ExitPrice, p.Quantity),
			Reason:      req.Reason,
			SellRef:     req.SellRef,
			OpenedAt:    p.OpenedAt,
			ClosedAt:    req.ClosedAt,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO closed_positions (`+closedColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			closed.ID, closed.Mint, closed.Quantity, closed.EntryPrice, closed.ExitPrice,
			closed.RealizedPnL, closed.Reason, closed.SellRef, closed.OpenedAt, closed.ClosedAt); err != nil {
			return fmt.Errorf("insert closed position: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

func (s *Store) ListClosedPositions(ctx context.Context, limit int) ([]*store.ClosedPosition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+closedColumns+`
		FROM closed_positions
		ORDER BY closed_at DESC, id ASC
		LIMIT $1`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list closed positions: %w", err)
	}
	defer rows.Close()

	out := make([]*store.ClosedPosition, 0)
	for rows.Next() {
		var c store.ClosedPosition
		var id uuid.UUID
		if err := rows.Scan(&id, &c.Mint, &c.Quantity, &c.EntryPrice, &c.ExitPrice,
			&c.RealizedPnL, &c.Reason, &c.SellRef, &c.OpenedAt, &c.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan closed position: %w", err)
		}
		c.ID = id.String()
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate closed positions: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Logs
// ---------------------------------------------------------------------------

func (s *Store) AppendLog(ctx context.Context, e *store.LogEntry) error {
	cp := *e
	store.NormalizeLog(&cp)
	err := s.pool.QueryRow(ctx,
		`INSERT INTO logs (ts, level, msg) VALUES ($1, $2, $3) RETURNING id`,
		cp.TS, cp.Level, cp.Message).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (s *Store) ListLogs(ctx context.Context, limit int) ([]*store.LogEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, ts, level, msg FROM logs ORDER BY id DESC LIMIT $1`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	out := make([]*store.LogEntry, 0)
	for rows.Next() {
		var e store.LogEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.Level, &e.Message); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isDuplicateKeyError(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// sqlLimit maps "no limit" (<= 0) to NULL, which LIMIT treats as ALL.
func sqlLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func scanCandidate(row pgx.Row) (*store.Candidate, error) {
	var c store.Candidate
	var status string
	if err := row.Scan(&c.Mint, &c.Name, &c.Symbol, &c.Creator, &c.DiscoveredAt,
		&status, &c.BuyAttempts, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = store.CandidateStatus(status)
	return &c, nil
}

func scanCandidates(rows pgx.Rows) ([]*store.Candidate, error) {
	out := make([]*store.Candidate, 0)
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return out, nil
}

func scanOpenPosition(row pgx.Row) (*store.OpenPosition, error) {
	var p store.OpenPosition
	if err := row.Scan(&p.Mint, &p.Quantity, &p.EntryPrice, &p.Cost, &p.StopPrice,
		&p.TakeProfit, &p.LastPrice, &p.UnrealizedPnL, &p.BuyRef, &p.OpenedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
