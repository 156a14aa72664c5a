// Package store holds the persistent state shared by the feed, the
// qualification loop and the position monitor.
package store

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when inserting a record whose key already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotClaimable is returned when a candidate is not in the status a
	// transition requires (e.g. claiming a candidate that is not NEW).
	ErrNotClaimable = errors.New("candidate not in expected status")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)

// CandidateStatus is the lifecycle state of a candidate.
type CandidateStatus string

const (
	StatusNew        CandidateStatus = "NEW"
	StatusQualifying CandidateStatus = "QUALIFYING"
	StatusBought     CandidateStatus = "BOUGHT"
	StatusRejected   CandidateStatus = "REJECTED"
)

// Candidate is a newly discovered token awaiting qualification.
type Candidate struct {
	Mint         string          `json:"mint"`
	Name         string          `json:"name"`
	Symbol       string          `json:"symbol"`
	Creator      string          `json:"creator"`
	DiscoveredAt time.Time       `json:"discovered_at"`
	Status       CandidateStatus `json:"status"`
	BuyAttempts  int             `json:"buy_attempts"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// OpenPosition is a held token being monitored for exit.
// Quantity is in raw token units and prices are lamports per raw unit.
type OpenPosition struct {
	Mint          string          `json:"mint"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	Cost          decimal.Decimal `json:"cost"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	TakeProfit    decimal.Decimal `json:"take_profit"`
	LastPrice     decimal.Decimal `json:"last_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	BuyRef        string          `json:"buy_ref"`
	OpenedAt      time.Time       `json:"opened_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ClosedPosition is the immutable record of a completed round trip.
type ClosedPosition struct {
	ID          string          `json:"id"`
	Mint        string          `json:"mint"`
	Quantity    decimal.Decimal `json:"quantity"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Reason      string          `json:"reason"`
	SellRef     string          `json:"sell_ref"`
	OpenedAt    time.Time       `json:"opened_at"`
	ClosedAt    time.Time       `json:"closed_at"`
}

// LogEntry is an operational message kept for the reporting surface.
type LogEntry struct {
	ID      int64     `json:"id"`
	TS      time.Time `json:"ts"`
	Level   string    `json:"level"`
	Message string    `json:"msg"`
}

// Mark is a monitor observation applied to an open position.
type Mark struct {
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	At            time.Time
}

// CloseRequest describes the exit of an open position.
type CloseRequest struct {
	Mint      string
	ExitPrice decimal.Decimal
	Reason    string
	SellRef   string
	ClosedAt  time.Time
}

// CandidateStore persists candidates and the dedup sets guarding them.
type CandidateStore interface {
	IsNameSeen(ctx context.Context, name string) (bool, error)
	IsCreatorBlocked(ctx context.Context, creator string) (bool, error)
	BlockCreator(ctx context.Context, creator string, at time.Time) error

	// InsertCandidate stores the candidate and records its name as seen in
	// one transaction. Returns ErrDuplicateKey if either already exists, in
	// which case nothing is written.
	InsertCandidate(ctx context.Context, c *Candidate) error
	GetCandidate(ctx context.Context, mint string) (*Candidate, error)
	ListCandidatesByStatus(ctx context.Context, status CandidateStatus) ([]*Candidate, error)
	ListCandidates(ctx context.Context, limit int) ([]*Candidate, error)

	// ClaimCandidate moves a candidate NEW -> QUALIFYING. Returns
	// ErrNotClaimable if it is not NEW.
	ClaimCandidate(ctx context.Context, mint string, at time.Time) error

	// ReleaseCandidate moves a claimed candidate back to NEW. When
	// countAttempt is set the buy attempt counter is incremented and the
	// candidate becomes REJECTED once it reaches maxAttempts.
	ReleaseCandidate(ctx context.Context, mint string, countAttempt bool, maxAttempts int, at time.Time) (CandidateStatus, error)

	// RejectCandidate moves a claimed candidate QUALIFYING -> REJECTED.
	RejectCandidate(ctx context.Context, mint string, at time.Time) error

	// ResetStaleClaims returns every QUALIFYING candidate to NEW. Called at
	// startup, before any loop runs.
	ResetStaleClaims(ctx context.Context, at time.Time) (int, error)
}

// PositionStore persists open and closed positions.
type PositionStore interface {
	// OpenPosition inserts the position and marks its candidate BOUGHT in
	// one transaction.
	OpenPosition(ctx context.Context, p *OpenPosition) error
	GetOpenPosition(ctx context.Context, mint string) (*OpenPosition, error)
	ListOpenPositions(ctx context.Context) ([]*OpenPosition, error)

	// MarkPosition records the latest price and PnL. The stored stop price
	// only moves up.
	MarkPosition(ctx context.Context, mint string, m Mark) error

	// ClosePosition deletes the open position and inserts its closed record
	// in one transaction. Returns ErrNotFound if no open position exists.
	ClosePosition(ctx context.Context, req CloseRequest) (*ClosedPosition, error)
	ListClosedPositions(ctx context.Context, limit int) ([]*ClosedPosition, error)
}

// LogStore persists operational log entries.
type LogStore interface {
	AppendLog(ctx context.Context, e *LogEntry) error
	ListLogs(ctx context.Context, limit int) ([]*LogEntry, error)
}

// Store is the full persistent state.
type Store interface {
	CandidateStore
	PositionStore
	LogStore

	// Init prepares the schema. Idempotent.
	Init(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

// RealizedPnL is (exit - entry) * quantity.
func RealizedPnL(entry, exit, qty decimal.Decimal) decimal.Decimal {
	return exit.Sub(entry).Mul(qty)
}

const (
	MaxLogLevelLen   = 8
	MaxLogMessageLen = 512
)

// NormalizeLog truncates level and message to the column limits.
func NormalizeLog(e *LogEntry) {
	e.Level = truncateRunes(e.Level, MaxLogLevelLen)
	e.Message = truncateRunes(e.Message, MaxLogMessageLen)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// ValidateCandidate checks the fields every candidate must carry.
func ValidateCandidate(c *Candidate) error {
	if c == nil || c.Mint == "" || c.Name == "" || c.Creator == "" {
		return ErrInvalidInput
	}
	return nil
}

// ValidatePosition checks the fields every open position must carry.
func ValidatePosition(p *OpenPosition) error {
	if p == nil || p.Mint == "" || !p.Quantity.IsPositive() || !p.EntryPrice.IsPositive() {
		return ErrInvalidInput
	}
	return nil
}
