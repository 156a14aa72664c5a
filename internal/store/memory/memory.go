// Package memory is an in-process implementation of store.Store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-trading/pumpsniper/internal/store"
)

// Store keeps all state in maps guarded by a single mutex, so every
// operation is atomic with respect to every other.
type Store struct {
	mu sync.Mutex

	seenNames       map[string]time.Time
	blockedCreators map[string]time.Time
	candidates      map[string]*store.Candidate
	open            map[string]*store.OpenPosition
	closed          []*store.ClosedPosition
	logs            []*store.LogEntry
	nextLogID       int64
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		seenNames:       make(map[string]time.Time),
		blockedCreators: make(map[string]time.Time),
		candidates:      make(map[string]*store.Candidate),
		open:            make(map[string]*store.OpenPosition),
	}
}

func (s *Store) Init(context.Context) error { return nil }
func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close()                     {}

// ---------------------------------------------------------------------------
// Candidates
// ---------------------------------------------------------------------------

func (s *Store) IsNameSeen(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seenNames[name]
	return ok, nil
}

func (s *Store) IsCreatorBlocked(_ context.Context, creator string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blockedCreators[creator]
	return ok, nil
}

func (s *Store) BlockCreator(_ context.Context, creator string, at time.Time) error {
	if creator == "" {
		return store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blockedCreators[creator]; !ok {
		s.blockedCreators[creator] = at
	}
	return nil
}

func (s *Store) InsertCandidate(_ context.Context, c *store.Candidate) error {
	if err := store.ValidateCandidate(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.candidates[c.Mint]; ok {
		return store.ErrDuplicateKey
	}
	if _, ok := s.seenNames[c.Name]; ok {
		return store.ErrDuplicateKey
	}

	cp := *c
	if cp.Status == "" {
		cp.Status = store.StatusNew
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.DiscoveredAt
	}
	s.candidates[c.Mint] = &cp
	s.seenNames[c.Name] = c.DiscoveredAt
	return nil
}

func (s *Store) GetCandidate(_ context.Context, mint string) (*store.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[mint]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListCandidatesByStatus(_ context.Context, status store.CandidateStatus) ([]*store.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*store.Candidate, 0)
	for _, c := range s.candidates {
		if c.Status == status {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DiscoveredAt.Equal(out[j].DiscoveredAt) {
			return out[i].Mint < out[j].Mint
		}
		return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
	})
	return out, nil
}

func (s *Store) ListCandidates(_ context.Context, limit int) ([]*store.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*store.Candidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DiscoveredAt.After(out[j].DiscoveredAt)
	})
	return limitSlice(out, limit), nil
}

func (s *Store) ClaimCandidate(_ context.Context, mint string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[mint]
	if !ok {
		return store.ErrNotFound
	}
	if c.Status != store.StatusNew {
		return store.ErrNotClaimable
	}
	c.Status = store.StatusQualifying
	c.UpdatedAt = at
	return nil
}

func (s *Store) ReleaseCandidate(_ context.Context, mint string, countAttempt bool, maxAttempts int, at time.Time) (store.CandidateStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[mint]
	if !ok {
		return "", store.ErrNotFound
	}
	if c.Status != store.StatusQualifying {
		return c.Status, store.ErrNotClaimable
	}
	if countAttempt {
		c.BuyAttempts++
	}
	if c.BuyAttempts >= maxAttempts {
		c.Status = store.StatusRejected
	} else {
		c.Status = store.StatusNew
	}
	c.UpdatedAt = at
	return c.Status, nil
}

func (s *Store) RejectCandidate(_ context.Context, mint string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[mint]
	if !ok {
		return store.ErrNotFound
	}
	if c.Status != store.StatusQualifying {
		return store.ErrNotClaimable
	}
	c.Status = store.StatusRejected
	c.UpdatedAt = at
	return nil
}

func (s *Store) ResetStaleClaims(_ context.Context, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.candidates {
		if c.Status == store.StatusQualifying {
			c.Status = store.StatusNew
			c.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

func (s *Store) OpenPosition(_ context.Context, p *store.OpenPosition) error {
	if err := store.ValidatePosition(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.open[p.Mint]; ok {
		return store.ErrDuplicateKey
	}
	c, ok := s.candidates[p.Mint]
	if !ok {
		return store.ErrNotFound
	}
	if c.Status != store.StatusQualifying {
		return store.ErrNotClaimable
	}

	cp := *p
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.OpenedAt
	}
	if cp.LastPrice.IsZero() {
		cp.LastPrice = cp.EntryPrice
	}
	s.open[p.Mint] = &cp
	c.Status = store.StatusBought
	c.UpdatedAt = cp.OpenedAt
	return nil
}

func (s *Store) GetOpenPosition(_ context.Context, mint string) (*store.OpenPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.open[mint]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListOpenPositions(_ context.Context) ([]*store.OpenPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.OpenPosition, 0, len(s.open))
	for _, p := range s.open {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out, nil
}

func (s *Store) MarkPosition(_ context.Context, mint string, m store.Mark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.open[mint]
	if !ok {
		return store.ErrNotFound
	}
	p.LastPrice = m.Price
	if m.StopPrice.GreaterThan(p.StopPrice) {
		p.StopPrice = m.StopPrice
	}
	p.UnrealizedPnL = m.UnrealizedPnL
	p.UpdatedAt = m.At
	return nil
}

func (s *Store) ClosePosition(_ context.Context, req store.CloseRequest) (*store.ClosedPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.open[req.Mint]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(s.open, req.Mint)

	closed := &store.ClosedPosition{
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
	s.closed = append(s.closed, closed)
	cp := *closed
	return &cp, nil
}

func (s *Store) ListClosedPositions(_ context.Context, limit int) ([]*store.ClosedPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.ClosedPosition, 0, len(s.closed))
	for i := len(s.closed) - 1; i >= 0; i-- {
		cp := *s.closed[i]
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ClosedAt.After(out[j].ClosedAt)
	})
	return limitSlice(out, limit), nil
}

// ---------------------------------------------------------------------------
// Logs
// ---------------------------------------------------------------------------

func (s *Store) AppendLog(_ context.Context, e *store.LogEntry) error {
	cp := *e
	store.NormalizeLog(&cp)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLogID++
	cp.ID = s.nextLogID
	e.ID = cp.ID
	s.logs = append(s.logs, &cp)
	return nil
}

func (s *Store) ListLogs(_ context.Context, limit int) ([]*store.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.LogEntry, 0, len(s.logs))
	for i := len(s.logs) - 1; i >= 0; i-- {
		cp := *s.logs[i]
		out = append(out, &cp)
	}
	return limitSlice(out, limit), nil
}

func limitSlice[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
