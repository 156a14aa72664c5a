package solana

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// RPC Client Interface
// ---------------------------------------------------------------------------

// RPCClient is the interface for Solana RPC interactions.
// Implementations: LiveRPCClient (real Solana), StubRPCClient (testing).
type RPCClient interface {
	// SendTransaction submits a signed base64 transaction to the network.
	SendTransaction(ctx context.Context, txBase64 string) (Signature, error)

	// GetTransactionStatus checks if a transaction landed.
	GetTransactionStatus(ctx context.Context, sig Signature) (string, error) // pending|processed|confirmed|finalized|failed

	// Health returns the RPC endpoint health.
	Health(ctx context.Context) error
}

// RPCConfig configures the Solana RPC client.
type RPCConfig struct {
	Endpoint     string        `yaml:"endpoint"` // e.g. https://api.mainnet-beta.solana.com
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`    // transport-level retries per call
	RateLimitRPS float64       `yaml:"rate_limit_rps"` // requests per second limit
}

// ---------------------------------------------------------------------------
// Stub RPC Client (for testing and development)
// ---------------------------------------------------------------------------

// StubRPCClient is a scriptable RPC client for testing.
type StubRPCClient struct {
	mu        sync.Mutex
	sent      []string
	statuses  map[Signature][]string // queued statuses per signature
	defStatus string
	sendFails int
	sendCount int
}

// NewStubRPCClient creates a stub whose transactions confirm immediately.
func NewStubRPCClient() *StubRPCClient {
	return &StubRPCClient{
		statuses:  make(map[Signature][]string),
		defStatus: StatusConfirmed,
	}
}

// FailSends makes the next n SendTransaction calls fail.
func (s *StubRPCClient) FailSends(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendFails = n
}

// SetDefaultStatus sets the status reported for signatures without a queue.
func (s *StubRPCClient) SetDefaultStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defStatus = status
}

// QueueStatuses scripts the statuses returned for sig, one per call. The
// last one repeats.
func (s *StubRPCClient) QueueStatuses(sig Signature, statuses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[sig] = append(s.statuses[sig], statuses...)
}

// Sent returns the transactions submitted so far.
func (s *StubRPCClient) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

// --- Interface implementation ---

func (s *StubRPCClient) SendTransaction(_ context.Context, txBase64 string) (Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendFails > 0 {
		s.sendFails--
		return "", fmt.Errorf("stub: simulated send failure")
	}
	s.sendCount++
	s.sent = append(s.sent, txBase64)
	return Signature(fmt.Sprintf("stub-sig-%d", s.sendCount)), nil
}

func (s *StubRPCClient) GetTransactionStatus(_ context.Context, sig Signature) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.statuses[sig]
	if len(q) == 0 {
		return s.defStatus, nil
	}
	status := q[0]
	if len(q) > 1 {
		s.statuses[sig] = q[1:]
	}
	return status, nil
}

func (s *StubRPCClient) Health(_ context.Context) error {
	return nil
}
