package solana

// Pubkey is a Solana public key (base58 string).
type Pubkey string

// Signature is a Solana transaction signature (base58 string).
type Signature string

// Well-known mints.
const (
	SOLMint Pubkey = "So11111111111111111111111111111111111111112"
)

// PumpFunProgramID is the pump.fun bonding curve program on mainnet.
const PumpFunProgramID Pubkey = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

// Transaction statuses reported by GetTransactionStatus.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusConfirmed = "confirmed"
	StatusFinalized = "finalized"
	StatusFailed    = "failed"
)

// IsLanded reports whether status means the transaction executed successfully
// at confirmed commitment or better.
func IsLanded(status string) bool {
	return status == StatusConfirmed || status == StatusFinalized
}
