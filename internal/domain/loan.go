package domain

import (
	"encoding/binary"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// LoanStatus is the lifecycle state of a loan. A loan is created active and
// is flagged closed exactly once, by a successful execute or by an expiry
// reclaim. Closed is terminal.
type LoanStatus string

const (
	LoanActive LoanStatus = "active"
	LoanClosed LoanStatus = "closed"
)

// CloseReason records which path closed a loan.
type CloseReason string

const (
	CloseRepaid    CloseReason = "repaid"
	CloseReclaimed CloseReason = "reclaimed"
)

// Loan is a single flash-loan record. Records are append-only: closing a loan
// flips Status and fills ClosedAt/Reason, it never deletes the row.
type Loan struct {
	ID        common.Hash
	Asset     common.Address
	Amount    *big.Int
	Owner     common.Address // funder; receives repayment and reclaims
	Borrower  common.Address // sole identity allowed to execute
	ExpiresAt time.Time
	Status    LoanStatus
	Reason    CloseReason
	CreatedAt time.Time
	ClosedAt  *time.Time
}

// Active reports whether the loan is still open.
func (l Loan) Active() bool {
	return l.Status == LoanActive
}

// Expired reports whether the loan's timeout has elapsed at the given time.
func (l Loan) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// DeriveLoanID computes the loan identifier from the full creation tuple.
// The sequence number together with the creation timestamp makes every tuple
// unique per domain, so collisions do not occur in practice.
func DeriveLoanID(asset common.Address, amount *big.Int, owner, borrower common.Address, timeout time.Duration, createdAt time.Time, seq uint64) common.Hash {
	var buf [8]byte

	data := make([]byte, 0, 128)
	data = append(data, asset.Bytes()...)
	data = append(data, amount.Bytes()...)
	data = append(data, owner.Bytes()...)
	data = append(data, borrower.Bytes()...)

	binary.BigEndian.PutUint64(buf[:], uint64(timeout))
	data = append(data, buf[:]...)
	binary.BigEndian.PutUint64(buf[:], uint64(createdAt.UnixNano()))
	data = append(data, buf[:]...)
	binary.BigEndian.PutUint64(buf[:], seq)
	data = append(data, buf[:]...)

	return common.BytesToHash(ethcrypto.Keccak256(data))
}

// AssetLimits is the per-asset configuration owned by the vault. Zero values
// mean "not configured" and disable the corresponding check.
type AssetLimits struct {
	Asset          common.Address
	MaxLoanAmount  *big.Int // max principal per loan; nil or zero disables
	MaxActiveLoans int      // max concurrent active loans; zero disables
}
