package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrAmountExceedsMax    = errors.New("amount exceeds maximum")
	ErrMaxLoansExceeded    = errors.New("max active loans exceeded")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTransferFailed      = errors.New("transfer failed")
	ErrLoanNotActive       = errors.New("loan not active")
	ErrLoanExpired         = errors.New("loan expired")
	ErrLoanNotExpired      = errors.New("loan not yet expired")
	ErrNotBorrower         = errors.New("caller is not the borrower")
	ErrNotOwner            = errors.New("caller is not the loan owner")
	ErrRepaymentMissing    = errors.New("repayment not received")
	ErrCallbackFailed      = errors.New("callback failed")
	ErrReentrantCall       = errors.New("reentrant call rejected")
	ErrPaused              = errors.New("component paused")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrRateLimited         = errors.New("rate limited")
	ErrCircuitBreaker      = errors.New("circuit breaker active")
	ErrInsufficientFee     = errors.New("insufficient fee")
	ErrUnverifiedTransfer  = errors.New("cross-domain transfer not verified")
	ErrUnknownTarget       = errors.New("unknown callback target")
	ErrLockHeld            = errors.New("lock already held")
)
