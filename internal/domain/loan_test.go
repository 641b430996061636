package domain

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestDeriveLoanID(t *testing.T) {
	asset := common.HexToAddress("0x01")
	owner := common.HexToAddress("0x02")
	borrower := common.HexToAddress("0x03")
	createdAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	base := DeriveLoanID(asset, big.NewInt(1000), owner, borrower, time.Hour, createdAt, 7)

	if got := DeriveLoanID(asset, big.NewInt(1000), owner, borrower, time.Hour, createdAt, 7); got != base {
		t.Errorf("same tuple produced different ids: %s vs %s", got, base)
	}

	variants := map[string]common.Hash{
		"amount":   DeriveLoanID(asset, big.NewInt(1001), owner, borrower, time.Hour, createdAt, 7),
		"borrower": DeriveLoanID(asset, big.NewInt(1000), owner, common.HexToAddress("0x04"), time.Hour, createdAt, 7),
		"timeout":  DeriveLoanID(asset, big.NewInt(1000), owner, borrower, 2*time.Hour, createdAt, 7),
		"time":     DeriveLoanID(asset, big.NewInt(1000), owner, borrower, time.Hour, createdAt.Add(time.Nanosecond), 7),
		"sequence": DeriveLoanID(asset, big.NewInt(1000), owner, borrower, time.Hour, createdAt, 8),
	}
	for name, id := range variants {
		if id == base {
			t.Errorf("changing %s did not change the loan id", name)
		}
	}
}

func TestLoanExpired(t *testing.T) {
	expiry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	loan := Loan{ExpiresAt: expiry}

	if loan.Expired(expiry) {
		t.Error("loan expired exactly at the deadline; deadline itself should still be valid")
	}
	if !loan.Expired(expiry.Add(time.Second)) {
		t.Error("loan not expired after the deadline")
	}
}

func TestACL(t *testing.T) {
	admin := common.HexToAddress("0xaa")
	other := common.HexToAddress("0xbb")

	acl := make(ACL)
	acl.Grant(admin, PermPause, PermSetBreaker)

	if !acl.Allows(admin, PermPause) {
		t.Error("granted permission not allowed")
	}
	if acl.Allows(admin, PermEmergency) {
		t.Error("ungranted permission allowed")
	}
	if acl.Allows(other, PermPause) {
		t.Error("unknown identity allowed")
	}
}
