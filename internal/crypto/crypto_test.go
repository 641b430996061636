package crypto

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestEncryptDecryptKeyRoundTrip(t *testing.T) {
	const keyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

	blob, err := EncryptKey("0x"+keyHex, "hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, err := DecryptKey(blob, "hunter2")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != keyHex {
		t.Errorf("decrypted key = %s, want %s", got, keyHex)
	}

	if _, err := DecryptKey(blob, "wrong"); err == nil {
		t.Error("decrypt with wrong password succeeded")
	}
}

func TestEncryptKeyValidation(t *testing.T) {
	if _, err := EncryptKey("abcd", "pw"); err == nil {
		t.Error("short key accepted")
	}
	if _, err := EncryptKey("zz", "pw"); err == nil {
		t.Error("non-hex key accepted")
	}
	if _, err := EncryptKey(strings.Repeat("ab", 32), ""); err == nil {
		t.Error("empty password accepted")
	}
}

func TestEnvelopeAuth(t *testing.T) {
	auth := NewEnvelopeAuth([]byte("mesh-secret"))
	payload := []byte(`{"amount":"1000"}`)

	sig := auth.Sign("chain-a", "msg-1", payload)
	if !auth.Verify("chain-a", "msg-1", payload, sig) {
		t.Fatal("valid signature rejected")
	}

	if auth.Verify("chain-b", "msg-1", payload, sig) {
		t.Error("signature verified under wrong origin")
	}
	if auth.Verify("chain-a", "msg-2", payload, sig) {
		t.Error("signature verified under wrong message id")
	}
	if auth.Verify("chain-a", "msg-1", []byte("tampered"), sig) {
		t.Error("signature verified for tampered payload")
	}
	if NewEnvelopeAuth([]byte("other")).Verify("chain-a", "msg-1", payload, sig) {
		t.Error("signature verified under wrong secret")
	}
}

func TestReceiptSignRecover(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := NewReceiptSigner(key)

	asset := common.HexToAddress("0x1000")
	recipient := common.HexToAddress("0x2000")
	amount := big.NewInt(1_000_000)

	sig, err := signer.SignReceipt("xfer-1", asset, recipient, amount, "chain-b")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	got, err := RecoverReceiptSigner("xfer-1", asset, recipient, amount, "chain-b", sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got != signer.Address() {
		t.Errorf("recovered %s, want %s", got, signer.Address())
	}

	// A different tuple must not recover the signer.
	other, err := RecoverReceiptSigner("xfer-2", asset, recipient, amount, "chain-b", sig)
	if err == nil && other == signer.Address() {
		t.Error("signature verified for a different transfer id")
	}
}
