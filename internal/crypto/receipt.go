package crypto

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ReceiptSigner produces secp256k1 signatures over transfer receipts so a
// destination domain can attribute a settled transfer to a known origin
// operator.
type ReceiptSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewReceiptSigner wraps an operator key.
func NewReceiptSigner(key *ecdsa.PrivateKey) *ReceiptSigner {
	return &ReceiptSigner{
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
	}
}

// Address is the signing operator's address.
func (s *ReceiptSigner) Address() common.Address { return s.address }

// receiptDigest hashes the receipt tuple with keccak256.
func receiptDigest(transferID string, asset, recipient common.Address, amount *big.Int, destDomain string) common.Hash {
	var amtLen [8]byte
	amtBytes := amount.Bytes()
	binary.BigEndian.PutUint64(amtLen[:], uint64(len(amtBytes)))

	data := make([]byte, 0, 128)
	data = append(data, []byte(transferID)...)
	data = append(data, asset.Bytes()...)
	data = append(data, recipient.Bytes()...)
	data = append(data, amtLen[:]...)
	data = append(data, amtBytes...)
	data = append(data, []byte(destDomain)...)
	return common.BytesToHash(ethcrypto.Keccak256(data))
}

// SignReceipt signs the receipt tuple for a settled transfer.
func (s *ReceiptSigner) SignReceipt(transferID string, asset, recipient common.Address, amount *big.Int, destDomain string) ([]byte, error) {
	digest := receiptDigest(transferID, asset, recipient, amount, destDomain)
	sig, err := ethcrypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return nil, fmt.Errorf("crypto: sign receipt %s: %w", transferID, err)
	}
	return sig, nil
}

// RecoverReceiptSigner returns the address that signed a transfer receipt.
func RecoverReceiptSigner(transferID string, asset, recipient common.Address, amount *big.Int, destDomain string, sig []byte) (common.Address, error) {
	digest := receiptDigest(transferID, asset, recipient, amount, destDomain)
	pub, err := ethcrypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recover receipt signer %s: %w", transferID, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
