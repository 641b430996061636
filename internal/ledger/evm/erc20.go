// Package evm implements domain.AssetLedger against ERC-20 contracts over
// JSON-RPC. Calldata is packed by hand from the four selectors the ledger
// interface needs, so no generated bindings are required.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/meshloan/flashmesh/internal/domain"
)

var (
	selTransfer     = ethcrypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	selTransferFrom = ethcrypto.Keccak256([]byte("transferFrom(address,address,uint256)"))[:4]
	selApprove      = ethcrypto.Keccak256([]byte("approve(address,uint256)"))[:4]
	selBalanceOf    = ethcrypto.Keccak256([]byte("balanceOf(address)"))[:4]
)

// Ledger talks to ERC-20 contracts on one EVM chain. State-changing calls are
// signed with the operator key, so Transfer can only move funds held by the
// operator account; TransferFrom consumes allowances granted to it.
type Ledger struct {
	client   *ethclient.Client
	key      *ecdsa.PrivateKey
	operator common.Address
	chainID  *big.Int
	gasLimit uint64
}

// Dial connects to the JSON-RPC endpoint and builds a Ledger signing with key.
func Dial(ctx context.Context, rpcURL string, key *ecdsa.PrivateKey, gasLimit uint64) (*Ledger, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", rpcURL, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("evm: chain id: %w", err)
	}
	if gasLimit == 0 {
		gasLimit = 120_000
	}
	return &Ledger{
		client:   client,
		key:      key,
		operator: ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		gasLimit: gasLimit,
	}, nil
}

// Operator is the address the ledger signs with.
func (l *Ledger) Operator() common.Address { return l.operator }

// Close releases the underlying RPC client.
func (l *Ledger) Close() { l.client.Close() }

func packWord(data []byte, word []byte) []byte {
	var w [32]byte
	copy(w[32-len(word):], word)
	return append(data, w[:]...)
}

func packCall(selector []byte, words ...[]byte) []byte {
	data := append([]byte{}, selector...)
	for _, w := range words {
		data = packWord(data, w)
	}
	return data
}

// send signs, submits, and waits for calldata against the asset contract. A
// mined receipt with a failed status is reported as ErrTransferFailed, same
// as an ERC-20 false return.
func (l *Ledger) send(ctx context.Context, asset common.Address, calldata []byte) error {
	nonce, err := l.client.PendingNonceAt(ctx, l.operator)
	if err != nil {
		return fmt.Errorf("evm: nonce: %w", err)
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("evm: gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &asset,
		Value:    big.NewInt(0),
		Gas:      l.gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(l.chainID), l.key)
	if err != nil {
		return fmt.Errorf("evm: sign tx: %w", err)
	}
	if err := l.client.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("evm: send tx: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, l.client, signed)
	if err != nil {
		return fmt.Errorf("evm: wait mined %s: %w", signed.Hash(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("evm: tx %s reverted: %w", signed.Hash(), domain.ErrTransferFailed)
	}
	return nil
}

// Transfer moves amount of asset from the operator account to `to`. A `from`
// other than the operator cannot be signed for and is rejected.
func (l *Ledger) Transfer(ctx context.Context, asset, from, to common.Address, amount *big.Int) error {
	if from != l.operator {
		return fmt.Errorf("evm: transfer from %s: not the operator account: %w", from, domain.ErrUnauthorized)
	}
	calldata := packCall(selTransfer, to.Bytes(), amount.Bytes())
	return l.send(ctx, asset, calldata)
}

// TransferFrom spends an allowance granted to the operator. The spender must
// be the operator account for the same signing reason as Transfer.
func (l *Ledger) TransferFrom(ctx context.Context, asset, spender, from, to common.Address, amount *big.Int) error {
	if spender != l.operator {
		return fmt.Errorf("evm: transfer_from spender %s: not the operator account: %w", spender, domain.ErrUnauthorized)
	}
	calldata := packCall(selTransferFrom, from.Bytes(), to.Bytes(), amount.Bytes())
	return l.send(ctx, asset, calldata)
}

// Approve grants spender an allowance over the operator's balance.
func (l *Ledger) Approve(ctx context.Context, asset, owner, spender common.Address, amount *big.Int) error {
	if owner != l.operator {
		return fmt.Errorf("evm: approve owner %s: not the operator account: %w", owner, domain.ErrUnauthorized)
	}
	calldata := packCall(selApprove, spender.Bytes(), amount.Bytes())
	return l.send(ctx, asset, calldata)
}

// BalanceOf reads the ERC-20 balance with a read-only call.
func (l *Ledger) BalanceOf(ctx context.Context, asset, account common.Address) (*big.Int, error) {
	calldata := packCall(selBalanceOf, account.Bytes())
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &asset, Data: calldata}, nil)
	if err != nil {
		return nil, fmt.Errorf("evm: balance_of %s: %w", account, err)
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("evm: balance_of %s: short return (%d bytes)", account, len(out))
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

// Compile-time interface check.
var _ domain.AssetLedger = (*Ledger)(nil)
