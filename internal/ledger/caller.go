// Package ledger submits allocation-crediting calls to the remote ledger
// contract. The contract double-credits on repeated identical calls, so
// callers rely on the store's deduplication before reaching this layer.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"contribwatch/internal/allocation"
	"contribwatch/internal/chain"
)

// Confirmation is the outcome of a receipt lookup.
type Confirmation int

const (
	// ConfirmationPending means the transaction is not mined yet.
	ConfirmationPending Confirmation = iota
	// ConfirmationConfirmed means the transaction succeeded on chain.
	ConfirmationConfirmed
	// ConfirmationReverted means the transaction was mined but failed.
	ConfirmationReverted
)

const defaultGasLimit = 150_000

// Caller signs and submits updateAllocation calls.
type Caller struct {
	client   *chain.Client
	key      *ecdsa.PrivateKey
	from     common.Address
	contract common.Address
	chainID  *big.Int
	gasLimit uint64
	logger   *zap.Logger
}

// NewCaller builds a Caller from the ledger chain client, the contract
// address, and the hex-encoded signing key.
func NewCaller(ctx context.Context, client *chain.Client, contractAddr, privateKeyHex string, logger *zap.Logger) (*Caller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("invalid ledger contract address: %s", contractAddr)
	}

	key, err := crypto.HexToECDSA(trimHexPrefix(privateKeyHex))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}

	chainID, err := client.GetChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get ledger chain id: %w", err)
	}

	return &Caller{
		client:   client,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		contract: common.HexToAddress(contractAddr),
		chainID:  chainID,
		gasLimit: defaultGasLimit,
		logger:   logger,
	}, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Submit credits tokensOwed to the contributor and returns the dispatch
// transaction hash once the node accepts the submission.
func (c *Caller) Submit(ctx context.Context, contributor string, tokensOwed decimal.Decimal) (string, error) {
	if !common.IsHexAddress(contributor) {
		return "", fmt.Errorf("invalid contributor address: %s", contributor)
	}

	allocatorABI, err := AllocatorABI()
	if err != nil {
		return "", fmt.Errorf("allocator abi: %w", err)
	}

	data, err := allocatorABI.Pack("updateAllocation", common.HexToAddress(contributor), BaseUnits(tokensOwed))
	if err != nil {
		return "", fmt.Errorf("pack updateAllocation: %w", err)
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("get nonce: %w", err)
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      c.gasLimit,
		To:       &c.contract,
		Value:    big.NewInt(0),
		Data:     data,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}

	txHash := signedTx.Hash().Hex()
	c.logger.Info("allocation dispatched",
		zap.String("contributor", contributor),
		zap.String("tokens_owed", tokensOwed.String()),
		zap.String("tx_hash", txHash),
	)
	return txHash, nil
}

// ConfirmationStatus looks up the receipt of a dispatch transaction.
func (c *Caller) ConfirmationStatus(ctx context.Context, txHash string) (Confirmation, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ConfirmationPending, nil
		}
		return ConfirmationPending, err
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return ConfirmationConfirmed, nil
	}
	return ConfirmationReverted, nil
}

// BaseUnits converts a token allocation into the contract's 18-decimal
// integer base units, truncating any excess precision.
func BaseUnits(tokens decimal.Decimal) *big.Int {
	return tokens.Truncate(allocation.Scale).Shift(allocation.Scale).BigInt()
}
