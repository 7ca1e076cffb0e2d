package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	evmRateLimit   = 5
	nativeDecimals = 18

	// Block window scanned when discovering recent token transfers for an
	// address. At ~12s per block this covers several hours.
	erc20LookbackBlocks = 2000
)

// erc20TransferTopic is keccak256("Transfer(address,address,uint256)").
var erc20TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// ethBackend is the slice of the RPC client the adapters use. ethclient.Client
// satisfies it; tests substitute a fake.
type ethBackend interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// ethReader wraps the RPC backend with the shared rate limiter, read cache
// and retry policy. Both EVM adapters share one reader so the node sees a
// single request budget.
type ethReader struct {
	backend ethBackend
	limiter *rateLimiter
	cache   *readCache
	retry   retryPolicy
	logger  *zap.Logger
}

func newEthReader(backend ethBackend, logger *zap.Logger) *ethReader {
	clock := systemClock{}
	return &ethReader{
		backend: backend,
		limiter: newRateLimiter(evmRateLimit, time.Second, clock),
		cache:   newReadCache(defaultCacheTTL, clock),
		retry:   newRetryPolicy(logger),
		logger:  logger,
	}
}

func (r *ethReader) transactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if err := r.limiter.wait(ctx); err != nil {
		return nil, false, err
	}

	var tx *types.Transaction
	var pending bool
	err := r.retry.do(ctx, "eth.transaction_by_hash", func() error {
		var err error
		tx, pending, err = r.backend.TransactionByHash(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, false, ErrTxNotFound
		}
		return nil, false, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	return tx, pending, nil
}

func (r *ethReader) transactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if cached, ok := r.cache.get("receipt", hash.Hex()); ok {
		return cached.(*types.Receipt), nil
	}

	if err := r.limiter.wait(ctx); err != nil {
		return nil, err
	}

	var receipt *types.Receipt
	err := r.retry.do(ctx, "eth.transaction_receipt", func() error {
		var err error
		receipt, err = r.backend.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrTxNotFound
		}
		return nil, fmt.Errorf("failed to fetch receipt: %w", err)
	}

	r.cache.set("receipt", hash.Hex(), receipt)
	return receipt, nil
}

func (r *ethReader) blockNumber(ctx context.Context) (uint64, error) {
	if err := r.limiter.wait(ctx); err != nil {
		return 0, err
	}

	var latest uint64
	err := r.retry.do(ctx, "eth.block_number", func() error {
		var err error
		latest, err = r.backend.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch block number: %w", err)
	}
	return latest, nil
}

func (r *ethReader) confirmations(ctx context.Context, blockNumber *big.Int) (int64, error) {
	if blockNumber == nil {
		return 0, nil
	}
	latest, err := r.blockNumber(ctx)
	if err != nil {
		return 0, err
	}
	confirmations := int64(latest) - blockNumber.Int64() + 1
	if confirmations < 0 {
		confirmations = 0
	}
	return confirmations, nil
}

// EthNativeAdapter verifies plain ether transfers. The RPC interface has no
// per-address transfer index, so this adapter cannot discover candidates and
// does not implement TransferLister.
type EthNativeAdapter struct {
	reader *ethReader
}

func NewEthNativeAdapter(backend ethBackend, logger *zap.Logger) *EthNativeAdapter {
	return &EthNativeAdapter{reader: newEthReader(backend, logger)}
}

func (a *EthNativeAdapter) FetchTransaction(ctx context.Context, txHash string) (*TxRecord, error) {
	hash := common.HexToHash(txHash)

	tx, pending, err := a.reader.transactionByHash(ctx, hash)
	if err != nil {
		return nil, err
	}

	record := &TxRecord{Hash: txHash}
	if tx.To() != nil {
		record.Transfers = []Transfer{{
			To:     strings.ToLower(tx.To().Hex()),
			Amount: decimal.NewFromBigInt(tx.Value(), -nativeDecimals),
		}}
	}

	if pending {
		return record, nil
	}

	receipt, err := a.reader.transactionReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	record.BlockHeight = receipt.BlockNumber.Int64()
	record.Failed = receipt.Status != types.ReceiptStatusSuccessful

	record.Confirmations, err = a.reader.confirmations(ctx, receipt.BlockNumber)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ERC20Adapter verifies token transfers by decoding Transfer event logs from
// the transaction receipt, filtered to a single token contract.
type ERC20Adapter struct {
	reader   *ethReader
	contract common.Address
	decimals int32
}

func NewERC20Adapter(backend ethBackend, contract string, decimals int32, logger *zap.Logger) *ERC20Adapter {
	return &ERC20Adapter{
		reader:   newEthReader(backend, logger),
		contract: common.HexToAddress(contract),
		decimals: decimals,
	}
}

func (a *ERC20Adapter) FetchTransaction(ctx context.Context, txHash string) (*TxRecord, error) {
	hash := common.HexToHash(txHash)

	receipt, err := a.reader.transactionReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}

	record := &TxRecord{
		Hash:        txHash,
		BlockHeight: receipt.BlockNumber.Int64(),
		Failed:      receipt.Status != types.ReceiptStatusSuccessful,
	}

	for _, log := range receipt.Logs {
		transfer, ok := a.decodeTransferLog(log)
		if !ok {
			continue
		}
		record.Transfers = append(record.Transfers, transfer)
	}

	record.Confirmations, err = a.reader.confirmations(ctx, receipt.BlockNumber)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// RecentTransfers scans Transfer logs addressed to the payment address over a
// recent block window.
func (a *ERC20Adapter) RecentTransfers(ctx context.Context, address string) ([]Candidate, error) {
	latest, err := a.reader.blockNumber(ctx)
	if err != nil {
		return nil, err
	}

	from := int64(latest) - erc20LookbackBlocks
	if from < 0 {
		from = 0
	}

	recipientTopic := common.BytesToHash(common.LeftPadBytes(common.HexToAddress(address).Bytes(), 32))
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(from),
		ToBlock:   big.NewInt(int64(latest)),
		Addresses: []common.Address{a.contract},
		Topics:    [][]common.Hash{{erc20TransferTopic}, nil, {recipientTopic}},
	}

	if err := a.reader.limiter.wait(ctx); err != nil {
		return nil, err
	}

	var logs []types.Log
	err = a.reader.retry.do(ctx, "eth.filter_logs", func() error {
		var err error
		logs, err = a.reader.backend.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter transfer logs: %w", err)
	}

	var candidates []Candidate
	for i := range logs {
		transfer, ok := a.decodeTransferLog(&logs[i])
		if !ok {
			continue
		}
		candidates = append(candidates, Candidate{
			TxHash: logs[i].TxHash.Hex(),
			To:     transfer.To,
			Amount: transfer.Amount,
		})
	}
	return candidates, nil
}

// decodeTransferLog extracts recipient and amount from an ERC-20 Transfer
// event. Logs from other contracts or with a different signature are skipped.
func (a *ERC20Adapter) decodeTransferLog(log *types.Log) (Transfer, bool) {
	if log.Address != a.contract || len(log.Topics) != 3 || log.Topics[0] != erc20TransferTopic {
		return Transfer{}, false
	}

	recipient := common.BytesToAddress(log.Topics[2].Bytes())
	amount := new(big.Int).SetBytes(log.Data)
	return Transfer{
		To:     strings.ToLower(recipient.Hex()),
		Amount: decimal.NewFromBigInt(amount, -a.decimals),
	}, true
}
