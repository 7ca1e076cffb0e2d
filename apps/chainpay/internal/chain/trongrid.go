package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	tronGridRateLimit = 10
	trc20ListLimit    = 50

	// trc20TransferSelector is the first 4 bytes of
	// keccak256("transfer(address,uint256)") in hex.
	trc20TransferSelector = "a9059cbb"

	tronAddressPrefix = 0x41
)

// TronGridClient talks to the TronGrid REST API.
type TronGridClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rateLimiter
	cache      *readCache
	retry      retryPolicy
	logger     *zap.Logger
}

func NewTronGridClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *TronGridClient {
	clock := systemClock{}
	return &TronGridClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    newRateLimiter(tronGridRateLimit, time.Second, clock),
		cache:      newReadCache(defaultCacheTTL, clock),
		retry:      newRetryPolicy(logger),
		logger:     logger,
	}
}

func (c *TronGridClient) headers() map[string]string {
	if c.apiKey == "" {
		return nil
	}
	return map[string]string{"TRON-PRO-API-KEY": c.apiKey}
}

func (c *TronGridClient) post(ctx context.Context, operation, path string, body, out interface{}) error {
	if err := c.limiter.wait(ctx); err != nil {
		return err
	}
	return c.retry.do(ctx, operation, func() error {
		if err := doJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+path, c.headers(), body, out); err != nil {
			return permanentIfClientError(err)
		}
		return nil
	})
}

func (c *TronGridClient) get(ctx context.Context, operation, path string, out interface{}) error {
	if err := c.limiter.wait(ctx); err != nil {
		return err
	}
	return c.retry.do(ctx, operation, func() error {
		if err := doJSON(ctx, c.httpClient, http.MethodGet, c.baseURL+path, c.headers(), nil, out); err != nil {
			return permanentIfClientError(err)
		}
		return nil
	})
}

type tronTx struct {
	TxID string `json:"txID"`
	Ret  []struct {
		ContractRet string `json:"contractRet"`
	} `json:"ret"`
	RawData struct {
		Contract []struct {
			Type      string `json:"type"`
			Parameter struct {
				Value struct {
					ContractAddress string `json:"contract_address"`
					Data            string `json:"data"`
				} `json:"value"`
			} `json:"parameter"`
		} `json:"contract"`
	} `json:"raw_data"`
}

type tronTxInfo struct {
	BlockNumber int64 `json:"blockNumber"`
}

type tronBlock struct {
	BlockHeader struct {
		RawData struct {
			Number int64 `json:"number"`
		} `json:"raw_data"`
	} `json:"block_header"`
}

type tronTRC20Page struct {
	Data []struct {
		TransactionID string `json:"transaction_id"`
		To            string `json:"to"`
		Value         string `json:"value"`
		TokenInfo     struct {
			Address  string `json:"address"`
			Decimals int32  `json:"decimals"`
		} `json:"token_info"`
	} `json:"data"`
}

// TronAdapter verifies TRC-20 token transfers. TronGrid returns the raw
// contract call rather than event logs, so the transfer is decoded from the
// call data of the TriggerSmartContract entry.
type TronAdapter struct {
	client   *TronGridClient
	contract string
	decimals int32
}

func NewTronAdapter(client *TronGridClient, contract string, decimals int32) *TronAdapter {
	return &TronAdapter{client: client, contract: contract, decimals: decimals}
}

func (a *TronAdapter) FetchTransaction(ctx context.Context, txHash string) (*TxRecord, error) {
	if cached, ok := a.client.cache.get("tx", txHash); ok {
		return cached.(*TxRecord), nil
	}

	var tx tronTx
	err := a.client.post(ctx, "tron.get_transaction", "/wallet/gettransactionbyid",
		map[string]string{"value": txHash}, &tx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tron transaction: %w", err)
	}
	// TronGrid answers unknown hashes with an empty object.
	if tx.TxID == "" {
		return nil, ErrTxNotFound
	}

	record := &TxRecord{Hash: tx.TxID}
	if len(tx.Ret) > 0 && tx.Ret[0].ContractRet != "SUCCESS" {
		record.Failed = true
	}

	for _, contract := range tx.RawData.Contract {
		if contract.Type != "TriggerSmartContract" {
			continue
		}
		contractAddr, err := hexToBase58Address(contract.Parameter.Value.ContractAddress)
		if err != nil || contractAddr != a.contract {
			continue
		}
		transfer, err := decodeTRC20Transfer(contract.Parameter.Value.Data, a.decimals)
		if err != nil {
			continue
		}
		record.Transfers = append(record.Transfers, transfer)
	}

	confirmations, err := a.confirmations(ctx, txHash)
	if err != nil {
		return nil, err
	}
	record.Confirmations = confirmations

	a.client.cache.set("tx", txHash, record)
	return record, nil
}

func (a *TronAdapter) confirmations(ctx context.Context, txHash string) (int64, error) {
	var info tronTxInfo
	err := a.client.post(ctx, "tron.get_transaction_info", "/wallet/gettransactioninfobyid",
		map[string]string{"value": txHash}, &info)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch tron transaction info: %w", err)
	}
	if info.BlockNumber == 0 {
		return 0, nil
	}

	var block tronBlock
	if err := a.client.post(ctx, "tron.get_now_block", "/wallet/getnowblock", map[string]string{}, &block); err != nil {
		return 0, fmt.Errorf("failed to fetch tron head block: %w", err)
	}

	confirmations := block.BlockHeader.RawData.Number - info.BlockNumber + 1
	if confirmations < 0 {
		confirmations = 0
	}
	return confirmations, nil
}

// RecentTransfers lists confirmed inbound TRC-20 transfers for an address.
func (a *TronAdapter) RecentTransfers(ctx context.Context, address string) ([]Candidate, error) {
	path := fmt.Sprintf("/v1/accounts/%s/transactions/trc20?only_confirmed=true&only_to=true&limit=%d&contract_address=%s",
		address, trc20ListLimit, a.contract)

	var page tronTRC20Page
	if err := a.client.get(ctx, "tron.list_trc20", path, &page); err != nil {
		return nil, fmt.Errorf("failed to list trc20 transfers: %w", err)
	}

	var candidates []Candidate
	for _, entry := range page.Data {
		if entry.TokenInfo.Address != "" && entry.TokenInfo.Address != a.contract {
			continue
		}
		raw, ok := new(big.Int).SetString(entry.Value, 10)
		if !ok {
			continue
		}
		decimals := entry.TokenInfo.Decimals
		if decimals == 0 {
			decimals = a.decimals
		}
		candidates = append(candidates, Candidate{
			TxHash: entry.TransactionID,
			To:     entry.To,
			Amount: decimal.NewFromBigInt(raw, -decimals),
		})
	}
	return candidates, nil
}

// decodeTRC20Transfer parses transfer(address,uint256) call data. Layout in
// hex characters: 8 selector, 64 recipient word, 64 amount word.
func decodeTRC20Transfer(data string, decimals int32) (Transfer, error) {
	data = strings.TrimPrefix(data, "0x")
	if len(data) < 136 {
		return Transfer{}, errors.New("call data too short")
	}
	if !strings.EqualFold(data[:8], trc20TransferSelector) {
		return Transfer{}, errors.New("not a transfer call")
	}

	// Recipient is the last 20 bytes of the first argument word.
	recipient, err := hexToBase58Address("41" + data[32:72])
	if err != nil {
		return Transfer{}, fmt.Errorf("invalid recipient: %w", err)
	}

	raw, ok := new(big.Int).SetString(data[72:136], 16)
	if !ok {
		return Transfer{}, errors.New("invalid amount word")
	}

	return Transfer{
		To:     recipient,
		Amount: decimal.NewFromBigInt(raw, -decimals),
	}, nil
}

// hexToBase58Address converts a 0x41-prefixed hex address to the base58check
// form TronGrid uses elsewhere.
func hexToBase58Address(hexAddr string) (string, error) {
	hexAddr = strings.TrimPrefix(hexAddr, "0x")
	raw, err := hex.DecodeString(hexAddr)
	if err != nil {
		return "", fmt.Errorf("invalid hex address: %w", err)
	}
	if len(raw) != 21 || raw[0] != tronAddressPrefix {
		return "", errors.New("unexpected tron address format")
	}
	return base58.CheckEncode(raw[1:], raw[0]), nil
}
