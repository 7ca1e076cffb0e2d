package chain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	blockCypherRateLimit = 3
	utxoDecimals         = 8
)

var utxoChainPaths = map[string]string{
	"btc": "btc/main",
	"ltc": "ltc/main",
}

// BlockCypherClient talks to the BlockCypher explorer API, which serves both
// Bitcoin and Litecoin behind per-chain URL prefixes. One client is shared by
// all UTXO adapters so the rate limit is enforced across chains.
type BlockCypherClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rateLimiter
	cache      *readCache
	retry      retryPolicy
	logger     *zap.Logger
}

func NewBlockCypherClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *BlockCypherClient {
	clock := systemClock{}
	return &BlockCypherClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    newRateLimiter(blockCypherRateLimit, time.Second, clock),
		cache:      newReadCache(defaultCacheTTL, clock),
		retry:      newRetryPolicy(logger),
		logger:     logger,
	}
}

type blockCypherTx struct {
	Hash          string              `json:"hash"`
	BlockHeight   int64               `json:"block_height"`
	Confirmations int64               `json:"confirmations"`
	DoubleSpend   bool                `json:"double_spend"`
	Outputs       []blockCypherOutput `json:"outputs"`
}

type blockCypherOutput struct {
	Addresses []string `json:"addresses"`
	Value     int64    `json:"value"`
}

type blockCypherHook struct {
	ID            string `json:"id,omitempty"`
	Event         string `json:"event"`
	Address       string `json:"address"`
	URL           string `json:"url"`
	Confirmations int64  `json:"confirmations"`
}

// GetTransaction fetches a transaction and normalizes its outputs. Output
// values arrive in satoshi and are converted to whole coins.
func (c *BlockCypherClient) GetTransaction(ctx context.Context, chainName, txHash string) (*TxRecord, error) {
	path, err := c.chainPath(chainName)
	if err != nil {
		return nil, err
	}

	cacheID := chainName + ":" + txHash
	if cached, ok := c.cache.get("tx", cacheID); ok {
		return cached.(*TxRecord), nil
	}

	if err := c.limiter.wait(ctx); err != nil {
		return nil, err
	}

	var tx blockCypherTx
	err = c.retry.do(ctx, "blockcypher.get_transaction", func() error {
		reqURL := fmt.Sprintf("%s/%s/txs/%s%s", c.baseURL, path, txHash, c.tokenQuery())
		if err := doJSON(ctx, c.httpClient, http.MethodGet, reqURL, nil, nil, &tx); err != nil {
			return permanentIfClientError(err)
		}
		return nil
	})
	if err != nil {
		var httpErr *httpError
		if errors.As(err, &httpErr) && httpErr.status == http.StatusNotFound {
			return nil, ErrTxNotFound
		}
		return nil, fmt.Errorf("failed to fetch %s transaction: %w", chainName, err)
	}

	record := &TxRecord{
		Hash:          tx.Hash,
		BlockHeight:   tx.BlockHeight,
		Confirmations: tx.Confirmations,
		DoubleSpend:   tx.DoubleSpend,
	}
	for _, output := range tx.Outputs {
		amount := decimal.NewFromInt(output.Value).Shift(-utxoDecimals)
		for _, address := range output.Addresses {
			record.Transfers = append(record.Transfers, Transfer{To: address, Amount: amount})
		}
	}

	c.cache.set("tx", cacheID, record)
	return record, nil
}

// RegisterHook subscribes a callback URL to confirmation events for an
// address. Returns the provider-side hook id.
func (c *BlockCypherClient) RegisterHook(ctx context.Context, chainName, address, callbackURL string, confirmations int64) (string, error) {
	path, err := c.chainPath(chainName)
	if err != nil {
		return "", err
	}

	if err := c.limiter.wait(ctx); err != nil {
		return "", err
	}

	request := blockCypherHook{
		Event:         "tx-confirmation",
		Address:       address,
		URL:           callbackURL,
		Confirmations: confirmations,
	}

	var created blockCypherHook
	err = c.retry.do(ctx, "blockcypher.register_hook", func() error {
		reqURL := fmt.Sprintf("%s/%s/hooks%s", c.baseURL, path, c.tokenQuery())
		if err := doJSON(ctx, c.httpClient, http.MethodPost, reqURL, nil, request, &created); err != nil {
			return permanentIfClientError(err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to register %s webhook: %w", chainName, err)
	}

	c.logger.Info("Registered confirmation webhook",
		zap.String("chain", chainName),
		zap.String("address", address),
		zap.String("hook_id", created.ID))
	return created.ID, nil
}

func (c *BlockCypherClient) DeregisterHook(ctx context.Context, chainName, hookID string) error {
	path, err := c.chainPath(chainName)
	if err != nil {
		return err
	}

	if err := c.limiter.wait(ctx); err != nil {
		return err
	}

	err = c.retry.do(ctx, "blockcypher.deregister_hook", func() error {
		reqURL := fmt.Sprintf("%s/%s/hooks/%s%s", c.baseURL, path, hookID, c.tokenQuery())
		if err := doJSON(ctx, c.httpClient, http.MethodDelete, reqURL, nil, nil, nil); err != nil {
			return permanentIfClientError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to deregister %s webhook: %w", chainName, err)
	}
	return nil
}

func (c *BlockCypherClient) chainPath(chainName string) (string, error) {
	path, ok := utxoChainPaths[chainName]
	if !ok {
		return "", fmt.Errorf("unsupported UTXO chain: %s", chainName)
	}
	return path, nil
}

func (c *BlockCypherClient) tokenQuery() string {
	if c.token == "" {
		return ""
	}
	return "?token=" + url.QueryEscape(c.token)
}

// UTXOAdapter binds the shared BlockCypher client to a single chain.
type UTXOAdapter struct {
	client    *BlockCypherClient
	chainName string
}

func NewUTXOAdapter(client *BlockCypherClient, chainName string) *UTXOAdapter {
	return &UTXOAdapter{client: client, chainName: chainName}
}

func (a *UTXOAdapter) FetchTransaction(ctx context.Context, txHash string) (*TxRecord, error) {
	return a.client.GetTransaction(ctx, a.chainName, txHash)
}
