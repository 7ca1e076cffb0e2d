package main

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"chainpay/apps/chainpay/internal/api"
	"chainpay/apps/chainpay/internal/chain"
	"chainpay/apps/chainpay/internal/config"
	"chainpay/apps/chainpay/internal/notifier"
	"chainpay/apps/chainpay/internal/payment"
	"chainpay/apps/chainpay/internal/poller"
	"chainpay/apps/chainpay/internal/repository"
	"chainpay/apps/chainpay/internal/verifier"
)

const (
	usdtEthContract  = "0xdac17f958d2ee523a2206206994597c13d831ec7"
	usdtTronContract = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	usdtDecimals     = 6
)

// Chains without push notifications, settled by the reconciler.
var pollChains = []string{"eth", "tron"}

func main() {
	// Initialize zap logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	// Load configuration from environment variables
	cfg := config.NewConfig()

	logger.Info("Starting application with configuration",
		zap.String("db_url", cfg.DbURL),
		zap.String("kafka_broker", cfg.KafkaBroker),
		zap.String("kafka_topic", cfg.KafkaTopic),
		zap.String("eth_rpc_url", cfg.EthRpcURL),
		zap.Int("api_port", cfg.APIPort),
		zap.Duration("poll_interval", cfg.PollInterval),
	)
	if cfg.WebhookSecret == "" {
		logger.Warn("WEBHOOK_SECRET is not set, webhook endpoint accepts unauthenticated requests")
	}

	// Connect to database
	db, err := sql.Open("postgres", cfg.DbURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}

	// Initialize database tables
	if err := repository.InitMigration(db); err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	store := repository.NewStore(db, logger)

	// Chain data providers
	blockCypher := chain.NewBlockCypherClient(cfg.BlockCypherAPIURL, cfg.BlockCypherToken, cfg.ProviderTimeout, logger)
	tronGrid := chain.NewTronGridClient(cfg.TronGridAPIURL, cfg.TronGridAPIKey, cfg.ProviderTimeout, logger)

	ethClient, err := ethclient.Dial(cfg.EthRpcURL)
	if err != nil {
		logger.Fatal("Failed to connect to Ethereum RPC", zap.Error(err))
	}
	defer ethClient.Close()

	// Verification routes, keyed by (chain, currency)
	dispatcher := verifier.NewDispatcher(cfg.Confirmations, logger)
	dispatcher.Register("btc", "btc", chain.NewUTXOAdapter(blockCypher, "btc"))
	dispatcher.Register("ltc", "ltc", chain.NewUTXOAdapter(blockCypher, "ltc"))
	dispatcher.Register("eth", "eth", chain.NewEthNativeAdapter(ethClient, logger))
	dispatcher.Register("eth", "usdt", chain.NewERC20Adapter(ethClient, usdtEthContract, usdtDecimals, logger))
	dispatcher.Register("tron", "usdt", chain.NewTronAdapter(tronGrid, usdtTronContract, usdtDecimals))

	processor := payment.NewProcessor(cfg.Confirmations, logger)

	kafkaNotifier, err := notifier.NewKafkaNotifier(cfg.KafkaBroker, cfg.KafkaTopic, logger)
	if err != nil {
		logger.Fatal("Failed to create Kafka notifier", zap.Error(err))
	}
	defer kafkaNotifier.Close()

	// Start reconciler in background
	reconciler := poller.NewReconciler(store, dispatcher, processor, kafkaNotifier,
		pollChains, cfg.PollInterval, cfg.PollBatchSize, logger)
	go reconciler.Start()

	// Start ledger retention job in background
	retentionStop := make(chan struct{})
	go runRetention(store, cfg.WebhookRetention, retentionStop, logger)

	// Create and start API server
	webhookHandler := api.NewWebhookHandler(store, processor, kafkaNotifier, cfg.WebhookSecret, logger)
	invoiceHandler := api.NewInvoiceHandler(store, blockCypher, callbackURL(cfg), cfg.Confirmations, cfg.InvoiceExpiry, logger)
	paymentHandler := api.NewPaymentHandler(store, dispatcher, processor, kafkaNotifier, logger)
	reconcilerHandler := api.NewReconcilerHandler(reconciler, logger)

	apiServer := api.NewServer(cfg.APIPort, webhookHandler, invoiceHandler, paymentHandler, reconcilerHandler, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	<-sigChan
	logger.Info("Received shutdown signal, starting graceful shutdown...")

	close(retentionStop)
	reconciler.Stop()

	// Create a context with timeout for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown API server gracefully
	if err := apiServer.Stop(ctx); err != nil {
		logger.Error("Error shutting down API server", zap.Error(err))
	}

	logger.Info("Application shutdown complete")
}

// callbackURL builds the webhook callback, carrying the shared token as a
// query parameter since BlockCypher cannot send custom headers.
func callbackURL(cfg *config.Config) string {
	if cfg.BlockCypherWebhookURL == "" || cfg.WebhookSecret == "" {
		return cfg.BlockCypherWebhookURL
	}
	return cfg.BlockCypherWebhookURL + "?token=" + url.QueryEscape(cfg.WebhookSecret)
}

// runRetention deletes idempotency ledger entries past the retention window
// once a day.
func runRetention(store *repository.Store, retention time.Duration, stop <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deleted, err := store.DeleteProcessedBefore(time.Now().Add(-retention))
			if err != nil {
				logger.Error("Failed to prune idempotency ledger", zap.Error(err))
				continue
			}
			logger.Info("Pruned idempotency ledger", zap.Int64("deleted", deleted))
		case <-stop:
			return
		}
	}
}
