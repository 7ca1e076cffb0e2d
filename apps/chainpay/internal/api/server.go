package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server represents the API server
type Server struct {
	webhookHandler    *WebhookHandler
	invoiceHandler    *InvoiceHandler
	paymentHandler    *PaymentHandler
	reconcilerHandler *ReconcilerHandler
	logger            *zap.Logger
	server            *http.Server
}

// NewServer creates a new API server
func NewServer(port int, webhookHandler *WebhookHandler, invoiceHandler *InvoiceHandler,
	paymentHandler *PaymentHandler, reconcilerHandler *ReconcilerHandler, logger *zap.Logger) *Server {
	return &Server{
		webhookHandler:    webhookHandler,
		invoiceHandler:    invoiceHandler,
		paymentHandler:    paymentHandler,
		reconcilerHandler: reconcilerHandler,
		logger:            logger,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start starts the API server
func (s *Server) Start() error {
	router := s.setupRoutes()
	s.server.Handler = router

	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	return nil
}

// Stop stops the API server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	return s.server.Shutdown(ctx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)

	// Provider callbacks live outside the /api prefix.
	router.HandleFunc("/webhooks/blockcypher", s.webhookHandler.HandleBlockCypher).Methods("POST")

	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/invoices", s.invoiceHandler.CreateInvoice).Methods("POST")
	api.HandleFunc("/invoices/{address}", s.invoiceHandler.GetInvoice).Methods("GET")

	api.HandleFunc("/payments/verify", s.paymentHandler.VerifyPayment).Methods("POST")
	api.HandleFunc("/payments/{tx_hash}", s.paymentHandler.GetPaymentStatus).Methods("GET")
	api.HandleFunc("/orders/{order_id}/payments", s.paymentHandler.GetOrderPayments).Methods("GET")

	api.HandleFunc("/reconciler/stats", s.reconcilerHandler.GetStats).Methods("GET")
	api.HandleFunc("/reconciler/stats/reset", s.reconcilerHandler.ResetStats).Methods("POST")
	api.HandleFunc("/reconciler/poll", s.reconcilerHandler.TriggerSweep).Methods("POST")

	api.HandleFunc("/health", s.healthCheck).Methods("GET")

	return router
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// healthCheck handles the health check endpoint
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode health check response", zap.Error(err))
	}
}
