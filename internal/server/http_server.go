package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/metrics"
	"github.com/jia-app/renewalservice/internal/ratelimit"
)

// HTTPServer serves gateway callbacks, metrics and health
type HTTPServer struct {
	server *http.Server
	logger *zap.Logger
}

// Routes are the HTTP handlers the server mounts
type Routes struct {
	StripeWebhook http.Handler
	PayPalIPN     http.Handler
	// WebhookLimiter throttles gateway callbacks per client; nil disables it
	WebhookLimiter ratelimit.RateLimiter
	// Ready reports whether dependencies are reachable
	Ready func(ctx context.Context) bool
}

// NewHTTPServer creates the HTTP listener
func NewHTTPServer(address string, routes Routes, logger *zap.Logger) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              address,
			Handler:           NewHandler(routes, logger),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the HTTP routing table
func NewHandler(routes Routes, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	webhook := func(path, gateway string, h http.Handler) {
		if h == nil {
			return
		}
		if routes.WebhookLimiter != nil {
			h = ratelimit.Middleware(routes.WebhookLimiter, gateway, logger)(h)
		}
		mux.Handle(path, instrument(path, h))
	}
	webhook("/webhooks/stripe", "stripe", routes.StripeWebhook)
	webhook("/webhooks/paypal", "paypal", routes.PayPalIPN)

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, "ok", http.StatusOK)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if routes.Ready != nil && !routes.Ready(r.Context()) {
			writeHealth(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		writeHealth(w, "ok", http.StatusOK)
	})
	return mux
}

// Serve listens until ctx is cancelled, then shuts down gracefully
func (s *HTTPServer) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server starting", zap.String("address", listener.Addr().String()))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- s.server.Serve(listener)
	}()

	select {
	case err := <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument records request count and duration per endpoint
func instrument(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(rec.status), time.Since(start))
	})
}

func writeHealth(w http.ResponseWriter, status string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
