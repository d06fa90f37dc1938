package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/renewal/domain"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts   int           // Maximum number of attempts
	InitialDelay  time.Duration // Initial delay between retries
	MaxDelay      time.Duration // Maximum delay between retries
	BackoffFactor float64       // Backoff multiplier
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Do executes fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done.
func Do(ctx context.Context, config Config, logger *zap.Logger, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info("Operation succeeded after retry",
					zap.Int("attempt", attempt),
					zap.Int("max_attempts", config.MaxAttempts))
			}
			return nil
		}

		lastErr = err
		if !IsRetryableError(err) {
			return err
		}

		logger.Warn("Operation failed, will retry",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", config.MaxAttempts))

		if attempt < config.MaxAttempts {
			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled: %w", ctx.Err())
			case <-time.After(calculateDelay(config, attempt)):
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxAttempts, lastErr)
}

// calculateDelay calculates the delay for the next retry attempt
func calculateDelay(config Config, attempt int) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.BackoffFactor, float64(attempt-1))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}

var retryableKafkaErrors = []error{
	sarama.ErrOutOfBrokers,
	sarama.ErrNotConnected,
	sarama.ErrLeaderNotAvailable,
	sarama.ErrNotLeaderForPartition,
	sarama.ErrRequestTimedOut,
	sarama.ErrNetworkException,
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"503",
	"502",
	"504",
}

// IsRetryableError reports whether err is a transient broker, network or
// storage failure. Domain errors other than RecordUnavailable are final.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, domain.ErrRecordUnavailable) {
		return true
	}
	if domain.IsDomainError(err) {
		return false
	}

	for _, kafkaErr := range retryableKafkaErrors {
		if errors.Is(err, kafkaErr) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
