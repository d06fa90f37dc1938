package paypalipn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/circuitbreaker"
	"github.com/jia-app/renewalservice/internal/gateway"
)

// PostbackVerifier verifies IPN messages by posting them back to PayPal
type PostbackVerifier struct {
	url     string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewPostbackVerifier creates a verifier for the given postback endpoint.
// Postbacks stop while PayPal keeps failing; an INVALID answer is not a failure.
func NewPostbackVerifier(url string, client *http.Client, logger *zap.Logger) *PostbackVerifier {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	cfg := circuitbreaker.DefaultConfig()
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, gateway.ErrBadRequest) }
	return &PostbackVerifier{
		url:     url,
		client:  client,
		breaker: circuitbreaker.New("paypal_ipn_postback", cfg, logger),
	}
}

// Verify posts the message back unchanged and expects VERIFIED
func (v *PostbackVerifier) Verify(ctx context.Context, body []byte) error {
	return v.breaker.Execute(ctx, func(ctx context.Context) error {
		return v.postback(ctx, body)
	})
}

func (v *PostbackVerifier) postback(ctx context.Context, body []byte) error {
	payload := append([]byte("cmd=_notify-validate&"), body...)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build IPN postback: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("IPN postback failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("IPN postback returned status %d", resp.StatusCode)
	}

	answer, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return fmt.Errorf("failed to read IPN postback: %w", err)
	}
	if string(bytes.TrimSpace(answer)) != "VERIFIED" {
		return fmt.Errorf("%w: IPN not verified", gateway.ErrBadRequest)
	}
	return nil
}
