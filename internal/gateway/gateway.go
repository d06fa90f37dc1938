// Package gateway holds what the payment gateway callback adapters share
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/jia-app/renewalservice/internal/renewal/domain"
)

// ErrBadRequest marks a callback that can never be processed as sent
var ErrBadRequest = errors.New("bad gateway callback")

// PaymentResultHandler receives payment results for renewal orders
type PaymentResultHandler interface {
	OnGatewayPaymentResult(ctx context.Context, orderID uuid.UUID, status domain.OrderStatus) error
}

// Response is the body written back to the gateway
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// StatusFor maps a processing error to the HTTP status returned to the
// gateway. Server errors make the gateway redeliver.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBadRequest), errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WriteResult writes the JSON response for err
func WriteResult(w http.ResponseWriter, err error) {
	code := StatusFor(err)
	resp := Response{Status: "ok"}
	switch {
	case code == http.StatusInternalServerError:
		resp = Response{Status: "error", Message: "order processing error"}
	case err != nil:
		resp = Response{Status: "rejected", Message: err.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
