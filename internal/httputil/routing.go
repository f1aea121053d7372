package httputil

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/af-corp/rudder/internal/policy"
	"github.com/af-corp/rudder/internal/routing"
	"github.com/af-corp/rudder/internal/types"
)

// retryAfterSeconds is the hint returned when every candidate was throttled.
const retryAfterSeconds = 2

// RoutingStatus maps a selection or dispatch error to an HTTP status plus
// the OpenAI-style error type and code for the response envelope.
func RoutingStatus(err error) (status int, errType, code string) {
	var (
		noRule     *routing.NoRuleMatchedError
		noEligible *routing.NoEligibleModelError
		noConfig   *policy.ConfigUnavailableError
		exhausted  *routing.ExhaustedError
		deadline   *routing.DeadlineExceededError
	)
	switch {
	case errors.As(err, &noRule):
		return http.StatusNotFound, "invalid_request_error", "no_rule_matched"
	case errors.As(err, &noEligible):
		return http.StatusUnprocessableEntity, "invalid_request_error", "no_eligible_model"
	case errors.As(err, &noConfig):
		return http.StatusServiceUnavailable, "server_error", "policy_unavailable"
	case errors.As(err, &deadline), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout_error", "deadline_exceeded"
	case errors.As(err, &exhausted):
		if exhausted.FinalOutcome() == types.OutcomeRejected {
			return http.StatusBadGateway, "upstream_error", "upstream_rejected"
		}
		return http.StatusServiceUnavailable, "server_error", "models_exhausted"
	case errors.Is(err, context.Canceled):
		// Client went away. 499 mirrors the nginx convention.
		return 499, "request_error", "client_closed_request"
	default:
		return http.StatusInternalServerError, "server_error", "internal_error"
	}
}

// WriteRoutingError renders err using the status mapping above. Throttle
// dominated exhaustion additionally carries a Retry-After hint.
func WriteRoutingError(w http.ResponseWriter, requestID string, err error) {
	status, errType, code := RoutingStatus(err)

	var exhausted *routing.ExhaustedError
	if errors.As(err, &exhausted) && exhausted.MostlyThrottled() {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}

	WriteError(w, requestID, status, errType, code, err.Error())
}
