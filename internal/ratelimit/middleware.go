package ratelimit

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/af-corp/rudder/internal/httputil"
	"github.com/af-corp/rudder/internal/telemetry"
	"github.com/af-corp/rudder/internal/tenant"
)

const (
	defaultRPM = 60

	headerRateLimitRequests          = "X-RateLimit-Limit-Requests"
	headerRateLimitRemainingRequests = "X-RateLimit-Remaining-Requests"
	headerRateLimitReset             = "X-RateLimit-Reset-Requests"
	headerRetryAfter                 = "Retry-After"
)

// Middleware returns chi middleware that enforces per-tenant request rates
// and daily quotas.
func Middleware(limiter *Limiter, quota *QuotaTracker, metrics *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := w.Header().Get("X-Request-ID")

			tn, ok := tenant.FromContext(r.Context())
			if !ok {
				// No tenant resolved; the auth middleware owns that rejection
				next.ServeHTTP(w, r)
				return
			}

			rpm := defaultRPM
			if tn.RPMLimit != nil {
				rpm = *tn.RPMLimit
			}

			result, _ := limiter.Check(r.Context(), "rpm:"+tn.TenantID, int64(rpm), time.Minute)

			// Always set rate limit headers
			w.Header().Set(headerRateLimitRequests, strconv.Itoa(rpm))
			w.Header().Set(headerRateLimitRemainingRequests, strconv.FormatInt(result.Remaining, 10))
			w.Header().Set(headerRateLimitReset, result.ResetAt.Format(time.RFC3339))

			if !result.Allowed {
				slog.Warn("rate limit exceeded",
					"request_id", reqID,
					"tenant_id", tn.TenantID,
					"dimension", "rpm",
					"limit", rpm,
				)
				if metrics != nil {
					metrics.RecordRateLimitHit("rpm", tn.TenantID)
				}
				w.Header().Set(headerRetryAfter, strconv.Itoa(int(result.RetryAfter.Seconds())))
				httputil.WriteRateLimitError(w, reqID,
					fmt.Sprintf("Rate limit exceeded: %d requests per minute. Retry after %s", rpm, result.ResetAt.Format(time.RFC3339)))
				return
			}

			if tn.DailyLimit != nil {
				quotaResult, _ := quota.Consume(r.Context(), tn.TenantID, int64(*tn.DailyLimit))
				if !quotaResult.Allowed {
					slog.Warn("daily quota exceeded",
						"request_id", reqID,
						"tenant_id", tn.TenantID,
						"used", quotaResult.Used,
						"limit", quotaResult.Limit,
					)
					if metrics != nil {
						metrics.RecordRateLimitHit("daily_quota", tn.TenantID)
					}
					httputil.WriteRateLimitError(w, reqID,
						fmt.Sprintf("Daily request quota exceeded: %d of %d requests used", quotaResult.Used, quotaResult.Limit))
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
