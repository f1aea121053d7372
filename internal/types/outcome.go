package types

// Outcome is the normalized classification of one provider call. Every
// backend error shape is folded into exactly one of these four values at
// the provider boundary; dispatch logic branches only on this enum.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeThrottled      Outcome = "throttled"
	OutcomeTransportError Outcome = "transport_error"
	OutcomeRejected       Outcome = "rejected"
)

// Retryable reports whether the same candidate may be attempted again
// after this outcome.
func (o Outcome) Retryable() bool {
	return o == OutcomeThrottled || o == OutcomeTransportError
}
