package policy

import (
	"time"

	"github.com/google/uuid"
)

// Decision is the canonical audit record for one policy verdict. Callers
// still work off Outcome; the decision adds a stable id and the requested
// vs approved amounts for downstream reconciliation.
type Decision struct {
	DecisionID     string    `json:"decision_id"`
	CreatedAt      time.Time `json:"created_at"`
	Venue          string    `json:"venue"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Allowed        bool      `json:"allowed"`
	Reason         string    `json:"reason"`
	RequestedQuote float64   `json:"requested_quote"`
	ApprovedQuote  float64   `json:"approved_quote"`
}

// NewDecision records the outcome of one Enforce call.
func NewDecision(req Request, out Outcome) Decision {
	return Decision{
		DecisionID:     uuid.NewString(),
		CreatedAt:      time.Now().UTC(),
		Venue:          req.Venue,
		Symbol:         req.Base + "/" + req.Quote,
		Side:           req.Side,
		Allowed:        out.Allowed,
		Reason:         out.Reason,
		RequestedQuote: req.AmountQuote,
		ApprovedQuote:  out.AdjustedQuote,
	}
}
