package billing

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// BatchResult summarizes one recurring billing pass.
type BatchResult struct {
	Processed int
	Succeeded int
	Failed    int
	Skipped   int
	Errors    []BatchError
}

// BatchError ties a per-subscription failure to its subscription.
type BatchError struct {
	SubscriptionID snowflake.ID
	Err            error
}

func (e BatchError) Error() string {
	return fmt.Sprintf("subscription %s: %v", e.SubscriptionID, e.Err)
}

func (e BatchError) Unwrap() error { return e.Err }

func (r *BatchResult) add(o outcome) {
	r.Processed++
	switch o.kind {
	case outcomeSucceeded:
		r.Succeeded++
	case outcomeFailed:
		r.Failed++
		if o.err != nil {
			r.Errors = append(r.Errors, BatchError{SubscriptionID: o.subscriptionID, Err: o.err})
		}
	case outcomeSkipped:
		r.Skipped++
	}
}
