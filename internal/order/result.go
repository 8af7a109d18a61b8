package order

import (
	"relay/internal/schema"
)

// Class is how one user's part of a fan-out ended.
type Class string

const (
	ClassSuccessful Class = "successful"
	ClassFailed     Class = "failed"
	ClassRejected   Class = "rejected"
	ClassSkipped    Class = "skipped"
)

// UserResult is one user's line in a fan-out.
type UserResult struct {
	UserID  string
	Class   Class
	Reason  schema.RejectReason
	Outcome schema.OrderOutcome
	Err     string
}

// FanoutResult summarizes one signal's dispatch. Successful, Failed,
// Rejected and Skipped always add up to Total.
type FanoutResult struct {
	SignalID   string
	Total      int
	Successful int
	Failed     int
	Rejected   int
	Skipped    int
	Results    []UserResult
}

func (r *FanoutResult) add(res UserResult) {
	switch res.Class {
	case ClassSuccessful:
		r.Successful++
	case ClassRejected:
		r.Rejected++
	case ClassSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
	r.Results = append(r.Results, res)
}

// classify maps a submission outcome onto a fan-out class. A margin refusal
// by the exchange counts as a rejection like one by the risk gate.
func classify(o schema.OrderOutcome) Class {
	switch o.Status {
	case schema.OrderStatusPlaced, schema.OrderStatusFilled, schema.OrderStatusPartiallyFilled:
		return ClassSuccessful
	case schema.OrderStatusRejected:
		if o.Reason != schema.RejectReasonNone {
			return ClassRejected
		}
		return ClassFailed
	default:
		return ClassFailed
	}
}

// CancelResult summarizes one signal cancellation.
type CancelResult struct {
	SignalID  string
	Open      int
	Cancelled int
	Resolved  int
}
