// Package id generates request correlation identifiers.
package id

import "github.com/google/uuid"

// NewCorrelationID returns a time-ordered v7 UUID string. Correlation ids tie
// an inbound message to every event it produced, so ordering by id roughly
// follows arrival order.
func NewCorrelationID() string {
	value, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return value.String()
}
