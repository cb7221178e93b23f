// Package exchange provides price sources for the aggregator.
//
// Every supported venue exposes a public ticker endpoint returning JSON. A
// Definition captures the URL, an optional status check on the decoded body,
// and the path to the last price; HTTPSource turns a Definition into a Source.
package exchange

import (
	"context"
	"errors"
)

// Source fetches the current price from one venue.
// Implementations must honour ctx cancellation; the aggregator treats a
// missed deadline as a failed fetch.
type Source interface {
	ID() string
	Fetch(ctx context.Context) (float64, error)
}

var (
	// ErrUpstream is returned when the venue reports an error status in its body.
	ErrUpstream = errors.New("upstream reported error")

	// ErrUnexpectedResponse is returned when the body does not have the expected shape.
	ErrUnexpectedResponse = errors.New("unexpected response shape")
)
