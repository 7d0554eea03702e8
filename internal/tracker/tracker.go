// Package tracker talks to the Linear issue tracker over its GraphQL API.
package tracker

import "errors"

// ErrUnavailable marks failures to reach or authenticate against the tracker.
// The poll loop treats these as transient and retries on the next tick.
var ErrUnavailable = errors.New("tracker unavailable")

// DefaultURL is Linear's GraphQL endpoint.
const DefaultURL = "https://api.linear.app/graphql"
