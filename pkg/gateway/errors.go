package gateway

import "errors"

// Proxy path errors. The API layer maps these onto HTTP statuses.
var (
	// ErrInvalidAccessKey means the access key matched no grant.
	ErrInvalidAccessKey = errors.New("invalid access key")

	// ErrGrantNotActive means the grant exists but is expired or suspended.
	ErrGrantNotActive = errors.New("access grant not active")

	// ErrListingMisconfigured means the listing row cannot serve the
	// proxy path: bad auth mode, missing upstream, or an undecryptable
	// credential.
	ErrListingMisconfigured = errors.New("listing misconfigured")

	// ErrNoKeeperAvailable means no selectable keeper node exists.
	ErrNoKeeperAvailable = errors.New("no keeper available")

	// ErrUpstreamTimeout means the upstream did not answer within the
	// proxy deadline.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrUpstreamUnreachable covers connection failures to the upstream
	// or the keeper endpoint.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
)
