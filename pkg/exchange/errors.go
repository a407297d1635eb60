// Package exchange implements the block-exchange protocol (C6): a framed
// REQUEST/RESPONSE/NOT_FOUND/CANCEL message exchange between peers, layered
// over whatever ordered reliable channel the transport (C7) provides.
package exchange

import "errors"

// Errors returned by this package.
var (
	ErrUnavailable       = errors.New("exchange: block unavailable from any peer")
	ErrProtocolViolation = errors.New("exchange: peer violated the exchange protocol")
	ErrCancelled         = errors.New("exchange: request cancelled")
)
