package llm

import "errors"

var (
	ErrUnauthorized  = errors.New("model endpoint unauthorized")
	ErrUnavailable   = errors.New("model endpoint unavailable")
	ErrEgressBlocked = errors.New("egress blocked")
	ErrRateLimited   = errors.New("model endpoint rate limited")
	ErrEmptyResponse = errors.New("model returned empty response")
)
