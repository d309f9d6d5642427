package client

import "errors"

// ErrUnexpectedStatus indicates a non-OK response from the provider.
var ErrUnexpectedStatus = errors.New("unexpected provider response status")
