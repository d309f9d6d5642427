// Package websocket provides the shared connection resilience engine for
// streaming price sources: socket lifecycle, categorized reconnection
// backoff, keepalive, health scoring and degradation to request/response
// fallback mode.
package websocket

import (
	"errors"
	"net"
	"strings"

	"github.com/gorilla/websocket"
)

var (
	// ErrNotConnected indicates that the client is not connected.
	ErrNotConnected = errors.New("not connected")
	// ErrSendTimeout indicates that a send operation timed out.
	ErrSendTimeout = errors.New("send timeout")
	// ErrConnectionLost indicates that the connection was lost.
	ErrConnectionLost = errors.New("connection lost")
	// ErrClientClosed indicates that the client has been shut down.
	ErrClientClosed = errors.New("client closed")
	// ErrPongTimeout indicates that the keepalive deadline expired.
	ErrPongTimeout = errors.New("pong timeout")
	// ErrAlreadyStarted indicates a second Start on a running client.
	ErrAlreadyStarted = errors.New("client already started")
)

// ErrorClass categorizes a connection error for backoff selection.
type ErrorClass string

const (
	ClassGeneric  ErrorClass = "generic"
	ClassNetwork  ErrorClass = "network"
	ClassTimeout  ErrorClass = "timeout"
	ClassProtocol ErrorClass = "protocol"
	ClassAuth     ErrorClass = "auth"
)

// Classify maps a connection error to its backoff class. Network and
// timeout failures get the more patient reconnect schedule.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassGeneric
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassNetwork
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.ClosePolicyViolation:
			return ClassAuth
		case websocket.CloseProtocolError, websocket.CloseUnsupportedData,
			websocket.CloseInvalidFramePayloadData, websocket.CloseMandatoryExtension:
			return ClassProtocol
		default:
			return ClassNetwork
		}
	}

	if errors.Is(err, websocket.ErrBadHandshake) {
		return ClassProtocol
	}
	if errors.Is(err, ErrPongTimeout) {
		return ClassTimeout
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no such host"):
		return ClassNetwork
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return ClassTimeout
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"),
		strings.Contains(msg, "unauthorized"):
		return ClassAuth
	}

	return ClassGeneric
}
