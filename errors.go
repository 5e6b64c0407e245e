package redisr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gomodule/redigo/redis"
)

// ErrClosed is returned for any operation on a closed Router.
var ErrClosed = errors.New("redisr: closed")

// RoutingError indicates that a command could not be mapped to a node,
// before any network traffic took place. The typical cause is a
// multi-key command whose keys hash to different slots.
type RoutingError struct {
	Reason string
}

func (e *RoutingError) Error() string {
	return "redisr: routing: " + e.Reason
}

// ConnectivityError indicates that a transport could not be established
// or was lost, possibly after exhausting the retry ceiling. Requests
// that were in flight when a transport failed all resolve with a
// ConnectivityError, they are never left hanging.
type ConnectivityError struct {
	// Addr is the node the failure relates to, when known.
	Addr string
	// Attempts is the number of attempts made before giving up.
	Attempts int
	// Err is the underlying cause.
	Err error
}

func (e *ConnectivityError) Error() string {
	msg := "redisr: connectivity"
	if e.Addr != "" {
		msg += " to " + e.Addr
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ProtocolError indicates a violation of the wire protocol: a malformed
// reply, a reply with no matching request, or a second ASK redirection
// for the same request. A ProtocolError is always fatal to the affected
// connection, which is closed and replaced.
type ProtocolError struct {
	Addr   string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "redisr: protocol"
	if e.Addr != "" {
		msg += " on " + e.Addr
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsConnectivity returns true if err is a ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// IsServerError returns true if err is a well-formed error reply
// from the server, surfaced verbatim as a redis.Error.
func IsServerError(err error) bool {
	var re redis.Error
	return errors.As(err, &re)
}

// IsCrossSlot returns true if err is a redis CROSSSLOT error, returned
// by the server when a multi-key command spans hash slots.
func IsCrossSlot(err error) bool {
	return isServerErrCode(err, "CROSSSLOT")
}

// IsTryAgain returns true if err is a redis TRYAGAIN error, returned
// for multi-key commands during a slot migration.
func IsTryAgain(err error) bool {
	return isServerErrCode(err, "TRYAGAIN")
}

// IsClusterDown returns true if err is a redis CLUSTERDOWN error.
func IsClusterDown(err error) bool {
	return isServerErrCode(err, "CLUSTERDOWN")
}

// IsLoading returns true if err is a redis LOADING error, returned
// while a node is loading its dataset into memory.
func IsLoading(err error) bool {
	return isServerErrCode(err, "LOADING")
}

func isServerErrCode(err error, code string) bool {
	var re redis.Error
	if !errors.As(err, &re) {
		return false
	}
	s := string(re)
	return strings.HasPrefix(s, code) && (len(s) == len(code) || s[len(code)] == ' ')
}

// retryable reports whether the error is transient and worth retrying
// against the same destination after a backoff delay.
func retryable(err error) bool {
	return IsClusterDown(err) || IsLoading(err) || IsTryAgain(err)
}
