// Package errdefs defines the closed set of errors surfaced by the client:
// the transport and session error kinds plus one error per server response
// code. Callers classify errors with the Is* helpers; the concrete types
// stay internal to keep the set closed.
package errdefs

import (
	"errors"
	"fmt"
)

// Code is a ZooKeeper server error code as carried in a reply header.
type Code int32

const (
	CodeOK                      Code = 0
	CodeSystemError             Code = -1
	CodeRuntimeInconsistency    Code = -2
	CodeDataInconsistency       Code = -3
	CodeConnectionLoss          Code = -4
	CodeMarshallingError        Code = -5
	CodeUnimplemented           Code = -6
	CodeOperationTimeout        Code = -7
	CodeBadArguments            Code = -8
	CodeUnknownSession          Code = -12
	CodeNewConfigNoQuorum       Code = -13
	CodeReconfigInProgress      Code = -14
	CodeAPIError                Code = -100
	CodeNoNode                  Code = -101
	CodeNoAuth                  Code = -102
	CodeBadVersion              Code = -103
	CodeNoChildrenForEphemerals Code = -108
	CodeNodeExists              Code = -110
	CodeNotEmpty                Code = -111
	CodeSessionExpired          Code = -112
	CodeInvalidCallback         Code = -113
	CodeInvalidACL              Code = -114
	CodeAuthFailed              Code = -115
	CodeSessionMoved            Code = -118
	CodeNotReadOnly             Code = -119
	CodeEphemeralOnLocalSession Code = -120
	CodeNoWatcher               Code = -121
)

var codeNames = map[Code]string{
	CodeOK:                      "ok",
	CodeSystemError:             "system error",
	CodeRuntimeInconsistency:    "runtime inconsistency",
	CodeDataInconsistency:       "data inconsistency",
	CodeConnectionLoss:          "connection loss",
	CodeMarshallingError:        "marshalling error",
	CodeUnimplemented:           "unimplemented",
	CodeOperationTimeout:        "operation timeout",
	CodeBadArguments:            "bad arguments",
	CodeUnknownSession:          "unknown session",
	CodeNewConfigNoQuorum:       "new config has no quorum",
	CodeReconfigInProgress:      "reconfig in progress",
	CodeAPIError:                "api error",
	CodeNoNode:                  "no node",
	CodeNoAuth:                  "not authorized",
	CodeBadVersion:              "version mismatch",
	CodeNoChildrenForEphemerals: "ephemeral nodes cannot have children",
	CodeNodeExists:              "node exists",
	CodeNotEmpty:                "node has children",
	CodeSessionExpired:          "session expired",
	CodeInvalidCallback:         "invalid callback",
	CodeInvalidACL:              "invalid acl",
	CodeAuthFailed:              "authentication failed",
	CodeSessionMoved:            "session moved",
	CodeNotReadOnly:             "server is not read-only",
	CodeEphemeralOnLocalSession: "ephemeral on local session",
	CodeNoWatcher:               "no such watcher",
}

// serverError is the error form of a non-zero reply header code.
type serverError struct {
	code Code
}

func (e *serverError) Error() string {
	if name, ok := codeNames[e.code]; ok {
		return "zk: " + name
	}
	return fmt.Sprintf("zk: server error %d", int32(e.code))
}

// Canonical instances, one per known code. FromCode hands these out so that
// errors.Is comparisons against the exported vars hold across wrapping.
var canonical = func() map[Code]*serverError {
	m := make(map[Code]*serverError, len(codeNames))
	for code := range codeNames {
		m[code] = &serverError{code: code}
	}
	return m
}()

// Exported server errors the client's own logic branches on.
var (
	ErrNoNode         error = canonical[CodeNoNode]
	ErrNodeExists     error = canonical[CodeNodeExists]
	ErrBadVersion     error = canonical[CodeBadVersion]
	ErrNotEmpty       error = canonical[CodeNotEmpty]
	ErrNoAuth         error = canonical[CodeNoAuth]
	ErrAuthFailed     error = canonical[CodeAuthFailed]
	ErrInvalidACL     error = canonical[CodeInvalidACL]
	ErrSessionExpired error = canonical[CodeSessionExpired]
)

// FromCode translates a reply header error code into a typed error.
func FromCode[T ~int32](code T) error {
	if e, ok := canonical[Code(code)]; ok {
		return e
	}
	return &serverError{code: Code(code)}
}

// ErrorCode reports the server code carried by err, unwrapping as needed.
func ErrorCode(err error) (Code, bool) {
	var se *serverError
	if errors.As(err, &se) {
		return se.code, true
	}
	return 0, false
}

// ConnectionError marks transport failures: dial errors, aborted
// connections and writes refused by a closing connection.
type ConnectionError struct {
	Host  string
	Port  int
	Cause error
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("zk: error connecting to %s:%d", e.Host, e.Port)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// Client-side error kinds.
var (
	// ErrSessionLost marks a session id rejected or expired mid-operation.
	ErrSessionLost = errors.New("zk: session lost")

	// ErrTimeout marks a caller deadline or read deadline that elapsed.
	ErrTimeout = errors.New("zk: timed out")

	// ErrFailedRetry marks a retry policy that gave up on a request.
	ErrFailedRetry = errors.New("zk: retries exhausted")

	// ErrUnfinishedRead marks a payload read cut off by the read deadline.
	ErrUnfinishedRead = errors.New("zk: unfinished read")

	// ErrNoServers marks an ensemble with no reachable member.
	ErrNoServers = errors.New("zk: no servers available")

	// ErrInvalidClientState marks use of a client outside its lifecycle.
	ErrInvalidClientState = errors.New("zk: invalid client state")

	// ErrTransactionFailed marks a transaction with no successful result.
	ErrTransactionFailed = errors.New("zk: transaction failed")
)

func IsNoNode(err error) bool     { return errors.Is(err, ErrNoNode) }
func IsNodeExists(err error) bool { return errors.Is(err, ErrNodeExists) }
func IsBadVersion(err error) bool { return errors.Is(err, ErrBadVersion) }
func IsNotEmpty(err error) bool   { return errors.Is(err, ErrNotEmpty) }

func IsSessionLost(err error) bool { return errors.Is(err, ErrSessionLost) }
func IsTimeout(err error) bool     { return errors.Is(err, ErrTimeout) }
func IsFailedRetry(err error) bool { return errors.Is(err, ErrFailedRetry) }

func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsDataError reports the error kinds that propagate to the caller on first
// occurrence and are never retried.
func IsDataError(err error) bool {
	code, ok := ErrorCode(err)
	if !ok {
		return false
	}
	switch code {
	case CodeNoNode, CodeNodeExists, CodeBadVersion, CodeNotEmpty:
		return true
	}
	return false
}

// IsAuthError reports access rejections.
func IsAuthError(err error) bool {
	code, ok := ErrorCode(err)
	if !ok {
		return false
	}
	switch code {
	case CodeNoAuth, CodeAuthFailed, CodeInvalidACL:
		return true
	}
	return false
}
