package flowmq

import (
	"errors"
	"fmt"
)

// Sentinel error kinds for the routing and correlation layer. Use errors.Is
// against these to classify a failure; the wrapped message carries the detail.
var (
	// ErrConfig is returned for binding option conflicts, mutating a router
	// after it has been included elsewhere, or registering on a sealed router.
	ErrConfig = errors.New("config error")

	// ErrResourceExhausted is returned when the subscription identifier pool
	// is drained.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrDisconnected is returned when an operation is attempted while the
	// transport is down and retries (if any) are exhausted.
	ErrDisconnected = errors.New("disconnected")

	// ErrProtocolMisuse is returned when a handler returns a value for a
	// message with no response_topic, or a request's properties collide
	// with the response context's own response_topic/correlation_data.
	ErrProtocolMisuse = errors.New("protocol misuse")

	// ErrRequestTimeout is returned when a request does not receive a
	// matching reply within its deadline.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrConflict is returned on a correlation token clash in a Response
	// Context.
	ErrConflict = errors.New("correlation conflict")

	// ErrTransportFault wraps an error surfaced by the transport layer.
	ErrTransportFault = errors.New("transport fault")
)

// ConfigError reports a binding-option conflict or a router misuse. Wrap it
// with errors.Is(err, ErrConfig).
type ConfigError struct {
	Detail string
}

func NewConfigError(detail string) *ConfigError {
	return &ConfigError{Detail: detail}
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s", e.Detail)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfig
}

// ResourceExhaustedError reports subscription identifier pool exhaustion.
type ResourceExhaustedError struct {
	Detail string
}

func NewResourceExhaustedError(detail string) *ResourceExhaustedError {
	return &ResourceExhaustedError{Detail: detail}
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("resource exhausted: %s", e.Detail)
}

func (e *ResourceExhaustedError) Unwrap() error {
	return ErrResourceExhausted
}

// DisconnectedError reports an operation attempted while disconnected.
type DisconnectedError struct {
	Detail string
	Parent error
}

func NewDisconnectedError(detail string, parent error) *DisconnectedError {
	return &DisconnectedError{Detail: detail, Parent: parent}
}

func (e *DisconnectedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("disconnected: %s", e.Detail)
	}
	return "disconnected"
}

func (e *DisconnectedError) Unwrap() error {
	if e.Parent != nil {
		return e.Parent
	}
	return ErrDisconnected
}

// ProtocolMisuseError reports a handler or caller violating the request/
// reply contract.
type ProtocolMisuseError struct {
	Detail string
}

func NewProtocolMisuseError(detail string) *ProtocolMisuseError {
	return &ProtocolMisuseError{Detail: detail}
}

func (e *ProtocolMisuseError) Error() string {
	return fmt.Sprintf("protocol misuse: %s", e.Detail)
}

func (e *ProtocolMisuseError) Unwrap() error {
	return ErrProtocolMisuse
}

// TimeoutError reports a request that did not receive a matching reply.
type TimeoutError struct {
	Detail string
}

func NewTimeoutError(detail string) *TimeoutError {
	return &TimeoutError{Detail: detail}
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s", e.Detail)
}

func (e *TimeoutError) Unwrap() error {
	return ErrRequestTimeout
}

// ConflictError reports a correlation token collision.
type ConflictError struct {
	Detail string
}

func NewConflictError(detail string) *ConflictError {
	return &ConflictError{Detail: detail}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s", e.Detail)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// TransportFaultError wraps an error surfaced verbatim by the transport.
type TransportFaultError struct {
	Parent error
}

func NewTransportFaultError(parent error) *TransportFaultError {
	return &TransportFaultError{Parent: parent}
}

func (e *TransportFaultError) Error() string {
	return fmt.Sprintf("transport fault: %s", e.Parent)
}

func (e *TransportFaultError) Unwrap() error {
	return e.Parent
}

// Is lets errors.Is(err, ErrTransportFault) succeed without masking the
// wrapped transport error reachable via errors.Unwrap/errors.As.
func (e *TransportFaultError) Is(target error) bool {
	return target == ErrTransportFault
}
