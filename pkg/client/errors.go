package client

import (
	"errors"
	"fmt"

	"github.com/lightforgemedia/go-ddp/pkg/message"
)

// Sentinel errors. Typed errors below match them with errors.Is.
var (
	ErrNotConnected       = errors.New("ddp: not connected")
	ErrProtocolVersion    = errors.New("ddp: protocol version rejected by server")
	ErrTransportRefused   = errors.New("ddp: transport refused connection")
	ErrSubscriptionDenied = errors.New("ddp: subscription denied")
	ErrRemoteMethod       = errors.New("ddp: remote method failed")
	ErrConnectionLost     = errors.New("ddp: connection lost")
	ErrClientClosed       = errors.New("ddp: client is closed")
)

// ProtocolVersionError is returned by Connect when the server answers the
// handshake with "failed".
type ProtocolVersionError struct {
	// Version is the version the server asked for.
	Version string
}

func (e *ProtocolVersionError) Error() string {
	return fmt.Sprintf("ddp: server does not support protocol version %s (server wants %q)", message.Version, e.Version)
}

func (e *ProtocolVersionError) Is(target error) bool {
	return target == ErrProtocolVersion
}

// SubscriptionError is returned by Subscription.Wait when the server sent nosub.
type SubscriptionError struct {
	Name    string
	ID      string
	Payload *message.Error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("ddp: subscription %q (id %s) denied: %s", e.Name, e.ID, e.Payload.Text())
}

func (e *SubscriptionError) Is(target error) bool {
	return target == ErrSubscriptionDenied
}

// RemoteMethodError is returned by Call when the result carries an error.
type RemoteMethodError struct {
	Method    string
	Code      any
	Reason    string
	Message   string
	ErrorType string
	Details   any
}

func newRemoteMethodError(method string, p *message.Error) *RemoteMethodError {
	return &RemoteMethodError{
		Method:    method,
		Code:      p.Code,
		Reason:    p.Reason,
		Message:   p.Text(),
		ErrorType: p.ErrorType,
		Details:   p.Details,
	}
}

func (e *RemoteMethodError) Error() string {
	return fmt.Sprintf("ddp: method %q failed: %s", e.Method, e.Message)
}

func (e *RemoteMethodError) Is(target error) bool {
	return target == ErrRemoteMethod
}
