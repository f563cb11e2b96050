// message/message.go
package message

import (
	"encoding/json"
	"fmt"
)

// Type is the value of the "msg" field that tags every DDP message.
type Type string

// Message tags, client to server.
const (
	TypeConnect Type = "connect"
	TypeSub     Type = "sub"
	TypeUnsub   Type = "unsub"
	TypeMethod  Type = "method"
)

// Message tags, server to client.
const (
	TypeConnected Type = "connected"
	TypeFailed    Type = "failed"
	TypeReady     Type = "ready"
	TypeNoSub     Type = "nosub"
	TypeAdded     Type = "added"
	TypeChanged   Type = "changed"
	TypeRemoved   Type = "removed"
	TypeResult    Type = "result"
	TypeUpdated   Type = "updated"
	TypeError     Type = "error"
)

// Sent in both directions.
const (
	TypePing Type = "ping"
	TypePong Type = "pong"
)

// Protocol version spoken by this client.
const Version = "1"

// SupportedVersions lists every version offered in the connect handshake, most preferred first.
var SupportedVersions = []string{Version}

// Message is one decoded DDP message. The set of implementations is closed;
// anything Decode does not recognise comes back as Unknown.
type Message interface {
	MsgType() Type
}

// Connect opens the handshake. Session is sent only when resuming.
type Connect struct {
	Version string   `json:"version"`
	Support []string `json:"support"`
	Session string   `json:"session,omitempty"`
}

// Connected completes the handshake.
type Connected struct {
	Session string `json:"session"`
}

// Failed rejects the handshake and names the version the server wants.
type Failed struct {
	Version string `json:"version"`
}

// Ping is a liveness probe. ID is echoed back in the Pong.
type Ping struct {
	ID string `json:"id,omitempty"`
}

// Pong answers a Ping.
type Pong struct {
	ID string `json:"id,omitempty"`
}

// Sub requests a publication.
type Sub struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Params []any  `json:"params"`
}

// Unsub stops a publication.
type Unsub struct {
	ID string `json:"id"`
}

// Method invokes a remote method.
type Method struct {
	Method     string `json:"method"`
	Params     []any  `json:"params"`
	ID         string `json:"id"`
	RandomSeed string `json:"randomSeed,omitempty"`
}

// Ready marks subscriptions as having delivered their initial data.
type Ready struct {
	Subs []string `json:"subs"`
}

// NoSub reports that a subscription was refused or has stopped.
type NoSub struct {
	ID    string `json:"id"`
	Error *Error `json:"error,omitempty"`
}

// Added inserts a document.
type Added struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Changed updates a document. Fields are merged, Cleared keys are removed.
type Changed struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Fields     map[string]any `json:"fields,omitempty"`
	Cleared    []string       `json:"cleared,omitempty"`
}

// Removed deletes a document.
type Removed struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// Result resolves a method call. Result holds the raw EJSON result, nil when
// the server sent none.
type Result struct {
	ID     string          `json:"id"`
	Error  *Error          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Updated tells the client that the writes of the listed methods have been reflected in its data.
type Updated struct {
	Methods []string `json:"methods"`
}

// ServerError is the server's complaint about a message it could not process.
type ServerError struct {
	Reason           string          `json:"reason"`
	OffendingMessage json.RawMessage `json:"offendingMessage,omitempty"`
}

// Unknown carries a frame whose tag is missing or not recognised.
type Unknown struct {
	Tag Type
	Raw json.RawMessage
}

func (Connect) MsgType() Type     { return TypeConnect }
func (Connected) MsgType() Type   { return TypeConnected }
func (Failed) MsgType() Type      { return TypeFailed }
func (Ping) MsgType() Type        { return TypePing }
func (Pong) MsgType() Type        { return TypePong }
func (Sub) MsgType() Type         { return TypeSub }
func (Unsub) MsgType() Type       { return TypeUnsub }
func (Method) MsgType() Type      { return TypeMethod }
func (Ready) MsgType() Type       { return TypeReady }
func (NoSub) MsgType() Type       { return TypeNoSub }
func (Added) MsgType() Type       { return TypeAdded }
func (Changed) MsgType() Type     { return TypeChanged }
func (Removed) MsgType() Type     { return TypeRemoved }
func (Result) MsgType() Type      { return TypeResult }
func (Updated) MsgType() Type     { return TypeUpdated }
func (ServerError) MsgType() Type { return TypeError }
func (u Unknown) MsgType() Type   { return u.Tag }

// Error is the error payload carried by nosub and result messages. Meteor
// servers send an object with error/reason/message; older servers may send a
// bare string, which lands in Message.
type Error struct {
	Code      any    `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// UnmarshalJSON accepts both the object and the bare string form.
func (e *Error) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*e = Error{Message: s}
		return nil
	}
	type plain Error
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = Error(p)
	return nil
}

// Text returns the most specific human readable description available.
func (e *Error) Text() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Message != "":
		return e.Message
	case e.Reason != "":
		return e.Reason
	case e.Code != nil:
		return fmt.Sprint(e.Code)
	}
	return "unknown error"
}
