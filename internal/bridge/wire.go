package bridge

import (
	"encoding/json"
	"time"
)

// Wire methods understood by the bridge subprocess.
const (
	methodSubscribe = "messages.subscribe"
	methodSend      = "messages.send"
	notifyMessage   = "message"
)

// rpcFrame is the superset of JSON-RPC 2.0 shapes arriving on one wire line.
// A frame with an id and no method is a response; a frame with a method and no
// id is a notification. Anything else is noise and is dropped.
type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// Attachment is a media file referenced by an inbound event.
type Attachment struct {
	Path     string `json:"path"`
	MimeType string `json:"mimeType,omitempty"`
}

// InboundEvent is one message notification from the bridge subprocess.
// Rowid is monotonically increasing per subprocess lifetime but not gap-free;
// ConversationID is an opaque stable routing key.
type InboundEvent struct {
	Rowid          int64        `json:"id"`
	ConversationID string       `json:"conversationId"`
	Text           string       `json:"text,omitempty"`
	IsFromMe       bool         `json:"isFromMe"`
	CreatedAt      time.Time    `json:"createdAt"`
	Sender         string       `json:"sender,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// SubscribeOptions selects the catch-up window when arming push notifications.
// Zero values mean "no boundary" for that dimension.
type SubscribeOptions struct {
	SinceRowid       int64 `json:"sinceRowid,omitempty"`
	SinceTimestampMs int64 `json:"sinceTimestampMs,omitempty"`
}

// SubscribeResult is the acknowledgement for a subscribe request.
type SubscribeResult struct {
	SubscriptionID string `json:"subscriptionId"`
}

// SendResult is the delivery acknowledgement for a send request.
type SendResult struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"messageId,omitempty"`
}

// EventHandler receives demultiplexed traffic from the transport. Exactly one
// handler is registered; fan-out to multiple subscribers is out of scope.
type EventHandler interface {
	// OnEvent is called for each message notification, in wire order.
	OnEvent(ev InboundEvent)
	// OnClose is called exactly once when the transport shuts down, with the
	// subprocess exit error (nil on clean exit).
	OnClose(err error)
}
