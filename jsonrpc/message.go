package jsonrpc

import (
	"github.com/goccy/go-json"
)

// MessageType is an enumeration of the types of messages in the JSON-RPC protocol.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeNotification MessageType = "notification"
	MessageTypeResponse     MessageType = "response"
	MessageTypeInvalid      MessageType = "invalid"
)

type probe struct {
	Id     *json.RawMessage `json:"id"`
	Method string           `json:"method"`
}

// TypeOf classifies a raw JSON-RPC message without a full decode. A message
// with no id is a notification; with id and method a request; with id only a
// response. Data that is not a JSON object classifies as invalid.
func TypeOf(data []byte) MessageType {
	p := &probe{}
	if err := json.Unmarshal(data, p); err != nil {
		return MessageTypeInvalid
	}
	if p.Id == nil || string(*p.Id) == "null" {
		return MessageTypeNotification
	}
	if p.Method != "" {
		return MessageTypeRequest
	}
	return MessageTypeResponse
}

// PeekId returns the raw id field of a message, or nil when absent.
func PeekId(data []byte) json.RawMessage {
	p := &probe{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil
	}
	if p.Id == nil || string(*p.Id) == "null" {
		return nil
	}
	return *p.Id
}

// PeekMethod returns the method field of a message, or "" when absent or the
// body is not a JSON object.
func PeekMethod(data []byte) string {
	p := &probe{}
	if err := json.Unmarshal(data, p); err != nil {
		return ""
	}
	return p.Method
}

// IsBatch reports whether data is a JSON array (batch JSON-RPC).
func IsBatch(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}
