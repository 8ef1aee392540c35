package transport

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Version is the only protocol version accepted.
const Version = "2.0"

var nullID = json.RawMessage("null")

// Message is a JSON-RPC 2.0 request, notification or response.
type Message struct {
	Error   *Error          `json:"error,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// Kind classifies a decoded message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
)

func (m *Message) hasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, nullID)
}

// Kind reports what m is.
func (m *Message) Kind() Kind {
	switch {
	case m.JSONRPC != Version:
		return KindInvalid
	case m.Method != "" && m.hasID():
		return KindRequest
	case m.Method != "" && len(m.ID) == 0:
		return KindNotification
	case m.Method == "" && len(m.ID) > 0 && (m.Result != nil || m.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

func numericID(id int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(id, 10))
}

func parseNumericID(raw json.RawMessage) (int64, bool) {
	id, err := strconv.ParseInt(string(bytes.TrimSpace(raw)), 10, 64)
	return id, err == nil
}
