// Package protocol implements the JSON-RPC 2.0 wire codec used by every
// turbomcp transport. It parses and serializes the three MCP message shapes
// (request, response, notification), enforces the MCP 2025-06-18 no-batching
// rule, and maps malformed input onto the standard JSON-RPC error codes.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the only accepted value of the "jsonrpc" field.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// MCP-specific error codes.
const (
	CodeRateLimited = -32009
)

// ID is the JSON-RPC request identifier. Per the spec it is a string, a
// number, or absent (for notifications); responses additionally allow a
// null id when the request id could not be recovered. ID keeps the original
// kind so Serialize round-trips byte-for-byte instead of normalizing a
// numeric id into a string or vice versa.
type ID struct {
	value    any // nil, string, or json.Number
	isNull   bool
	isAbsent bool
}

// NewStringID constructs a string-valued request id.
func NewStringID(s string) ID { return ID{value: s} }

// NewIntID constructs a numeric request id.
func NewIntID(n int64) ID { return ID{value: json.Number(fmt.Sprintf("%d", n))} }

// NullID is the id used on responses where the request id could not be
// recovered (e.g. a parse error before the id field was reached).
func NullID() ID { return ID{isNull: true} }

// AbsentID marks a notification, which carries no id at all.
func AbsentID() ID { return ID{isAbsent: true} }

// IsNull reports whether this is an explicit JSON null id.
func (id ID) IsNull() bool { return id.isNull }

// IsAbsent reports whether no id field was present (a notification).
func (id ID) IsAbsent() bool { return id.isAbsent }

// String returns a human-readable rendering, used for logging and
// correlation-map keys.
func (id ID) String() string {
	switch {
	case id.isAbsent:
		return "<none>"
	case id.isNull:
		return "<null>"
	default:
		return fmt.Sprintf("%v", id.value)
	}
}

// Equal reports whether two ids are the same JSON-RPC identity.
func (id ID) Equal(other ID) bool {
	if id.isAbsent != other.isAbsent || id.isNull != other.isNull {
		return false
	}
	return id.value == other.value
}

// MarshalJSON implements json.Marshaler. An absent id marshals to nothing
// useful on its own; callers that need "no id field" must omit the field at
// the struct level (see Notification).
func (id ID) MarshalJSON() ([]byte, error) {
	if id.isNull || id.isAbsent {
		return []byte("null"), nil
	}
	switch v := id.value.(type) {
	case string:
		return json.Marshal(v)
	case json.Number:
		return []byte(v.String()), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler, preserving string-vs-number
// identity rather than collapsing both into float64 the way a plain
// interface{} field would under the default decoder.
func (id *ID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if string(trimmed) == "null" {
		*id = ID{isNull: true}
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*id = ID{value: s}
		return nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return fmt.Errorf("protocol: invalid request id %q: %w", trimmed, err)
	}
	*id = ID{value: n}
	return nil
}

// Request is a JSON-RPC 2.0 request object: it names a method to invoke and
// expects exactly one response, correlated by ID.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      ID              `json:"id"`
}

// Notification is structurally identical to Request but carries no id and
// MUST NOT receive a response.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response: exactly one of Result/Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      ID              `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an Error value.
func NewError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// ParseError is returned by Parse when the input cannot be interpreted as a
// JSON-RPC message at all. It always carries a ready-to-send Response with
// the id recovered on a best-effort basis (null if recovery failed).
type ParseError struct {
	Response *Response
	Cause    error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol: parse error: %v", e.Cause)
	}
	return "protocol: parse error"
}

func (e *ParseError) Unwrap() error { return e.Cause }

// Message is the parsed result of Parse: exactly one of Request,
// Notification, or Response is non-nil.
type Message struct {
	Request      *Request
	Notification *Notification
	Response     *Response
}

// IsRequest reports whether the parsed message expects a response.
func (m *Message) IsRequest() bool { return m.Request != nil }

// IsNotification reports whether the parsed message must not be answered.
func (m *Message) IsNotification() bool { return m.Notification != nil }

// IsResponse reports whether the parsed message is itself a response to an
// earlier outbound request (relevant to clients and to server-initiated
// calls such as elicitation/sampling).
func (m *Message) IsResponse() bool { return m.Response != nil }

// envelope is used to sniff the shape of an incoming object before
// committing to one of Request/Notification/Response, and to reject batch
// (array) roots per the MCP 2025-06-18 no-batching rule.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  *string         `json:"method"`
	ID      *ID             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// Parse decodes a single raw JSON-RPC frame. Per MCP 2025-06-18, a leading
// '[' (a batch) is rejected outright with CodeInvalidRequest and a null id,
// never partially processed.
func Parse(data []byte) (*Message, *ParseError) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &ParseError{
			Response: &Response{JSONRPC: Version, ID: NullID(), Error: NewError(CodeParseError, "empty message", nil)},
			Cause:    fmt.Errorf("empty input"),
		}
	}
	if trimmed[0] == '[' {
		return nil, &ParseError{
			Response: &Response{JSONRPC: Version, ID: NullID(), Error: NewError(CodeInvalidRequest, "batching is not supported (MCP 2025-06-18)", nil)},
		}
	}

	var env envelope
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, &ParseError{
			Response: &Response{JSONRPC: Version, ID: NullID(), Error: NewError(CodeParseError, "invalid JSON", nil)},
			Cause:    err,
		}
	}

	recoveredID := NullID()
	if env.ID != nil {
		recoveredID = *env.ID
	}

	if env.JSONRPC != Version {
		return nil, &ParseError{
			Response: &Response{JSONRPC: Version, ID: recoveredID, Error: NewError(CodeInvalidRequest, "invalid or missing jsonrpc version", nil)},
		}
	}

	switch {
	case env.Method != nil && env.ID != nil:
		var req Request
		if err := json.Unmarshal(trimmed, &req); err != nil {
			return nil, &ParseError{
				Response: &Response{JSONRPC: Version, ID: recoveredID, Error: NewError(CodeInvalidRequest, "malformed request object", nil)},
				Cause:    err,
			}
		}
		return &Message{Request: &req}, nil
	case env.Method != nil:
		var notif Notification
		if err := json.Unmarshal(trimmed, &notif); err != nil {
			return nil, &ParseError{
				Response: &Response{JSONRPC: Version, ID: NullID(), Error: NewError(CodeInvalidRequest, "malformed notification object", nil)},
				Cause:    err,
			}
		}
		return &Message{Notification: &notif}, nil
	case env.Result != nil || env.Error != nil:
		var resp Response
		if err := json.Unmarshal(trimmed, &resp); err != nil {
			return nil, &ParseError{
				Response: &Response{JSONRPC: Version, ID: recoveredID, Error: NewError(CodeInvalidRequest, "malformed response object", nil)},
				Cause:    err,
			}
		}
		return &Message{Response: &resp}, nil
	default:
		return nil, &ParseError{
			Response: &Response{JSONRPC: Version, ID: recoveredID, Error: NewError(CodeInvalidRequest, "object is neither a request, notification, nor response", nil)},
		}
	}
}

// Serialize encodes a Message back to wire bytes. Exactly one of the
// Message's fields must be set.
func Serialize(m *Message) ([]byte, error) {
	switch {
	case m.Request != nil:
		m.Request.JSONRPC = Version
		return json.Marshal(m.Request)
	case m.Notification != nil:
		m.Notification.JSONRPC = Version
		return json.Marshal(m.Notification)
	case m.Response != nil:
		m.Response.JSONRPC = Version
		return json.Marshal(m.Response)
	default:
		return nil, fmt.Errorf("protocol: empty message")
	}
}

// SerializeResponse is a convenience for the common case of emitting a
// standalone response (success or error).
func SerializeResponse(r *Response) ([]byte, error) {
	r.JSONRPC = Version
	return json.Marshal(r)
}

// NewSuccess builds a success Response by marshaling result.
func NewSuccess(id ID, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error Response.
func NewErrorResponse(id ID, code int, message string, data any) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: NewError(code, message, data)}
}
