package protocol

import (
	"encoding/json"
	"fmt"
)

// DefaultMaxPayloadSize is the default maximum size, in bytes, of a single
// JSON-RPC frame before it is treated as a transport-level error. Spec.md
// §4.1 sets this default to 1 MiB.
const DefaultMaxPayloadSize = 1 << 20

// ErrPayloadTooLarge is returned by CheckSize when a frame exceeds the
// configured limit. Transports treat this as a fatal connection error, not
// a recoverable parse error, per spec.md §4.2 step 1.
var ErrPayloadTooLarge = fmt.Errorf("protocol: payload exceeds maximum message size")

// CheckSize enforces the configured max payload size. A frame exactly at
// the limit is accepted; one byte more is rejected (spec.md §8 boundary
// behavior).
func CheckSize(data []byte, max int) error {
	if max <= 0 {
		max = DefaultMaxPayloadSize
	}
	if len(data) > max {
		return ErrPayloadTooLarge
	}
	return nil
}

// LenientRequest accepts any string for "jsonrpc" and any JSON value for
// "id", so that HTTP-boundary callers that sent a structurally malformed
// request can still be answered with a well-formed JSON-RPC error that
// carries their id when one was parseable. This mirrors the MCP HTTP
// transport requirement (spec.md §4.2, "Unix domain socket / HTTP") that a
// bad request still gets a correctly-framed error, not a raw HTTP fault.
type LenientRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// ParseLenient decodes an HTTP request body permissively, recovering
// whatever id is present even when the envelope is otherwise invalid
// JSON-RPC, and returns the strict Version check separately so the caller
// can choose how to report it.
func ParseLenient(data []byte) (*LenientRequest, error) {
	var lr LenientRequest
	if err := json.Unmarshal(data, &lr); err != nil {
		return nil, fmt.Errorf("protocol: lenient decode: %w", err)
	}
	return &lr, nil
}

// RecoverID extracts a best-effort ID from a lenient request's raw id
// field, falling back to NullID when absent or malformed.
func (lr *LenientRequest) RecoverID() ID {
	if len(lr.Method) == 0 && lr.ID == nil {
		return NullID()
	}
	if lr.ID == nil {
		return NullID()
	}
	var id ID
	if err := id.UnmarshalJSON(lr.ID); err != nil {
		return NullID()
	}
	return id
}

// ValidateVersion reports whether the lenient request declared exactly
// "2.0". HTTP callers that fail this check still get RecoverID's id in
// their error response instead of a hard 400.
func (lr *LenientRequest) ValidateVersion() bool {
	return lr.JSONRPC == Version
}
