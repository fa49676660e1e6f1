package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ToolCallHappyPath(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo"}}`)
	msg, perr := Parse(raw)
	require.Nil(t, perr)
	require.NotNil(t, msg.Request)
	assert.Equal(t, "tools/call", msg.Request.Method)
	assert.False(t, msg.Request.ID.IsAbsent())
}

func TestParse_Notification(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	msg, perr := Parse(raw)
	require.Nil(t, perr)
	require.NotNil(t, msg.Notification)
	assert.Equal(t, "notifications/initialized", msg.Notification.Method)
}

func TestParse_BatchRejected(t *testing.T) {
	raw := []byte(`[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","id":2,"method":"ping"}]`)
	msg, perr := Parse(raw)
	assert.Nil(t, msg)
	require.NotNil(t, perr)
	assert.True(t, perr.Response.ID.IsNull())
	assert.Equal(t, CodeInvalidRequest, perr.Response.Error.Code)
}

func TestParse_WrongVersion(t *testing.T) {
	raw := []byte(`{"jsonrpc":"1.0","id":5,"method":"ping"}`)
	_, perr := Parse(raw)
	require.NotNil(t, perr)
	assert.Equal(t, CodeInvalidRequest, perr.Response.Error.Code)
	assert.False(t, perr.Response.ID.IsNull(), "id should be recovered even on version mismatch")
}

func TestParse_MalformedJSON_IDUnrecoverable(t *testing.T) {
	raw := []byte(`{not json`)
	_, perr := Parse(raw)
	require.NotNil(t, perr)
	assert.Equal(t, CodeParseError, perr.Response.Error.Code)
	assert.True(t, perr.Response.ID.IsNull())
}

func TestRoundTrip_RequestByteIdentity(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"echo","arguments":{"x":"hi"}},"id":1}`)
	msg, perr := Parse(raw)
	require.Nil(t, perr)
	out, err := Serialize(msg)
	require.NoError(t, err)

	// The input lists fields in Request's own order, so the serialized
	// bytes equal the original ones.
	assert.Equal(t, string(raw), string(out))

	msg2, perr2 := Parse(out)
	require.Nil(t, perr2)
	assert.Equal(t, msg.Request.Method, msg2.Request.Method)
	assert.True(t, msg.Request.ID.Equal(msg2.Request.ID))
	assert.JSONEq(t, string(msg.Request.Params), string(msg2.Request.Params))
}

func TestRoundTrip_UTF8Fidelity(t *testing.T) {
	text := "héllo wörld 日本語 🎉"
	raw, err := NewSuccess(NewIntID(1), map[string]string{"text": text})
	require.NoError(t, err)
	data, err := SerializeResponse(raw)
	require.NoError(t, err)

	msg, perr := Parse(data)
	require.Nil(t, perr)
	var out map[string]string
	require.NoError(t, json.Unmarshal(msg.Response.Result, &out))
	assert.Equal(t, text, out["text"])
}

func TestID_StringVsNumberIdentity(t *testing.T) {
	strID := NewStringID("abc")
	data, err := strID.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"abc"`, string(data))

	intID := NewIntID(0)
	data, err = intID.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `0`, string(data))
}

func TestCheckSize_Boundary(t *testing.T) {
	max := 16
	ok := make([]byte, max)
	tooBig := make([]byte, max+1)
	assert.NoError(t, CheckSize(ok, max))
	assert.ErrorIs(t, CheckSize(tooBig, max), ErrPayloadTooLarge)
}

func TestParseLenient_RecoversIDOnBadVersion(t *testing.T) {
	raw := []byte(`{"jsonrpc":"7.0","id":"xyz","method":"tools/list"}`)
	lr, err := ParseLenient(raw)
	require.NoError(t, err)
	assert.False(t, lr.ValidateVersion())
	id := lr.RecoverID()
	assert.False(t, id.IsNull())
	assert.Equal(t, "xyz", id.String())
}
