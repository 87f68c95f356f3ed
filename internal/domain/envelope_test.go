package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDJSON(t *testing.T) {
	b, err := json.Marshal(RequestID(""))
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))

	b, err = json.Marshal(RequestID("7"))
	require.NoError(t, err)
	assert.Equal(t, `"7"`, string(b))

	var id RequestID
	require.NoError(t, json.Unmarshal([]byte(`42`), &id))
	assert.Equal(t, RequestID("42"), id)
	require.NoError(t, json.Unmarshal([]byte(`"abc"`), &id))
	assert.Equal(t, RequestID("abc"), id)
	require.NoError(t, json.Unmarshal([]byte(`null`), &id))
	assert.Equal(t, RequestID(""), id)
	assert.Error(t, json.Unmarshal([]byte(`{}`), &id))
}

func TestNewRequestEncodesArgs(t *testing.T) {
	req, err := NewRequest("1", "SourcesService", "getSource", "abc", 3, json.RawMessage(`{"k":true}`))
	require.NoError(t, err)

	b, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"jsonrpc": "2.0",
		"id": "1",
		"method": "getSource",
		"params": {"resource": "SourcesService", "args": ["abc", 3, {"k": true}]}
	}`, string(b))
}

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest([]byte(`{"jsonrpc":"2.0","id":"9","method":"getSources","params":{"resource":"SourcesService","args":[]}}`))
	require.NoError(t, err)
	assert.Equal(t, RequestID("9"), req.ID)
	assert.Equal(t, "getSources", req.Method)
	assert.Equal(t, "SourcesService", req.Params.Resource)

	_, err = ParseRequest([]byte(`{not json`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = ParseRequest([]byte(`{"jsonrpc":"2.0","method":"x","params":{"resource":"A"}}`))
	assert.ErrorIs(t, err, ErrMissingRequestID)
}

func TestEncodeResult(t *testing.T) {
	tests := []struct {
		name   string
		result Result
		want   string
	}{
		{"nil", nil, `null`},
		{"value", ValueResult{Data: json.RawMessage(`{"a":1}`)}, `{"a":1}`},
		{"empty value", ValueResult{}, `null`},
		{
			"helper",
			HelperResult{ResourceID: `Source["abc"]`, Scheme: ResourceScheme{"getSettings": "function"}},
			`{"_type":"HELPER","resourceId":"Source[\"abc\"]","scheme":{"getSettings":"function"}}`,
		},
		{
			"service",
			ServiceResult{ResourceID: "ScenesService"},
			`{"_type":"SERVICE","resourceId":"ScenesService"}`,
		},
		{
			"subscription",
			SubscriptionResult{ResourceID: "SourcesService.sourceUpdated", Emitter: EmitterStream},
			`{"_type":"SUBSCRIPTION","resourceId":"SourcesService.sourceUpdated","emitter":"STREAM"}`,
		},
		{
			"event",
			EventResult{ResourceID: `Promise["x"]`, Emitter: EmitterPromise, IsRejected: true},
			`{"_type":"EVENT","resourceId":"Promise[\"x\"]","emitter":"PROMISE","data":null,"isRejected":true}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := EncodeResult(tt.result)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(raw))
		})
	}
}

func TestDecodeResult(t *testing.T) {
	res, err := DecodeResult(json.RawMessage(`{"_type":"SUBSCRIPTION","resourceId":"Promise[\"1\"]","emitter":"PROMISE"}`))
	require.NoError(t, err)
	assert.Equal(t, SubscriptionResult{ResourceID: `Promise["1"]`, Emitter: EmitterPromise}, res)

	res, err = DecodeResult(json.RawMessage(`{"_type":"EVENT","resourceId":"S.x","emitter":"STREAM","data":[1,2]}`))
	require.NoError(t, err)
	ev := res.(EventResult)
	assert.Equal(t, "S.x", ev.ResourceID)
	assert.JSONEq(t, `[1,2]`, string(ev.Data))
	assert.False(t, ev.IsRejected)

	// Objects without a known tag are ordinary values.
	res, err = DecodeResult(json.RawMessage(`{"_type":"CUSTOM","x":1}`))
	require.NoError(t, err)
	assert.Equal(t, KindValue, res.Kind())

	res, err = DecodeResult(json.RawMessage(`"hello"`))
	require.NoError(t, err)
	assert.JSONEq(t, `"hello"`, string(res.(ValueResult).Data))

	res, err = DecodeResult(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(res.(ValueResult).Data))

	_, err = DecodeResult(json.RawMessage(`{"_type":`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestEventResponseHasNullID(t *testing.T) {
	resp, err := NewEventResponse(ServiceEvent{ResourceID: "S.x", Emitter: EmitterStream, Data: json.RawMessage(`1`)})
	require.NoError(t, err)
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"result":{"_type":"EVENT","resourceId":"S.x","emitter":"STREAM","data":1}}`, string(b))
}

func TestErrorResponse(t *testing.T) {
	resp := NewErrorResponse("3", NewDomainError("Registry.resolve", ErrResourceNotFound, "X"))
	b, err := json.Marshal(resp)
	require.NoError(t, err)

	var back Response
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, RequestID("3"), back.ID)
	require.NotNil(t, back.Error)
	assert.ErrorIs(t, FromWireError(back.Error), ErrResourceNotFound)
	assert.Empty(t, back.Result)
}
