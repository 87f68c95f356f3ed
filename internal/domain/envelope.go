package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gorilla/rpc/v2/json2"
)

// JSONRPCVersion is the informal version tag carried by every frame.
const JSONRPCVersion = "2.0"

// RequestID correlates a Response with its Request. It is a string on the
// wire; numeric ids sent by foreign clients are accepted and kept as their
// decimal text. The empty id encodes as null and marks push events.
type RequestID string

func (id RequestID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(id))
}

func (id *RequestID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*id = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = RequestID(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("request id must be a string or number: %w", err)
		}
		*id = RequestID(n.String())
		return nil
	}
}

// RequestParams addresses a method call at a resource.
type RequestParams struct {
	Resource string            `json:"resource"`
	Args     []json.RawMessage `json:"args"`
}

// Request is one remote method invocation.
type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      RequestID     `json:"id"`
	Method  string        `json:"method"`
	Params  RequestParams `json:"params"`
}

// NewRequest encodes args positionally into a Request frame.
func NewRequest(id RequestID, resourceID, method string, args ...any) (Request, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		if r, ok := a.(json.RawMessage); ok {
			raw = append(raw, r)
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			return Request{}, fmt.Errorf("encode arg %d: %w", i, err)
		}
		raw = append(raw, b)
	}
	return Request{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  RequestParams{Resource: resourceID, Args: raw},
	}, nil
}

// Response carries either a result or an error for one Request id. Events
// reuse this frame with a null id and an EVENT result.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *json2.Error    `json:"error,omitempty"`
}

// NewResultResponse encodes result for the given request id.
func NewResultResponse(id RequestID, result Result) (Response, error) {
	raw, err := EncodeResult(result)
	if err != nil {
		return Response{}, err
	}
	return Response{JSONRPC: JSONRPCVersion, ID: id, Result: raw}, nil
}

// NewErrorResponse encodes err for the given request id.
func NewErrorResponse(id RequestID, err error) Response {
	return Response{JSONRPC: JSONRPCVersion, ID: id, Error: ToWireError(err)}
}

// NewEventResponse wraps an event into a push frame.
func NewEventResponse(ev ServiceEvent) (Response, error) {
	return NewResultResponse("", EventResult{
		ResourceID: ev.ResourceID,
		Emitter:    ev.Emitter,
		Data:       ev.Data,
		IsRejected: ev.IsRejected,
	})
}

// Emitter is the completion shape of a subscription.
type Emitter string

const (
	EmitterPromise Emitter = "PROMISE"
	EmitterStream  Emitter = "STREAM"
)

// ResultKind tags the shape of a returned value on the wire (the _type field).
type ResultKind string

const (
	KindValue        ResultKind = "VALUE"
	KindHelper       ResultKind = "HELPER"
	KindService      ResultKind = "SERVICE"
	KindSubscription ResultKind = "SUBSCRIPTION"
	KindEvent        ResultKind = "EVENT"
)

// Result is the closed set of result envelopes. Exactly the types in this
// file implement it.
type Result interface {
	Kind() ResultKind
	sealed()
}

// ValueResult is a plain serializable value. A list value may contain helper
// references inline.
type ValueResult struct {
	Data json.RawMessage
}

// HelperResult references a transient helper object.
type HelperResult struct {
	ResourceID string
	Scheme     ResourceScheme
}

// ServiceResult references a registered singleton service.
type ServiceResult struct {
	ResourceID string
	Scheme     ResourceScheme
}

// SubscriptionResult is a deferred (Promise) or ongoing (Stream) result.
type SubscriptionResult struct {
	ResourceID string
	Emitter    Emitter
}

// EventResult is an asynchronous push for a subscription.
type EventResult struct {
	ResourceID string
	Emitter    Emitter
	Data       json.RawMessage
	IsRejected bool
}

func (ValueResult) Kind() ResultKind        { return KindValue }
func (HelperResult) Kind() ResultKind       { return KindHelper }
func (ServiceResult) Kind() ResultKind      { return KindService }
func (SubscriptionResult) Kind() ResultKind { return KindSubscription }
func (EventResult) Kind() ResultKind        { return KindEvent }

func (ValueResult) sealed()        {}
func (HelperResult) sealed()       {}
func (ServiceResult) sealed()      {}
func (SubscriptionResult) sealed() {}
func (EventResult) sealed()        {}

// wireResult is the tagged object form of every non-value result.
type wireResult struct {
	Type       ResultKind      `json:"_type"`
	ResourceID string          `json:"resourceId"`
	Emitter    Emitter         `json:"emitter,omitempty"`
	Scheme     ResourceScheme  `json:"scheme,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	IsRejected bool            `json:"isRejected,omitempty"`
}

// HelperRef is the inline form of a helper reference inside a list value.
func HelperRef(resourceID string) json.RawMessage {
	b, _ := json.Marshal(wireResult{Type: KindHelper, ResourceID: resourceID})
	return b
}

// EncodeResult serializes a result envelope.
func EncodeResult(r Result) (json.RawMessage, error) {
	switch v := r.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case ValueResult:
		if len(v.Data) == 0 {
			return json.RawMessage("null"), nil
		}
		return v.Data, nil
	case HelperResult:
		return json.Marshal(wireResult{Type: KindHelper, ResourceID: v.ResourceID, Scheme: v.Scheme})
	case ServiceResult:
		return json.Marshal(wireResult{Type: KindService, ResourceID: v.ResourceID, Scheme: v.Scheme})
	case SubscriptionResult:
		return json.Marshal(wireResult{Type: KindSubscription, ResourceID: v.ResourceID, Emitter: v.Emitter})
	case EventResult:
		data := v.Data
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		return json.Marshal(wireResult{
			Type:       KindEvent,
			ResourceID: v.ResourceID,
			Emitter:    v.Emitter,
			Data:       data,
			IsRejected: v.IsRejected,
		})
	default:
		return nil, fmt.Errorf("encode result: unknown result type %T", r)
	}
}

// DecodeResult parses a result envelope. Objects without a recognised _type
// are plain values.
func DecodeResult(raw json.RawMessage) (Result, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ValueResult{Data: json.RawMessage("null")}, nil
	}
	if trimmed[0] != '{' {
		return ValueResult{Data: raw}, nil
	}
	var probe struct {
		Type ResultKind `json:"_type"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch probe.Type {
	case KindHelper, KindService, KindSubscription, KindEvent:
	default:
		return ValueResult{Data: raw}, nil
	}
	var w wireResult
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch w.Type {
	case KindHelper:
		return HelperResult{ResourceID: w.ResourceID, Scheme: w.Scheme}, nil
	case KindService:
		return ServiceResult{ResourceID: w.ResourceID, Scheme: w.Scheme}, nil
	case KindSubscription:
		return SubscriptionResult{ResourceID: w.ResourceID, Emitter: w.Emitter}, nil
	default:
		return EventResult{ResourceID: w.ResourceID, Emitter: w.Emitter, Data: w.Data, IsRejected: w.IsRejected}, nil
	}
}

// ParseRequest decodes one inbound frame. Unparseable input yields
// ErrMalformedMessage; a request without an id yields ErrMissingRequestID.
func ParseRequest(frame []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return Request{}, NewDomainError("ParseRequest", ErrMalformedMessage, err.Error())
	}
	if req.ID == "" {
		return req, NewDomainError("ParseRequest", ErrMissingRequestID, strconv.Quote(req.Method))
	}
	return req, nil
}
