// Package protocol defines the newline-delimited JSON protocol spoken between
// the Guerillaglass shell and its native engine over the engine's stdin and
// stdout.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the protocol revision shared between shell and engines.
const ProtocolVersion = "2"

// UnknownRequestID is the id an engine answers with when it could not parse
// the request line at all.
const UnknownRequestID = "unknown"

// Method is a dot-separated engine method name.
type Method string

const (
	MethodSystemPing         Method = "system.ping"
	MethodEngineCapabilities Method = "engine.capabilities"

	MethodAgentPreflight Method = "agent.preflight"
	MethodAgentRun       Method = "agent.run"
	MethodAgentStatus    Method = "agent.status"
	MethodAgentApply     Method = "agent.apply"

	MethodPermissionsGet                         Method = "permissions.get"
	MethodPermissionsRequestScreenRecording      Method = "permissions.requestScreenRecording"
	MethodPermissionsRequestMicrophone           Method = "permissions.requestMicrophone"
	MethodPermissionsRequestInputMonitoring      Method = "permissions.requestInputMonitoring"
	MethodPermissionsOpenInputMonitoringSettings Method = "permissions.openInputMonitoringSettings"

	MethodSourcesList Method = "sources.list"

	MethodCaptureStartDisplay       Method = "capture.startDisplay"
	MethodCaptureStartCurrentWindow Method = "capture.startCurrentWindow"
	MethodCaptureStartWindow        Method = "capture.startWindow"
	MethodCaptureStop               Method = "capture.stop"
	MethodCaptureStatus             Method = "capture.status"

	MethodRecordingStart Method = "recording.start"
	MethodRecordingStop  Method = "recording.stop"

	MethodExportInfo       Method = "export.info"
	MethodExportRun        Method = "export.run"
	MethodExportRunCutPlan Method = "export.runCutPlan"

	MethodProjectCurrent Method = "project.current"
	MethodProjectOpen    Method = "project.open"
	MethodProjectSave    Method = "project.save"
	MethodProjectRecents Method = "project.recents"
)

// Methods lists every method known to this protocol revision.
var Methods = []Method{
	MethodSystemPing,
	MethodEngineCapabilities,
	MethodAgentPreflight,
	MethodAgentRun,
	MethodAgentStatus,
	MethodAgentApply,
	MethodPermissionsGet,
	MethodPermissionsRequestScreenRecording,
	MethodPermissionsRequestMicrophone,
	MethodPermissionsRequestInputMonitoring,
	MethodPermissionsOpenInputMonitoringSettings,
	MethodSourcesList,
	MethodCaptureStartDisplay,
	MethodCaptureStartCurrentWindow,
	MethodCaptureStartWindow,
	MethodCaptureStop,
	MethodCaptureStatus,
	MethodRecordingStart,
	MethodRecordingStop,
	MethodExportInfo,
	MethodExportRun,
	MethodExportRunCutPlan,
	MethodProjectCurrent,
	MethodProjectOpen,
	MethodProjectSave,
	MethodProjectRecents,
}

// Known reports whether m is part of this protocol revision.
func (m Method) Known() bool {
	for _, known := range Methods {
		if m == known {
			return true
		}
	}
	return false
}

// ErrorCode is a machine-readable failure code returned by an engine.
type ErrorCode string

const (
	ErrorCodeInvalidRequest    ErrorCode = "invalid_request"
	ErrorCodeInvalidParams     ErrorCode = "invalid_params"
	ErrorCodeUnsupportedMethod ErrorCode = "unsupported_method"
	ErrorCodePermissionDenied  ErrorCode = "permission_denied"
	ErrorCodeNeedsConfirmation ErrorCode = "needs_confirmation"
	ErrorCodeQAFailed          ErrorCode = "qa_failed"
	ErrorCodeMissingLocalModel ErrorCode = "missing_local_model"
	ErrorCodeInvalidCutPlan    ErrorCode = "invalid_cut_plan"
	ErrorCodeRuntimeError      ErrorCode = "runtime_error"
)

// Request is a single call sent to the engine.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// ErrorBody is the error payload of a failed response.
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Response is a single line produced by the engine. Exactly one of Result
// and Error is meaningful, selected by OK.
type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// NewRequest builds a request, marshaling params into a JSON object. Nil
// params encode as an empty object.
func NewRequest(id string, method string, params any) (*Request, error) {
	if id == "" {
		return nil, fmt.Errorf("request id is required")
	}
	if method == "" {
		return nil, fmt.Errorf("request method is required")
	}

	raw, err := MarshalParams(params)
	if err != nil {
		return nil, err
	}

	return &Request{ID: id, Method: method, Params: raw}, nil
}

// MarshalParams encodes params as a JSON object.
func MarshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !isObject(p) {
			return nil, fmt.Errorf("params must be a JSON object")
		}
		return p, nil
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	if string(raw) == "null" {
		return json.RawMessage(`{}`), nil
	}
	if !isObject(raw) {
		return nil, fmt.Errorf("params must be a JSON object")
	}
	return raw, nil
}

// Success builds a successful response.
func Success(id string, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{ID: id, OK: true, Result: raw}, nil
}

// Failure builds a failed response.
func Failure(id string, code ErrorCode, message string) *Response {
	return &Response{
		ID:    id,
		OK:    false,
		Error: &ErrorBody{Code: code, Message: message},
	}
}

func isObject(raw []byte) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return json.Valid(raw)
		default:
			return false
		}
	}
	return false
}
