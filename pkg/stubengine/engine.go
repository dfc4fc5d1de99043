// Package stubengine is an in-process implementation of the engine side of
// the protocol. It answers every method with plausible canned state and can
// inject delays, silence, and crashes for exercising the client.
package stubengine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/guerillaglass/glassengine/pkg/protocol"
	"github.com/guerillaglass/glassengine/pkg/telemetry"
)

// EngineVersion is reported by system.ping.
const EngineVersion = "0.4.0-stub"

// Phase is reported by engine.capabilities.
const Phase = "stub"

// Options configures fault injection and identity.
type Options struct {
	// Platform is reported by ping and capabilities. Defaults to GOOS.
	Platform string

	// Delays holds a per-method delay before the response is written.
	// Delayed requests are answered concurrently.
	Delays map[string]time.Duration

	// Silent methods are accepted but never answered.
	Silent map[string]bool

	// ExitOn makes Serve stop with an *ExitError carrying the code as soon
	// as the method is received.
	ExitOn map[string]int

	Logger *telemetry.Logger
}

// ExitError is returned by Serve when a request triggered an injected exit.
type ExitError struct {
	Method string
	Code   int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit %d on %s", e.Code, e.Method)
}

// Engine is a stub engine. Handle is safe for concurrent use.
type Engine struct {
	opts   Options
	logger *telemetry.Logger

	mu    sync.Mutex
	state *state
}

// New creates a stub engine with empty state.
func New(opts Options) *Engine {
	if opts.Platform == "" {
		opts.Platform = runtime.GOOS
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Engine{
		opts:   opts,
		logger: logger.NewComponentLogger("stub-engine"),
		state:  newState(),
	}
}

// Serve reads request lines from r and writes responses to w until r is
// exhausted, ctx is done, or an injected exit fires. Delayed responses still
// in flight are abandoned on exit and awaited on EOF.
func (e *Engine) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	enc := protocol.NewEncoder(w)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxLineBytes)

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		req, err := protocol.DecodeRequest(line)
		if err != nil {
			e.logger.WithError(err).Debug("rejecting unparsable request")
			resp := protocol.Failure(protocol.UnknownRequestID, protocol.ErrorCodeInvalidRequest, "Invalid JSON request")
			if err := enc.EncodeResponse(resp); err != nil {
				return fmt.Errorf("failed to write response: %w", err)
			}
			continue
		}

		if code, ok := e.opts.ExitOn[req.Method]; ok {
			e.logger.WithMethod(req.Method).WithField("code", code).Info("injected exit")
			return &ExitError{Method: req.Method, Code: code}
		}
		if e.opts.Silent[req.Method] {
			e.logger.WithMethod(req.Method).Debug("swallowing request")
			continue
		}

		if delay := e.opts.Delays[req.Method]; delay > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				t := time.NewTimer(delay)
				defer t.Stop()
				select {
				case <-t.C:
				case <-ctx.Done():
					return
				}
				_ = enc.EncodeResponse(e.Handle(req))
			}()
			continue
		}

		if err := enc.EncodeResponse(e.Handle(req)); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read error: %w", err)
	}
	wg.Wait()
	return nil
}

// Handle answers a single request.
func (e *Engine) Handle(req *protocol.Request) *protocol.Response {
	e.mu.Lock()
	result, failure := e.dispatch(req)
	e.mu.Unlock()

	if failure != nil {
		e.logger.WithMethod(req.Method).WithField("code", failure.Code).Debug(failure.Message)
		return protocol.Failure(req.ID, failure.Code, failure.Message)
	}

	resp, err := protocol.Success(req.ID, result)
	if err != nil {
		return protocol.Failure(req.ID, protocol.ErrorCodeRuntimeError, err.Error())
	}
	return resp
}

func invalidParams(format string, args ...any) *protocol.ErrorBody {
	return &protocol.ErrorBody{Code: protocol.ErrorCodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// dispatch routes a request to its handler. Caller holds mu.
func (e *Engine) dispatch(req *protocol.Request) (any, *protocol.ErrorBody) {
	s := e.state

	switch protocol.Method(req.Method) {
	case protocol.MethodSystemPing:
		return map[string]any{
			"app":             "guerillaglass",
			"engineVersion":   EngineVersion,
			"protocolVersion": protocol.ProtocolVersion,
			"platform":        e.opts.Platform,
		}, nil

	case protocol.MethodEngineCapabilities:
		return e.capabilities(), nil

	case protocol.MethodAgentPreflight:
		var p preflightParams
		if err := protocol.ParseParams(req.Params, &p); err != nil {
			return nil, invalidParams("%v", err)
		}
		return s.preflight(p), nil

	case protocol.MethodAgentRun:
		var p agentRunParams
		if err := protocol.ParseParams(req.Params, &p); err != nil {
			return nil, invalidParams("%v", err)
		}
		return s.runAgent(p)

	case protocol.MethodAgentStatus:
		var p jobParams
		if err := protocol.ParseParams(req.Params, &p); err != nil {
			return nil, invalidParams("%v", err)
		}
		return s.agentStatus(p.JobID)

	case protocol.MethodAgentApply:
		var p jobParams
		if err := protocol.ParseParams(req.Params, &p); err != nil {
			return nil, invalidParams("%v", err)
		}
		return s.applyAgent(p)

	case protocol.MethodPermissionsGet:
		return map[string]any{
			"screenRecordingGranted": true,
			"microphoneGranted":      true,
			"inputMonitoring":        "authorized",
		}, nil

	case protocol.MethodPermissionsRequestScreenRecording,
		protocol.MethodPermissionsRequestMicrophone,
		protocol.MethodPermissionsRequestInputMonitoring,
		protocol.MethodPermissionsOpenInputMonitoringSettings:
		return map[string]any{
			"success": true,
			"message": "Permissions are always granted by the stub engine.",
		}, nil

	case protocol.MethodSourcesList:
		return sources(), nil

	case protocol.MethodCaptureStartDisplay:
		s.startCapture(displayMetadata())
		return s.captureStatus(), nil

	case protocol.MethodCaptureStartCurrentWindow:
		s.startCapture(windowMetadata(defaultWindowID))
		return s.captureStatus(), nil

	case protocol.MethodCaptureStartWindow:
		var p windowParams
		if err := protocol.ParseParams(req.Params, &p); err != nil {
			return nil, invalidParams("%v", err)
		}
		id := p.WindowID
		if id == 0 {
			id = defaultWindowID
		}
		s.startCapture(windowMetadata(id))
		return s.captureStatus(), nil

	case protocol.MethodCaptureStop:
		s.stopCapture()
		return s.captureStatus(), nil

	case protocol.MethodCaptureStatus:
		return s.captureStatus(), nil

	case protocol.MethodRecordingStart:
		var p recordingParams
		if err := protocol.ParseParams(req.Params, &p); err != nil {
			return nil, invalidParams("%v", err)
		}
		if err := s.startRecording(p.TrackInputEvents); err != nil {
			return nil, err
		}
		return s.captureStatus(), nil

	case protocol.MethodRecordingStop:
		s.stopRecording()
		return s.captureStatus(), nil

	case protocol.MethodExportInfo:
		return map[string]any{"presets": presets}, nil

	case protocol.MethodExportRun:
		var p exportParams
		if err := protocol.ParseParams(req.Params, &p); err != nil {
			return nil, invalidParams("%v", err)
		}
		if p.OutputURL == "" {
			return nil, invalidParams("outputURL is required")
		}
		return map[string]any{"outputURL": p.OutputURL}, nil

	case protocol.MethodExportRunCutPlan:
		var p exportParams
		if err := protocol.ParseParams(req.Params, &p); err != nil {
			return nil, invalidParams("%v", err)
		}
		return s.exportCutPlan(p)

	case protocol.MethodProjectCurrent:
		return s.projectState(), nil

	case protocol.MethodProjectOpen:
		var p projectParams
		if err := protocol.ParseParams(req.Params, &p); err != nil {
			return nil, invalidParams("%v", err)
		}
		if p.ProjectPath == "" {
			return nil, invalidParams("projectPath is required")
		}
		s.openProject(p.ProjectPath)
		return s.projectState(), nil

	case protocol.MethodProjectSave:
		var p projectParams
		if err := protocol.ParseParams(req.Params, &p); err != nil {
			return nil, invalidParams("%v", err)
		}
		s.saveProject(p)
		return s.projectState(), nil

	case protocol.MethodProjectRecents:
		var p recentsParams
		if err := protocol.ParseParams(req.Params, &p); err != nil {
			return nil, invalidParams("%v", err)
		}
		return map[string]any{"items": s.recentProjects(p.Limit)}, nil

	default:
		return nil, &protocol.ErrorBody{
			Code:    protocol.ErrorCodeUnsupportedMethod,
			Message: fmt.Sprintf("Unsupported method: %s", req.Method),
		}
	}
}

func (e *Engine) capabilities() map[string]any {
	return map[string]any{
		"protocolVersion": protocol.ProtocolVersion,
		"platform":        e.opts.Platform,
		"phase":           Phase,
		"capture": map[string]bool{
			"display":     true,
			"window":      true,
			"systemAudio": false,
			"microphone":  true,
		},
		"recording": map[string]bool{"inputTracking": true},
		"export": map[string]bool{
			"presets": true,
			"cutPlan": true,
		},
		"project": map[string]bool{"openSave": true},
		"agent": map[string]any{
			"preflight":            true,
			"run":                  true,
			"status":               true,
			"apply":                true,
			"localOnly":            true,
			"runtimeBudgetMinutes": maxRuntimeBudgetMinutes,
		},
	}
}
