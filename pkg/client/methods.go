package client

import (
	"context"

	"github.com/guerillaglass/glassengine/pkg/protocol"
)

// invoke is the shared shape of every typed wrapper.
func invoke[T any](ctx context.Context, c *Client, method protocol.Method, params any) (*T, error) {
	var out T
	if err := c.CallInto(ctx, string(method), params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ping checks that the engine is alive and reports its version.
func (c *Client) Ping(ctx context.Context) (*PingResult, error) {
	return invoke[PingResult](ctx, c, protocol.MethodSystemPing, nil)
}

// Capabilities reports what the engine supports on this platform.
func (c *Client) Capabilities(ctx context.Context) (*Capabilities, error) {
	return invoke[Capabilities](ctx, c, protocol.MethodEngineCapabilities, nil)
}

func (c *Client) AgentPreflight(ctx context.Context, params PreflightParams) (*PreflightResult, error) {
	return invoke[PreflightResult](ctx, c, protocol.MethodAgentPreflight, params)
}

// AgentRun starts an agent job. It has no timeout by default.
func (c *Client) AgentRun(ctx context.Context, params AgentRunParams) (*AgentRunResult, error) {
	return invoke[AgentRunResult](ctx, c, protocol.MethodAgentRun, params)
}

func (c *Client) AgentStatus(ctx context.Context, jobID string) (*AgentStatus, error) {
	return invoke[AgentStatus](ctx, c, protocol.MethodAgentStatus, map[string]any{"jobId": jobID})
}

// AgentApply applies a finished job's cut plan. destructiveIntent confirms
// that unsaved changes may be overwritten.
func (c *Client) AgentApply(ctx context.Context, jobID string, destructiveIntent bool) (*ActionResult, error) {
	return invoke[ActionResult](ctx, c, protocol.MethodAgentApply, map[string]any{
		"jobId":             jobID,
		"destructiveIntent": destructiveIntent,
	})
}

func (c *Client) Permissions(ctx context.Context) (*Permissions, error) {
	return invoke[Permissions](ctx, c, protocol.MethodPermissionsGet, nil)
}

// The permission prompts block on the user and have no timeout by default.

func (c *Client) RequestScreenRecordingPermission(ctx context.Context) (*ActionResult, error) {
	return invoke[ActionResult](ctx, c, protocol.MethodPermissionsRequestScreenRecording, nil)
}

func (c *Client) RequestMicrophonePermission(ctx context.Context) (*ActionResult, error) {
	return invoke[ActionResult](ctx, c, protocol.MethodPermissionsRequestMicrophone, nil)
}

func (c *Client) RequestInputMonitoringPermission(ctx context.Context) (*ActionResult, error) {
	return invoke[ActionResult](ctx, c, protocol.MethodPermissionsRequestInputMonitoring, nil)
}

func (c *Client) OpenInputMonitoringSettings(ctx context.Context) (*ActionResult, error) {
	return invoke[ActionResult](ctx, c, protocol.MethodPermissionsOpenInputMonitoringSettings, nil)
}

// ListSources lists capturable displays and windows.
func (c *Client) ListSources(ctx context.Context) (*Sources, error) {
	return invoke[Sources](ctx, c, protocol.MethodSourcesList, nil)
}

func (c *Client) StartDisplayCapture(ctx context.Context, enableMic bool) (*CaptureStatus, error) {
	return invoke[CaptureStatus](ctx, c, protocol.MethodCaptureStartDisplay, map[string]any{"enableMic": enableMic})
}

func (c *Client) StartCurrentWindowCapture(ctx context.Context, enableMic bool) (*CaptureStatus, error) {
	return invoke[CaptureStatus](ctx, c, protocol.MethodCaptureStartCurrentWindow, map[string]any{"enableMic": enableMic})
}

func (c *Client) StartWindowCapture(ctx context.Context, windowID int64, enableMic bool) (*CaptureStatus, error) {
	return invoke[CaptureStatus](ctx, c, protocol.MethodCaptureStartWindow, map[string]any{
		"windowId":  windowID,
		"enableMic": enableMic,
	})
}

func (c *Client) StopCapture(ctx context.Context) (*CaptureStatus, error) {
	return invoke[CaptureStatus](ctx, c, protocol.MethodCaptureStop, nil)
}

// StartRecording starts recording the running capture. trackInputEvents
// also records cursor and keyboard events.
func (c *Client) StartRecording(ctx context.Context, trackInputEvents bool) (*CaptureStatus, error) {
	return invoke[CaptureStatus](ctx, c, protocol.MethodRecordingStart, map[string]any{"trackInputEvents": trackInputEvents})
}

func (c *Client) StopRecording(ctx context.Context) (*CaptureStatus, error) {
	return invoke[CaptureStatus](ctx, c, protocol.MethodRecordingStop, nil)
}

func (c *Client) CaptureStatus(ctx context.Context) (*CaptureStatus, error) {
	return invoke[CaptureStatus](ctx, c, protocol.MethodCaptureStatus, nil)
}

func (c *Client) ExportInfo(ctx context.Context) (*ExportInfo, error) {
	return invoke[ExportInfo](ctx, c, protocol.MethodExportInfo, nil)
}

// RunExport renders the recording. It has no timeout by default.
func (c *Client) RunExport(ctx context.Context, params ExportParams) (*ExportResult, error) {
	return invoke[ExportResult](ctx, c, protocol.MethodExportRun, params)
}

// RunCutPlanExport renders an agent job's cut plan. It has no timeout by
// default.
func (c *Client) RunCutPlanExport(ctx context.Context, params CutPlanExportParams) (*ExportResult, error) {
	return invoke[ExportResult](ctx, c, protocol.MethodExportRunCutPlan, params)
}

func (c *Client) CurrentProject(ctx context.Context) (*ProjectState, error) {
	return invoke[ProjectState](ctx, c, protocol.MethodProjectCurrent, nil)
}

func (c *Client) OpenProject(ctx context.Context, projectPath string) (*ProjectState, error) {
	return invoke[ProjectState](ctx, c, protocol.MethodProjectOpen, map[string]any{"projectPath": projectPath})
}

func (c *Client) SaveProject(ctx context.Context, params SaveProjectParams) (*ProjectState, error) {
	return invoke[ProjectState](ctx, c, protocol.MethodProjectSave, params)
}

// RecentProjects lists recently opened projects, newest first. A limit of
// zero uses the engine default.
func (c *Client) RecentProjects(ctx context.Context, limit int) (*RecentProjects, error) {
	params := map[string]any{}
	if limit > 0 {
		params["limit"] = limit
	}
	return invoke[RecentProjects](ctx, c, protocol.MethodProjectRecents, params)
}
