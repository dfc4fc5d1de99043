package client

import "encoding/json"

// PingResult is the result of system.ping.
type PingResult struct {
	App             string `json:"app"`
	EngineVersion   string `json:"engineVersion"`
	ProtocolVersion string `json:"protocolVersion"`
	Platform        string `json:"platform"`
}

// Capabilities is the result of engine.capabilities.
type Capabilities struct {
	ProtocolVersion string `json:"protocolVersion"`
	Platform        string `json:"platform"`
	Phase           string `json:"phase"`
	Capture         struct {
		Display     bool `json:"display"`
		Window      bool `json:"window"`
		SystemAudio bool `json:"systemAudio"`
		Microphone  bool `json:"microphone"`
	} `json:"capture"`
	Recording struct {
		InputTracking bool `json:"inputTracking"`
	} `json:"recording"`
	Export struct {
		Presets bool `json:"presets"`
		CutPlan bool `json:"cutPlan"`
	} `json:"export"`
	Project struct {
		OpenSave bool `json:"openSave"`
	} `json:"project"`
	Agent struct {
		Preflight            bool `json:"preflight"`
		Run                  bool `json:"run"`
		Status               bool `json:"status"`
		Apply                bool `json:"apply"`
		LocalOnly            bool `json:"localOnly"`
		RuntimeBudgetMinutes int  `json:"runtimeBudgetMinutes"`
	} `json:"agent"`
}

// Permissions is the result of permissions.get.
type Permissions struct {
	ScreenRecordingGranted bool   `json:"screenRecordingGranted"`
	MicrophoneGranted      bool   `json:"microphoneGranted"`
	InputMonitoring        string `json:"inputMonitoring"`
}

// ActionResult is returned by permission prompts and agent.apply.
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Display is a capturable display.
type Display struct {
	ID     int64 `json:"id"`
	Width  int   `json:"width"`
	Height int   `json:"height"`
}

// Window is a capturable window.
type Window struct {
	ID         int64  `json:"id"`
	Title      string `json:"title"`
	AppName    string `json:"appName"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	IsOnScreen bool   `json:"isOnScreen"`
}

// Sources is the result of sources.list.
type Sources struct {
	Displays []Display `json:"displays"`
	Windows  []Window  `json:"windows"`
}

// Rect is a capture content rectangle in points.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// CaptureWindow identifies the window being captured.
type CaptureWindow struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	AppName string `json:"appName"`
}

// CaptureMetadata describes the active capture source.
type CaptureMetadata struct {
	Window      *CaptureWindow `json:"window"`
	Source      string         `json:"source"`
	ContentRect Rect           `json:"contentRect"`
	PixelScale  float64        `json:"pixelScale"`
}

// CaptureTelemetry is live capture health.
type CaptureTelemetry struct {
	TotalFrames         int64    `json:"totalFrames"`
	DroppedFrames       int64    `json:"droppedFrames"`
	DroppedFramePercent float64  `json:"droppedFramePercent"`
	AudioLevelDbfs      *float64 `json:"audioLevelDbfs"`
	Health              string   `json:"health"`
	HealthReason        *string  `json:"healthReason"`
}

// CaptureStatus is returned by every capture and recording method.
type CaptureStatus struct {
	IsRunning                bool             `json:"isRunning"`
	IsRecording              bool             `json:"isRecording"`
	RecordingDurationSeconds float64          `json:"recordingDurationSeconds"`
	RecordingURL             *string          `json:"recordingURL"`
	CaptureMetadata          *CaptureMetadata `json:"captureMetadata"`
	LastError                *string          `json:"lastError"`
	EventsURL                *string          `json:"eventsURL"`
	Telemetry                CaptureTelemetry `json:"telemetry"`
}

// ExportPreset is one export format.
type ExportPreset struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FPS      int    `json:"fps"`
	FileType string `json:"fileType"`
}

// ExportInfo is the result of export.info.
type ExportInfo struct {
	Presets []ExportPreset `json:"presets"`
}

// ExportParams are the parameters of export.run.
type ExportParams struct {
	OutputURL        string   `json:"outputURL"`
	PresetID         string   `json:"presetId,omitempty"`
	TrimStartSeconds *float64 `json:"trimStartSeconds,omitempty"`
	TrimEndSeconds   *float64 `json:"trimEndSeconds,omitempty"`
}

// CutPlanExportParams are the parameters of export.runCutPlan.
type CutPlanExportParams struct {
	OutputURL string `json:"outputURL"`
	PresetID  string `json:"presetId"`
	JobID     string `json:"jobId"`
}

// ExportResult is the result of export.run and export.runCutPlan.
type ExportResult struct {
	OutputURL       string `json:"outputURL"`
	AppliedSegments int    `json:"appliedSegments,omitempty"`
}

// AutoZoom is the project's auto-zoom setting.
type AutoZoom struct {
	IsEnabled               bool    `json:"isEnabled"`
	Intensity               float64 `json:"intensity"`
	MinimumKeyframeInterval float64 `json:"minimumKeyframeInterval"`
}

// AgentAnalysis summarizes the latest agent run stored with a project.
type AgentAnalysis struct {
	LatestJobID  *string `json:"latestJobId"`
	LatestStatus *string `json:"latestStatus"`
	QAPassed     *bool   `json:"qaPassed"`
	UpdatedAt    *string `json:"updatedAt"`
}

// ProjectState is returned by every project method except recents.
type ProjectState struct {
	ProjectPath     *string          `json:"projectPath"`
	RecordingURL    *string          `json:"recordingURL"`
	EventsURL       *string          `json:"eventsURL"`
	AutoZoom        AutoZoom         `json:"autoZoom"`
	CaptureMetadata *CaptureMetadata `json:"captureMetadata"`
	AgentAnalysis   AgentAnalysis    `json:"agentAnalysis"`
}

// SaveProjectParams are the parameters of project.save. Nil fields keep the
// engine's current values.
type SaveProjectParams struct {
	ProjectPath string    `json:"projectPath,omitempty"`
	AutoZoom    *AutoZoom `json:"autoZoom,omitempty"`
}

// RecentProject is one entry of project.recents.
type RecentProject struct {
	ProjectPath  string `json:"projectPath"`
	DisplayName  string `json:"displayName"`
	LastOpenedAt string `json:"lastOpenedAt"`
}

// RecentProjects is the result of project.recents.
type RecentProjects struct {
	Items []RecentProject `json:"items"`
}

// Transcription providers accepted by agent.preflight and agent.run.
const (
	TranscriptionNone     = "none"
	TranscriptionImported = "imported_transcript"
)

// PreflightParams are the parameters of agent.preflight.
type PreflightParams struct {
	RuntimeBudgetMinutes   int    `json:"runtimeBudgetMinutes,omitempty"`
	TranscriptionProvider  string `json:"transcriptionProvider,omitempty"`
	ImportedTranscriptPath string `json:"importedTranscriptPath,omitempty"`
}

// PreflightResult is the result of agent.preflight.
type PreflightResult struct {
	Ready                 bool     `json:"ready"`
	BlockingReasons       []string `json:"blockingReasons"`
	CanApplyDestructive   bool     `json:"canApplyDestructive"`
	TranscriptionProvider string   `json:"transcriptionProvider"`
	PreflightToken        *string  `json:"preflightToken"`
}

// AgentRunParams are the parameters of agent.run.
type AgentRunParams struct {
	PreflightToken         string `json:"preflightToken"`
	RuntimeBudgetMinutes   int    `json:"runtimeBudgetMinutes,omitempty"`
	TranscriptionProvider  string `json:"transcriptionProvider,omitempty"`
	ImportedTranscriptPath string `json:"importedTranscriptPath,omitempty"`
	Force                  bool   `json:"force,omitempty"`
}

// AgentRunResult is the result of agent.run.
type AgentRunResult struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// AgentStatus is the result of agent.status. The QA report is passed through
// unparsed.
type AgentStatus struct {
	JobID                string          `json:"jobId"`
	Status               string          `json:"status"`
	RuntimeBudgetMinutes int             `json:"runtimeBudgetMinutes"`
	QAReport             json.RawMessage `json:"qaReport"`
	BlockingReason       *string         `json:"blockingReason"`
	UpdatedAt            string          `json:"updatedAt"`
}
