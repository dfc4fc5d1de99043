package stubengine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/guerillaglass/glassengine/pkg/protocol"
)

const (
	defaultWindowID         = 101
	maxRecentProjects       = 20
	defaultRecentsLimit     = 10
	maxRuntimeBudgetMinutes = 10
	preflightTokenTTL       = 60 * time.Second
)

var presets = []map[string]any{
	{"id": "h264-1080p-30", "name": "1080p 30fps", "width": 1920, "height": 1080, "fps": 30, "fileType": "mp4"},
	{"id": "h264-720p-60", "name": "720p 60fps", "width": 1280, "height": 720, "fps": 60, "fileType": "mp4"},
}

type preflightParams struct {
	RuntimeBudgetMinutes   *int   `json:"runtimeBudgetMinutes"`
	TranscriptionProvider  string `json:"transcriptionProvider"`
	ImportedTranscriptPath string `json:"importedTranscriptPath"`
}

func (p preflightParams) budget() int {
	if p.RuntimeBudgetMinutes == nil {
		return maxRuntimeBudgetMinutes
	}
	return *p.RuntimeBudgetMinutes
}

func (p preflightParams) provider() string {
	if p.TranscriptionProvider == "imported_transcript" {
		return p.TranscriptionProvider
	}
	return "none"
}

type agentRunParams struct {
	preflightParams
	PreflightToken string `json:"preflightToken"`
	Force          bool   `json:"force"`
}

type jobParams struct {
	JobID             string `json:"jobId"`
	DestructiveIntent bool   `json:"destructiveIntent"`
}

type windowParams struct {
	WindowID int64 `json:"windowId"`
}

type recordingParams struct {
	TrackInputEvents bool `json:"trackInputEvents"`
}

type exportParams struct {
	OutputURL string `json:"outputURL"`
	PresetID  string `json:"presetId"`
	JobID     string `json:"jobId"`
}

type autoZoom struct {
	IsEnabled               *bool    `json:"isEnabled"`
	Intensity               *float64 `json:"intensity"`
	MinimumKeyframeInterval *float64 `json:"minimumKeyframeInterval"`
}

type projectParams struct {
	ProjectPath string    `json:"projectPath"`
	AutoZoom    *autoZoom `json:"autoZoom"`
}

type recentsParams struct {
	Limit int `json:"limit"`
}

type preflightSession struct {
	budget       int
	provider     string
	transcript   string
	projectPath  *string
	recordingURL *string
	createdAt    time.Time
}

type agentRun struct {
	jobID          string
	status         string
	budget         int
	blockingReason *string
	updatedAt      time.Time
	coverage       map[string]bool
}

func (r *agentRun) passed() bool {
	for _, covered := range r.coverage {
		if !covered {
			return false
		}
	}
	return true
}

func (r *agentRun) qaReport() map[string]any {
	var missing []string
	covered := 0
	for _, beat := range beats {
		if r.coverage[beat] {
			covered++
		} else {
			missing = append(missing, beat)
		}
	}
	return map[string]any{
		"passed":       len(missing) == 0,
		"score":        float64(covered) / float64(len(beats)),
		"coverage":     r.coverage,
		"missingBeats": missing,
	}
}

var beats = []string{"hook", "action", "payoff", "takeaway"}

// state is the engine's mutable session. Guarded by Engine.mu.
type state struct {
	now func() time.Time

	isRunning       bool
	isRecording     bool
	recordedBefore  time.Duration
	recordingSince  time.Time
	recordingURL    *string
	eventsURL       *string
	captureMetadata map[string]any

	projectPath      *string
	autoZoomEnabled  bool
	autoZoomStrength float64
	autoZoomInterval float64
	unsavedChanges   bool
	recents          []map[string]string

	runs      map[string]*agentRun
	runCount  int
	sessions  map[string]preflightSession
}

func newState() *state {
	return &state{
		now:              time.Now,
		autoZoomStrength: 0.55,
		autoZoomInterval: 0.15,
		runs:             make(map[string]*agentRun),
		sessions:         make(map[string]preflightSession),
	}
}

func strPtr(s string) *string { return &s }

func displayMetadata() map[string]any {
	return map[string]any{
		"window":      nil,
		"source":      "display",
		"contentRect": map[string]float64{"x": 0, "y": 0, "width": 1920, "height": 1080},
		"pixelScale":  1,
	}
}

func windowMetadata(id int64) map[string]any {
	return map[string]any{
		"window": map[string]any{
			"id":      id,
			"title":   "Desktop",
			"appName": "System",
		},
		"source":      "window",
		"contentRect": map[string]float64{"x": 0, "y": 0, "width": 1280, "height": 720},
		"pixelScale":  1,
	}
}

func sources() map[string]any {
	return map[string]any{
		"displays": []map[string]any{
			{"id": 1, "width": 1920, "height": 1080},
		},
		"windows": []map[string]any{
			{"id": defaultWindowID, "title": "Desktop", "appName": "System", "width": 1280, "height": 720, "isOnScreen": true},
		},
	}
}

func (s *state) startCapture(metadata map[string]any) {
	s.isRunning = true
	s.captureMetadata = metadata
}

func (s *state) stopCapture() {
	s.stopRecording()
	s.isRunning = false
}

func (s *state) startRecording(trackInput bool) *protocol.ErrorBody {
	if !s.isRunning {
		return invalidParams("Start capture before recording")
	}
	if !s.isRecording {
		s.isRecording = true
		s.recordedBefore = 0
		s.recordingSince = s.now()
	}
	s.recordingURL = strPtr("stub://recordings/session.mp4")
	if trackInput {
		s.eventsURL = strPtr("stub://events/session-events.json")
	}
	return nil
}

func (s *state) stopRecording() {
	if s.isRecording {
		s.recordedBefore += s.now().Sub(s.recordingSince)
		s.isRecording = false
		s.unsavedChanges = true
	}
}

func (s *state) recordingDuration() time.Duration {
	if s.isRecording {
		return s.recordedBefore + s.now().Sub(s.recordingSince)
	}
	return s.recordedBefore
}

func (s *state) captureStatus() map[string]any {
	return map[string]any{
		"isRunning":                s.isRunning,
		"isRecording":              s.isRecording,
		"recordingDurationSeconds": s.recordingDuration().Seconds(),
		"recordingURL":             s.recordingURL,
		"captureMetadata":          s.captureMetadata,
		"lastError":                nil,
		"eventsURL":                s.eventsURL,
		"telemetry": map[string]any{
			"totalFrames":         0,
			"droppedFrames":       0,
			"droppedFramePercent": 0.0,
			"audioLevelDbfs":      nil,
			"health":              "good",
			"healthReason":        nil,
		},
	}
}

func (s *state) latestRun() *agentRun {
	var latest *agentRun
	for _, run := range s.runs {
		if latest == nil || run.updatedAt.After(latest.updatedAt) {
			latest = run
		}
	}
	return latest
}

func (s *state) projectState() map[string]any {
	analysis := map[string]any{
		"latestJobId":  nil,
		"latestStatus": nil,
		"qaPassed":     nil,
		"updatedAt":    nil,
	}
	if run := s.latestRun(); run != nil {
		analysis["latestJobId"] = run.jobID
		analysis["latestStatus"] = run.status
		analysis["qaPassed"] = run.passed()
		analysis["updatedAt"] = run.updatedAt.UTC().Format(time.RFC3339)
	}

	return map[string]any{
		"projectPath":  s.projectPath,
		"recordingURL": s.recordingURL,
		"eventsURL":    s.eventsURL,
		"autoZoom": map[string]any{
			"isEnabled":               s.autoZoomEnabled,
			"intensity":               s.autoZoomStrength,
			"minimumKeyframeInterval": s.autoZoomInterval,
		},
		"captureMetadata": s.captureMetadata,
		"agentAnalysis":   analysis,
	}
}

func (s *state) openProject(path string) {
	s.projectPath = strPtr(path)
	s.unsavedChanges = false
	s.recordRecent(path)
}

func (s *state) saveProject(p projectParams) {
	if p.ProjectPath != "" {
		s.projectPath = strPtr(p.ProjectPath)
	}
	if z := p.AutoZoom; z != nil {
		if z.IsEnabled != nil {
			s.autoZoomEnabled = *z.IsEnabled
		}
		if z.Intensity != nil {
			s.autoZoomStrength = min(max(*z.Intensity, 0), 1)
		}
		if z.MinimumKeyframeInterval != nil {
			s.autoZoomInterval = max(*z.MinimumKeyframeInterval, 0.0001)
		}
	}
	if s.projectPath != nil {
		s.recordRecent(*s.projectPath)
	}
	s.unsavedChanges = false
}

func (s *state) recordRecent(path string) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	s.recents = slices.DeleteFunc(s.recents, func(item map[string]string) bool {
		return item["projectPath"] == path
	})
	s.recents = slices.Insert(s.recents, 0, map[string]string{
		"projectPath":  path,
		"displayName":  name,
		"lastOpenedAt": s.now().UTC().Format(time.RFC3339),
	})
	if len(s.recents) > maxRecentProjects {
		s.recents = s.recents[:maxRecentProjects]
	}
}

func (s *state) recentProjects(limit int) []map[string]string {
	if limit <= 0 {
		limit = defaultRecentsLimit
	}
	limit = min(limit, 100, len(s.recents))
	return slices.Clone(s.recents[:limit])
}

func (s *state) blockingReasons(p preflightParams) []string {
	reasons := []string{}
	if b := p.budget(); b < 1 || b > maxRuntimeBudgetMinutes {
		reasons = append(reasons, "invalid_runtime_budget")
	}
	if s.projectPath == nil {
		reasons = append(reasons, "missing_project")
	}
	if s.recordingURL == nil {
		reasons = append(reasons, "missing_recording")
	}
	switch p.provider() {
	case "imported_transcript":
		if p.ImportedTranscriptPath == "" {
			reasons = append(reasons, "missing_imported_transcript")
		} else if _, err := transcriptTokens(p.ImportedTranscriptPath); err != nil {
			reasons = append(reasons, "invalid_imported_transcript")
		}
	default:
		reasons = append(reasons, "missing_local_model")
	}
	return reasons
}

func (s *state) preflight(p preflightParams) map[string]any {
	reasons := s.blockingReasons(p)
	var token *string
	if len(reasons) == 0 {
		now := s.now()
		token = strPtr(fmt.Sprintf("preflight-%d", now.UnixNano()))
		s.sessions[*token] = preflightSession{
			budget:       p.budget(),
			provider:     p.provider(),
			transcript:   p.ImportedTranscriptPath,
			projectPath:  s.projectPath,
			recordingURL: s.recordingURL,
			createdAt:    now,
		}
	}
	return map[string]any{
		"ready":                 len(reasons) == 0,
		"blockingReasons":       reasons,
		"canApplyDestructive":   s.unsavedChanges,
		"transcriptionProvider": p.provider(),
		"preflightToken":        token,
	}
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// consumeToken validates and removes a preflight token. Tokens are single use.
func (s *state) consumeToken(p agentRunParams) *protocol.ErrorBody {
	if p.PreflightToken == "" {
		return invalidParams("agent.preflight must be called first. preflightToken is required.")
	}
	session, ok := s.sessions[p.PreflightToken]
	if !ok {
		return invalidParams("preflightToken is missing or expired. Run agent.preflight again.")
	}
	delete(s.sessions, p.PreflightToken)

	if s.now().Sub(session.createdAt) > preflightTokenTTL {
		return invalidParams("preflightToken expired. Run agent.preflight again.")
	}
	if session.budget != p.budget() ||
		session.provider != p.provider() ||
		session.transcript != p.ImportedTranscriptPath ||
		!equalPtr(session.projectPath, s.projectPath) ||
		!equalPtr(session.recordingURL, s.recordingURL) {
		return invalidParams("preflightToken does not match current run parameters. Run agent.preflight again.")
	}
	return nil
}

func (s *state) runAgent(p agentRunParams) (any, *protocol.ErrorBody) {
	if err := s.consumeToken(p); err != nil {
		return nil, err
	}
	if b := p.budget(); b < 1 || b > maxRuntimeBudgetMinutes {
		return nil, invalidParams("runtimeBudgetMinutes must be between 1 and %d", maxRuntimeBudgetMinutes)
	}
	if p.Force && os.Getenv("GG_AGENT_ALLOW_FORCE") != "1" {
		return nil, invalidParams("force is disabled for production runs. Set GG_AGENT_ALLOW_FORCE=1 for local debugging.")
	}

	coverage := make(map[string]bool, len(beats))
	var reason *string
	switch {
	case p.Force:
		for _, beat := range beats {
			coverage[beat] = true
		}
	case p.provider() == "imported_transcript":
		tokens, err := transcriptTokens(p.ImportedTranscriptPath)
		reason = strPtr("weak_narrative_structure")
		if err != nil || len(tokens) == 0 {
			reason = strPtr("empty_transcript")
		}
		coverage["hook"] = hasAny(tokens, "hook", "intro", "opening")
		coverage["action"] = hasAny(tokens, "action", "step", "steps", "process")
		coverage["payoff"] = hasAny(tokens, "payoff", "result", "outcome")
		coverage["takeaway"] = hasAny(tokens, "takeaway", "lesson", "conclusion")
	default:
		secs := s.recordingDuration().Seconds()
		reason = strPtr("weak_narrative_structure")
		coverage["hook"] = true
		coverage["action"] = secs >= 15
		coverage["payoff"] = secs >= 30
		coverage["takeaway"] = secs >= 45
	}

	s.runCount++
	run := &agentRun{
		jobID:     fmt.Sprintf("agent-%d-%d", s.runCount, s.now().UnixNano()),
		budget:    p.budget(),
		updatedAt: s.now(),
		coverage:  coverage,
	}
	if run.passed() {
		run.status = "completed"
	} else {
		run.status = "blocked"
		run.blockingReason = reason
	}
	s.runs[run.jobID] = run
	s.unsavedChanges = true

	return map[string]any{"jobId": run.jobID, "status": run.status}, nil
}

func (s *state) lookupRun(jobID string) (*agentRun, *protocol.ErrorBody) {
	if jobID == "" {
		return nil, invalidParams("jobId is required")
	}
	run, ok := s.runs[jobID]
	if !ok {
		return nil, invalidParams("Unknown jobId: %s", jobID)
	}
	return run, nil
}

func (s *state) agentStatus(jobID string) (any, *protocol.ErrorBody) {
	run, err := s.lookupRun(jobID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"jobId":                run.jobID,
		"status":               run.status,
		"runtimeBudgetMinutes": run.budget,
		"qaReport":             run.qaReport(),
		"blockingReason":       run.blockingReason,
		"updatedAt":            run.updatedAt.UTC().Format(time.RFC3339),
	}, nil
}

func (s *state) applyAgent(p jobParams) (any, *protocol.ErrorBody) {
	run, err := s.lookupRun(p.JobID)
	if err != nil {
		return nil, err
	}
	if !run.passed() {
		return nil, &protocol.ErrorBody{Code: protocol.ErrorCodeQAFailed, Message: "Narrative QA failed. Apply is blocked."}
	}
	if s.unsavedChanges && !p.DestructiveIntent {
		return nil, &protocol.ErrorBody{
			Code:    protocol.ErrorCodeNeedsConfirmation,
			Message: "Unsaved project changes detected. Retry with destructiveIntent=true to continue.",
		}
	}
	s.unsavedChanges = true
	return map[string]any{"success": true, "message": "Applied cut plan to working timeline."}, nil
}

func (s *state) exportCutPlan(p exportParams) (any, *protocol.ErrorBody) {
	if p.OutputURL == "" {
		return nil, invalidParams("outputURL is required")
	}
	if p.PresetID == "" {
		return nil, invalidParams("presetId is required")
	}
	run, err := s.lookupRun(p.JobID)
	if err != nil {
		return nil, err
	}
	if !run.passed() {
		return nil, &protocol.ErrorBody{Code: protocol.ErrorCodeQAFailed, Message: "Narrative QA failed. Cut-plan export is blocked."}
	}
	applied := 0
	for _, covered := range run.coverage {
		if covered {
			applied++
		}
	}
	if applied == 0 {
		return nil, &protocol.ErrorBody{Code: protocol.ErrorCodeInvalidCutPlan, Message: "Cut plan artifact is missing."}
	}
	return map[string]any{"outputURL": p.OutputURL, "appliedSegments": applied}, nil
}

type transcript struct {
	Segments []struct {
		Text string `json:"text"`
	} `json:"segments"`
	Words []struct {
		Word string `json:"word"`
	} `json:"words"`
}

// transcriptTokens reads an imported transcript and returns its lowercased
// alphanumeric tokens. A transcript with neither segments nor words is
// invalid.
func transcriptTokens(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	var t transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse transcript: %w", err)
	}

	var parts []string
	for _, seg := range t.Segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	for _, w := range t.Words {
		if word := strings.TrimSpace(w.Word); word != "" {
			parts = append(parts, word)
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("transcript has no segments or words")
	}

	return strings.FieldsFunc(strings.ToLower(strings.Join(parts, " ")), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), nil
}

func hasAny(tokens []string, candidates ...string) bool {
	for _, c := range candidates {
		if slices.Contains(tokens, c) {
			return true
		}
	}
	return false
}
