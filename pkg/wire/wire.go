// Package wire defines the framed JSON message catalogue exchanged between
// the gateway and a node daemon over the reverse-connection socket.
//
// Every frame is a JSON object discriminated by its "type" field. Legacy
// "viber:*" names are accepted as aliases for the corresponding "task:*"
// name on decode; this package always encodes the canonical "task:*" form.
package wire

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Frame type discriminators, canonical form.
const (
	TypeConnected           = "connected"
	TypeTaskSubmit          = "task:submit"
	TypeTaskStop            = "task:stop"
	TypeTaskMessage         = "task:message"
	TypeTaskStarted         = "task:started"
	TypeTaskProgress        = "task:progress"
	TypeTaskStreamChunk     = "task:stream-chunk"
	TypeTaskCompleted       = "task:completed"
	TypeTaskError           = "task:error"
	TypePing                = "ping"
	TypePong                = "pong"
	TypeHeartbeat           = "heartbeat"
	TypeJobsList            = "jobs:list"
	TypeJobPush             = "job:push"
	TypeStatusRequest       = "status:request"
	TypeStatusReport        = "status:report"
	TypeConfigPush          = "config:push"
	TypeConfigAck           = "config:ack"
	TypeSkillProvision      = "skill:provision"
	TypeSkillProvisionResult = "skill:provision-result"
	TypeTerminalAttach      = "terminal:attach"
	TypeTerminalInput       = "terminal:input"
	TypeTerminalOutput      = "terminal:output"
	TypeTerminalResize      = "terminal:resize"
	TypeTerminalDetach      = "terminal:detach"
)

// legacyAliases maps a legacy "viber:*" name to its canonical "task:*" form.
// Both are accepted on decode; only the canonical form is ever emitted.
var legacyAliases = map[string]string{
	"viber:create": TypeTaskSubmit,
	"viber:stop":   TypeTaskStop,
}

// Canonicalize resolves a wire frame type, mapping any legacy "viber:*"
// alias onto its canonical "task:*" name. Unknown types pass through
// unchanged so that callers can log-and-ignore rather than reject.
func Canonicalize(frameType string) string {
	if canon, ok := legacyAliases[frameType]; ok {
		return canon
	}
	return frameType
}

// envelope is the minimal shape every frame has in common: enough to read
// the discriminator and re-decode the remainder into a concrete type.
type envelope struct {
	Type string `json:"type"`
}

// PeekType reads only the "type" field out of a raw frame, canonicalizing
// legacy aliases. Returns an error if the frame is not a JSON object or
// carries no "type" field.
func PeekType(raw []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("wire: decode frame envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("wire: frame missing \"type\" field")
	}
	return Canonicalize(env.Type), nil
}

// Encode marshals a frame payload. The payload struct must carry its own
// "type" field already set to one of the Type* constants above.
func Encode(payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: encode frame: %w", err)
	}
	return b, nil
}

// Decode unmarshals raw frame bytes into dst, which must be a pointer to
// one of the payload types below (or any type with a matching field set).
func Decode(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("wire: decode frame: %w", err)
	}
	return nil
}

// InterventionMode is the kind of a task:message injection.
type InterventionMode string

const (
	ModeFollowup InterventionMode = "followup"
	ModeSteer    InterventionMode = "steer"
	ModeCollect  InterventionMode = "collect"
)

// --- Handshake ---

// Connected is the daemon's opening handshake frame (D→G).
type Connected struct {
	Type         string   `json:"type"`
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Platform     string   `json:"platform"`
	Capabilities []string `json:"capabilities"`
	Skills       []string `json:"skills"`
	RunningTasks []string `json:"runningTasks"`
}

func NewConnected(id, name, version, platform string, capabilities, skills, runningTasks []string) *Connected {
	return &Connected{
		Type: TypeConnected, ID: id, Name: name, Version: version, Platform: platform,
		Capabilities: capabilities, Skills: skills, RunningTasks: runningTasks,
	}
}

// --- Task lifecycle ---

// TaskSubmit starts a task on the node (G→D).
type TaskSubmit struct {
	Type        string              `json:"type"`
	ID          string              `json:"id"`
	Goal        string              `json:"goal"`
	Options     jsoniter.RawMessage `json:"options,omitempty"`
	Messages    jsoniter.RawMessage `json:"messages,omitempty"`
	Environment jsoniter.RawMessage `json:"environment,omitempty"`
	Settings    jsoniter.RawMessage `json:"settings,omitempty"`
	OauthTokens jsoniter.RawMessage `json:"oauthTokens,omitempty"`
}

func NewTaskSubmit(id, goal string) *TaskSubmit {
	return &TaskSubmit{Type: TypeTaskSubmit, ID: id, Goal: goal}
}

// TaskStop aborts a running task (G→D).
type TaskStop struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func NewTaskStop(id string) *TaskStop {
	return &TaskStop{Type: TypeTaskStop, ID: id}
}

// TaskMessage injects a new message into a running or pending task (G→D).
type TaskMessage struct {
	Type    string           `json:"type"`
	ID      string           `json:"id"`
	Message string           `json:"message"`
	Mode    InterventionMode `json:"mode"`
}

func NewTaskMessage(id, message string, mode InterventionMode) *TaskMessage {
	return &TaskMessage{Type: TypeTaskMessage, ID: id, Message: message, Mode: mode}
}

// TaskStarted acknowledges task:submit (D→G).
type TaskStarted struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	SpaceID string `json:"spaceId"`
}

func NewTaskStarted(id, spaceID string) *TaskStarted {
	return &TaskStarted{Type: TypeTaskStarted, ID: id, SpaceID: spaceID}
}

// TaskProgress carries a single progress envelope (D→G).
type TaskProgress struct {
	Type     string   `json:"type"`
	Envelope Envelope `json:"envelope"`
}

func NewTaskProgress(env Envelope) *TaskProgress {
	return &TaskProgress{Type: TypeTaskProgress, Envelope: env}
}

// TaskStreamChunk carries raw SSE bytes to pipe verbatim to HTTP subscribers (D→G).
type TaskStreamChunk struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Data string `json:"data"`
}

func NewTaskStreamChunk(id string, data []byte) *TaskStreamChunk {
	return &TaskStreamChunk{Type: TypeTaskStreamChunk, ID: id, Data: string(data)}
}

// TaskCompleted is the terminal success frame (D→G).
type TaskCompleted struct {
	Type   string              `json:"type"`
	ID     string              `json:"id"`
	Result jsoniter.RawMessage `json:"result"`
}

func NewTaskCompleted(id string, result jsoniter.RawMessage) *TaskCompleted {
	return &TaskCompleted{Type: TypeTaskCompleted, ID: id, Result: result}
}

// TaskError is the terminal failure frame (D→G).
type TaskError struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Error string `json:"error"`
	Model string `json:"model,omitempty"`
}

func NewTaskError(id, errMsg, model string) *TaskError {
	return &TaskError{Type: TypeTaskError, ID: id, Error: errMsg, Model: model}
}

// --- Liveness ---

type Ping struct {
	Type string `json:"type"`
}

type Pong struct {
	Type string `json:"type"`
}

func NewPing() *Ping { return &Ping{Type: TypePing} }
func NewPong() *Pong { return &Pong{Type: TypePong} }

// --- Heartbeat ---

// Heartbeat carries the daemon's current status snapshot (D→G).
type Heartbeat struct {
	Type   string        `json:"type"`
	Status HeartbeatBody `json:"status"`
}

// HeartbeatBody is the status payload shared by heartbeat and status:report.
type HeartbeatBody struct {
	Platform     string              `json:"platform"`
	Uptime       float64             `json:"uptime"`
	Memory       jsoniter.RawMessage `json:"memory,omitempty"`
	RunningTasks int                 `json:"runningTasks"`
	Machine      jsoniter.RawMessage `json:"machine,omitempty"`
	ViberStatus  jsoniter.RawMessage `json:"viberStatus,omitempty"`
	Skills       jsoniter.RawMessage `json:"skills,omitempty"`
	ConfigState  jsoniter.RawMessage `json:"configState,omitempty"`
}

func NewHeartbeat(body HeartbeatBody) *Heartbeat {
	return &Heartbeat{Type: TypeHeartbeat, Status: body}
}

// --- Jobs ---

// JobsList declares the daemon's currently loaded scheduled jobs (D→G).
type JobsList struct {
	Type string              `json:"type"`
	Jobs []jsoniter.RawMessage `json:"jobs"`
}

func NewJobsList(jobs []jsoniter.RawMessage) *JobsList {
	return &JobsList{Type: TypeJobsList, Jobs: jobs}
}

// JobPush pushes one scheduled-job definition onto a node (G→D), mirroring
// POST /api/nodes/{id}/job.
type JobPush struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Schedule    string `json:"schedule"`
	Prompt      string `json:"prompt"`
	Description string `json:"description,omitempty"`
	Model       string `json:"model,omitempty"`
}

func NewJobPush(name, schedule, prompt, description, model string) *JobPush {
	return &JobPush{
		Type: TypeJobPush, Name: name, Schedule: schedule, Prompt: prompt,
		Description: description, Model: model,
	}
}

// --- Status ---

type StatusRequest struct {
	Type string `json:"type"`
}

func NewStatusRequest() *StatusRequest { return &StatusRequest{Type: TypeStatusRequest} }

type StatusReport struct {
	Type   string        `json:"type"`
	Status HeartbeatBody `json:"status"`
}

func NewStatusReport(body HeartbeatBody) *StatusReport {
	return &StatusReport{Type: TypeStatusReport, Status: body}
}

// --- Config sync ---

type ConfigPush struct {
	Type string `json:"type"`
}

func NewConfigPush() *ConfigPush { return &ConfigPush{Type: TypeConfigPush} }

// Validation is one config-category probe result.
type Validation struct {
	Category  string `json:"category"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	CheckedAt string `json:"checkedAt"`
}

const (
	ValidationCategoryLLMKeys     = "llm_keys"
	ValidationCategoryOAuth       = "oauth"
	ValidationCategoryEnvSecrets  = "env_secrets"
	ValidationCategorySkills      = "skills"
	ValidationCategoryBinaryDeps  = "binary_deps"

	ValidationStatusVerified = "verified"
	ValidationStatusFailed   = "failed"
	ValidationStatusUnchecked = "unchecked"
)

type ConfigAck struct {
	Type          string       `json:"type"`
	ConfigVersion string       `json:"configVersion"`
	Validations   []Validation `json:"validations"`
}

func NewConfigAck(version string, validations []Validation) *ConfigAck {
	return &ConfigAck{Type: TypeConfigAck, ConfigVersion: version, Validations: validations}
}

// --- Skill provisioning ---

type SkillProvision struct {
	Type    string `json:"type"`
	SkillID string `json:"skillId"`
}

func NewSkillProvision(skillID string) *SkillProvision {
	return &SkillProvision{Type: TypeSkillProvision, SkillID: skillID}
}

type SkillProvisionResult struct {
	Type       string `json:"type"`
	SkillID    string `json:"skillId"`
	OK         bool   `json:"ok"`
	Ready      bool   `json:"ready"`
	InstallLog string `json:"installLog,omitempty"`
}

func NewSkillProvisionResult(skillID string, ok, ready bool, installLog string) *SkillProvisionResult {
	return &SkillProvisionResult{Type: TypeSkillProvisionResult, SkillID: skillID, OK: ok, Ready: ready, InstallLog: installLog}
}

// --- Terminal multiplexing ---

// Terminal carries attach/input/output/resize/detach frames for the
// terminal-multiplexing surface. The concrete PTY wiring is an external
// collaborator; this type only describes the wire shape.
type Terminal struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Data   string `json:"data,omitempty"`
	Cols   int    `json:"cols,omitempty"`
	Rows   int    `json:"rows,omitempty"`
}

func NewTerminalFrame(frameType, id string) *Terminal {
	return &Terminal{Type: frameType, ID: id}
}
