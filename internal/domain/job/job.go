// Package job defines the AI job document and its lifecycle.
package job

import "time"

// Type enumerates the supported job kinds. The dispatcher keeps a workflow
// per type and verifies the mapping is exhaustive at construction.
type Type string

const (
	TypeRitual    Type = "ritual"
	TypeMagicPost Type = "magic_post"
	TypeChat      Type = "chat"
	TypeSummary   Type = "summary"
)

// Types lists every job type.
func Types() []Type {
	return []Type{TypeRitual, TypeMagicPost, TypeChat, TypeSummary}
}

// Valid reports whether t is a known job type.
func (t Type) Valid() bool {
	switch t {
	case TypeRitual, TypeMagicPost, TypeChat, TypeSummary:
		return true
	}
	return false
}

// Status enumerates lifecycle states.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no dispatcher will act on the job again without
// an explicit retry.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions is the edge set of the job state graph. Retry edges
// (failed/cancelled back to queued) are guarded separately by the attempt
// bound and a successful re-charge.
var transitions = map[Status][]Status{
	StatusQueued:    {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusSucceeded, StatusFailed, StatusCancelled},
	StatusFailed:    {StatusQueued},
	StatusCancelled: {StatusQueued},
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Message is one turn of a chat history.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// ChatContext carries persona context into chat and summary jobs.
type ChatContext struct {
	Traits        string `json:"traits,omitempty"`
	RecentSummary string `json:"recent_summary,omitempty"`
}

// Params is the type-specific payload. A single struct with optional fields
// keeps the document shape stable; validation per type happens at
// submission.
type Params struct {
	PersonaID          string       `json:"persona_id,omitempty"`
	ReferenceImageURLs []string     `json:"reference_image_urls,omitempty"`
	Prompt             string       `json:"prompt,omitempty"`
	Style              string       `json:"style,omitempty"`
	ImageCount         int          `json:"image_count,omitempty"`
	SceneImageURL      string       `json:"scene_image_url,omitempty"`
	PoseImageURL       string       `json:"pose_image_url,omitempty"`
	Messages           []Message    `json:"messages,omitempty"`
	Context            *ChatContext `json:"context,omitempty"`
}

// Result is the type-specific output.
type Result struct {
	VisualDescription string   `json:"visual_description,omitempty"`
	RefSheetURL       string   `json:"ref_sheet_url,omitempty"`
	Images            []string `json:"images,omitempty"`
	MagicPrompt       string   `json:"magic_prompt,omitempty"`
	Message           string   `json:"message,omitempty"`
	Summary           string   `json:"summary,omitempty"`
}

// ErrorInfo is the structured error persisted on a failed job.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Progress is a coarse completion indicator for clients watching the job.
type Progress struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage"`
}

// Metadata records billing and provenance facts about an execution.
type Metadata struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	FallbackUsed bool   `json:"fallback_used,omitempty"`
	CostEstimate int64  `json:"cost_estimate"`
	Attempts     int    `json:"attempts"`
	MaxAttempts  int    `json:"max_attempts"`
}

// Job is the durable representation of a unit of AI work.
type Job struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`   // requesting user identity
	AccountID string     `json:"account_id"` // billed wallet
	Type      Type       `json:"type"`
	Status    Status     `json:"status"`
	Params    Params     `json:"params"`
	Result    *Result    `json:"result,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Progress  Progress   `json:"progress"`
	Metadata  Metadata   `json:"metadata"`

	Duration    time.Duration `json:"duration,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}
