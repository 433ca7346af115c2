// Package registry tracks connected agent workers behind the WebSocket
// boundary: registration with eviction, busy/idle lifecycle, role-based
// selection, and translation of worker messages onto the task bridge.
package registry

// Message is the JSON envelope exchanged with agent workers. One struct
// covers both directions; Type discriminates and unused fields stay empty.
type Message struct {
	Type string `json:"type"`

	// Registration (worker → brain).
	AgentID      string   `json:"agent_id,omitempty"`
	Role         string   `json:"role,omitempty"`
	CLI          string   `json:"cli,omitempty"`
	Model        string   `json:"model,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	// Task routing (brain → worker).
	TaskID      string `json:"task_id,omitempty"`
	EventID     string `json:"event_id,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	Cwd         string `json:"cwd,omitempty"`
	AutoApprove bool   `json:"autoApprove,omitempty"`
	Mode        string `json:"mode,omitempty"`
	SessionID   string `json:"session_id,omitempty"`

	// Task responses (worker → brain).
	MessageText string `json:"message,omitempty"`
	Content     string `json:"content,omitempty"`
	Status      string `json:"status,omitempty"`
	Output      string `json:"output,omitempty"`
	Source      string `json:"source,omitempty"`
	Retryable   bool   `json:"retryable,omitempty"`
}

// Message type constants.
const (
	TypeRegister      = "register"
	TypeTask          = "task"
	TypeCancel        = "cancel"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeProgress      = "progress"
	TypePartialResult = "partial_result"
	TypeResult        = "result"
	TypeError         = "error"
)
