package model

import (
	"strings"
	"time"
)

// BotIdentity names one controllable character. It keys all routing.
type BotIdentity string

func NormalizeIdentity(raw string) BotIdentity {
	return BotIdentity(strings.TrimSpace(raw))
}

func (b BotIdentity) Valid() bool {
	return strings.TrimSpace(string(b)) != ""
}

type ConnRole string

const (
	ConnRoleBridge     ConnRole = "bridge"
	ConnRoleController ConnRole = "controller"
)

func (r ConnRole) Valid() bool {
	switch r {
	case ConnRoleBridge, ConnRoleController:
		return true
	default:
		return false
	}
}

type ConnState string

const (
	ConnStateHandshaking ConnState = "handshaking"
	ConnStateActive      ConnState = "active"
	ConnStateClosing     ConnState = "closing"
	ConnStateClosed      ConnState = "closed"
)

type RunStatus string

const (
	RunStatusCreated   RunStatus = "created"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStalled   RunStatus = "stalled"
	RunStatusExpired   RunStatus = "expired"
	RunStatusCancelled RunStatus = "cancelled"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusStalled, RunStatusExpired, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// ActionRequest is one fire-and-forget action issued by a controller.
type ActionRequest struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Args   map[string]any `json:"args,omitempty"`
	Tick   int64          `json:"tick"`
}

// ActionResult is the peer's (or the router's) answer to one ActionRequest.
// Code is empty for results produced by the peer itself.
type ActionResult struct {
	ID      string    `json:"id"`
	Success bool      `json:"success"`
	Message string    `json:"message,omitempty"`
	Tick    int64     `json:"tick"`
	Code    ErrorCode `json:"code,omitempty"`
}

// Err converts a failed result into a typed error. Successful results yield nil.
func (r ActionResult) Err() error {
	if r.Success {
		return nil
	}
	code := r.Code
	if code == "" {
		code = CodeActionRejected
	}
	message := strings.TrimSpace(r.Message)
	if message == "" {
		message = "action " + r.ID + " failed"
	}
	return &Error{Code: code, Message: message}
}

type SessionSummary struct {
	Identity    BotIdentity `json:"identity"`
	Online      bool        `json:"online"`
	Epoch       uint64      `json:"epoch"`
	Tick        int64       `json:"tick"`
	Subscribers int         `json:"subscribers"`
	Pending     int         `json:"pending"`
	ConnectedAt *time.Time  `json:"connected_at,omitempty"`
	OfflineAt   *time.Time  `json:"offline_at,omitempty"`
	LastStateAt *time.Time  `json:"last_state_at,omitempty"`
}

type SessionDetail struct {
	Summary SessionSummary `json:"summary"`
	State   *WorldState    `json:"state,omitempty"`
}

type RouterStats struct {
	Identities     int   `json:"identities"`
	OnlineBridges  int   `json:"online_bridges"`
	Controllers    int   `json:"controllers"`
	Pending        int   `json:"pending"`
	Forwarded      int64 `json:"forwarded"`
	Results        int64 `json:"results"`
	Evicted        int64 `json:"evicted"`
	RejectedFrames int64 `json:"rejected_frames"`
	StatesAccepted int64 `json:"states_accepted"`
	StatesDropped  int64 `json:"states_dropped"`
}

// RunReport is what the watchdog records about one control-loop execution.
type RunReport struct {
	RunID          string      `json:"run_id"`
	Identity       BotIdentity `json:"identity,omitempty"`
	Status         RunStatus   `json:"status"`
	Code           ErrorCode   `json:"code,omitempty"`
	Error          string      `json:"error,omitempty"`
	StartedAt      time.Time   `json:"started_at"`
	FinishedAt     time.Time   `json:"finished_at"`
	Elapsed        Duration    `json:"elapsed"`
	ProgressCount  int64       `json:"progress_count"`
	LastProgressAt *time.Time  `json:"last_progress_at,omitempty"`
	LastNote       string      `json:"last_note,omitempty"`
	LastState      *WorldState `json:"last_state,omitempty"`
}

// Duration marshals as a Go duration string.
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
