package protocol

import (
	"strings"

	"sdkrouter/internal/model"
)

type FrameType string

const (
	FrameHello        FrameType = "hello"
	FrameWelcome      FrameType = "welcome"
	FrameAction       FrameType = "sdk_action"
	FrameActionResult FrameType = "sdk_action_result"
	FrameState        FrameType = "sdk_state"
	FrameBridgeStatus FrameType = "bridge_status"
	FrameError        FrameType = "error"
)

// Frame is the single envelope used in both directions. Exactly one message
// kind travels per frame; which fields are meaningful depends on Type.
type Frame struct {
	Type         FrameType         `json:"type" msgpack:"type"`
	ID           string            `json:"id,omitempty" msgpack:"id,omitempty"`
	Tick         int64             `json:"tick,omitempty" msgpack:"tick,omitempty"`
	Method       string            `json:"method,omitempty" msgpack:"method,omitempty"`
	Args         map[string]any    `json:"args,omitempty" msgpack:"args,omitempty"`
	Success      bool              `json:"success,omitempty" msgpack:"success,omitempty"`
	Message      string            `json:"message,omitempty" msgpack:"message,omitempty"`
	Code         model.ErrorCode   `json:"code,omitempty" msgpack:"code,omitempty"`
	Snapshot     *model.WorldState `json:"snapshot,omitempty" msgpack:"snapshot,omitempty"`
	Delta        *model.StateDelta `json:"delta,omitempty" msgpack:"delta,omitempty"`
	Role         model.ConnRole    `json:"role,omitempty" msgpack:"role,omitempty"`
	Identity     string            `json:"identity,omitempty" msgpack:"identity,omitempty"`
	ConnectionID string            `json:"connection_id,omitempty" msgpack:"connection_id,omitempty"`
	Epoch        uint64            `json:"epoch,omitempty" msgpack:"epoch,omitempty"`
	Online       bool              `json:"online,omitempty" msgpack:"online,omitempty"`
}

// Validate checks the fields required by the frame's type and normalizes the
// ones that have an unambiguous default.
func Validate(frame *Frame) error {
	if frame == nil {
		return model.Errorf(model.CodeProtocolError, "frame is required")
	}
	frame.ID = strings.TrimSpace(frame.ID)
	frame.Identity = strings.TrimSpace(frame.Identity)
	switch frame.Type {
	case FrameHello:
		if !frame.Role.Valid() {
			return model.Errorf(model.CodeProtocolError, "hello role must be bridge|controller")
		}
		if frame.Identity == "" {
			return model.Errorf(model.CodeProtocolError, "hello identity is required")
		}
	case FrameWelcome:
		if frame.ConnectionID == "" {
			return model.Errorf(model.CodeProtocolError, "welcome connection_id is required")
		}
	case FrameAction:
		if frame.ID == "" {
			return model.Errorf(model.CodeProtocolError, "sdk_action id is required")
		}
		frame.Method = strings.TrimSpace(frame.Method)
		if frame.Method == "" {
			return model.Errorf(model.CodeProtocolError, "sdk_action method is required")
		}
	case FrameActionResult:
		if frame.ID == "" {
			return model.Errorf(model.CodeProtocolError, "sdk_action_result id is required")
		}
	case FrameState:
		if frame.Snapshot == nil {
			return model.Errorf(model.CodeProtocolError, "sdk_state snapshot is required")
		}
		if frame.Tick == 0 {
			frame.Tick = frame.Snapshot.Tick
		}
		if frame.Tick < 0 || frame.Tick != frame.Snapshot.Tick {
			return model.Errorf(model.CodeProtocolError, "sdk_state tick %d does not match snapshot tick %d", frame.Tick, frame.Snapshot.Tick)
		}
	case FrameBridgeStatus:
		if frame.Identity == "" {
			return model.Errorf(model.CodeProtocolError, "bridge_status identity is required")
		}
	case FrameError:
		if frame.Code == "" {
			frame.Code = model.CodeProtocolError
		}
	default:
		return model.Errorf(model.CodeProtocolError, "unknown frame type %q", frame.Type)
	}
	return nil
}

func HelloFrame(role model.ConnRole, identity model.BotIdentity) Frame {
	return Frame{Type: FrameHello, Role: role, Identity: string(identity)}
}

func ErrorFrame(code model.ErrorCode, message string) Frame {
	return Frame{Type: FrameError, Code: code, Message: message}
}

func ActionFrame(request model.ActionRequest) Frame {
	return Frame{
		Type:   FrameAction,
		ID:     request.ID,
		Tick:   request.Tick,
		Method: request.Method,
		Args:   request.Args,
	}
}

func (f Frame) ActionRequest() model.ActionRequest {
	return model.ActionRequest{
		ID:     f.ID,
		Method: f.Method,
		Args:   f.Args,
		Tick:   f.Tick,
	}
}

func ResultFrame(result model.ActionResult) Frame {
	return Frame{
		Type:    FrameActionResult,
		ID:      result.ID,
		Tick:    result.Tick,
		Success: result.Success,
		Message: result.Message,
		Code:    result.Code,
	}
}

func (f Frame) ActionResult() model.ActionResult {
	return model.ActionResult{
		ID:      f.ID,
		Success: f.Success,
		Message: f.Message,
		Tick:    f.Tick,
		Code:    f.Code,
	}
}

func StateFrame(epoch uint64, state model.WorldState, delta *model.StateDelta) Frame {
	snapshot := state
	return Frame{
		Type:     FrameState,
		Tick:     state.Tick,
		Epoch:    epoch,
		Snapshot: &snapshot,
		Delta:    delta,
	}
}
