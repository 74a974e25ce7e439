package session

import (
	"context"

	"sdkrouter/internal/model"
	"sdkrouter/internal/protocol"
)

// The methods below are one-shot sends: they return once the bridge reports
// the action was issued, not once its effect is visible.

func (s *Session) MoveTo(ctx context.Context, x, z int, running bool) (model.ActionResult, error) {
	return s.Send(ctx, protocol.MethodMoveTo, map[string]any{"x": x, "z": z, "running": running})
}

func (s *Session) SetRunning(ctx context.Context, running bool) (model.ActionResult, error) {
	return s.Send(ctx, protocol.MethodSetRunning, map[string]any{"running": running})
}

func (s *Session) InteractObject(ctx context.Context, x, z, objectID, optionIndex int) (model.ActionResult, error) {
	return s.Send(ctx, protocol.MethodInteractObject, map[string]any{"x": x, "z": z, "objectId": objectID, "optionIndex": optionIndex})
}

func (s *Session) InteractNpc(ctx context.Context, npcIndex, optionIndex int) (model.ActionResult, error) {
	return s.Send(ctx, protocol.MethodInteractNpc, map[string]any{"npcIndex": npcIndex, "optionIndex": optionIndex})
}

func (s *Session) AttackNpc(ctx context.Context, npcIndex int) (model.ActionResult, error) {
	return s.Send(ctx, protocol.MethodAttackNpc, map[string]any{"npcIndex": npcIndex})
}

func (s *Session) UseItem(ctx context.Context, slot, optionIndex int) (model.ActionResult, error) {
	return s.Send(ctx, protocol.MethodUseItem, map[string]any{"slot": slot, "optionIndex": optionIndex})
}

func (s *Session) UseItemOnItem(ctx context.Context, slotA, slotB int) (model.ActionResult, error) {
	return s.Send(ctx, protocol.MethodUseItemOnItem, map[string]any{"slotA": slotA, "slotB": slotB})
}

func (s *Session) UseItemOnObject(ctx context.Context, slot, x, z, objectID int) (model.ActionResult, error) {
	return s.Send(ctx, protocol.MethodUseItemOnObject, map[string]any{"slot": slot, "x": x, "z": z, "objectId": objectID})
}

func (s *Session) UseItemOnNpc(ctx context.Context, slot, npcIndex int) (model.ActionResult, error) {
	return s.Send(ctx, protocol.MethodUseItemOnNpc, map[string]any{"slot": slot, "npcIndex": npcIndex})
}

func (s *Session) DropItem(ctx context.Context, slot int) (model.ActionResult, error) {
	return s.Send(ctx, protocol.MethodDropItem, map[string]any{"slot": slot})
}

func (s *Session) EquipItem(ctx context.Context, slot int) (model.ActionResult, error) {
	return s.Send(ctx, protocol.MethodEquipItem, map[string]any{"slot": slot})
}

func (s *Session) UnequipItem(ctx context.Context, slot int) (model.ActionResult, error) {
	return s.Send(ctx, protocol.MethodUnequipItem, map[string]any{"slot": slot})
}

func (s *Session) PickupGroundItem(ctx context.Context, x, z, itemID int) (model.ActionResult, error) {
	return s.Send(ctx, protocol.MethodPickupGroundItem, map[string]any{"x": x, "z": z, "itemId": itemID})
}

func (s *Session) ClickDialog(ctx context.Context, optionIndex int) (model.ActionResult, error) {
	return s.Send(ctx, protocol.MethodClickDialog, map[string]any{"optionIndex": optionIndex})
}

func (s *Session) ContinueDialog(ctx context.Context) (model.ActionResult, error) {
	return s.Send(ctx, protocol.MethodContinueDialog, nil)
}

func (s *Session) ClickInterface(ctx context.Context, componentIndex int) (model.ActionResult, error) {
	return s.Send(ctx, protocol.MethodClickInterface, map[string]any{"componentIndex": componentIndex})
}

func (s *Session) CloseInterface(ctx context.Context) (model.ActionResult, error) {
	return s.Send(ctx, protocol.MethodCloseInterface, nil)
}

func (s *Session) SetCombatStyle(ctx context.Context, styleIndex int) (model.ActionResult, error) {
	return s.Send(ctx, protocol.MethodSetCombatStyle, map[string]any{"styleIndex": styleIndex})
}

func (s *Session) CastOnItem(ctx context.Context, slot, spellID int) (model.ActionResult, error) {
	return s.Send(ctx, protocol.MethodCastOnItem, map[string]any{"slot": slot, "spellId": spellID})
}

func (s *Session) CastOnNpc(ctx context.Context, npcIndex, spellID int) (model.ActionResult, error) {
	return s.Send(ctx, protocol.MethodCastOnNpc, map[string]any{"npcIndex": npcIndex, "spellId": spellID})
}

func (s *Session) Say(ctx context.Context, text string) (model.ActionResult, error) {
	return s.Send(ctx, protocol.MethodSay, map[string]any{"text": text})
}
