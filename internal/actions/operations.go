package actions

import (
	"context"
	"strings"

	"sdkrouter/internal/model"
	"sdkrouter/internal/protocol"
	"sdkrouter/internal/waiter"
)

var combatSkills = []string{"attack", "strength", "defence", "hitpoints", "ranged", "magic"}

// Gather interacts with the nearest object named objectName and succeeds once
// the inventory holds more of yield or the object is gone from its tile.
func (b *Bot) Gather(ctx context.Context, objectName, option, yield string) (model.WorldState, error) {
	var target model.NearbyObject
	return b.run(ctx, step{
		name:           "gather " + objectName,
		dismissDialogs: true,
		issue: func(ctx context.Context, before model.WorldState) error {
			object, ok := before.FindObject(objectName)
			if !ok {
				return model.Errorf(model.CodeActionRejected, "no %s nearby", objectName)
			}
			optionIndex, err := pickOption(object.Options, option, objectName)
			if err != nil {
				return err
			}
			target = object
			return b.send(ctx, protocol.MethodInteractObject, map[string]any{
				"x": object.X, "z": object.Z, "objectId": object.ID, "optionIndex": optionIndex,
			})
		},
		effect: func(before model.WorldState) waiter.Predicate {
			have := before.InventoryCount(yield)
			object := target
			return waiter.When(func(now model.WorldState) bool {
				if now.InventoryCount(yield) > have {
					return true
				}
				_, present := now.ObjectAt(object.X, object.Z, object.ID)
				return !present
			})
		},
	})
}

func (b *Bot) ChopTree(ctx context.Context, treeName, logName string) (model.WorldState, error) {
	return b.Gather(ctx, treeName, "Chop down", logName)
}

func (b *Bot) Mine(ctx context.Context, rockName, oreName string) (model.WorldState, error) {
	return b.Gather(ctx, rockName, "Mine", oreName)
}

// Fish works a fishing spot, which is an npc rather than an object.
func (b *Bot) Fish(ctx context.Context, spotName, option, yield string) (model.WorldState, error) {
	var spot model.NearbyNpc
	return b.run(ctx, step{
		name:           "fish " + spotName,
		dismissDialogs: true,
		issue: func(ctx context.Context, before model.WorldState) error {
			npc, ok := before.FindNpc(spotName)
			if !ok {
				return model.Errorf(model.CodeActionRejected, "no %s nearby", spotName)
			}
			optionIndex, err := pickOption(npc.Options, option, spotName)
			if err != nil {
				return err
			}
			spot = npc
			return b.send(ctx, protocol.MethodInteractNpc, map[string]any{"npcIndex": npc.Index, "optionIndex": optionIndex})
		},
		effect: func(before model.WorldState) waiter.Predicate {
			have := before.InventoryCount(yield)
			index := spot.Index
			return waiter.When(func(now model.WorldState) bool {
				if now.InventoryCount(yield) > have {
					return true
				}
				_, present := now.NpcByIndex(index)
				return !present
			})
		},
	})
}

// ConsumeForExperience uses an inventory item (bury, eat, light) and succeeds
// once skill experience increases.
func (b *Bot) ConsumeForExperience(ctx context.Context, itemName, option, skill string) (model.WorldState, error) {
	return b.run(ctx, step{
		name:           "consume " + itemName,
		dismissDialogs: true,
		issue: func(ctx context.Context, before model.WorldState) error {
			item, ok := before.FindItem(itemName)
			if !ok {
				return model.Errorf(model.CodeActionRejected, "no %s in inventory", itemName)
			}
			optionIndex, err := pickOption(item.Options, option, itemName)
			if err != nil {
				return err
			}
			return b.send(ctx, protocol.MethodUseItem, map[string]any{"slot": item.Slot, "optionIndex": optionIndex})
		},
		effect: experienceGained(skill),
	})
}

func (b *Bot) CastOnItem(ctx context.Context, itemName string, spellID int, skill string) (model.WorldState, error) {
	return b.run(ctx, step{
		name:           "cast on " + itemName,
		dismissDialogs: true,
		issue: func(ctx context.Context, before model.WorldState) error {
			item, ok := before.FindItem(itemName)
			if !ok {
				return model.Errorf(model.CodeActionRejected, "no %s in inventory", itemName)
			}
			return b.send(ctx, protocol.MethodCastOnItem, map[string]any{"slot": item.Slot, "spellId": spellID})
		},
		effect: experienceGained(skill),
	})
}

func (b *Bot) PickUp(ctx context.Context, itemName string) (model.WorldState, error) {
	return b.run(ctx, step{
		name:           "pick up " + itemName,
		dismissDialogs: true,
		issue: func(ctx context.Context, before model.WorldState) error {
			item, ok := before.FindGroundItem(itemName)
			if !ok {
				return model.Errorf(model.CodeActionRejected, "no %s on the ground nearby", itemName)
			}
			return b.send(ctx, protocol.MethodPickupGroundItem, map[string]any{"x": item.X, "z": item.Z, "itemId": item.ID})
		},
		effect: inventoryGained(itemName),
	})
}

// Combine uses one inventory item on another and succeeds once the inventory
// holds more of product.
func (b *Bot) Combine(ctx context.Context, first, second, product string) (model.WorldState, error) {
	return b.run(ctx, step{
		name:           "combine " + first + " with " + second,
		dismissDialogs: true,
		issue: func(ctx context.Context, before model.WorldState) error {
			used, ok := before.FindItem(first)
			if !ok {
				return model.Errorf(model.CodeActionRejected, "no %s in inventory", first)
			}
			target, ok := before.FindItem(second)
			if !ok {
				return model.Errorf(model.CodeActionRejected, "no %s in inventory", second)
			}
			return b.send(ctx, protocol.MethodUseItemOnItem, map[string]any{"slotA": used.Slot, "slotB": target.Slot})
		},
		effect: inventoryGained(product),
	})
}

// Equip succeeds once the item has left its inventory slot.
func (b *Bot) Equip(ctx context.Context, itemName string) (model.WorldState, error) {
	var item model.Item
	return b.run(ctx, step{
		name:           "equip " + itemName,
		dismissDialogs: true,
		issue: func(ctx context.Context, before model.WorldState) error {
			found, ok := before.FindItem(itemName)
			if !ok {
				return model.Errorf(model.CodeActionRejected, "no %s in inventory", itemName)
			}
			item = found
			return b.send(ctx, protocol.MethodEquipItem, map[string]any{"slot": found.Slot})
		},
		effect: func(model.WorldState) waiter.Predicate { return slotVacated(item) },
	})
}

// Drop succeeds once the item has left its inventory slot.
func (b *Bot) Drop(ctx context.Context, itemName string) (model.WorldState, error) {
	var item model.Item
	return b.run(ctx, step{
		name:           "drop " + itemName,
		dismissDialogs: true,
		issue: func(ctx context.Context, before model.WorldState) error {
			found, ok := before.FindItem(itemName)
			if !ok {
				return model.Errorf(model.CodeActionRejected, "no %s in inventory", itemName)
			}
			item = found
			return b.send(ctx, protocol.MethodDropItem, map[string]any{"slot": found.Slot})
		},
		effect: func(model.WorldState) waiter.Predicate { return slotVacated(item) },
	})
}

// WalkTo succeeds once the player is within the arrival tolerance of (x, z).
func (b *Bot) WalkTo(ctx context.Context, x, z int) (model.WorldState, error) {
	tolerance := b.opts.ArriveTolerance
	return b.run(ctx, step{
		name:           "walk",
		dismissDialogs: true,
		issue: func(ctx context.Context, before model.WorldState) error {
			return b.send(ctx, protocol.MethodMoveTo, map[string]any{"x": x, "z": z, "running": before.Player.Running})
		},
		effect: func(before model.WorldState) waiter.Predicate {
			destination := model.Position{X: x, Z: z, Plane: before.Player.Plane}
			return waiter.When(func(now model.WorldState) bool {
				return now.Player.Position().Within(destination, tolerance)
			})
		},
	})
}

// Open interacts with a door, gate or chest and succeeds once the object at
// that tile has changed or disappeared.
func (b *Bot) Open(ctx context.Context, objectName, option string) (model.WorldState, error) {
	var target model.NearbyObject
	if strings.TrimSpace(option) == "" {
		option = "Open"
	}
	return b.run(ctx, step{
		name:           "open " + objectName,
		dismissDialogs: true,
		issue: func(ctx context.Context, before model.WorldState) error {
			object, ok := before.FindObject(objectName)
			if !ok {
				return model.Errorf(model.CodeActionRejected, "no %s nearby", objectName)
			}
			optionIndex, err := pickOption(object.Options, option, objectName)
			if err != nil {
				return err
			}
			target = object
			return b.send(ctx, protocol.MethodInteractObject, map[string]any{
				"x": object.X, "z": object.Z, "objectId": object.ID, "optionIndex": optionIndex,
			})
		},
		effect: func(model.WorldState) waiter.Predicate {
			object := target
			return waiter.When(func(now model.WorldState) bool {
				_, present := now.ObjectAt(object.X, object.Z, object.ID)
				return !present
			})
		},
	})
}

// TalkTo succeeds once a dialog is open. Dialogs are not auto-dismissed here.
func (b *Bot) TalkTo(ctx context.Context, npcName string) (model.WorldState, error) {
	return b.run(ctx, step{
		name: "talk to " + npcName,
		issue: func(ctx context.Context, before model.WorldState) error {
			npc, ok := before.FindNpc(npcName)
			if !ok {
				return model.Errorf(model.CodeActionRejected, "no %s nearby", npcName)
			}
			optionIndex, err := pickOption(npc.Options, "Talk-to", npcName)
			if err != nil {
				return err
			}
			return b.send(ctx, protocol.MethodInteractNpc, map[string]any{"npcIndex": npc.Index, "optionIndex": optionIndex})
		},
		effect: func(model.WorldState) waiter.Predicate {
			return waiter.When(func(now model.WorldState) bool { return now.Dialog.Open })
		},
	})
}

// Attack succeeds once the target is gone or combat experience was gained.
func (b *Bot) Attack(ctx context.Context, npcName string) (model.WorldState, error) {
	var target model.NearbyNpc
	return b.run(ctx, step{
		name:           "attack " + npcName,
		dismissDialogs: true,
		issue: func(ctx context.Context, before model.WorldState) error {
			npc, ok := before.FindNpc(npcName)
			if !ok {
				return model.Errorf(model.CodeActionRejected, "no %s nearby", npcName)
			}
			target = npc
			return b.send(ctx, protocol.MethodAttackNpc, map[string]any{"npcIndex": npc.Index})
		},
		effect: func(before model.WorldState) waiter.Predicate {
			index := target.Index
			baseline := combatExperience(before)
			return waiter.When(func(now model.WorldState) bool {
				if combatExperience(now) > baseline {
					return true
				}
				_, present := now.NpcByIndex(index)
				return !present
			})
		},
	})
}

func (b *Bot) SetCombatStyle(ctx context.Context, style int) (model.WorldState, error) {
	return b.run(ctx, step{
		name: "set combat style",
		issue: func(ctx context.Context, _ model.WorldState) error {
			return b.send(ctx, protocol.MethodSetCombatStyle, map[string]any{"styleIndex": style})
		},
		effect: func(model.WorldState) waiter.Predicate {
			return waiter.When(func(now model.WorldState) bool { return now.Player.CombatStyle == style })
		},
	})
}

func experienceGained(skill string) func(before model.WorldState) waiter.Predicate {
	return func(before model.WorldState) waiter.Predicate {
		baseline := before.Experience(skill)
		return waiter.When(func(now model.WorldState) bool {
			return now.Experience(skill) > baseline
		})
	}
}

func inventoryGained(name string) func(before model.WorldState) waiter.Predicate {
	return func(before model.WorldState) waiter.Predicate {
		have := before.InventoryCount(name)
		return waiter.When(func(now model.WorldState) bool {
			return now.InventoryCount(name) > have
		})
	}
}

func slotVacated(item model.Item) waiter.Predicate {
	return waiter.When(func(now model.WorldState) bool {
		current, ok := now.ItemInSlot(item.Slot)
		return !ok || current.ID != item.ID
	})
}

func combatExperience(state model.WorldState) int {
	total := 0
	for _, skill := range combatSkills {
		total += state.Experience(skill)
	}
	return total
}

// pickOption resolves option to the 1-based index the bridge expects. An
// empty option or target without listed options uses the first one.
func pickOption(options []string, option, target string) (int, error) {
	if strings.TrimSpace(option) == "" || len(options) == 0 {
		return 1, nil
	}
	index := model.OptionIndex(options, option)
	if index == 0 {
		return 0, model.Errorf(model.CodeActionRejected, "%s has no %q option", target, option)
	}
	return index, nil
}
