package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"sdkrouter/internal/model"
)

// Action catalogue understood by the peer bridge.
const (
	MethodMoveTo           = "moveTo"
	MethodSetRunning       = "setRunning"
	MethodInteractObject   = "interactObject"
	MethodInteractNpc      = "interactNpc"
	MethodAttackNpc        = "attackNpc"
	MethodUseItem          = "useItem"
	MethodUseItemOnItem    = "useItemOnItem"
	MethodUseItemOnObject  = "useItemOnObject"
	MethodUseItemOnNpc     = "useItemOnNpc"
	MethodDropItem         = "dropItem"
	MethodEquipItem        = "equipItem"
	MethodUnequipItem      = "unequipItem"
	MethodPickupGroundItem = "pickupGroundItem"
	MethodClickDialog      = "clickDialog"
	MethodContinueDialog   = "continueDialog"
	MethodClickInterface   = "clickInterface"
	MethodCloseInterface   = "closeInterface"
	MethodSetCombatStyle   = "setCombatStyle"
	MethodCastOnItem       = "castOnItem"
	MethodCastOnNpc        = "castOnNpc"
	MethodSay              = "say"
)

// Catalogue maps every known method to the argument keys it requires.
var Catalogue = map[string][]string{
	MethodMoveTo:           {"x", "z", "running"},
	MethodSetRunning:       {"running"},
	MethodInteractObject:   {"x", "z", "objectId", "optionIndex"},
	MethodInteractNpc:      {"npcIndex", "optionIndex"},
	MethodAttackNpc:        {"npcIndex"},
	MethodUseItem:          {"slot", "optionIndex"},
	MethodUseItemOnItem:    {"slotA", "slotB"},
	MethodUseItemOnObject:  {"slot", "x", "z", "objectId"},
	MethodUseItemOnNpc:     {"slot", "npcIndex"},
	MethodDropItem:         {"slot"},
	MethodEquipItem:        {"slot"},
	MethodUnequipItem:      {"slot"},
	MethodPickupGroundItem: {"x", "z", "itemId"},
	MethodClickDialog:      {"optionIndex"},
	MethodContinueDialog:   {},
	MethodClickInterface:   {"componentIndex"},
	MethodCloseInterface:   {},
	MethodSetCombatStyle:   {"styleIndex"},
	MethodCastOnItem:       {"slot", "spellId"},
	MethodCastOnNpc:        {"npcIndex", "spellId"},
	MethodSay:              {"text"},
}

func Methods() []string {
	out := make([]string, 0, len(Catalogue))
	for method := range Catalogue {
		out = append(out, method)
	}
	sort.Strings(out)
	return out
}

// CheckArgs verifies method is catalogued and every required key is present.
func CheckArgs(method string, args map[string]any) error {
	required, ok := Catalogue[method]
	if !ok {
		return model.Errorf(model.CodeProtocolError, "unknown action method %q", method)
	}
	missing := []string{}
	for _, key := range required {
		if _, ok := args[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return model.Errorf(model.CodeProtocolError, "%s requires args: %s", method, strings.Join(missing, ", "))
	}
	return nil
}

// ArgInt reads an integer argument regardless of which codec decoded it.
func ArgInt(args map[string]any, key string) (int, error) {
	value, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("arg %q is missing", key)
	}
	switch v := value.(type) {
	case int:
		return v, nil
	case int8:
		return int(v), nil
	case int16:
		return int(v), nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case uint8:
		return int(v), nil
	case uint16:
		return int(v), nil
	case uint32:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float32:
		return floatToInt(key, float64(v))
	case float64:
		return floatToInt(key, v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("arg %q is not an integer: %w", key, err)
		}
		return int(n), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("arg %q is not an integer: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("arg %q has unsupported type %T", key, value)
	}
}

func floatToInt(key string, value float64) (int, error) {
	if value != math.Trunc(value) {
		return 0, fmt.Errorf("arg %q is not an integer: %v", key, value)
	}
	return int(value), nil
}

func ArgBool(args map[string]any, key string) (bool, error) {
	value, ok := args[key]
	if !ok {
		return false, fmt.Errorf("arg %q is missing", key)
	}
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(v))
	default:
		return false, fmt.Errorf("arg %q has unsupported type %T", key, value)
	}
}

func ArgString(args map[string]any, key string) (string, error) {
	value, ok := args[key]
	if !ok {
		return "", fmt.Errorf("arg %q is missing", key)
	}
	switch v := value.(type) {
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return fmt.Sprint(v), nil
	}
}
