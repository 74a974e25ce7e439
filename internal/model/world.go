package model

import (
	"math"
	"strings"
)

// WorldState is the full observable state of one bot at one tick. Values are
// treated as immutable once published; use Clone before mutating a copy.
type WorldState struct {
	Tick        int64          `json:"tick"`
	Player      PlayerState    `json:"player"`
	Skills      []Skill        `json:"skills,omitempty"`
	Inventory   []Item         `json:"inventory,omitempty"`
	Equipment   []Item         `json:"equipment,omitempty"`
	Npcs        []NearbyNpc    `json:"npcs,omitempty"`
	Objects     []NearbyObject `json:"objects,omitempty"`
	GroundItems []GroundItem   `json:"ground_items,omitempty"`
	Dialog      DialogState    `json:"dialog"`
	Interface   InterfaceState `json:"interface"`
	Blocked     bool           `json:"blocked"`
	Messages    []GameMessage  `json:"messages,omitempty"`
}

type PlayerState struct {
	Name        string `json:"name"`
	X           int    `json:"x"`
	Z           int    `json:"z"`
	Plane       int    `json:"plane"`
	Animation   int    `json:"animation"`
	CombatStyle int    `json:"combat_style"`
	Running     bool   `json:"running"`
}

type Position struct {
	X     int `json:"x"`
	Z     int `json:"z"`
	Plane int `json:"plane"`
}

func (p PlayerState) Position() Position {
	return Position{X: p.X, Z: p.Z, Plane: p.Plane}
}

// Within reports whether other is at most tolerance tiles away on the same plane
// (Chebyshev distance, the metric tile movement uses).
func (p Position) Within(other Position, tolerance int) bool {
	if p.Plane != other.Plane {
		return false
	}
	return p.Distance(other) <= tolerance
}

func (p Position) Distance(other Position) int {
	dx := math.Abs(float64(p.X - other.X))
	dz := math.Abs(float64(p.Z - other.Z))
	return int(math.Max(dx, dz))
}

type Skill struct {
	Name       string `json:"name"`
	Level      int    `json:"level"`
	BaseLevel  int    `json:"base_level"`
	Experience int    `json:"experience"`
}

type Item struct {
	Slot    int      `json:"slot"`
	ID      int      `json:"id"`
	Name    string   `json:"name"`
	Count   int      `json:"count"`
	Options []string `json:"options,omitempty"`
}

type NearbyNpc struct {
	Index    int      `json:"index"`
	ID       int      `json:"id"`
	Name     string   `json:"name"`
	X        int      `json:"x"`
	Z        int      `json:"z"`
	Distance int      `json:"distance"`
	Options  []string `json:"options,omitempty"`
}

type NearbyObject struct {
	ID       int      `json:"id"`
	Name     string   `json:"name"`
	X        int      `json:"x"`
	Z        int      `json:"z"`
	Distance int      `json:"distance"`
	Options  []string `json:"options,omitempty"`
}

type GroundItem struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	X        int    `json:"x"`
	Z        int    `json:"z"`
	Count    int    `json:"count"`
	Distance int    `json:"distance"`
}

type DialogOption struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

type DialogState struct {
	Open    bool           `json:"open"`
	Text    string         `json:"text,omitempty"`
	Options []DialogOption `json:"options,omitempty"`
}

type InterfaceState struct {
	Open bool `json:"open"`
	ID   int  `json:"id"`
}

type GameMessage struct {
	Tick int64  `json:"tick"`
	Type string `json:"type,omitempty"`
	Text string `json:"text"`
}

func (s WorldState) Clone() WorldState {
	out := s
	out.Skills = append([]Skill(nil), s.Skills...)
	out.Inventory = cloneItems(s.Inventory)
	out.Equipment = cloneItems(s.Equipment)
	out.Npcs = make([]NearbyNpc, 0, len(s.Npcs))
	for _, npc := range s.Npcs {
		npc.Options = append([]string(nil), npc.Options...)
		out.Npcs = append(out.Npcs, npc)
	}
	out.Objects = make([]NearbyObject, 0, len(s.Objects))
	for _, object := range s.Objects {
		object.Options = append([]string(nil), object.Options...)
		out.Objects = append(out.Objects, object)
	}
	out.GroundItems = append([]GroundItem(nil), s.GroundItems...)
	out.Dialog.Options = append([]DialogOption(nil), s.Dialog.Options...)
	out.Messages = append([]GameMessage(nil), s.Messages...)
	return out
}

func cloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, 0, len(items))
	for _, item := range items {
		item.Options = append([]string(nil), item.Options...)
		out = append(out, item)
	}
	return out
}

// InventoryCount sums stack counts of every inventory slot holding name.
func (s WorldState) InventoryCount(name string) int {
	total := 0
	for _, item := range s.Inventory {
		if namesMatch(item.Name, name) {
			total += stackCount(item)
		}
	}
	return total
}

func (s WorldState) HasItem(name string) bool {
	return s.InventoryCount(name) > 0
}

func (s WorldState) FindItem(name string) (Item, bool) {
	for _, item := range s.Inventory {
		if namesMatch(item.Name, name) {
			return item, true
		}
	}
	return Item{}, false
}

func (s WorldState) ItemInSlot(slot int) (Item, bool) {
	for _, item := range s.Inventory {
		if item.Slot == slot {
			return item, true
		}
	}
	return Item{}, false
}

func (s WorldState) IsEquipped(name string) bool {
	for _, item := range s.Equipment {
		if namesMatch(item.Name, name) {
			return true
		}
	}
	return false
}

func (s WorldState) Skill(name string) (Skill, bool) {
	for _, skill := range s.Skills {
		if namesMatch(skill.Name, name) {
			return skill, true
		}
	}
	return Skill{}, false
}

func (s WorldState) Experience(name string) int {
	skill, _ := s.Skill(name)
	return skill.Experience
}

// FindNpc returns the closest npc with the given name.
func (s WorldState) FindNpc(name string) (NearbyNpc, bool) {
	var best NearbyNpc
	found := false
	for _, npc := range s.Npcs {
		if !namesMatch(npc.Name, name) {
			continue
		}
		if !found || npc.Distance < best.Distance {
			best = npc
			found = true
		}
	}
	return best, found
}

func (s WorldState) NpcByIndex(index int) (NearbyNpc, bool) {
	for _, npc := range s.Npcs {
		if npc.Index == index {
			return npc, true
		}
	}
	return NearbyNpc{}, false
}

// FindObject returns the closest object with the given name.
func (s WorldState) FindObject(name string) (NearbyObject, bool) {
	var best NearbyObject
	found := false
	for _, object := range s.Objects {
		if !namesMatch(object.Name, name) {
			continue
		}
		if !found || object.Distance < best.Distance {
			best = object
			found = true
		}
	}
	return best, found
}

func (s WorldState) ObjectAt(x, z, id int) (NearbyObject, bool) {
	for _, object := range s.Objects {
		if object.X == x && object.Z == z && object.ID == id {
			return object, true
		}
	}
	return NearbyObject{}, false
}

func (s WorldState) FindGroundItem(name string) (GroundItem, bool) {
	var best GroundItem
	found := false
	for _, item := range s.GroundItems {
		if !namesMatch(item.Name, name) {
			continue
		}
		if !found || item.Distance < best.Distance {
			best = item
			found = true
		}
	}
	return best, found
}

// MessagesSince returns game messages stamped strictly after tick.
func (s WorldState) MessagesSince(tick int64) []GameMessage {
	out := []GameMessage{}
	for _, message := range s.Messages {
		if message.Tick > tick {
			out = append(out, message)
		}
	}
	return out
}

// BlockingDialog reports whether a modal overlay is waiting for the player.
func (s WorldState) BlockingDialog() bool {
	return s.Blocked && s.Dialog.Open
}

// OptionIndex returns the 1-based index of option in options, or 0.
func OptionIndex(options []string, option string) int {
	for i, candidate := range options {
		if namesMatch(candidate, option) {
			return i + 1
		}
	}
	return 0
}

func namesMatch(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func stackCount(item Item) int {
	if item.Count <= 0 {
		return 1
	}
	return item.Count
}

// StateDelta is derived by diffing two consecutive snapshots of one session.
type StateDelta struct {
	FromTick     int64          `json:"from_tick"`
	ToTick       int64          `json:"to_tick"`
	Reset        bool           `json:"reset,omitempty"`
	Experience   map[string]int `json:"experience,omitempty"`
	ItemsGained  []ItemChange   `json:"items_gained,omitempty"`
	ItemsLost    []ItemChange   `json:"items_lost,omitempty"`
	Moved        bool           `json:"moved,omitempty"`
	From         Position       `json:"from"`
	To           Position       `json:"to"`
	DialogOpened bool           `json:"dialog_opened,omitempty"`
	Messages     []GameMessage  `json:"messages,omitempty"`
}

type ItemChange struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func (d StateDelta) ExperienceGained(skill string) int {
	for name, gain := range d.Experience {
		if namesMatch(name, skill) {
			return gain
		}
	}
	return 0
}

func (d StateDelta) Empty() bool {
	return len(d.Experience) == 0 && len(d.ItemsGained) == 0 && len(d.ItemsLost) == 0 &&
		!d.Moved && !d.DialogOpened && len(d.Messages) == 0
}
