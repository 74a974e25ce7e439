package delta

import (
	"sort"

	"sdkrouter/internal/model"
)

// Compute diffs next against prev. A nil prev starts a new tick domain: the
// delta is marked Reset and only carries the messages already present.
func Compute(prev *model.WorldState, next model.WorldState) model.StateDelta {
	out := model.StateDelta{
		ToTick: next.Tick,
		To:     next.Player.Position(),
	}
	if prev == nil {
		out.Reset = true
		out.FromTick = next.Tick
		out.From = out.To
		out.DialogOpened = next.Dialog.Open
		out.Messages = append([]model.GameMessage(nil), next.Messages...)
		return out
	}

	out.FromTick = prev.Tick
	out.From = prev.Player.Position()
	out.Moved = out.From != out.To
	out.DialogOpened = !prev.Dialog.Open && next.Dialog.Open
	out.Experience = experienceGains(prev.Skills, next.Skills)
	out.ItemsGained, out.ItemsLost = itemChanges(prev.Inventory, next.Inventory)
	out.Messages = next.MessagesSince(prev.Tick)
	if len(out.Messages) == 0 {
		out.Messages = nil
	}
	return out
}

func experienceGains(prev []model.Skill, next []model.Skill) map[string]int {
	before := make(map[string]int, len(prev))
	for _, skill := range prev {
		before[skill.Name] = skill.Experience
	}
	var gains map[string]int
	for _, skill := range next {
		gain := skill.Experience - before[skill.Name]
		if gain <= 0 {
			continue
		}
		if gains == nil {
			gains = map[string]int{}
		}
		gains[skill.Name] = gain
	}
	return gains
}

type itemKey struct {
	id   int
	name string
}

func itemChanges(prev []model.Item, next []model.Item) ([]model.ItemChange, []model.ItemChange) {
	before := countItems(prev)
	after := countItems(next)

	var gained, lost []model.ItemChange
	for key, count := range after {
		if diff := count - before[key]; diff > 0 {
			gained = append(gained, model.ItemChange{ID: key.id, Name: key.name, Count: diff})
		}
	}
	for key, count := range before {
		if diff := count - after[key]; diff > 0 {
			lost = append(lost, model.ItemChange{ID: key.id, Name: key.name, Count: diff})
		}
	}
	sortChanges(gained)
	sortChanges(lost)
	return gained, lost
}

func countItems(items []model.Item) map[itemKey]int {
	out := make(map[itemKey]int, len(items))
	for _, item := range items {
		count := item.Count
		if count <= 0 {
			count = 1
		}
		out[itemKey{id: item.ID, name: item.Name}] += count
	}
	return out
}

func sortChanges(changes []model.ItemChange) {
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].ID != changes[j].ID {
			return changes[i].ID < changes[j].ID
		}
		return changes[i].Name < changes[j].Name
	})
}
