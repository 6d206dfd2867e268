package topology

import "sort"

// Reserved tensor names that always receive the last tags in the table,
// assigned in this fixed order after every partitioner-derived name.
const (
	AckTensorName     = "ack"
	ControlTensorName = "control"
)

// TagTable assigns a stable, dense integer tag to every tensor name used in
// cross-stage traffic. Because every worker iterates the same topologically
// ordered module list, the resulting table is identical on every worker
// without any coordination.
type TagTable struct {
	order []string
	tags  map[string]int
}

// AssignTags walks cfg.Modules in order (inputs then outputs), then the
// sorted target names, then "ack", then "control", assigning the next
// unused tag to each previously unseen name.
func AssignTags(cfg *PartitionConfig) *TagTable {
	t := &TagTable{tags: make(map[string]int)}

	for _, mod := range cfg.Modules {
		for _, name := range mod.InputNames {
			t.assign(name)
		}
		for _, name := range mod.OutputNames {
			t.assign(name)
		}
	}

	sortedTargets := append([]string(nil), cfg.TargetNames...)
	sort.Strings(sortedTargets)
	for _, name := range sortedTargets {
		t.assign(name)
	}

	t.assign(AckTensorName)
	t.assign(ControlTensorName)

	return t
}

func (t *TagTable) assign(name string) {
	if _, ok := t.tags[name]; ok {
		return
	}
	tag := len(t.order)
	t.order = append(t.order, name)
	t.tags[name] = tag
}

// Tag returns the tag assigned to name and whether it was found.
func (t *TagTable) Tag(name string) (int, bool) {
	tag, ok := t.tags[name]
	return tag, ok
}

// MustTag panics if name has no assigned tag. It is meant for call sites
// that only ever deal with names already validated against the table.
func (t *TagTable) MustTag(name string) int {
	tag, ok := t.tags[name]
	if !ok {
		panic("topology: no tag assigned for tensor " + name)
	}
	return tag
}

// Names returns every tensor name in assignment order.
func (t *TagTable) Names() []string {
	return append([]string(nil), t.order...)
}
