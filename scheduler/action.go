package scheduler

import "strings"

// Action is the pending-action mask. Producers set bits at any time, only
// the arbiter clears them.
type Action uint32

const (
	AutoSample   Action = 0x01
	ManualSample Action = 0x02
	AutoWater    Action = 0x04
	ManualWater  Action = 0x08
	SetAutoWater Action = 0x10
	DumpHistory  Action = 0x20
)

var actionNames = []struct {
	a    Action
	name string
}{
	{AutoSample, "auto-sample"},
	{ManualSample, "manual-sample"},
	{AutoWater, "auto-water"},
	{ManualWater, "manual-water"},
	{SetAutoWater, "set-auto-water"},
	{DumpHistory, "dump-history"},
}

func (a Action) String() string {
	if a == 0 {
		return "none"
	}
	var names []string
	for _, n := range actionNames {
		if a&n.a != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}
