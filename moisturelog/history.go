package moisturelog

import "time"

// History is a copy of the log contents.
type History struct {
	Start    time.Time
	Period   time.Duration
	Readings []uint8
}

type Entry struct {
	Index int       `json:"index"`
	Time  time.Time `json:"time"`
	Value uint8     `json:"moisture"`
}

// Entries pairs every reading with the time it was taken.
func (h History) Entries() []Entry {
	out := make([]Entry, len(h.Readings))
	for i, v := range h.Readings {
		out[i] = Entry{
			Index: i,
			Time:  h.Start.Add(time.Duration(i) * h.Period),
			Value: v,
		}
	}
	return out
}
