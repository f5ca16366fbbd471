package models

// Source identifies which upstream channel produced a fact.
type Source int

const (
	// SourceFetch marks a fact that came from a full snapshot.
	SourceFetch Source = iota
	// SourceSubscribe marks a fact that came from the change stream.
	SourceSubscribe
)

func (s Source) String() string {
	switch s {
	case SourceFetch:
		return "fetch"
	case SourceSubscribe:
		return "subscribe"
	default:
		return "unknown"
	}
}

// Fact is a single observed (city, temperature) data point from either
// upstream channel.
type Fact struct {
	City        string  `json:"city"`
	Temperature float64 `json:"temperature"`
}

// Record is the stored best-known temperature for a city. Epoch is a
// cache-local strictly increasing counter assigned when the fact was
// accepted; it orders facts across both upstream channels. Source records
// which channel produced the accepted value.
type Record struct {
	Temperature float64
	Epoch       uint64
	Source      Source
}
