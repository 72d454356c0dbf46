package replication

import "fmt"

// PrimitiveCounts holds per-primitive element counts for one change action.
type PrimitiveCounts struct {
	Nodes     int `json:"nodes"`
	Ways      int `json:"ways"`
	Relations int `json:"relations"`
}

// Total returns the number of elements across all primitive types.
func (p PrimitiveCounts) Total() int { return p.Nodes + p.Ways + p.Relations }

// DiffSummary holds approximate counts of primitives touched by a fetched
// changeset, grouped by change action. It exists purely for observability
// and never influences control flow.
type DiffSummary struct {
	Created  PrimitiveCounts `json:"created"`
	Modified PrimitiveCounts `json:"modified"`
	Deleted  PrimitiveCounts `json:"deleted"`
}

// Total returns the number of elements across all actions.
func (s DiffSummary) Total() int {
	return s.Created.Total() + s.Modified.Total() + s.Deleted.Total()
}

// String renders a compact one-line form suitable for log entries.
func (s DiffSummary) String() string {
	return fmt.Sprintf("created %d/%d/%d modified %d/%d/%d deleted %d/%d/%d (n/w/r)",
		s.Created.Nodes, s.Created.Ways, s.Created.Relations,
		s.Modified.Nodes, s.Modified.Ways, s.Modified.Relations,
		s.Deleted.Nodes, s.Deleted.Ways, s.Deleted.Relations,
	)
}
