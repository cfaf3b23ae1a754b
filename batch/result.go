package batch

// ItemStatus is the outcome of one subfolder.
type ItemStatus string

const (
	ItemSucceeded ItemStatus = "succeeded"
	ItemSkipped   ItemStatus = "skipped"
	ItemFailed    ItemStatus = "failed"
)

// ItemResult records what happened to one subfolder.
type ItemResult struct {
	Index      int // 1-based position in the run
	Name       string
	Image      string // selected file, "" when skipped
	RemoteName string
	Status     ItemStatus
	Outputs    []string // files written to the output directory
	Err        error
}

// Summary aggregates the item results of a run.
type Summary struct {
	Total       int
	Succeeded   int
	Skipped     int
	Failed      int
	Interrupted bool
	OutputDir   string
	Items       []ItemResult
}

func (s *Summary) add(r ItemResult) {
	switch r.Status {
	case ItemSucceeded:
		s.Succeeded++
	case ItemSkipped:
		s.Skipped++
	case ItemFailed:
		s.Failed++
	}
	s.Items = append(s.Items, r)
}

// Processed returns how many items were attempted before the run ended.
func (s *Summary) Processed() int {
	return len(s.Items)
}
