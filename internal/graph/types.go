package graph

// JobDefinition is one job as declared in configuration, before matrix expansion.
type JobDefinition struct {
	ID     string
	Needs  []string
	Matrix map[string][]string
	// Providers limits which providers render this job. Empty means all.
	Providers  []string
	Definition map[string]any
}

// ConcreteJob is one matrix-resolved instance of a job.
type ConcreteJob struct {
	JobID      string
	InstanceID string
	Matrix     map[string]string
	Providers  []string
	Definition map[string]any
}

// Edge points from a dependency instance to its dependent.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}
