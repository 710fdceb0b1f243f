package domain

// Job is a durable job definition. The store treats Class as an opaque
// reference; the runner resolves it against its registry at execution time.
type Job struct {
	Key   Key
	Class string

	// Durable jobs survive with no triggers referencing them.
	Durable bool

	// DisallowConcurrent limits the job to one execution cluster-wide at a
	// time. Triggers of a job that is already executing elsewhere are
	// withheld from acquisition.
	DisallowConcurrent bool

	// RequestsRecovery asks that an execution interrupted by node death be
	// re-fired immediately on recovery rather than dropped.
	RequestsRecovery bool

	// Data is passed to the job function on every execution.
	Data map[string]string
}
