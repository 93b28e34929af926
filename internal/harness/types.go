package harness

// Trace event types.
const (
	EventHook     = "hook"
	EventStep     = "step"
	EventShutdown = "shutdown"
)

// Transaction outcomes of a flow step.
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
)

// TraceEvent is one startup hook, flow step or shutdown hook.
type TraceEvent struct {
	Seq          int64      `json:"seq"`
	Type         string     `json:"type"`
	Name         string     `json:"name"`
	Unit         string     `json:"unit,omitempty"`
	Tx           string     `json:"tx,omitempty"`
	Outcome      string     `json:"outcome,omitempty"`
	RowsAffected int64      `json:"rows_affected,omitempty"`
	Rows         [][]string `json:"rows,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Steps returns the flow step events in order.
func (r *Result) Steps() []TraceEvent {
	var steps []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == EventStep {
			steps = append(steps, ev)
		}
	}
	return steps
}
