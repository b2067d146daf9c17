package updater

// Outcome is the terminal state of an update run for one repository.
type Outcome int

const (
	OutcomeUndefined Outcome = iota
	// OutcomeSuccess: the run reached the pull request decision step and
	// the bookkeeping was updated.
	OutcomeSuccess
	// OutcomeSkippedNoConfig: the repository contains no generator
	// configuration file, the run terminated without side effects.
	OutcomeSkippedNoConfig
	// OutcomeSkippedThrottled: the repository was already processed on
	// the same calendar day, the run terminated without side effects.
	OutcomeSkippedThrottled
	// OutcomeFailure: the run failed, the last-run bookkeeping was not
	// advanced.
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeSkippedNoConfig:
		return "skipped-no-config"
	case OutcomeSkippedThrottled:
		return "skipped-throttled"
	case OutcomeFailure:
		return "failure"
	default:
		return "undefined"
	}
}

// Result is the outcome of one repository in a fleet-wide run.
type Result struct {
	Repository string
	Outcome    Outcome
	Err        error
}
