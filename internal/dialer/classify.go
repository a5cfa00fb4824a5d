package dialer

// Outcome is the classification of one carrier status callback.
type Outcome int

const (
	// OutcomeProgress is a non-terminal lifecycle event with no machine
	// indication; nothing to do.
	OutcomeProgress Outcome = iota
	// OutcomeMachineMidCall means answering-machine detection fired while
	// the call is still live: end the call and schedule a retry.
	OutcomeMachineMidCall
	// OutcomeRetry is a terminal status that consumes a retry-ladder step.
	OutcomeRetry
	// OutcomeSuccess is a completed call answered by a human (or unknown
	// non-machine); the sequence ends positively.
	OutcomeSuccess
	// OutcomeTerminal is a terminal status with no retry trigger and no
	// positive signal, e.g. canceled without machine detection.
	OutcomeTerminal
)

// machineSet is the carrier's answering-machine classification values.
var machineSet = map[string]bool{
	"machine_start":       true,
	"fax":                 true,
	"machine_beep":        true,
	"machine_end_silence": true,
	"machine_end_other":   true,
	"machine_end_beep":    true,
}

// IsMachine reports whether the answered-by value names a machine.
func IsMachine(answeredBy string) bool {
	return machineSet[answeredBy]
}

// Classify maps a carrier status callback to its outcome. The carrier's
// ambiguous "failed" status is treated as retryable.
func Classify(status, answeredBy string) Outcome {
	machine := IsMachine(answeredBy)
	switch status {
	case "no-answer", "busy", "failed":
		return OutcomeRetry
	case "completed", "canceled":
		if machine {
			return OutcomeRetry
		}
		if status == "completed" {
			return OutcomeSuccess
		}
		return OutcomeTerminal
	default:
		// queued, initiated, ringing, in-progress, answered.
		if machine {
			return OutcomeMachineMidCall
		}
		return OutcomeProgress
	}
}
