package steprunner

// Screens of a step, as reported by its current-state attribute.
const (
	StateStarted         = "Started"
	StateStepSetup       = "Step Setup"
	StatePlacement       = "Placement"
	StateArranging       = "Arranging"
	StatePooling         = "Pooling"
	StateAddReagent      = "Add Reagent"
	StateRecordDetails   = "Record Details"
	StateAssignNextSteps = "Assign Next Steps"
	StateCompleted       = "Completed"
)

// States lists every state in the order a step moves through them. Started
// is transient: the server reports it while it is still creating the step.
var States = []string{
	StateStarted,
	StateStepSetup,
	StatePlacement,
	StateArranging,
	StatePooling,
	StateAddReagent,
	StateRecordDetails,
	StateAssignNextSteps,
	StateCompleted,
}

// IsKnownState reports whether state is one of States.
func IsKnownState(state string) bool {
	for _, s := range States {
		if s == state {
			return true
		}
	}
	return false
}
