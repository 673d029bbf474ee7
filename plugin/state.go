package plugin

// State is a module's lifecycle state.
type State string

const (
	StateDiscovered State = "discovered"
	StateLoading    State = "loading"
	StateActive     State = "active"
	StateReloading  State = "reloading"
	StateFailed     State = "failed"
	StateDisabled   State = "disabled"
	StateRemoved    State = "removed"
)

// Mounted reports whether contributions of a module in this state are live.
func (s State) Mounted() bool { return s == StateActive }
