package agent

// override swaps the value behind target and returns a restore
// function. Background runs use it to isolate the agent's history and
// callbacks, restoring them on every exit path including
// cancellation.
func override[T any](target *T, value T) (restore func()) {
	prev := *target
	*target = value
	return func() { *target = prev }
}
