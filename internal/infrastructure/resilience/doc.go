/*
Package resilience guards the synchronous run endpoint against a stalled
pipeline pool.

# Overview

A run that ends with a boundary failure means a unit never became ready or
never answered. Those are faults of the service, not of the user's code, and
they tend to repeat: every further request would hold a pipeline for the full
response timeout. After enough consecutive boundary failures the breaker opens
and runs are refused immediately until a cooldown passes; then a probe run
decides whether to close it again.

Config and render failures count as successes here. So does a request whose
client went away.

# Usage

	guarded := resilience.NewGuardedRunner(pool, resilience.DefaultSettings(), logger)
	result, err := guarded.Run(ctx, data, config, theme)
	if errors.Is(err, resilience.ErrUnavailable) {
		// respond 503
	}
*/
package resilience
