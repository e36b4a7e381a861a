package upstream

import (
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/catalog"
)

const (
	reasoningAllowance  = 30 * time.Second
	outputStep          = 8192
	outputStepAllowance = 10 * time.Second
)

// TimeoutFor scales the per-attempt deadline with reasoning and the requested
// output size. thinking reports whether the request enables the reasoning
// channel.
func TimeoutFor(base, max time.Duration, m catalog.Model, maxOutput int, thinking bool) time.Duration {
	d := base
	if m.Thinking == catalog.ThinkingMandatory || (m.SupportsThinking() && thinking) {
		d += reasoningAllowance
	}
	if maxOutput > outputStep {
		steps := (maxOutput - 1) / outputStep
		d += time.Duration(steps) * outputStepAllowance
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}
