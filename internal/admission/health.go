package admission

import (
	"encoding/json"
	"strings"
)

type Health int

const (
	Healthy Health = iota
	Degraded
	Overloaded
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Overloaded:
		return "overloaded"
	default:
		return "unknown"
	}
}

func (h Health) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *Health) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "degraded":
		*h = Degraded
	case "overloaded":
		*h = Overloaded
	default:
		*h = Healthy
	}
	return nil
}

// deriveHealth is observational only; the hard caps do the throttling.
func deriveHealth(queueUtil, concurrencyUtil float64) Health {
	switch {
	case queueUtil < 0.8 && concurrencyUtil < 0.9:
		return Healthy
	case queueUtil <= 0.95 && concurrencyUtil <= 0.95:
		return Degraded
	default:
		return Overloaded
	}
}
