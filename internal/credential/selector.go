package credential

import "sort"

// Selector orders the pool's credentials for one attempt. The first entry is
// preferred; later entries are fallbacks when earlier ones are at their limit.
type Selector interface {
	Order(base, attempt, n int, usage []int) []int
}

// RoundRobin picks credential (base + attempt) mod n, so successive attempts
// of one request walk the pool in order.
type RoundRobin struct{}

func (RoundRobin) Order(base, attempt, n int, _ []int) []int {
	order := make([]int, n)
	start := (base + attempt) % n
	for i := range order {
		order[i] = (start + i) % n
	}
	return order
}

// LeastUsed prefers the credential with the fewest requests in its current
// window, breaking ties in round-robin order.
type LeastUsed struct{}

func (LeastUsed) Order(base, attempt, n int, usage []int) []int {
	order := RoundRobin{}.Order(base, attempt, n, nil)
	if len(usage) != n {
		return order
	}
	sort.SliceStable(order, func(i, j int) bool {
		return usage[order[i]] < usage[order[j]]
	})
	return order
}

// SelectorByName maps a config value to a Selector. Unknown names fall back
// to round robin.
func SelectorByName(name string) Selector {
	switch name {
	case "least_used", "least-used", "lru":
		return LeastUsed{}
	default:
		return RoundRobin{}
	}
}
