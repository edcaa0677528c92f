package engine

import (
	"fmt"
	"slices"
)

// Select returns the 1-based plan positions to execute, in plan order.
// from and to bound an inclusive range (0 = unbounded); include, when non-empty,
// is intersected with that range.
func Select(n, from, to int, include []int) ([]int, error) {
	if from < 0 || to < 0 {
		return nil, fmt.Errorf("step range must be positive (from=%d, to=%d)", from, to)
	}
	if from == 0 {
		from = 1
	}
	if to == 0 || to > n {
		to = n
	}
	if from > n {
		return nil, fmt.Errorf("step range starts at %d but the plan has %d steps", from, n)
	}
	if from > to {
		return nil, fmt.Errorf("empty step range %d..%d", from, to)
	}
	for _, i := range include {
		if i < 1 || i > n {
			return nil, fmt.Errorf("step %d is out of range (plan has %d steps)", i, n)
		}
	}

	var out []int
	for i := from; i <= to; i++ {
		if len(include) > 0 && !slices.Contains(include, i) {
			continue
		}
		out = append(out, i)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no steps selected")
	}
	return out, nil
}
