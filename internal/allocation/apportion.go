// Package allocation splits an integer quantity across weighted shares.
package allocation

import (
	"errors"
	"sort"
)

var (
	// ErrNoWeight is returned when the weights sum to zero, leaving nothing to apportion against.
	ErrNoWeight = errors.New("allocation: weights sum to zero")
	// ErrOverAllocation is returned when the total exceeds the sum of weights.
	ErrOverAllocation = errors.New("allocation: total exceeds weight sum")
	// ErrNegative is returned for negative weights or totals.
	ErrNegative = errors.New("allocation: negative input")
)

// Apportion distributes total across weights using the largest remainder method.
//
// Each share starts at floor(total*w_i/W). The units left over are handed out one
// at a time to the shares with the largest fractional remainder; equal remainders
// go to the lower index first. The result always sums to total and no share
// exceeds ceil(total*w_i/W).
func Apportion(weights []int, total int) ([]int, error) {
	if total < 0 {
		return nil, ErrNegative
	}
	var sum int64
	for _, w := range weights {
		if w < 0 {
			return nil, ErrNegative
		}
		sum += int64(w)
	}
	if sum == 0 {
		return nil, ErrNoWeight
	}
	if int64(total) > sum {
		return nil, ErrOverAllocation
	}

	shares := make([]int, len(weights))
	remainders := make([]int64, len(weights))
	assigned := 0
	for i, w := range weights {
		product := int64(total) * int64(w)
		shares[i] = int(product / sum)
		// every fractional part shares the denominator sum, so the numerators compare exactly
		remainders[i] = product % sum
		assigned += shares[i]
	}

	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return remainders[order[a]] > remainders[order[b]]
	})

	for k := 0; k < total-assigned; k++ {
		shares[order[k]]++
	}
	return shares, nil
}

// Sum adds up quantities.
func Sum(values []int) int {
	total := 0
	for _, v := range values {
		total += v
	}
	return total
}
