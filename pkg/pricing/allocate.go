package pricing

import (
	"math/big"
	"sort"
)

// Allocate distributes total across buckets in proportion to weights using
// largest-remainder allocation: every bucket gets the floor of its ideal
// share and the leftover units go one by one to the buckets with the largest
// fractional remainder (lowest index wins ties). The result always sums to
// total exactly. Negative weights count as zero; if every weight is zero the
// total is split evenly.
func Allocate(total int64, weights []int64) []int64 {
	n := len(weights)
	if n == 0 {
		return nil
	}

	w := make([]int64, n)
	sum := new(big.Int)
	for i, v := range weights {
		if v > 0 {
			w[i] = v
			sum.Add(sum, big.NewInt(v))
		}
	}
	if sum.Sign() == 0 {
		for i := range w {
			w[i] = 1
		}
		sum.SetInt64(int64(n))
	}

	type share struct {
		index     int
		remainder *big.Int
	}

	// shares are computed on |total| in big.Int so MinInt64 and large weight
	// sums stay exact
	abs := new(big.Int).Abs(big.NewInt(total))
	parts := make([]*big.Int, n)
	shares := make([]share, n)
	allocated := new(big.Int)
	for i, v := range w {
		num := new(big.Int).Mul(abs, big.NewInt(v))
		q, r := new(big.Int).QuoRem(num, sum, new(big.Int))
		parts[i] = q
		allocated.Add(allocated, q)
		shares[i] = share{index: i, remainder: r}
	}

	sort.SliceStable(shares, func(a, b int) bool {
		return shares[a].remainder.Cmp(shares[b].remainder) > 0
	})
	// the leftover is below n
	left := int(new(big.Int).Sub(abs, allocated).Int64())
	for k := 0; k < left; k++ {
		idx := shares[k].index
		parts[idx].Add(parts[idx], big.NewInt(1))
	}

	out := make([]int64, n)
	for i, p := range parts {
		if total < 0 {
			p.Neg(p)
		}
		out[i] = p.Int64()
	}
	return out
}
