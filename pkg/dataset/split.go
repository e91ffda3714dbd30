package dataset

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
)

const (
	DefaultSeed      uint64  = 42
	DefaultTestRatio float64 = 0.2
)

// TestSize returns the number of rows assigned to the test partition:
// the ratio of n rounded up.
func TestSize(n int, ratio float64) (int, error) {
	if !(ratio > 0 && ratio < 1) {
		return 0, errors.Wrapf(ErrInvalidArgument, "test ratio must be in (0, 1), got %v", ratio)
	}
	return int(math.Ceil(ratio * float64(n))), nil
}

// Split shuffles the rows with a PCG source seeded with seed and returns the
// train and test partitions. The first TestSize permuted rows go to test.
func Split(t *Table, ratio float64, seed uint64) (train, test *Table, err error) {
	if t == nil {
		return nil, nil, errors.Wrap(ErrInvalidArgument, "table required")
	}

	n := t.Len()
	nTest, err := TestSize(n, ratio)
	if err != nil {
		return nil, nil, err
	}
	nTrain := n - nTest
	if nTest == 0 || nTrain == 0 {
		return nil, nil, errors.Wrapf(ErrEmptyPartition,
			"%d rows with test ratio %v leaves train=%d test=%d", n, ratio, nTrain, nTest)
	}

	r := rand.New(rand.NewPCG(seed, seed))
	perm := r.Perm(n)

	return t.Select(perm[nTest:]), t.Select(perm[:nTest]), nil
}
