package dataset

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// newRand returns the PCG stream used for every seeded permutation here.
func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, 0x5851f42d4c957f2d))
}

// ValidCount resolves a validation size: values in (0,1) are a fraction of n
// rounded up, values >= 1 an absolute count.
func ValidCount(n int, validSize float64) (int, error) {
	var nTest int
	switch {
	case validSize <= 0:
		return 0, fmt.Errorf("validation size must be positive, got %v", validSize)
	case validSize < 1:
		nTest = int(math.Ceil(float64(n) * validSize))
	case validSize == math.Trunc(validSize):
		nTest = int(validSize)
	default:
		return 0, fmt.Errorf("validation size %v is neither a fraction nor a count", validSize)
	}
	if nTest >= n {
		return 0, fmt.Errorf("validation size %v leaves no training records out of %d", validSize, n)
	}
	return nTest, nil
}

// Split partitions records into disjoint train and validation sets using a
// permutation drawn from seed. The same seed and input give the same split.
func Split(recs []Record, validSize float64, seed uint64) (train, valid []Record, err error) {
	if len(recs) == 0 {
		return nil, nil, ErrEmpty
	}
	nTest, err := ValidCount(len(recs), validSize)
	if err != nil {
		return nil, nil, err
	}
	perm := newRand(seed).Perm(len(recs))
	nTrain := len(recs) - nTest
	train = make([]Record, 0, nTrain)
	valid = make([]Record, 0, nTest)
	for i, j := range perm {
		if i < nTrain {
			train = append(train, recs[j])
		} else {
			valid = append(valid, recs[j])
		}
	}
	return train, valid, nil
}

// Shuffle returns a seeded permutation of recs; the input is not modified.
func Shuffle(recs []Record, seed uint64) []Record {
	out := make([]Record, len(recs))
	for i, j := range newRand(seed).Perm(len(recs)) {
		out[i] = recs[j]
	}
	return out
}
