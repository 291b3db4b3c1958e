package dataset

import "fmt"

// DistributedSampler assigns each rank a disjoint shard of dataset indices.
// Every epoch draws a fresh permutation seeded with seed+epoch, so all ranks
// agree on the order without communicating. Without DropLast the permutation
// is padded by wrapping around until it divides evenly by the world size.
type DistributedSampler struct {
	n        int
	rank     int
	world    int
	seed     uint64
	shuffle  bool
	dropLast bool
	epoch    int
}

// SamplerOptions configures a DistributedSampler.
type SamplerOptions struct {
	Shuffle  bool
	DropLast bool
	Seed     uint64
}

// NewDistributedSampler returns the sampler for rank out of world over n items.
func NewDistributedSampler(n, rank, world int, opts SamplerOptions) (*DistributedSampler, error) {
	if world <= 0 {
		return nil, fmt.Errorf("world size must be positive, got %d", world)
	}
	if rank < 0 || rank >= world {
		return nil, fmt.Errorf("rank %d out of range [0,%d)", rank, world)
	}
	if n <= 0 {
		return nil, ErrEmpty
	}
	if opts.DropLast && n < world {
		return nil, fmt.Errorf("%d items cannot be split over %d ranks with drop-last", n, world)
	}
	return &DistributedSampler{
		n:        n,
		rank:     rank,
		world:    world,
		seed:     opts.Seed,
		shuffle:  opts.Shuffle,
		dropLast: opts.DropLast,
	}, nil
}

// SetEpoch selects the permutation used by the next call to Indices.
func (s *DistributedSampler) SetEpoch(epoch int) { s.epoch = epoch }

// Epoch returns the current epoch.
func (s *DistributedSampler) Epoch() int { return s.epoch }

// NumSamples returns the shard size, identical on every rank.
func (s *DistributedSampler) NumSamples() int {
	if s.dropLast {
		return s.n / s.world
	}
	return (s.n + s.world - 1) / s.world
}

// Indices returns this rank's shard for the current epoch.
func (s *DistributedSampler) Indices() []int {
	var order []int
	if s.shuffle {
		order = newRand(s.seed + uint64(s.epoch)).Perm(s.n)
	} else {
		order = make([]int, s.n)
		for i := range order {
			order[i] = i
		}
	}

	total := s.NumSamples() * s.world
	for len(order) < total {
		need := min(total-len(order), s.n)
		order = append(order, order[:need]...)
	}
	order = order[:total]

	shard := make([]int, 0, s.NumSamples())
	for i := s.rank; i < total; i += s.world {
		shard = append(shard, order[i])
	}
	return shard
}
