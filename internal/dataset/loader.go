package dataset

import (
	"fmt"
	"iter"

	"github.com/headlands-org/go-finetune/internal/model"
)

// Source is an indexed collection of tokenized examples.
type Source interface {
	Len() int
	Example(i int) Example
}

// Loader groups a sampler's shard into model batches.
type Loader struct {
	src       Source
	sampler   *DistributedSampler
	batchSize int
	dropLast  bool
}

// NewLoader returns a loader yielding batches of batchSize examples. The last
// short batch is kept unless dropLast is set.
func NewLoader(src Source, sampler *DistributedSampler, batchSize int, dropLast bool) (*Loader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if sampler.n != src.Len() {
		return nil, fmt.Errorf("sampler covers %d items, source has %d", sampler.n, src.Len())
	}
	return &Loader{src: src, sampler: sampler, batchSize: batchSize, dropLast: dropLast}, nil
}

// Sampler returns the loader's sampler.
func (l *Loader) Sampler() *DistributedSampler { return l.sampler }

// NumBatches returns the number of batches per epoch on this rank.
func (l *Loader) NumBatches() int {
	n := l.sampler.NumSamples()
	if l.dropLast {
		return n / l.batchSize
	}
	return (n + l.batchSize - 1) / l.batchSize
}

// Batches iterates over the current epoch's shard.
func (l *Loader) Batches() iter.Seq[model.Batch] {
	return func(yield func(model.Batch) bool) {
		idx := l.sampler.Indices()
		for start := 0; start < len(idx); start += l.batchSize {
			end := min(start+l.batchSize, len(idx))
			if l.dropLast && end-start < l.batchSize {
				return
			}
			if !yield(Collate(l.src, idx[start:end])) {
				return
			}
		}
	}
}

// Collate stacks the examples at idx into one batch.
func Collate(src Source, idx []int) model.Batch {
	var b model.Batch
	b.Size = len(idx)
	for _, i := range idx {
		ex := src.Example(i)
		b.SeqLen = len(ex.InputIDs)
		b.InputIDs = append(b.InputIDs, ex.InputIDs...)
		b.AttentionMask = append(b.AttentionMask, ex.AttentionMask...)
		b.Labels = append(b.Labels, ex.Labels...)
	}
	return b
}
