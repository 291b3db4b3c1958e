package dataset

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/headlands-org/go-finetune/internal/logger"
	"github.com/headlands-org/go-finetune/internal/prompt"
	"github.com/headlands-org/go-finetune/internal/tokenizer"
)

// Cache file names inside Options.CacheDir.
const (
	TrainCacheFile = "train.tokens"
	ValidCacheFile = "valid.tokens"
)

// Options controls Prepare.
type Options struct {
	DataPath  string
	ValidSize float64
	MaxLength int
	Seed      uint64
	// ValidOutput receives the validation records as JSON lines when set.
	ValidOutput string
	// CacheDir receives the token caches when set.
	CacheDir string
	Prompter *prompt.Prompter
}

// Prepared holds both partitions, raw and tokenized.
type Prepared struct {
	TrainRecords []Record
	ValidRecords []Record
	Train        Examples
	Valid        Examples
}

// Prepare loads, splits and tokenizes the records file. The training partition
// is shuffled with the seed before tokenization.
func Prepare(ctx context.Context, tok *tokenizer.Tokenizer, opts Options) (*Prepared, error) {
	if opts.Prompter == nil {
		opts.Prompter = prompt.Default()
	}
	recs, err := LoadRecords(opts.DataPath)
	if err != nil {
		return nil, err
	}
	train, valid, err := Split(recs, opts.ValidSize, opts.Seed)
	if err != nil {
		return nil, err
	}
	train = Shuffle(train, opts.Seed)

	p := &Prepared{TrainRecords: train, ValidRecords: valid}
	if p.Train, err = TokenizeRecords(ctx, tok, opts.Prompter, train, opts.MaxLength); err != nil {
		return nil, fmt.Errorf("tokenize train: %w", err)
	}
	if p.Valid, err = TokenizeRecords(ctx, tok, opts.Prompter, valid, opts.MaxLength); err != nil {
		return nil, fmt.Errorf("tokenize validation: %w", err)
	}

	if opts.ValidOutput != "" {
		if err := WriteJSONL(opts.ValidOutput, valid); err != nil {
			return nil, fmt.Errorf("write validation set: %w", err)
		}
	}
	if opts.CacheDir != "" {
		padID := PadID(tok)
		if err := WriteCache(filepath.Join(opts.CacheDir, TrainCacheFile), p.Train, padID); err != nil {
			return nil, err
		}
		if err := WriteCache(filepath.Join(opts.CacheDir, ValidCacheFile), p.Valid, padID); err != nil {
			return nil, err
		}
	}

	logger.Logger.Info(fmt.Sprintf("Size of the train set: %d. Size of the validation set: %d", len(p.Train), len(p.Valid)),
		zap.String("data", opts.DataPath), zap.Int("max_length", opts.MaxLength))
	return p, nil
}

// TokenizeRecords renders and tokenizes records in parallel, keeping order.
func TokenizeRecords(ctx context.Context, tok *tokenizer.Tokenizer, p *prompt.Prompter, recs []Record, maxLength int) (Examples, error) {
	out := make(Examples, len(recs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, r := range recs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ex, err := Tokenize(tok, p.Generate(r.Instruction, r.Input, r.Output), maxLength, true)
			if err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			out[i] = ex
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// OpenCaches maps the train and validation caches written by Prepare.
func OpenCaches(dir string) (train, valid *Cache, err error) {
	if train, err = OpenCache(filepath.Join(dir, TrainCacheFile)); err != nil {
		return nil, nil, err
	}
	if valid, err = OpenCache(filepath.Join(dir, ValidCacheFile)); err != nil {
		train.Close()
		return nil, nil, err
	}
	return train, valid, nil
}
