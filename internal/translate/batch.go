package translate

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/adlibrary-insight/internal/ads"
	"github.com/JakeFAU/adlibrary-insight/internal/classify"
)

// Batch defaults.
const (
	DefaultChunkSize   = 10
	DefaultParallelism = 4
)

// ChunkFunc receives translated texts for the chunk starting at offset. It
// may be called from several goroutines at once.
type ChunkFunc func(offset int, translated []string)

// Stats summarizes a Batch call.
type Stats struct {
	Translated   int
	FailedChunks int
	LastError    string
}

// Batch translates texts in chunks of chunkSize with at most parallelism
// requests in flight. Transient chunk failures are counted and skipped; the
// first fatal failure cancels the remaining chunks and is returned.
func Batch(
	ctx context.Context,
	tr ads.Translator,
	texts []string,
	target string,
	chunkSize, parallelism int,
	fn ChunkFunc,
) (Stats, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	results := make(chan chunkResult, (len(texts)+chunkSize-1)/chunkSize)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for off := 0; off < len(texts); off += chunkSize {
		end := min(off+chunkSize, len(texts))
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			out, err := tr.Translate(gctx, texts[off:end], target)
			if err != nil {
				if classify.IsFatal(err) {
					return err
				}
				results <- chunkResult{err: err}
				return nil
			}
			if fn != nil {
				fn(off, out)
			}
			results <- chunkResult{n: end - off}
			return nil
		})
	}
	err := g.Wait()
	close(results)

	var stats Stats
	for r := range results {
		if r.err != nil {
			if errors.Is(r.err, context.Canceled) && err != nil {
				continue
			}
			stats.FailedChunks++
			stats.LastError = classify.Reason(r.err)
			continue
		}
		stats.Translated += r.n
	}
	return stats, err
}

type chunkResult struct {
	n   int
	err error
}
