package oracle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/credrake/credrake/wordlist"
)

// Engine runs the batched comparison search over a Transport.
type Engine struct {
	Transport Transport

	// BlockSize is the oracle cipher's block size. The oracle appends
	// its own marker-plus-padding block to every submission, so each
	// response carries exactly one extra block to discard.
	BlockSize int

	// Concurrency bounds in-flight batches. 1 (or 0) selects the
	// sequential strategy; higher values pipeline submissions to
	// amortize round-trip latency.
	Concurrency int

	// Retries is how many times a failed batch is re-attempted before
	// the search aborts with a TransportError.
	Retries int

	// Progress, when set, records cleared batches for resumable runs.
	Progress Progress
}

type batch struct {
	index   int
	cands   []wordlist.Candidate
	payload []byte
}

// FindMatch searches candidates for one whose oracle ciphertext equals
// target. Candidates must already be block-aligned and batch-safe (see
// the wordlist package). The returned Match reports the dictionary
// index of the hit; ties go to the earliest submission-order candidate
// under every concurrency setting.
func (e *Engine) FindMatch(ctx context.Context, cands []wordlist.Candidate, target []byte) (Match, error) {
	if e.BlockSize <= 0 {
		return Match{}, fmt.Errorf("block size %d must be positive", e.BlockSize)
	}
	if len(target) == 0 || len(target)%e.BlockSize != 0 {
		return Match{}, fmt.Errorf("target length %d is not a multiple of block size %d", len(target), e.BlockSize)
	}

	batches, err := e.partition(cands)
	if err != nil {
		return Match{}, err
	}
	log.Info().
		Int("candidates", len(cands)).
		Int("batches", len(batches)).
		Int("concurrency", e.Concurrency).
		Msg("starting oracle search")

	if e.Concurrency <= 1 {
		return e.runSequential(ctx, batches, target)
	}
	return e.runPipelined(ctx, batches, target)
}

// partition splits candidates into contiguous batches under the
// transport's request ceiling, preserving order.
func (e *Engine) partition(cands []wordlist.Candidate) ([]batch, error) {
	maxBytes := e.Transport.MaxRequestBytes()
	var out []batch
	cur := batch{index: 0}
	for _, c := range cands {
		if len(c.Bytes) > maxBytes {
			return nil, fmt.Errorf("candidate %d (%d bytes) exceeds transport request ceiling %d",
				c.Index, len(c.Bytes), maxBytes)
		}
		if len(cur.payload)+len(c.Bytes) > maxBytes && len(cur.cands) > 0 {
			out = append(out, cur)
			cur = batch{index: len(out)}
		}
		cur.cands = append(cur.cands, c)
		cur.payload = append(cur.payload, c.Bytes...)
	}
	if len(cur.cands) > 0 {
		out = append(out, cur)
	}
	return out, nil
}

func (e *Engine) runSequential(ctx context.Context, batches []batch, target []byte) (Match, error) {
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return Match{}, err
		}
		if e.Progress != nil && e.Progress.ShouldSkip(b.index) {
			continue
		}
		m, err := e.processBatch(ctx, b, target)
		if err != nil {
			return Match{}, err
		}
		if m.Found {
			return m, nil
		}
		e.markCleared(b.index)
	}
	return Match{}, nil
}

func (e *Engine) runPipelined(ctx context.Context, batches []batch, target []byte) (Match, error) {
	searchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu         sync.Mutex
		done       = make([]bool, len(batches))
		matchBatch = -1
		match      Match
		errBatch   = -1
		firstErr   error
	)
	haveMatch := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return matchBatch != -1
	}
	// A hit must not cancel lower-index batches still in flight: one of
	// them could hold an earlier match, and ties go to submission
	// order. Cancel only once every batch below the best hit is done.
	settle := func(index int) {
		mu.Lock()
		done[index] = true
		fire := matchBatch != -1
		for i := 0; fire && i < matchBatch; i++ {
			fire = done[i]
		}
		mu.Unlock()
		if fire {
			cancel()
		}
	}

	grp, grpCtx := errgroup.WithContext(searchCtx)
	grp.SetLimit(e.Concurrency)

	for _, b := range batches {
		if e.Progress != nil && e.Progress.ShouldSkip(b.index) {
			mu.Lock()
			done[b.index] = true
			mu.Unlock()
			continue
		}
		// Batches past a recorded hit can no longer win.
		if haveMatch() {
			break
		}
		b := b
		grp.Go(func() error {
			m, err := e.processBatch(grpCtx, b, target)
			if err != nil {
				// Cancellation is fallout from a hit or a failure in
				// another batch, never this batch's own fault.
				if errors.Is(err, context.Canceled) {
					if haveMatch() {
						return nil
					}
					return err
				}
				mu.Lock()
				if errBatch == -1 || b.index < errBatch {
					errBatch, firstErr = b.index, err
				}
				mu.Unlock()
				return err
			}
			if !m.Found {
				e.markCleared(b.index)
				settle(b.index)
				return nil
			}
			mu.Lock()
			if matchBatch == -1 || b.index < matchBatch {
				matchBatch, match = b.index, m
			}
			mu.Unlock()
			settle(b.index)
			return nil
		})
	}
	waitErr := grp.Wait()
	cancel()

	// A sequential run would never have reached a batch past a hit, so
	// a failure there must not mask the match. A failure on an earlier
	// batch would have aborted the run first and wins.
	if matchBatch != -1 && (errBatch == -1 || errBatch > matchBatch) {
		return match, nil
	}
	if firstErr != nil {
		return Match{}, firstErr
	}
	if waitErr != nil {
		return Match{}, waitErr
	}
	return Match{}, nil
}

// processBatch runs one submit/retrieve cycle with bounded retries and
// scans the response for the target.
func (e *Engine) processBatch(ctx context.Context, b batch, target []byte) (Match, error) {
	var lastErr error
	attempts := e.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Match{}, err
		}
		m, err := e.tryBatch(ctx, b, target)
		if err == nil {
			return m, nil
		}
		if ctx.Err() != nil {
			return Match{}, ctx.Err()
		}
		lastErr = err
		log.Warn().Err(err).Int("batch", b.index).Int("attempt", attempt).Msg("batch attempt failed")
	}
	return Match{}, &TransportError{Batch: b.index, Attempts: attempts, Err: lastErr}
}

func (e *Engine) tryBatch(ctx context.Context, b batch, target []byte) (Match, error) {
	h, err := e.Transport.Submit(ctx, b.payload)
	if err != nil {
		return Match{}, fmt.Errorf("submit: %w", err)
	}
	resp, err := e.Transport.Retrieve(ctx, h)
	if err != nil {
		return Match{}, fmt.Errorf("retrieve: %w", err)
	}

	// The oracle encrypts payload || marker || padding; the marker plus
	// its padding is exactly one block, so the response must be the
	// payload's length plus one block of the oracle's own re-padding,
	// which is discarded before per-candidate slicing.
	want := len(b.payload) + e.BlockSize
	if len(resp) != want {
		return Match{}, fmt.Errorf("response is %d bytes, want %d: malformed oracle reply", len(resp), want)
	}
	body := resp[:len(resp)-e.BlockSize]

	off := 0
	for _, c := range b.cands {
		chunk := body[off : off+len(c.Bytes)]
		off += len(c.Bytes)
		if len(chunk) == len(target) && bytes.Equal(chunk, target) {
			log.Info().Int("batch", b.index).Int("index", c.Index).Msg("target ciphertext matched")
			return Match{Found: true, Index: c.Index, Word: c.Word}, nil
		}
	}
	return Match{}, nil
}

func (e *Engine) markCleared(index int) {
	if e.Progress == nil {
		return
	}
	if err := e.Progress.MarkCleared(index); err != nil {
		log.Warn().Err(err).Int("batch", index).Msg("could not record batch progress")
	}
}
