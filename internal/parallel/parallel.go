// Package parallel runs independent units of work (cell types, resampling
// iterations, permutations) on a bounded pool of goroutines.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Exec is the execution context handed to every parallel stage.
type Exec struct {
	// Workers bounds concurrent units. 0 means runtime.NumCPU().
	Workers int
	// FailOnError turns any unit failure into a failure of the whole batch.
	FailOnError bool
	// Logger receives per-unit warnings. nil means no logging.
	Logger *zap.Logger
	// Progress, if set, is called after each unit completes.
	Progress func(done, total int)
}

// WorkerCount returns the effective worker count.
func (e Exec) WorkerCount() int {
	if e.Workers <= 0 {
		return runtime.NumCPU()
	}
	return e.Workers
}

// Log returns a non-nil logger.
func (e Exec) Log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// Sub derives the context for a stage nested inside n concurrent units: the
// worker count is divided by n, never below 1, and progress is not reported.
func (e Exec) Sub(n int) Exec {
	w := e.WorkerCount()
	if n > 0 {
		w /= n
	}
	if w < 1 {
		w = 1
	}
	return Exec{Workers: w, FailOnError: e.FailOnError, Logger: e.Logger}
}

// ErrSkip marks a unit that was deliberately left out (not enough data, a
// degenerate design). Skips are always reported as warnings, even when
// FailOnError is set.
var ErrSkip = errors.New("skipped")

// UnitError reports a failed unit.
type UnitError struct {
	Key string
	Err error
}

func (e *UnitError) Error() string { return fmt.Sprintf("%s: %v", e.Key, e.Err) }
func (e *UnitError) Unwrap() error { return e.Err }

// Map calls fn for every key on a pool of e.WorkerCount() goroutines and
// returns the results keyed by key. A failed unit is logged and left out of
// the result unless e.FailOnError is set, in which case the first failure
// cancels the remaining units and is returned. Errors wrapping ErrSkip never
// escalate. The returned slice lists the failed units in key order. Panics
// inside fn are recovered as failures.
func Map[T any](ctx context.Context, e Exec, keys []string, fn func(ctx context.Context, key string) (T, error)) (map[string]T, []*UnitError, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.WorkerCount())

	var (
		mu      sync.Mutex
		results = make(map[string]T, len(keys))
		failed  []*UnitError
		done    int
	)
	log := e.Log()

	for _, key := range keys {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					err = record(e, &mu, &failed, log, key, err)
				}
			}()
			if err := gctx.Err(); err != nil {
				return err
			}

			v, err := fn(gctx, key)

			mu.Lock()
			done++
			n := done
			if err == nil {
				results[key] = v
			}
			mu.Unlock()

			if e.Progress != nil {
				e.Progress(n, len(keys))
			}
			if err != nil {
				return record(e, &mu, &failed, log, key, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, failed, err
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].Key < failed[j].Key })
	return results, failed, nil
}

func record(e Exec, mu *sync.Mutex, failed *[]*UnitError, log *zap.Logger, key string, err error) error {
	ue := &UnitError{Key: key, Err: err}
	mu.Lock()
	*failed = append(*failed, ue)
	mu.Unlock()
	if errors.Is(err, ErrSkip) {
		log.Warn("skipping unit", zap.String("unit", key), zap.Error(err))
		return nil
	}
	if e.FailOnError {
		return ue
	}
	log.Warn("unit failed", zap.String("unit", key), zap.Error(err))
	return nil
}

// Keys returns the sorted keys of m.
func Keys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
