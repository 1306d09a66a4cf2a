// Package parallel runs a function over a sequence with bounded
// concurrency.
package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map applies fn to every value of a sequence, at most limit calls at a
// time, and yields the results in completion order:
//
//	for report, err := range parallel.NewMap(ctx, 2, run).Iter(slices.Values(jobs)) {}
//
// A cancelled context or a break out of the loop stops feeding new values.
// Calls already running see their context cancelled and Iter returns once
// all of them are done.
type Map[E, D any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group
	gctx   context.Context
	out    chan result[D]
	fn     func(context.Context, E) (D, error)
}

func NewMap[E, D any](ctx context.Context, limit int, fn func(context.Context, E) (D, error)) *Map[E, D] {
	if limit < 1 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	// one extra slot for the feeder
	g.SetLimit(limit + 1)

	return &Map[E, D]{
		ctx:    ctx,
		cancel: cancel,
		g:      g,
		gctx:   gctx,
		out:    make(chan result[D], limit),
		fn:     fn,
	}
}

func (m *Map[E, D]) feed(seq iter.Seq[E]) {
	m.g.Go(func() error {
		for value := range seq {
			if m.gctx.Err() != nil {
				return nil
			}
			m.g.Go(func() error {
				d, err := m.fn(m.gctx, value)
				m.out <- result[D]{d: d, e: err}
				return nil
			})
		}
		return nil
	})
}

// Iter consumes seq. It must be called once.
func (m *Map[E, D]) Iter(seq iter.Seq[E]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		defer func() {
			m.cancel()
			for range m.out {
			}
		}()
		m.feed(seq)

		go func() {
			_ = m.g.Wait()
			close(m.out)
		}()

		for r := range m.out {
			if m.ctx.Err() != nil {
				return
			}
			if !yield(r.d, r.e) {
				return
			}
		}
	}
}
