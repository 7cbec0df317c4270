package network

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// roundFunc performs the physical I/O of a complete round. slots holds one
// entry per jsid in ascending order and the returned slice must have the same
// length.
type roundFunc[In, Out any] func(ctx context.Context, slots []In) ([]Out, error)

// roundObserver is told about every finished round.
type roundObserver func(op string, width int, elapsed time.Duration, err error)

// round is the state of one batch of K registrations. Slots and results are
// only reachable through the barrier until done is closed; afterwards each
// participant reads its own result index and nothing else.
type round[In, Out any] struct {
	width     int
	slots     []In
	joined    []bool
	count     int
	executing bool
	cancel    context.CancelFunc
	abortErr  error

	done chan struct{}
	out  []Out
	err  error
}

func newRound[In, Out any](width int) *round[In, Out] {
	return &round[In, Out]{
		width:  width,
		slots:  make([]In, width),
		joined: make([]bool, width),
		done:   make(chan struct{}),
	}
}

func (r *round[In, Out]) take(tag int) (Out, error) {
	var zero Out
	if r.err != nil {
		return zero, r.err
	}
	v := r.out[tag]
	r.out[tag] = zero
	return v, nil
}

// barrier is a reusable rendezvous for one operation kind. It admits each jsid
// once per round, lets the registration that completes the round execute it
// and wakes everybody else when the results are ready.
type barrier[In, Out any] struct {
	op      string
	width   func() int
	run     roundFunc[In, Out]
	observe roundObserver

	mu  sync.Mutex
	cur *round[In, Out]
}

func newBarrier[In, Out any](op string, width func() int, run roundFunc[In, Out], observe roundObserver) *barrier[In, Out] {
	return &barrier[In, Out]{
		op:      op,
		width:   width,
		run:     run,
		observe: observe,
	}
}

// join registers the payload of jsid tag and blocks until the round is done.
func (b *barrier[In, Out]) join(ctx context.Context, tag int, in In) (Out, error) {
	var zero Out

	b.mu.Lock()
	r := b.cur
	width := b.width()
	if r != nil {
		width = r.width
	}
	if tag < 0 || tag >= width {
		b.mu.Unlock()
		return zero, fmt.Errorf("%w: %s jsid %d, width %d", ErrTagOutOfRange, b.op, tag, width)
	}
	if r == nil {
		r = newRound[In, Out](width)
		b.cur = r
	} else if r.joined[tag] {
		b.mu.Unlock()
		return zero, fmt.Errorf("%w: %s jsid %d", ErrDuplicateTag, b.op, tag)
	}

	r.slots[tag] = in
	r.joined[tag] = true
	r.count++

	if r.count < r.width {
		b.mu.Unlock()
		return b.wait(ctx, r, tag)
	}

	var runCtx context.Context
	runCtx, r.cancel = context.WithCancel(ctx)
	r.executing = true
	b.mu.Unlock()

	b.execute(runCtx, r)
	return r.take(tag)
}

func (b *barrier[In, Out]) wait(ctx context.Context, r *round[In, Out], tag int) (Out, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		b.abortRound(r, ctx.Err())
		<-r.done
	}
	return r.take(tag)
}

func (b *barrier[In, Out]) execute(ctx context.Context, r *round[In, Out]) {
	start := time.Now()
	out, err := b.run(ctx, r.slots)
	r.cancel()

	b.mu.Lock()
	if r.abortErr != nil {
		err = fmt.Errorf("%w: %s: %w", ErrAborted, b.op, r.abortErr)
	}
	if err == nil && len(out) != r.width {
		err = fmt.Errorf("%s round produced %d results for width %d", b.op, len(out), r.width)
	}
	r.out, r.err = out, err
	b.finish(r)
	b.mu.Unlock()

	b.observe(b.op, r.width, time.Since(start), err)
}

// abortRound fails r with cause if it has not finished yet. A round that is
// still forming finishes immediately; an executing one has its context
// cancelled and finishes when the transport call returns.
func (b *barrier[In, Out]) abortRound(r *round[In, Out], cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-r.done:
		return
	default:
	}
	if r.abortErr != nil {
		return
	}
	r.abortErr = cause
	if r.executing {
		r.cancel()
		return
	}
	r.err = fmt.Errorf("%w: %s: %w", ErrAborted, b.op, cause)
	b.finish(r)
	b.observe(b.op, r.width, 0, r.err)
}

// abort fails the current round, if any.
func (b *barrier[In, Out]) abort(cause error) {
	b.mu.Lock()
	r := b.cur
	b.mu.Unlock()
	if r != nil {
		b.abortRound(r, cause)
	}
}

// finish clears the slot arena, detaches r and wakes its participants. The
// caller holds b.mu.
func (b *barrier[In, Out]) finish(r *round[In, Out]) {
	r.slots = nil
	if b.cur == r {
		b.cur = nil
	}
	close(r.done)
}

// idle reports whether no round is being formed or executed.
func (b *barrier[In, Out]) idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur == nil
}
