package network_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/xxtea01/cb-mpc-net/api/transport"
)

type call struct {
	op   string
	peer int
	msg  []byte
}

// recordingMessenger logs every physical call. Receives answer with
// "msg<n>" where n is the number of the call, so the caller can tell in which
// order receives happened. failAt makes the n-th call (1-based) fail; block
// makes receives wait for their context.
type recordingMessenger struct {
	mu      sync.Mutex
	calls   []call
	failAt  int
	failErr error
	block   bool
	entered chan struct{}
}

var _ transport.Messenger = (*recordingMessenger)(nil)

func newRecordingMessenger() *recordingMessenger {
	return &recordingMessenger{entered: make(chan struct{}, 64)}
}

func (m *recordingMessenger) record(op string, peer int, msg []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{op: op, peer: peer, msg: msg})
	n := len(m.calls)
	if m.failAt != 0 && n == m.failAt {
		return n, m.failErr
	}
	return n, nil
}

func (m *recordingMessenger) MessageSend(_ context.Context, receiver int, buffer []byte) error {
	_, err := m.record("send", receiver, buffer)
	return err
}

func (m *recordingMessenger) MessageReceive(ctx context.Context, sender int) ([]byte, error) {
	n, err := m.record("receive", sender, nil)
	if err != nil {
		return nil, err
	}
	if m.block {
		m.entered <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return []byte(fmt.Sprintf("msg%d", n-1)), nil
}

func (m *recordingMessenger) MessagesReceive(ctx context.Context, senders []int) ([][]byte, error) {
	msgs := make([][]byte, len(senders))
	for i, s := range senders {
		msg, err := m.MessageReceive(ctx, s)
		if err != nil {
			return nil, err
		}
		msgs[i] = msg
	}
	return msgs, nil
}

func (m *recordingMessenger) Calls() []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]call(nil), m.calls...)
}

func (m *recordingMessenger) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.failAt = 0
}

// recordingMetrics counts observations.
type recordingMetrics struct {
	completed *atomic.Int64
	failed    *atomic.Int64
	sent      *atomic.Int64
	received  *atomic.Int64
	width     *atomic.Int64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		completed: atomic.NewInt64(0),
		failed:    atomic.NewInt64(0),
		sent:      atomic.NewInt64(0),
		received:  atomic.NewInt64(0),
		width:     atomic.NewInt64(0),
	}
}

func (r *recordingMetrics) RoundCompleted(string, int, time.Duration) { r.completed.Inc() }
func (r *recordingMetrics) RoundFailed(string)                        { r.failed.Inc() }
func (r *recordingMetrics) MessageSent(size int)                      { r.sent.Add(int64(size)) }
func (r *recordingMetrics) MessageReceived(size int)                  { r.received.Add(int64(size)) }
func (r *recordingMetrics) ParallelWidth(width int)                   { r.width.Store(int64(width)) }

// runTags calls f for every jsid in [0, k) from its own goroutine, in the
// given start order, and returns the errors indexed by jsid.
func runTags(k int, order []int, f func(jsid int) error) []error {
	if order == nil {
		order = make([]int, k)
		for i := range order {
			order[i] = i
		}
	}
	errs := make([]error, k)
	var wg sync.WaitGroup
	for _, jsid := range order {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[jsid] = f(jsid)
		}()
	}
	wg.Wait()
	return errs
}
