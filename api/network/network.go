package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/xxtea01/cb-mpc-net/api/transport"
)

// Operation names used in errors, logs and metrics.
const (
	OpSend       = "send"
	OpReceive    = "receive"
	OpReceiveAll = "receive_all"
)

type outgoing struct {
	receiver int
	msg      []byte
}

// Network multiplexes K job sessions over one Messenger. It is safe for
// concurrent use by the K sessions; see the package documentation for the
// lock-step contract.
type Network struct {
	id        string
	messenger transport.Messenger
	width     *atomic.Int64
	log       zerolog.Logger
	metrics   Metrics

	// link serialises physical I/O of rounds of every kind.
	link sync.Mutex
	// widthMu orders SetParallel calls against each other.
	widthMu sync.Mutex

	send       *barrier[outgoing, struct{}]
	receive    *barrier[int, []byte]
	receiveAll *barrier[[]int, map[int][]byte]
}

var _ transport.Messenger = (*Network)(nil)

// Option configures a Network.
type Option func(*Network)

// WithLogger sets the logger used for round diagnostics.
func WithLogger(log zerolog.Logger) Option {
	return func(n *Network) {
		n.log = log
	}
}

// WithMetrics sets the collector notified about rounds and traffic.
func WithMetrics(metrics Metrics) Option {
	return func(n *Network) {
		if metrics != nil {
			n.metrics = metrics
		}
	}
}

// NewNetwork wraps messenger into a multiplexer of the given parallel width.
func NewNetwork(messenger transport.Messenger, parallel int, opts ...Option) (*Network, error) {
	if messenger == nil {
		return nil, fmt.Errorf("messenger cannot be nil")
	}
	if parallel < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidWidth, parallel)
	}

	n := &Network{
		id:        uuid.NewString(),
		messenger: messenger,
		width:     atomic.NewInt64(int64(parallel)),
		log:       zerolog.Nop(),
		metrics:   noopMetrics{},
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.With().Str("component", "network").Str("network_id", n.id).Logger()

	n.send = newBarrier[outgoing, struct{}](OpSend, n.Parallel, n.sendRound, n.observeRound)
	n.receive = newBarrier[int, []byte](OpReceive, n.Parallel, n.receiveRound, n.observeRound)
	n.receiveAll = newBarrier[[]int, map[int][]byte](OpReceiveAll, n.Parallel, n.receiveAllRound, n.observeRound)

	n.metrics.ParallelWidth(parallel)
	return n, nil
}

// ID returns the identifier used for this Network in logs.
func (n *Network) ID() string {
	return n.id
}

// Parallel returns the current parallel width K.
func (n *Network) Parallel() int {
	return int(n.width.Load())
}

// SetParallel changes the number of job sessions every subsequent round waits
// for. Both ends of every link have to switch to the same width before the
// first round of the new batch. It fails if a round is currently being formed.
func (n *Network) SetParallel(parallel int) error {
	if parallel < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidWidth, parallel)
	}

	n.widthMu.Lock()
	defer n.widthMu.Unlock()

	if !n.send.idle() || !n.receive.idle() || !n.receiveAll.idle() {
		return ErrRoundInFlight
	}
	old := n.width.Swap(int64(parallel))
	if old != int64(parallel) {
		n.log.Debug().Int64("old", old).Int("new", parallel).Msg("parallel width changed")
	}
	n.metrics.ParallelWidth(parallel)
	return nil
}

// Send delivers msg to receiver on behalf of job session jsid.
func (n *Network) Send(ctx context.Context, receiver int, jsid int, msg []byte) error {
	_, err := n.send.join(ctx, jsid, outgoing{receiver: receiver, msg: msg})
	return err
}

// Receive returns the next message from sender addressed to job session jsid.
func (n *Network) Receive(ctx context.Context, sender int, jsid int) ([]byte, error) {
	return n.receive.join(ctx, jsid, sender)
}

// ReceiveAll receives one message from each sender for job session jsid. The
// result maps every listed sender to its message; an empty message is
// reported as an empty, non-nil slice. Senders not listed by jsid are not in
// its map, even if other sessions of the same round listed them.
func (n *Network) ReceiveAll(ctx context.Context, senders []int, jsid int) (map[int][]byte, error) {
	seen := make(map[int]struct{}, len(senders))
	for _, s := range senders {
		if _, dup := seen[s]; dup {
			return nil, fmt.Errorf("%w: sender %d listed twice", ErrInvalidSenders, s)
		}
		seen[s] = struct{}{}
	}
	list := append([]int(nil), senders...)
	return n.receiveAll.join(ctx, jsid, list)
}

// Abort fails every round that is currently open. Participants of those
// rounds get an error wrapping ErrAborted; later rounds are not affected.
// Abort may be called any number of times from any goroutine.
func (n *Network) Abort() {
	n.log.Info().Msg("aborting open rounds")
	n.send.abort(ErrAborted)
	n.receive.abort(ErrAborted)
	n.receiveAll.abort(ErrAborted)
}

// MessageSend sends on job session 0.
func (n *Network) MessageSend(ctx context.Context, receiver int, buffer []byte) error {
	return n.Send(ctx, receiver, 0, buffer)
}

// MessageReceive receives on job session 0.
func (n *Network) MessageReceive(ctx context.Context, sender int) ([]byte, error) {
	return n.Receive(ctx, sender, 0)
}

// MessagesReceive receives from all senders on job session 0 and returns the
// messages in sender order.
func (n *Network) MessagesReceive(ctx context.Context, senders []int) ([][]byte, error) {
	got, err := n.ReceiveAll(ctx, senders, 0)
	if err != nil {
		return nil, err
	}
	msgs := make([][]byte, len(senders))
	for i, s := range senders {
		msgs[i] = got[s]
	}
	return msgs, nil
}

func (n *Network) sendRound(ctx context.Context, slots []outgoing) ([]struct{}, error) {
	n.link.Lock()
	defer n.link.Unlock()

	for tag, s := range slots {
		if err := ctx.Err(); err != nil {
			return nil, &RoundError{Op: OpSend, Tag: tag, Peers: []int{s.receiver}, Err: err}
		}
		if err := n.messenger.MessageSend(ctx, s.receiver, s.msg); err != nil {
			return nil, &RoundError{Op: OpSend, Tag: tag, Peers: []int{s.receiver}, Err: err}
		}
		n.metrics.MessageSent(len(s.msg))
	}
	return make([]struct{}, len(slots)), nil
}

func (n *Network) receiveRound(ctx context.Context, slots []int) ([][]byte, error) {
	n.link.Lock()
	defer n.link.Unlock()

	out := make([][]byte, len(slots))
	for tag, sender := range slots {
		if err := ctx.Err(); err != nil {
			return nil, &RoundError{Op: OpReceive, Tag: tag, Peers: []int{sender}, Err: err}
		}
		msg, err := n.messenger.MessageReceive(ctx, sender)
		if err != nil {
			return nil, &RoundError{Op: OpReceive, Tag: tag, Peers: []int{sender}, Err: err}
		}
		n.metrics.MessageReceived(len(msg))
		out[tag] = msg
	}
	return out, nil
}

func (n *Network) receiveAllRound(ctx context.Context, slots [][]int) ([]map[int][]byte, error) {
	n.link.Lock()
	defer n.link.Unlock()

	out := make([]map[int][]byte, len(slots))
	for tag, senders := range slots {
		if err := ctx.Err(); err != nil {
			return nil, &RoundError{Op: OpReceiveAll, Tag: tag, Peers: senders, Err: err}
		}
		got := make(map[int][]byte, len(senders))
		out[tag] = got
		if len(senders) == 0 {
			continue
		}
		msgs, err := n.messenger.MessagesReceive(ctx, senders)
		if err != nil {
			return nil, &RoundError{Op: OpReceiveAll, Tag: tag, Peers: senders, Err: err}
		}
		if len(msgs) != len(senders) {
			return nil, &RoundError{
				Op:    OpReceiveAll,
				Tag:   tag,
				Peers: senders,
				Err:   fmt.Errorf("transport returned %d messages for %d senders", len(msgs), len(senders)),
			}
		}
		for i, s := range senders {
			msg := msgs[i]
			if msg == nil {
				msg = []byte{}
			}
			n.metrics.MessageReceived(len(msg))
			got[s] = msg
		}
	}
	return out, nil
}

func (n *Network) observeRound(op string, width int, elapsed time.Duration, err error) {
	if err != nil {
		n.metrics.RoundFailed(op)
		n.log.Warn().Err(err).Str("op", op).Int("width", width).Msg("round failed")
		return
	}
	n.metrics.RoundCompleted(op, width, elapsed)
	n.log.Debug().Str("op", op).Int("width", width).Dur("elapsed", elapsed).Msg("round completed")
}
