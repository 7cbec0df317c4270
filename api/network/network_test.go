package network_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/xxtea01/cb-mpc-net/api/network"
	"github.com/xxtea01/cb-mpc-net/api/transport/mocknet"
)

func newNetworks(t *testing.T, n, parallel int) []*network.Network {
	t.Helper()
	messengers := mocknet.NewMockNetwork(n)
	nets := make([]*network.Network, n)
	for i := range messengers {
		net, err := network.NewNetwork(messengers[i], parallel)
		require.NoError(t, err)
		nets[i] = net
	}
	return nets
}

func TestNewNetworkValidation(t *testing.T) {
	_, err := network.NewNetwork(nil, 1)
	assert.Error(t, err)

	_, err = network.NewNetwork(newRecordingMessenger(), 0)
	assert.ErrorIs(t, err, network.ErrInvalidWidth)

	net, err := network.NewNetwork(newRecordingMessenger(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, net.Parallel())
	assert.NotEmpty(t, net.ID())
}

func TestSingleSessionSendReceive(t *testing.T) {
	// K = 1 behaves like the bare messenger.
	nets := newNetworks(t, 3, 1)
	ctx := context.Background()
	want := []byte("test_string")

	require.NoError(t, nets[1].Send(ctx, 2, 0, want))
	got, err := nets[2].Receive(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestNetworkImplementsMessengerOnSessionZero(t *testing.T) {
	nets := newNetworks(t, 3, 1)
	ctx := context.Background()

	require.NoError(t, nets[1].MessageSend(ctx, 0, []byte("one")))
	require.NoError(t, nets[2].MessageSend(ctx, 0, []byte("two")))

	msgs, err := nets[0].MessagesReceive(ctx, []int{2, 1})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("two"), []byte("one")}, msgs)

	require.NoError(t, nets[0].MessageSend(ctx, 1, []byte("back")))
	got, err := nets[1].MessageReceive(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("back"), got)
}

func TestRoundWaitsForAllSessions(t *testing.T) {
	const k = 3
	rec := newRecordingMessenger()
	net, err := network.NewNetwork(rec, k)
	require.NoError(t, err)
	ctx := context.Background()

	done := make(chan int, k)
	for _, jsid := range []int{2, 0} {
		go func() {
			assert.NoError(t, net.Send(ctx, 1, jsid, []byte{byte(jsid)}))
			done <- jsid
		}()
	}

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.Calls(), "no physical call before the round is complete")
	assert.Len(t, done, 0)

	require.NoError(t, net.Send(ctx, 1, 1, []byte{1}))
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("waiting sessions were not released")
		}
	}

	calls := rec.Calls()
	require.Len(t, calls, k)
	for jsid, c := range calls {
		assert.Equal(t, "send", c.op)
		assert.Equal(t, []byte{byte(jsid)}, c.msg, "physical sends happen in ascending jsid order")
	}
}

func TestRoundOrderIsIndependentOfScheduling(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		k := rapid.IntRange(1, 6).Draw(rt, "k")
		tags := make([]int, k)
		for i := range tags {
			tags[i] = i
		}
		order := rapid.Permutation(tags).Draw(rt, "order")
		delays := rapid.SliceOfN(rapid.IntRange(0, 300), k, k).Draw(rt, "delays")

		rec := newRecordingMessenger()
		net, err := network.NewNetwork(rec, k)
		require.NoError(rt, err)
		ctx := context.Background()

		received := make([][]byte, k)
		pos := make(map[int]int, k)
		for i, jsid := range order {
			pos[jsid] = i
		}
		errs := runTags(k, order, func(jsid int) error {
			time.Sleep(time.Duration(delays[pos[jsid]]) * time.Microsecond)
			if err := net.Send(ctx, 7, jsid, []byte(fmt.Sprintf("tag%d", jsid))); err != nil {
				return err
			}
			msg, err := net.Receive(ctx, 7, jsid)
			received[jsid] = msg
			return err
		})
		for _, err := range errs {
			require.NoError(rt, err)
		}

		calls := rec.Calls()
		require.Len(rt, calls, 2*k)
		for jsid := 0; jsid < k; jsid++ {
			assert.Equal(rt, []byte(fmt.Sprintf("tag%d", jsid)), calls[jsid].msg)
			assert.Equal(rt, "receive", calls[k+jsid].op)
			// The n-th receive of the round belongs to jsid n.
			assert.Equal(rt, []byte(fmt.Sprintf("msg%d", k+jsid)), received[jsid])
		}
	})
}

func TestDirectedRoundTripPerSession(t *testing.T) {
	for _, k := range []int{1, 2, 4, 8} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			nets := newNetworks(t, 2, k)
			ctx := context.Background()

			sendOrder := rand.Perm(k)
			recvOrder := rand.Perm(k)
			received := make([][]byte, k)

			errCh := make(chan []error, 2)
			go func() {
				errCh <- runTags(k, sendOrder, func(jsid int) error {
					return nets[0].Send(ctx, 1, jsid, []byte(fmt.Sprintf("payload for jsid %d", jsid)))
				})
			}()
			go func() {
				errCh <- runTags(k, recvOrder, func(jsid int) error {
					msg, err := nets[1].Receive(ctx, 0, jsid)
					received[jsid] = msg
					return err
				})
			}()
			for i := 0; i < 2; i++ {
				for _, err := range <-errCh {
					require.NoError(t, err)
				}
			}

			for jsid := 0; jsid < k; jsid++ {
				assert.Equal(t, []byte(fmt.Sprintf("payload for jsid %d", jsid)), received[jsid])
			}
		})
	}
}

func TestReceiveAllPolicy(t *testing.T) {
	// Party 0 gathers with K=2: jsid 0 asks parties 1 and 2, jsid 1 asks
	// party 1 only. Party 2 contributes an empty payload for jsid 0.
	messengers := mocknet.NewMockNetwork(3)
	ctx := context.Background()
	require.NoError(t, messengers[1].MessageSend(ctx, 0, []byte("1/j0")))
	require.NoError(t, messengers[1].MessageSend(ctx, 0, []byte("1/j1")))
	require.NoError(t, messengers[2].MessageSend(ctx, 0, nil))

	net, err := network.NewNetwork(messengers[0], 2)
	require.NoError(t, err)

	results := make([]map[int][]byte, 2)
	errs := runTags(2, []int{1, 0}, func(jsid int) error {
		senders := []int{1, 2}
		if jsid == 1 {
			senders = []int{1}
		}
		got, err := net.ReceiveAll(ctx, senders, jsid)
		results[jsid] = got
		return err
	})
	for _, err := range errs {
		require.NoError(t, err)
	}

	// Present with an empty buffer.
	require.Contains(t, results[0], 2)
	assert.NotNil(t, results[0][2])
	assert.Empty(t, results[0][2])
	assert.Equal(t, []byte("1/j0"), results[0][1])

	// Absent: party 2 was not asked by jsid 1.
	assert.Equal(t, map[int][]byte{1: []byte("1/j1")}, results[1])
	assert.NotContains(t, results[1], 2)
}

func TestReceiveAllRoundTripParallel(t *testing.T) {
	const n, k = 4, 3
	nets := newNetworks(t, n, k)
	ctx := context.Background()

	senders := []int{1, 2, 3}
	errCh := make(chan []error, n)
	for _, s := range senders {
		go func() {
			errCh <- runTags(k, rand.Perm(k), func(jsid int) error {
				return nets[s].Send(ctx, 0, jsid, []byte(fmt.Sprintf("s%d/j%d", s, jsid)))
			})
		}()
	}
	results := make([]map[int][]byte, k)
	go func() {
		errCh <- runTags(k, rand.Perm(k), func(jsid int) error {
			got, err := nets[0].ReceiveAll(ctx, senders, jsid)
			results[jsid] = got
			return err
		})
	}()
	for i := 0; i < n; i++ {
		for _, err := range <-errCh {
			require.NoError(t, err)
		}
	}

	for jsid := 0; jsid < k; jsid++ {
		require.Len(t, results[jsid], len(senders))
		for _, s := range senders {
			assert.Equal(t, []byte(fmt.Sprintf("s%d/j%d", s, jsid)), results[jsid][s])
		}
	}
}

func TestReceiveAllRejectsDuplicateSenders(t *testing.T) {
	rec := newRecordingMessenger()
	net, err := network.NewNetwork(rec, 1)
	require.NoError(t, err)

	_, err = net.ReceiveAll(context.Background(), []int{1, 2, 1}, 0)
	assert.ErrorIs(t, err, network.ErrInvalidSenders)
	assert.Empty(t, rec.Calls())
}

func TestFailurePropagatesToWholeRound(t *testing.T) {
	const k = 4
	rec := newRecordingMessenger()
	boom := errors.New("link down")
	rec.failAt = 3 // physical call of jsid 2
	rec.failErr = boom

	metrics := newRecordingMetrics()
	net, err := network.NewNetwork(rec, k, network.WithMetrics(metrics))
	require.NoError(t, err)
	ctx := context.Background()

	errs := runTags(k, rand.Perm(k), func(jsid int) error {
		return net.Send(ctx, 1, jsid, []byte(fmt.Sprintf("first%d", jsid)))
	})
	for jsid, err := range errs {
		require.Error(t, err, "jsid %d", jsid)
		assert.ErrorIs(t, err, boom)
		var roundErr *network.RoundError
		require.ErrorAs(t, err, &roundErr)
		assert.Equal(t, network.OpSend, roundErr.Op)
		assert.Equal(t, 2, roundErr.Tag)
	}
	assert.Len(t, rec.Calls(), 3, "remaining calls of the round are skipped")
	assert.EqualValues(t, 1, metrics.failed.Load())

	// The next round starts clean.
	rec.Reset()
	errs = runTags(k, rand.Perm(k), func(jsid int) error {
		return net.Send(ctx, 1, jsid, []byte(fmt.Sprintf("second%d", jsid)))
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	calls := rec.Calls()
	require.Len(t, calls, k)
	for jsid, c := range calls {
		assert.Equal(t, []byte(fmt.Sprintf("second%d", jsid)), c.msg)
	}
	assert.EqualValues(t, 1, metrics.completed.Load())
}

func TestTagOutOfRange(t *testing.T) {
	rec := newRecordingMessenger()
	net, err := network.NewNetwork(rec, 2)
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, net.Send(ctx, 1, 2, nil), network.ErrTagOutOfRange)
	assert.ErrorIs(t, net.Send(ctx, 1, -1, nil), network.ErrTagOutOfRange)
	_, err = net.Receive(ctx, 1, 5)
	assert.ErrorIs(t, err, network.ErrTagOutOfRange)
	_, err = net.ReceiveAll(ctx, []int{1}, 2)
	assert.ErrorIs(t, err, network.ErrTagOutOfRange)
	assert.Empty(t, rec.Calls())
}

func TestDuplicateTagInOpenRound(t *testing.T) {
	rec := newRecordingMessenger()
	net, err := network.NewNetwork(rec, 2)
	require.NoError(t, err)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- net.Send(ctx, 1, 0, []byte("first")) }()

	require.Eventually(t, func() bool {
		err := net.SetParallel(2)
		return errors.Is(err, network.ErrRoundInFlight)
	}, 2*time.Second, 5*time.Millisecond, "round with jsid 0 never opened")

	assert.ErrorIs(t, net.Send(ctx, 1, 0, []byte("overwrite")), network.ErrDuplicateTag)

	require.NoError(t, net.Send(ctx, 1, 1, []byte("other")))
	require.NoError(t, <-first)

	calls := rec.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []byte("first"), calls[0].msg, "slot was not overwritten")
}

func TestWidthReconfiguration(t *testing.T) {
	rec := newRecordingMessenger()
	net, err := network.NewNetwork(rec, 2)
	require.NoError(t, err)
	ctx := context.Background()

	for _, err := range runTags(2, nil, func(jsid int) error { return net.Send(ctx, 1, jsid, nil) }) {
		require.NoError(t, err)
	}
	require.Len(t, rec.Calls(), 2)

	assert.ErrorIs(t, net.SetParallel(0), network.ErrInvalidWidth)
	require.NoError(t, net.SetParallel(3))
	assert.Equal(t, 3, net.Parallel())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, err := range runTags(2, nil, func(jsid int) error { return net.Send(ctx, 1, jsid, nil) }) {
			assert.NoError(t, err)
		}
	}()
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.Calls(), 2, "two sessions no longer complete a round")

	require.NoError(t, net.Send(ctx, 1, 2, nil))
	<-done
	assert.Len(t, rec.Calls(), 5)

	require.NoError(t, net.SetParallel(1))
	require.NoError(t, net.Send(ctx, 1, 0, nil))
	assert.Len(t, rec.Calls(), 6)
}

func TestAbortReleasesWaiters(t *testing.T) {
	rec := newRecordingMessenger()
	net, err := network.NewNetwork(rec, 3)
	require.NoError(t, err)
	ctx := context.Background()

	errCh := make(chan error, 2)
	for jsid := 0; jsid < 2; jsid++ {
		go func() {
			_, err := net.Receive(ctx, 1, jsid)
			errCh <- err
		}()
	}
	require.Eventually(t, func() bool {
		return errors.Is(net.SetParallel(3), network.ErrRoundInFlight)
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	net.Abort()
	net.Abort()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, network.ErrAborted)
		case <-time.After(2 * time.Second):
			t.Fatal("abort did not release the waiters")
		}
	}
	assert.Empty(t, rec.Calls())

	// Later rounds are unaffected.
	for _, err := range runTags(3, nil, func(jsid int) error {
		_, err := net.Receive(ctx, 1, jsid)
		return err
	}) {
		require.NoError(t, err)
	}
}

func TestAbortCancelsExecutingRound(t *testing.T) {
	rec := newRecordingMessenger()
	rec.block = true
	net, err := network.NewNetwork(rec, 2)
	require.NoError(t, err)
	ctx := context.Background()

	errCh := make(chan []error, 1)
	go func() {
		errCh <- runTags(2, nil, func(jsid int) error {
			_, err := net.Receive(ctx, 1, jsid)
			return err
		})
	}()

	select {
	case <-rec.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("round never reached the transport")
	}
	net.Abort()

	select {
	case errs := <-errCh:
		for _, err := range errs {
			assert.ErrorIs(t, err, network.ErrAborted)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not cancel the executing round")
	}
}

func TestContextCancelAbortsRound(t *testing.T) {
	rec := newRecordingMessenger()
	net, err := network.NewNetwork(rec, 3)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 2)
	go func() { errCh <- net.Send(ctx, 1, 0, nil) }()
	go func() { errCh <- net.Send(context.Background(), 1, 1, nil) }()

	require.Eventually(t, func() bool {
		return errors.Is(net.SetParallel(3), network.ErrRoundInFlight)
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, network.ErrAborted)
		case <-time.After(2 * time.Second):
			t.Fatal("context cancel did not release the round")
		}
	}
	assert.Empty(t, rec.Calls())
}

func TestStressNoCrossTalk(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}
	const k, rounds = 4, 1000
	nets := newNetworks(t, 2, k)
	ctx := context.Background()

	errCh := make(chan []error, 2)
	go func() {
		errCh <- runTags(k, nil, func(jsid int) error {
			rnd := rand.New(rand.NewSource(int64(jsid)))
			for r := 0; r < rounds; r++ {
				time.Sleep(time.Duration(rnd.Intn(20)) * time.Microsecond)
				if err := nets[0].Send(ctx, 1, jsid, []byte(fmt.Sprintf("r%d/j%d", r, jsid))); err != nil {
					return err
				}
			}
			return nil
		})
	}()
	go func() {
		errCh <- runTags(k, nil, func(jsid int) error {
			rnd := rand.New(rand.NewSource(int64(100 + jsid)))
			for r := 0; r < rounds; r++ {
				time.Sleep(time.Duration(rnd.Intn(20)) * time.Microsecond)
				msg, err := nets[1].Receive(ctx, 0, jsid)
				if err != nil {
					return err
				}
				if want := fmt.Sprintf("r%d/j%d", r, jsid); string(msg) != want {
					return fmt.Errorf("jsid %d got %q, want %q", jsid, msg, want)
				}
			}
			return nil
		})
	}()

	timeout := time.After(60 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case errs := <-errCh:
			for _, err := range errs {
				require.NoError(t, err)
			}
		case <-timeout:
			t.Fatal("stress run deadlocked")
		}
	}
}
