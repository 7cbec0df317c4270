package mocknet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ef-ds/deque"
	"golang.org/x/sync/errgroup"

	"github.com/xxtea01/cb-mpc-net/api/transport"
)

// ErrAborted is returned by receives on an aborted MockMessenger.
var ErrAborted = errors.New("mocknet: aborted")

// MockMessenger provides a mock implementation of the Messenger interface for testing.
// It uses in-memory message queues to simulate network communication between parties.
type MockMessenger struct {
	roleIndex int
	outs      []*MockMessenger
	mutex     sync.Mutex
	cond      *sync.Cond
	// queues[i] holds the messages received from party i.
	queues  []deque.Deque
	isAbort bool
}

// Ensure MockMessenger implements the Messenger interface
var _ transport.Messenger = (*MockMessenger)(nil)

// NewMockMessenger creates a new MockMessenger instance for the specified party role
func NewMockMessenger(roleIndex int) *MockMessenger {
	dt := &MockMessenger{roleIndex: roleIndex}
	dt.cond = sync.NewCond(&dt.mutex)
	return dt
}

// setOuts configures the connections to other mock transport instances.
// This is used internally by NewMockNetwork to wire up all parties.
func (dt *MockMessenger) setOuts(dts []*MockMessenger) {
	dt.outs = dts
	dt.queues = make([]deque.Deque, len(dts))
}

// RoleIndex returns the party index of this messenger.
func (dt *MockMessenger) RoleIndex() int {
	return dt.roleIndex
}

func (dt *MockMessenger) checkPeer(peer int) error {
	if peer == dt.roleIndex {
		return fmt.Errorf("party %d cannot talk to itself", peer)
	}
	if peer < 0 || peer >= len(dt.outs) {
		return fmt.Errorf("party %d does not exist in a network of %d", peer, len(dt.outs))
	}
	return nil
}

// MessageSend queues a message at the specified receiver party. It never blocks.
func (dt *MockMessenger) MessageSend(_ context.Context, receiverIndex int, buffer []byte) error {
	if err := dt.checkPeer(receiverIndex); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	receiverDT := dt.outs[receiverIndex]
	receiverDT.mutex.Lock()
	receiverDT.queues[dt.roleIndex].PushBack(buffer)
	receiverDT.mutex.Unlock()
	receiverDT.cond.Broadcast()

	return nil
}

// MessageReceive waits for the next message from the specified sender party.
// It returns early if the messenger is aborted or ctx is done.
func (dt *MockMessenger) MessageReceive(ctx context.Context, senderIndex int) ([]byte, error) {
	if err := dt.checkPeer(senderIndex); err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}

	dt.mutex.Lock()
	defer dt.mutex.Unlock()

	stop := context.AfterFunc(ctx, func() {
		dt.mutex.Lock()
		dt.cond.Broadcast()
		dt.mutex.Unlock()
	})
	defer stop()

	queue := &dt.queues[senderIndex]
	for {
		if dt.isAbort {
			return nil, ErrAborted
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if v, ok := queue.PopFront(); ok {
			return v.([]byte), nil
		}
		dt.cond.Wait()
	}
}

// MessagesReceive receives one message from each sender concurrently and
// returns them in sender order. The first failure cancels the other receives.
func (dt *MockMessenger) MessagesReceive(ctx context.Context, senderIndices []int) ([][]byte, error) {
	receivedMsgs := make([][]byte, len(senderIndices))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, senderIndex := range senderIndices {
		eg.Go(func() error {
			msg, err := dt.MessageReceive(egCtx, senderIndex)
			if err != nil {
				return fmt.Errorf("receiving message from %d: %w", senderIndex, err)
			}
			receivedMsgs[i] = msg
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return receivedMsgs, nil
}

// Abort makes every pending and future receive fail with ErrAborted until Reset.
func (dt *MockMessenger) Abort() {
	dt.mutex.Lock()
	dt.isAbort = true
	dt.mutex.Unlock()
	dt.cond.Broadcast()
}

// Reset drops all queued messages and clears the abort flag.
func (dt *MockMessenger) Reset() {
	dt.mutex.Lock()
	defer dt.mutex.Unlock()
	dt.isAbort = false
	for i := range dt.queues {
		dt.queues[i].Init()
	}
}

// Pending returns the number of queued messages from sender.
func (dt *MockMessenger) Pending(senderIndex int) int {
	dt.mutex.Lock()
	defer dt.mutex.Unlock()
	return dt.queues[senderIndex].Len()
}

// NewMockNetwork creates a complete mock network with the specified number of parties.
// It returns a slice of MockMessenger instances, one for each party, already wired together.
func NewMockNetwork(nParties int) []*MockMessenger {
	messengers := make([]*MockMessenger, nParties)
	for i := 0; i < nParties; i++ {
		messengers[i] = NewMockMessenger(i)
	}
	for i := 0; i < nParties; i++ {
		messengers[i].setOuts(messengers)
	}
	return messengers
}
