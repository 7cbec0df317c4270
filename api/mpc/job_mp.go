package mpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/xxtea01/cb-mpc-net/api/network"
)

// JobSessionMP is an N-party job session bound to a Network.
type JobSessionMP struct {
	mu         sync.RWMutex
	partyIndex int
	net        *network.Network
	pnames     []string
	jsid       int
}

// NewJobSessionMP constructs a multi-party job session for the party at
// partyIndex among pnames.
func NewJobSessionMP(net *network.Network, partyIndex int, pnames []string, jsid int) (*JobSessionMP, error) {
	if net == nil {
		return nil, fmt.Errorf("network cannot be nil")
	}
	if len(pnames) < 2 {
		return nil, fmt.Errorf("at least 2 party names are required, got %d", len(pnames))
	}
	if partyIndex < 0 || partyIndex >= len(pnames) {
		return nil, fmt.Errorf("partyIndex (%d) must be in range [0, %d)", partyIndex, len(pnames))
	}
	seen := make(map[string]struct{}, len(pnames))
	for i, name := range pnames {
		if name == "" {
			return nil, fmt.Errorf("party name at index %d cannot be empty", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("party name %q appears twice", name)
		}
		seen[name] = struct{}{}
	}
	if jsid < 0 {
		return nil, fmt.Errorf("%w: jsid %d", network.ErrTagOutOfRange, jsid)
	}
	return &JobSessionMP{
		partyIndex: partyIndex,
		net:        net,
		pnames:     append([]string(nil), pnames...),
		jsid:       jsid,
	}, nil
}

func (j *JobSessionMP) binding() (*network.Network, int) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.net, j.partyIndex
}

// Send sends msg to party to under this session's jsid.
func (j *JobSessionMP) Send(ctx context.Context, to int, msg []byte) error {
	net, _ := j.binding()
	return net.Send(ctx, to, j.jsid, msg)
}

// Receive receives the next message from party from under this session's jsid.
func (j *JobSessionMP) Receive(ctx context.Context, from int) ([]byte, error) {
	net, _ := j.binding()
	return net.Receive(ctx, from, j.jsid)
}

// ReceiveMany receives one message from each party in from.
func (j *JobSessionMP) ReceiveMany(ctx context.Context, from []int) ([][]byte, error) {
	net, _ := j.binding()
	return receiveMany(ctx, net, from, j.jsid)
}

// SetNetwork rebinds the session to another network and local party index.
// It must not be called while an operation is running.
func (j *JobSessionMP) SetNetwork(partyIndex int, net *network.Network) error {
	if net == nil {
		return fmt.Errorf("network cannot be nil")
	}
	if partyIndex < 0 || partyIndex >= len(j.pnames) {
		return fmt.Errorf("partyIndex (%d) must be in range [0, %d)", partyIndex, len(j.pnames))
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.partyIndex = partyIndex
	j.net = net
	return nil
}

// ParallelJob returns a sibling session with the same parties and network but
// a different jsid.
func (j *JobSessionMP) ParallelJob(jsid int) (*JobSessionMP, error) {
	net, idx := j.binding()
	return NewJobSessionMP(net, idx, j.pnames, jsid)
}

// PlainBroadcast sends msg to every other party and collects their messages.
// The result is indexed by party; the local slot holds msg.
func (j *JobSessionMP) PlainBroadcast(ctx context.Context, msg []byte) ([][]byte, error) {
	return broadcast(ctx, j, msg)
}

// PartyIndex returns this party's index.
func (j *JobSessionMP) PartyIndex() int {
	_, idx := j.binding()
	return idx
}

// IsParty checks if the given index matches this party.
func (j *JobSessionMP) IsParty(idx int) bool { return j.PartyIndex() == idx }

// NParties returns the total number of parties in this MPC job.
func (j *JobSessionMP) NParties() int { return len(j.pnames) }

// PartyNames returns a copy of the party names.
func (j *JobSessionMP) PartyNames() []string { return append([]string(nil), j.pnames...) }

// JobSessionID returns the session's jsid.
func (j *JobSessionMP) JobSessionID() int { return j.jsid }

// Network returns the network the session is currently bound to.
func (j *JobSessionMP) Network() *network.Network {
	net, _ := j.binding()
	return net
}

// broadcast sends msg to all other parties in ascending index order, then
// receives one message from each of them.
func broadcast(ctx context.Context, job Job, msg []byte) ([][]byte, error) {
	self := job.PartyIndex()
	others := make([]int, 0, job.NParties()-1)
	for i := 0; i < job.NParties(); i++ {
		if i == self {
			continue
		}
		others = append(others, i)
		if err := job.Send(ctx, i, msg); err != nil {
			return nil, fmt.Errorf("broadcast to party %d: %w", i, err)
		}
	}

	received, err := job.ReceiveMany(ctx, others)
	if err != nil {
		return nil, fmt.Errorf("broadcast receive: %w", err)
	}
	all := make([][]byte, job.NParties())
	all[self] = msg
	for i, p := range others {
		all[p] = received[i]
	}
	return all, nil
}
