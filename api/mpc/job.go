package mpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xxtea01/cb-mpc-net/api/network"
)

// Transport is the set of message primitives a protocol engine uses. Calls of
// the same kind must not overlap within one job session.
type Transport interface {
	// Send delivers msg to party to.
	Send(ctx context.Context, to int, msg []byte) error
	// Receive returns the next message from party from.
	Receive(ctx context.Context, from int) ([]byte, error)
	// ReceiveMany returns one message per party in from, in the same order.
	ReceiveMany(ctx context.Context, from []int) ([][]byte, error)
}

// Job is a Transport that also knows who the local party is.
type Job interface {
	Transport
	PartyIndex() int
	NParties() int
}

var (
	_ Job = (*JobSession2P)(nil)
	_ Job = (*JobSessionMP)(nil)
)

// ErrNotParticipant is returned by Message when the local party is neither the
// sender nor the receiver.
var ErrNotParticipant = errors.New("caller needs to be either sender or receiver")

// Role is the position of the local party in a two-party job.
type Role uint8

const (
	RoleP1 Role = iota
	RoleP2
)

func (r Role) valid() bool { return r == RoleP1 || r == RoleP2 }

// Index returns the party index of the role.
func (r Role) Index() int { return int(r) }

// Peer returns the party index of the other role.
func (r Role) Peer() int {
	if r == RoleP1 {
		return RoleP2.Index()
	}
	return RoleP1.Index()
}

func (r Role) String() string {
	switch r {
	case RoleP1:
		return "p1"
	case RoleP2:
		return "p2"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// JobSession2P is a two-party job session bound to a Network.
type JobSession2P struct {
	mu     sync.RWMutex
	role   Role
	net    *network.Network
	pnames [2]string
	jsid   int
}

// NewJobSession2P constructs a two-party job session.
// role         – RoleP1 or RoleP2 for the local party.
// pname1/2     – names of the two parties.
// jsid         – job session id on net, in [0, net.Parallel()).
func NewJobSession2P(net *network.Network, role Role, pname1, pname2 string, jsid int) (*JobSession2P, error) {
	if net == nil {
		return nil, fmt.Errorf("network cannot be nil")
	}
	if !role.valid() {
		return nil, fmt.Errorf("invalid role %s", role)
	}
	if pname1 == "" || pname2 == "" {
		return nil, fmt.Errorf("party names cannot be empty")
	}
	if pname1 == pname2 {
		return nil, fmt.Errorf("party names must differ, got %q twice", pname1)
	}
	if jsid < 0 {
		return nil, fmt.Errorf("%w: jsid %d", network.ErrTagOutOfRange, jsid)
	}
	return &JobSession2P{
		role:   role,
		net:    net,
		pnames: [2]string{pname1, pname2},
		jsid:   jsid,
	}, nil
}

func (j *JobSession2P) binding() (*network.Network, Role) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.net, j.role
}

// Send sends msg to party to under this session's jsid.
func (j *JobSession2P) Send(ctx context.Context, to int, msg []byte) error {
	net, _ := j.binding()
	return net.Send(ctx, to, j.jsid, msg)
}

// Receive receives the next message from party from under this session's jsid.
func (j *JobSession2P) Receive(ctx context.Context, from int) ([]byte, error) {
	net, _ := j.binding()
	return net.Receive(ctx, from, j.jsid)
}

// ReceiveMany receives one message from each party in from.
func (j *JobSession2P) ReceiveMany(ctx context.Context, from []int) ([][]byte, error) {
	net, _ := j.binding()
	return receiveMany(ctx, net, from, j.jsid)
}

// SetNetwork rebinds the session to another network, e.g. after the links
// were re-established. It must not be called while an operation is running.
func (j *JobSession2P) SetNetwork(role Role, net *network.Network) error {
	if !role.valid() {
		return fmt.Errorf("invalid role %s", role)
	}
	if net == nil {
		return fmt.Errorf("network cannot be nil")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.role = role
	j.net = net
	return nil
}

// ParallelJob returns a sibling session with the same parties and network but
// a different jsid. The network's parallel width has to cover every jsid in
// concurrent use.
func (j *JobSession2P) ParallelJob(jsid int) (*JobSession2P, error) {
	net, role := j.binding()
	return NewJobSession2P(net, role, j.pnames[0], j.pnames[1], jsid)
}

// SetParallelCount sets the parallel width of the underlying network. Both
// parties have to call it with the same value before starting the sessions.
func (j *JobSession2P) SetParallelCount(parallel int) error {
	net, _ := j.binding()
	return net.SetParallel(parallel)
}

// Message moves msg from sender to receiver. The sender gets msg back, the
// receiver gets the received payload.
func (j *JobSession2P) Message(ctx context.Context, sender, receiver int, msg []byte) ([]byte, error) {
	switch j.PartyIndex() {
	case sender:
		if err := j.Send(ctx, receiver, msg); err != nil {
			return nil, fmt.Errorf("2p send failed: %w", err)
		}
		return msg, nil
	case receiver:
		received, err := j.Receive(ctx, sender)
		if err != nil {
			return nil, fmt.Errorf("2p receive failed: %w", err)
		}
		return received, nil
	}
	return nil, fmt.Errorf("%w: sender %d, receiver %d, current role is %d",
		ErrNotParticipant, sender, receiver, j.PartyIndex())
}

// P1ToP2 sends msg from P1 to P2; both sides return the transferred payload.
func (j *JobSession2P) P1ToP2(ctx context.Context, msg []byte) ([]byte, error) {
	return j.Message(ctx, RoleP1.Index(), RoleP2.Index(), msg)
}

// P2ToP1 sends msg from P2 to P1; both sides return the transferred payload.
func (j *JobSession2P) P2ToP1(ctx context.Context, msg []byte) ([]byte, error) {
	return j.Message(ctx, RoleP2.Index(), RoleP1.Index(), msg)
}

// Role returns the local role.
func (j *JobSession2P) Role() Role {
	_, role := j.binding()
	return role
}

// IsP1 reports whether the local party is P1.
func (j *JobSession2P) IsP1() bool { return j.Role() == RoleP1 }

// IsP2 reports whether the local party is P2.
func (j *JobSession2P) IsP2() bool { return j.Role() == RoleP2 }

// Peer returns the party index of the other party.
func (j *JobSession2P) Peer() int { return j.Role().Peer() }

// PartyIndex returns the local party index (0 or 1).
func (j *JobSession2P) PartyIndex() int { return j.Role().Index() }

// NParties always returns 2.
func (j *JobSession2P) NParties() int { return 2 }

// PartyNames returns the names of P1 and P2.
func (j *JobSession2P) PartyNames() []string { return []string{j.pnames[0], j.pnames[1]} }

// JobSessionID returns the session's jsid.
func (j *JobSession2P) JobSessionID() int { return j.jsid }

// Network returns the network the session is currently bound to.
func (j *JobSession2P) Network() *network.Network {
	net, _ := j.binding()
	return net
}

func receiveMany(ctx context.Context, net *network.Network, from []int, jsid int) ([][]byte, error) {
	got, err := net.ReceiveAll(ctx, from, jsid)
	if err != nil {
		return nil, err
	}
	msgs := make([][]byte, len(from))
	for i, p := range from {
		msgs[i] = got[p]
	}
	return msgs, nil
}
