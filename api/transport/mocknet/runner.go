package mocknet

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/xxtea01/cb-mpc-net/api/mpc"
	"github.com/xxtea01/cb-mpc-net/api/network"
)

// MPCIO represents input/output data for MPC operations
type MPCIO struct {
	Opaque interface{}
}

// MPCPeer represents a single party in the MPC protocol
type MPCPeer struct {
	nParties      int
	roleIndex     int
	dataTransport *MockMessenger
	network       *network.Network
}

// MPCRunner runs MPC protocols among parties connected by a mock network. Every
// party gets its own network.Network on top of its MockMessenger, so protocols
// can run several job sessions per party in parallel.
type MPCRunner struct {
	nParties int
	pnames   []string
	peers    []*MPCPeer
}

// GeneratePartyNames returns the default party name list ("party_0", "party_1", ...)
// for the given number of parties. It is handy for tests and examples that do not
// require custom naming.
func GeneratePartyNames(n int) []string {
	names := make([]string, n)
	for i := 0; i < n; i++ {
		names[i] = fmt.Sprintf("party_%d", i)
	}
	return names
}

// NewMPCRunner creates a new MPCRunner with the specified party names.  The caller
// should pass one name per party, e.g.:
//
//	r := mocknet.NewMPCRunner("alice", "bob")
//
// For convenience, callers can generate the default names via GeneratePartyNames.
func NewMPCRunner(pnames ...string) *MPCRunner {
	return NewMPCRunnerWithOptions(pnames)
}

// NewMPCRunnerWithOptions is NewMPCRunner with options applied to every
// party's network.
func NewMPCRunnerWithOptions(pnames []string, opts ...network.Option) *MPCRunner {
	n := len(pnames)
	if n == 0 {
		panic("NewMPCRunner requires at least one party name")
	}

	runner := &MPCRunner{nParties: n, pnames: append([]string(nil), pnames...)}
	runner.peers = make([]*MPCPeer, n)

	transports := NewMockNetwork(n)
	for i := 0; i < n; i++ {
		net, err := network.NewNetwork(transports[i], 1, opts...)
		if err != nil {
			// Only reachable with a nil messenger or a width below one.
			panic(err)
		}
		runner.peers[i] = &MPCPeer{
			nParties:      n,
			roleIndex:     i,
			dataTransport: transports[i],
			network:       net,
		}
	}
	return runner
}

// Networks returns the per-party networks, indexed by party.
func (runner *MPCRunner) Networks() []*network.Network {
	nets := make([]*network.Network, runner.nParties)
	for i, p := range runner.peers {
		nets[i] = p.network
	}
	return nets
}

// Messengers returns the per-party mock messengers, indexed by party.
func (runner *MPCRunner) Messengers() []*MockMessenger {
	dts := make([]*MockMessenger, runner.nParties)
	for i, p := range runner.peers {
		dts[i] = p.dataTransport
	}
	return dts
}

// SetParallel sets the parallel width of every party's network.
func (runner *MPCRunner) SetParallel(parallel int) error {
	for _, p := range runner.peers {
		if err := p.network.SetParallel(parallel); err != nil {
			return fmt.Errorf("party %d: %w", p.roleIndex, err)
		}
	}
	return nil
}

// MPCFunction2P represents a function for two-party MPC protocols
type MPCFunction2P func(ctx context.Context, job *mpc.JobSession2P, input *MPCIO) (*MPCIO, error)

// MPCFunctionMP represents a function for multi-party MPC protocols
type MPCFunctionMP func(ctx context.Context, job *mpc.JobSessionMP, input *MPCIO) (*MPCIO, error)

// MPCRun2P executes a two-party MPC protocol with the given function and inputs
func (runner *MPCRunner) MPCRun2P(f MPCFunction2P, inputs []*MPCIO) ([]*MPCIO, error) {
	outs, err := runner.MPCRunParallel2P(1, f, inputs)
	if err != nil {
		return nil, err
	}
	return column(outs, 0), nil
}

// MPCRunMP executes a multi-party MPC protocol with the given function and inputs
func (runner *MPCRunner) MPCRunMP(f MPCFunctionMP, inputs []*MPCIO) ([]*MPCIO, error) {
	outs, err := runner.MPCRunParallelMP(1, f, inputs)
	if err != nil {
		return nil, err
	}
	return column(outs, 0), nil
}

// MPCRunParallel2P runs parallel instances of a two-party protocol, jsids
// 0..parallel-1, on both parties at once. inputs are indexed by party and
// shared by all of its sessions; outputs are indexed by party, then jsid.
func (runner *MPCRunner) MPCRunParallel2P(parallel int, f MPCFunction2P, inputs []*MPCIO) ([][]*MPCIO, error) {
	if runner.nParties != 2 {
		return nil, fmt.Errorf("Run2P only supports 2 parties, got %d", runner.nParties)
	}
	return runner.run(parallel, inputs, func(ctx context.Context, party, jsid int, input *MPCIO) (*MPCIO, error) {
		base, err := mpc.NewJobSession2P(runner.peers[party].network, mpc.Role(party), runner.pnames[0], runner.pnames[1], 0)
		if err != nil {
			return nil, fmt.Errorf("failed to create JobSession2P: %w", err)
		}
		job := base
		if jsid != 0 {
			if job, err = base.ParallelJob(jsid); err != nil {
				return nil, fmt.Errorf("failed to create parallel JobSession2P: %w", err)
			}
		}
		return f(ctx, job, input)
	})
}

// MPCRunParallelMP runs parallel instances of a multi-party protocol, jsids
// 0..parallel-1, on all parties at once. Outputs are indexed by party, then
// jsid.
func (runner *MPCRunner) MPCRunParallelMP(parallel int, f MPCFunctionMP, inputs []*MPCIO) ([][]*MPCIO, error) {
	return runner.run(parallel, inputs, func(ctx context.Context, party, jsid int, input *MPCIO) (*MPCIO, error) {
		base, err := mpc.NewJobSessionMP(runner.peers[party].network, party, runner.pnames, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to create JobSessionMP: %w", err)
		}
		job := base
		if jsid != 0 {
			if job, err = base.ParallelJob(jsid); err != nil {
				return nil, fmt.Errorf("failed to create parallel JobSessionMP: %w", err)
			}
		}
		return f(ctx, job, input)
	})
}

type sessionFunc func(ctx context.Context, party, jsid int, input *MPCIO) (*MPCIO, error)

// run starts one goroutine per (party, jsid). The first failure cancels the
// shared context and aborts the mock network so that no session stays blocked
// on a peer that gave up.
func (runner *MPCRunner) run(parallel int, inputs []*MPCIO, session sessionFunc) ([][]*MPCIO, error) {
	if inputs != nil && len(inputs) != runner.nParties {
		return nil, fmt.Errorf("got %d inputs for %d parties", len(inputs), runner.nParties)
	}
	if err := runner.SetParallel(parallel); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outs := make([][]*MPCIO, runner.nParties)
	errs := make([][]error, runner.nParties)
	for i := range outs {
		outs[i] = make([]*MPCIO, parallel)
		errs[i] = make([]error, parallel)
	}

	var abortOnce sync.Once
	abort := func() {
		abortOnce.Do(func() {
			cancel()
			for _, p := range runner.peers {
				p.dataTransport.Abort()
			}
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < runner.nParties; i++ {
		var input *MPCIO
		if inputs != nil {
			input = inputs[i]
		}
		for jsid := 0; jsid < parallel; jsid++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := session(ctx, i, jsid, input)
				if err != nil {
					errs[i][jsid] = fmt.Errorf("party %d jsid %d: %w", i, jsid, err)
					abort()
					return
				}
				outs[i][jsid] = out
			}()
		}
	}
	wg.Wait()

	// Clean up after job
	runner.cleanup()

	var result *multierror.Error
	for i := range errs {
		for _, err := range errs[i] {
			if err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return outs, nil
}

// cleanup resets the runner state and clears message queues
func (runner *MPCRunner) cleanup() {
	for _, p := range runner.peers {
		p.dataTransport.Reset()
	}
}

func column(outs [][]*MPCIO, jsid int) []*MPCIO {
	col := make([]*MPCIO, len(outs))
	for i := range outs {
		col[i] = outs[i][jsid]
	}
	return col
}
