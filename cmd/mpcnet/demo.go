package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/xxtea01/cb-mpc-net/api/mpc"
	"github.com/xxtea01/cb-mpc-net/api/network"
)

const randomBits = 128

// summary holds the agreed values of a run, indexed by round, then jsid.
type summary struct {
	Parallel int
	Values   [][][]byte
	Elapsed  time.Duration
}

func (s *summary) print(w io.Writer) {
	for r, round := range s.Values {
		for jsid, v := range round {
			fmt.Fprintf(w, "round %d jsid %d: %s\n", r, jsid, hex.EncodeToString(v))
		}
	}
	fmt.Fprintf(w, "%d rounds x %d sessions in %s\n", len(s.Values), s.Parallel, s.Elapsed.Round(time.Millisecond))
}

func agreeRandom(ctx context.Context, job mpc.Job) ([]byte, error) {
	resp, err := mpc.AgreeRandom(ctx, job, &mpc.AgreeRandomRequest{BitLen: randomBits})
	if err != nil {
		return nil, err
	}
	return resp.RandomValue, nil
}

// runParty runs rounds batches of parallel AgreeRandom sessions as party self
// over net. The first failing session aborts the network so that its siblings
// do not wait for rounds that will never complete.
func runParty(ctx context.Context, log zerolog.Logger, net *network.Network, self int, pnames []string, parallel, rounds int) (*summary, error) {
	if err := net.SetParallel(parallel); err != nil {
		return nil, err
	}
	base, err := mpc.NewJobSessionMP(net, self, pnames, 0)
	if err != nil {
		return nil, err
	}
	jobs := []*mpc.JobSessionMP{base}
	for jsid := 1; jsid < parallel; jsid++ {
		job, err := base.ParallelJob(jsid)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	s := &summary{Parallel: parallel, Values: make([][][]byte, rounds)}
	start := time.Now()
	for r := 0; r < rounds; r++ {
		values := make([][]byte, parallel)
		eg, egCtx := errgroup.WithContext(ctx)
		for jsid, job := range jobs {
			eg.Go(func() error {
				v, err := agreeRandom(egCtx, job)
				if err != nil {
					net.Abort()
					return fmt.Errorf("round %d jsid %d: %w", r, jsid, err)
				}
				values[jsid] = v
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
		s.Values[r] = values
		log.Debug().Int("round", r).Int("sessions", parallel).Msg("round finished")
	}
	s.Elapsed = time.Since(start)
	return s, nil
}
