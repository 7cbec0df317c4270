package main

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/xxtea01/cb-mpc-net/api/mpc"
	"github.com/xxtea01/cb-mpc-net/api/network"
	"github.com/xxtea01/cb-mpc-net/api/transport/mocknet"
	"github.com/xxtea01/cb-mpc-net/internal/metrics"
)

type localOptions struct {
	parties        int
	parallel       int
	rounds         int
	metricsAddress string
}

func newLocalCmd() *cobra.Command {
	var opts localOptions
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Run all parties in-process over a mock network",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := loggerFromFlags(cmd)
			if err != nil {
				return err
			}
			reg := prometheus.NewRegistry()
			stop, err := serveMetrics(log, reg, opts.metricsAddress)
			if err != nil {
				return err
			}
			defer stop()

			s, err := runLocal(cmd.Context(), log, metrics.NewNetworkCollector(reg), opts)
			if err != nil {
				return err
			}
			s.print(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.parties, "parties", 3, "number of parties")
	cmd.Flags().IntVar(&opts.parallel, "parallel", 4, "job sessions per party (K)")
	cmd.Flags().IntVar(&opts.rounds, "rounds", 10, "protocol runs per job session")
	cmd.Flags().StringVar(&opts.metricsAddress, "metrics-address", "", "serve /metrics on this address")
	return cmd
}

// runLocal runs every party over one mock network and checks that all parties
// agreed on the value of every session.
func runLocal(ctx context.Context, log zerolog.Logger, collector network.Metrics, opts localOptions) (*summary, error) {
	if opts.parties < 2 {
		return nil, fmt.Errorf("at least 2 parties are required, got %d", opts.parties)
	}
	if opts.parallel < 1 || opts.rounds < 1 {
		return nil, fmt.Errorf("parallel and rounds must be positive")
	}

	runner := mocknet.NewMPCRunnerWithOptions(
		mocknet.GeneratePartyNames(opts.parties),
		network.WithLogger(log),
		network.WithMetrics(collector),
	)
	log.Info().Int("parties", opts.parties).Int("parallel", opts.parallel).Int("rounds", opts.rounds).Msg("starting local run")

	s := &summary{Parallel: opts.parallel, Values: make([][][]byte, opts.rounds)}
	start := time.Now()
	for r := 0; r < opts.rounds; r++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outs, err := runner.MPCRunParallelMP(opts.parallel, func(ctx context.Context, job *mpc.JobSessionMP, _ *mocknet.MPCIO) (*mocknet.MPCIO, error) {
			v, err := agreeRandom(ctx, job)
			return &mocknet.MPCIO{Opaque: v}, err
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("round %d: %w", r, err)
		}

		values := make([][]byte, opts.parallel)
		for jsid := range values {
			values[jsid] = outs[0][jsid].Opaque.([]byte)
			for party := 1; party < opts.parties; party++ {
				if got := outs[party][jsid].Opaque.([]byte); !bytes.Equal(got, values[jsid]) {
					return nil, fmt.Errorf("round %d jsid %d: party %d disagrees with party 0", r, jsid, party)
				}
			}
		}
		s.Values[r] = values
	}
	s.Elapsed = time.Since(start)
	log.Info().Dur("elapsed", s.Elapsed).Msg("local run finished")
	return s, nil
}
