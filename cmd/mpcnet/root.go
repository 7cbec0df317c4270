package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/xxtea01/cb-mpc-net/internal/metrics"
)

const flagLogLevel = "log-level"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mpcnet",
		Short: "Run parallel MPC job sessions over a multiplexed network",
		Long: `mpcnet runs K parallel instances of a coin-tossing protocol per round
over one set of party links, either in-process over a mock network (local)
or as one node of a mutual-TLS deployment (node).`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String(flagLogLevel, zerolog.LevelInfoValue, "log level (trace, debug, info, warn, error)")

	root.AddCommand(newLocalCmd(), newNodeCmd())
	return root
}

func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger().Level(lvl), nil
}

func loggerFromFlags(cmd *cobra.Command) (zerolog.Logger, error) {
	level, err := cmd.Flags().GetString(flagLogLevel)
	if err != nil {
		return zerolog.Nop(), err
	}
	return newLogger(os.Stderr, level)
}

// serveMetrics starts the /metrics endpoint when address is set and returns
// the function that stops it.
func serveMetrics(log zerolog.Logger, reg *prometheus.Registry, address string) (func(), error) {
	if address == "" {
		return func() {}, nil
	}
	server := metrics.NewServer(log, reg)
	if _, err := server.Start(address); err != nil {
		return nil, fmt.Errorf("starting metrics server on %s: %w", address, err)
	}
	return func() {
		if err := server.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("stopping metrics server")
		}
	}, nil
}
