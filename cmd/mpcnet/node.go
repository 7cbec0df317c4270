package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/xxtea01/cb-mpc-net/api/network"
	"github.com/xxtea01/cb-mpc-net/api/transport/mtls"
	"github.com/xxtea01/cb-mpc-net/internal/config"
	"github.com/xxtea01/cb-mpc-net/internal/metrics"
)

func newNodeCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run one party over mutual TLS",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed(flagLogLevel) {
				cfg.LogLevel, _ = cmd.Flags().GetString(flagLogLevel)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config %s: %w", configFile, err)
			}
			log, err := newLogger(os.Stderr, cfg.LogLevel)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			stop, err := serveMetrics(log, reg, cfg.MetricsAddress)
			if err != nil {
				return err
			}
			defer stop()

			s, err := runNode(cmd.Context(), log, metrics.NewNetworkCollector(reg), cfg)
			if err != nil {
				return err
			}
			s.print(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "path to the node configuration file")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

// loadTransport reads the key material named by cfg and returns the mTLS
// configuration together with the party names derived from the certificates.
func loadTransport(cfg *config.Config, log zerolog.Logger) (mtls.Config, []string, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return mtls.Config{}, nil, fmt.Errorf("loading key pair %s and %s: %w", cfg.CertFile, cfg.KeyFile, err)
	}

	caCert, err := os.ReadFile(cfg.CaFile)
	if err != nil {
		return mtls.Config{}, nil, fmt.Errorf("reading CA cert %s: %w", cfg.CaFile, err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return mtls.Config{}, nil, fmt.Errorf("no certificates found in %s", cfg.CaFile)
	}

	pnames := make([]string, len(cfg.Parties))
	parties := make(map[int]mtls.PartyConfig, len(cfg.Parties))
	nameToIndex := make(map[string]int, len(cfg.Parties))
	for i, party := range cfg.Parties {
		certPEM, err := os.ReadFile(party.Cert)
		if err != nil {
			return mtls.Config{}, nil, fmt.Errorf("reading certificate of party %d: %w", i, err)
		}
		pc, err := mtls.LoadPartyConfig(certPEM, party.Address)
		if err != nil {
			return mtls.Config{}, nil, fmt.Errorf("loading party %d: %w", i, err)
		}
		pname, err := mtls.PartyNameFromCertificate(pc.Cert)
		if err != nil {
			return mtls.Config{}, nil, fmt.Errorf("extracting name of party %d: %w", i, err)
		}
		if _, dup := nameToIndex[pname]; dup {
			return mtls.Config{}, nil, fmt.Errorf("party %d reuses the certificate of party %d", i, nameToIndex[pname])
		}
		pnames[i] = pname
		parties[i] = pc
		nameToIndex[pname] = i
	}

	return mtls.Config{
		Parties:     parties,
		CertPool:    caCertPool,
		TLSCert:     cert,
		NameToIndex: nameToIndex,
		SelfIndex:   cfg.Index,
		Logger:      log,
	}, pnames, nil
}

func runNode(ctx context.Context, log zerolog.Logger, collector network.Metrics, cfg *config.Config) (*summary, error) {
	log = log.With().Int("party", cfg.Index).Logger()
	tcfg, pnames, err := loadTransport(cfg, log)
	if err != nil {
		return nil, err
	}

	messenger, err := mtls.NewMTLSMessenger(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	defer func() {
		if err := messenger.Close(); err != nil {
			log.Warn().Err(err).Msg("closing transport")
		}
	}()

	net, err := network.NewNetwork(messenger, cfg.Parallel, network.WithLogger(log), network.WithMetrics(collector))
	if err != nil {
		return nil, err
	}
	log.Info().Str("pname", pnames[cfg.Index]).Int("parallel", cfg.Parallel).Int("rounds", cfg.Rounds).Msg("transport ready")
	return runParty(ctx, log, net, cfg.Index, pnames, cfg.Parallel, cfg.Rounds)
}
