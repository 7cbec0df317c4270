package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const endpoint = "/metrics"

// Server serves the /metrics endpoint for Prometheus.
type Server struct {
	echo *echo.Echo
	log  zerolog.Logger
}

// NewServer creates a server exposing the metrics gathered by g.
func NewServer(log zerolog.Logger, g prometheus.Gatherer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET(endpoint, echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	return &Server{
		echo: e,
		log:  log.With().Str("component", "metrics_server").Logger(),
	}
}

// Start listens on address and serves in the background until Shutdown. It
// returns the address actually bound, which differs from address when the
// port is 0.
func (s *Server) Start(address string) (string, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return "", err
	}
	s.echo.Listener = ln
	bound := ln.Addr().String()

	go func() {
		if err := s.echo.Start(""); err != nil {
			// http.ErrServerClosed is returned when Close or Shutdown is called
			if errors.Is(err, http.ErrServerClosed) {
				s.log.Debug().Err(err).Msg("metrics server shutdown")
			} else {
				s.log.Err(err).Msg("metrics server failed")
			}
		}
	}()
	s.log.Info().Str("address", bound).Str("endpoint", endpoint).Msg("metrics server started")
	return bound, nil
}

// Shutdown stops the server, waiting at most five seconds for open requests.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}
