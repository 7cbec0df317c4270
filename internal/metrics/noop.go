package metrics

import (
	"time"

	"github.com/xxtea01/cb-mpc-net/api/network"
)

type NoopCollector struct{}

var _ network.Metrics = (*NoopCollector)(nil)

func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (nc *NoopCollector) RoundCompleted(op string, width int, duration time.Duration) {}
func (nc *NoopCollector) RoundFailed(op string)                                       {}
func (nc *NoopCollector) MessageSent(sizeBytes int)                                   {}
func (nc *NoopCollector) MessageReceived(sizeBytes int)                               {}
func (nc *NoopCollector) ParallelWidth(width int)                                     {}
