package network

import "time"

// Metrics receives round and traffic observations from a Network.
type Metrics interface {
	RoundCompleted(op string, width int, duration time.Duration)
	RoundFailed(op string)
	MessageSent(sizeBytes int)
	MessageReceived(sizeBytes int)
	ParallelWidth(width int)
}

type noopMetrics struct{}

func (noopMetrics) RoundCompleted(string, int, time.Duration) {}
func (noopMetrics) RoundFailed(string)                        {}
func (noopMetrics) MessageSent(int)                           {}
func (noopMetrics) MessageReceived(int)                       {}
func (noopMetrics) ParallelWidth(int)                         {}
