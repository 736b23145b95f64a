package subscribe

import "time"

// Nominal inter-message intervals for the paced consumers: one video
// frame at 30 fps, one audio chunk at 20 ms.
const (
	NominalVideoInterval = 33 * time.Millisecond
	NominalAudioInterval = 20 * time.Millisecond
)

// pacingFactor maps the consumer's backlog to a multiple of the nominal
// interval. A deep backlog shortens the interval to drain faster; an
// empty queue stretches it slightly so the consumer never outruns the
// producer and spins.
func pacingFactor(backlog int) float64 {
	switch {
	case backlog > 15:
		return 0.75
	case backlog >= 10:
		return 0.85
	case backlog >= 5:
		return 1.0
	default:
		return 1.05
	}
}

// Pacer computes the delay between polls for a pull-based channel
// consumer from its current backlog.
type Pacer struct {
	nominal time.Duration
}

// NewPacer creates a pacer around the given nominal interval.
func NewPacer(nominal time.Duration) *Pacer {
	if nominal <= 0 {
		nominal = NominalVideoInterval
	}
	return &Pacer{nominal: nominal}
}

// Interval returns the delay before the next poll given the number of
// messages still queued.
func (p *Pacer) Interval(backlog int) time.Duration {
	return time.Duration(float64(p.nominal) * pacingFactor(backlog))
}
