package stream

import "time"

const (
	DefaultBackoffInitial = 5 * time.Second
	DefaultBackoffMax     = 60 * time.Second
	// DefaultStableAfter: una sesión que aguanta esto sin error no cuenta
	// como fallo aunque no haya recibido eventos (canal de usuario sin
	// actividad).
	DefaultStableAfter = 30 * time.Second
)

// Backoff es el calendario de reconexión: Initial, duplicando en cada fallo
// consecutivo hasta Max. Los campos a cero toman los valores por defecto.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	StableAfter time.Duration
}

// DefaultBackoff: 5s, 10s, 20s, 40s, 60s, 60s...
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     DefaultBackoffInitial,
		Max:         DefaultBackoffMax,
		StableAfter: DefaultStableAfter,
	}
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoffInitial
	}
	if b.Max < b.Initial {
		b.Max = max(b.Initial, DefaultBackoffMax)
	}
	if b.StableAfter <= 0 {
		b.StableAfter = DefaultStableAfter
	}
	return b
}

// Next devuelve la espera tras el fallo número failures (1-based).
func (b Backoff) Next(failures int) time.Duration {
	b = b.withDefaults()
	wait := b.Initial
	for i := 1; i < failures && wait < b.Max; i++ {
		wait *= 2
	}
	return min(wait, b.Max)
}

// Stable indica si una sesión que duró lived reinicia la cuenta de fallos.
func (b Backoff) Stable(lived time.Duration) bool {
	return lived >= b.withDefaults().StableAfter
}
