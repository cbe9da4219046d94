package sensor

import "sync"

// Sim produces a slowly varying climate reading. FailInit and FailRead
// let tests and bench runs exercise the error paths.
type Sim struct {
	FailInit error
	FailRead error

	mu   sync.Mutex
	step int
}

// Init returns FailInit.
func (s *Sim) Init() error { return s.FailInit }

// Read returns the next simulated reading.
func (s *Sim) Read() (Reading, error) {
	if s.FailRead != nil {
		return Reading{}, s.FailRead
	}
	s.mu.Lock()
	n := s.step
	s.step++
	s.mu.Unlock()

	d := float64(n%10) / 10
	return Reading{
		HasClimate:  true,
		Temperature: 21.5 + d,
		Humidity:    45 + d,
		Pressure:    1013.25,
	}, nil
}
