package workflow

// SimulationCeiling is the highest progress a simulated update may report.
const SimulationCeiling = 95

// Simulator produces the synthetic progress shown while the status endpoint
// is unreachable. Each step closes a quarter of the remaining distance to
// SimulationCeiling, with a minimum step of one point.
type Simulator struct {
	progress int
}

// NewSimulator starts the curve at the last known real progress.
func NewSimulator(start int) *Simulator {
	return &Simulator{progress: clamp(start, 0, SimulationCeiling)}
}

// Observe moves the baseline forward when real progress is ahead of the
// simulation.
func (s *Simulator) Observe(progress int) {
	if p := clamp(progress, 0, SimulationCeiling); p > s.progress {
		s.progress = p
	}
}

// Next returns the next simulated progress value.
func (s *Simulator) Next() int {
	step := (SimulationCeiling - s.progress) / 4
	if step < 1 {
		step = 1
	}
	s.progress = clamp(s.progress+step, 0, SimulationCeiling)
	return s.progress
}

// Progress returns the last value produced or observed.
func (s *Simulator) Progress() int { return s.progress }
