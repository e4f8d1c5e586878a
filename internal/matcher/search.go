package matcher

// Params bound an expanding-radius search.
type Params struct {
	StartRadiusKm float64
	MaxRadiusKm   float64
	StepKm        float64
}

func DefaultParams() Params {
	return Params{StartRadiusKm: 2, MaxRadiusKm: 10, StepKm: 2}
}

type Decision int

const (
	// Continue means the radius was widened (or is at the ceiling) and the
	// next tick should run.
	Continue Decision = iota
	// Exhausted means this tick's radius is the ceiling. It is still
	// queried; after that the rider has to expand or cancel.
	Exhausted
)

func (d Decision) String() string {
	if d == Exhausted {
		return "exhausted"
	}
	return "continue"
}

// Search is the state of one ride's search. It is owned by a single ride
// session and discarded when the session leaves searching.
type Search struct {
	RideID          string
	CurrentRadiusKm float64
	MaxRadiusKm     float64
	StepKm          float64
	ElapsedTicks    int
	Exhausted       bool
}

func NewSearch(rideID string, p Params) *Search {
	def := DefaultParams()
	if p.StepKm <= 0 {
		p.StepKm = def.StepKm
	}
	if p.StartRadiusKm <= 0 {
		p.StartRadiusKm = def.StartRadiusKm
	}
	if p.MaxRadiusKm <= 0 {
		p.MaxRadiusKm = def.MaxRadiusKm
	}
	if p.StartRadiusKm > p.MaxRadiusKm {
		p.StartRadiusKm = p.MaxRadiusKm
	}
	return &Search{RideID: rideID, CurrentRadiusKm: p.StartRadiusKm, MaxRadiusKm: p.MaxRadiusKm, StepKm: p.StepKm}
}

// Tick advances the search by one interval. It returns the radius to query
// this tick and whether another tick follows it.
func (s *Search) Tick() (float64, Decision) {
	s.ElapsedTicks++
	r := s.CurrentRadiusKm
	if r >= s.MaxRadiusKm {
		s.Exhausted = true
		return r, Exhausted
	}
	next := r + s.StepKm
	if next > s.MaxRadiusKm {
		next = s.MaxRadiusKm
	}
	s.CurrentRadiusKm = next
	return r, Continue
}

// Expand raises the ceiling; the search resumes from the current radius.
func (s *Search) Expand(incrementKm float64) {
	if incrementKm <= 0 {
		incrementKm = s.StepKm
	}
	s.MaxRadiusKm += incrementKm
	s.Exhausted = false
}
