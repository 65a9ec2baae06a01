package skeleton

import (
	"github.com/ashita-ai/qcflow/internal/trending"
)

func init() {
	trending.RegisterReductor(Module, "SkeletonReductor", func() (trending.Reductor, error) { return Reductor{}, nil })
}

// Reductor trends the number of entries of any payload, together with the
// numeric quality recorded on the object.
type Reductor struct{}

// Fields implements trending.Reductor.
func (Reductor) Fields() []string { return []string{"entries", "level"} }

// Update implements trending.Reductor. Divisions are ignored.
func (Reductor) Update(in trending.Input, _ [][]float64) ([]trending.Record, error) {
	rec := trending.Record{"entries": 0, "level": 0}
	switch {
	case in.Object != nil && in.Object.Payload != nil:
		rec["entries"] = in.Object.Payload.Entries()
		rec["level"] = float64(in.Object.Quality.Level)
	case in.Quality != nil:
		rec["level"] = float64(in.Quality.Quality.Level)
	default:
		return nil, trending.ErrUnsupportedInput
	}
	return []trending.Record{rec}, nil
}
