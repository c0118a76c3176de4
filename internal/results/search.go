package results

import (
	"context"
	"strings"

	"github.com/your-org/birdtag/internal/media"
)

// Searcher answers tag queries over stored results.
type Searcher struct {
	store Store
}

func NewSearcher(store Store) *Searcher {
	return &Searcher{store: store}
}

// ByTags returns results that carry every label in min with at least the
// given count.
func (s *Searcher) ByTags(ctx context.Context, min map[string]int) ([]media.Result, error) {
	want := make(map[string]int, len(min))
	for label, n := range min {
		label = strings.ToLower(strings.TrimSpace(label))
		if label == "" {
			continue
		}
		if n < 1 {
			n = 1
		}
		want[label] = n
	}
	return s.filter(ctx, func(r media.Result) bool {
		for label, n := range want {
			if r.Tags[label] < n {
				return false
			}
		}
		return true
	})
}

// BySpecies returns results that contain the label at least once.
func (s *Searcher) BySpecies(ctx context.Context, species string) ([]media.Result, error) {
	return s.ByTags(ctx, map[string]int{species: 1})
}

func (s *Searcher) filter(ctx context.Context, match func(media.Result) bool) ([]media.Result, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]media.Result, 0, len(all))
	for _, r := range all {
		if match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}
