package detection

import (
	"context"
	"hash/fnv"
	"math/rand/v2"
	"strings"

	"github.com/your-org/birdtag/internal/media"
)

// Species is the label pool the stand-in detector draws from.
var Species = []string{
	"Cockatoo",
	"Kookaburra",
	"Magpie",
	"Rainbow Lorikeet",
	"Galah",
	"Sulphur-crested Cockatoo",
	"Australian Raven",
	"Willie Wagtail",
	"Fairy Wren",
	"Butcherbird",
}

// StandIn produces plausible labels without any model. The same key always
// yields the same labels.
type StandIn struct{}

func (StandIn) Detect(_ context.Context, h Handle) (map[string]int, error) {
	return StandInTags(h.Key), nil
}

// StandInSet routes every media type to the stand-in detector.
func StandInSet() Set {
	out := make(Set, len(media.Types))
	for _, t := range media.Types {
		out[t] = StandIn{}
	}
	return out
}

// StandInTags picks one to three species for key, each with a count of one
// to three.
func StandInTags(key string) map[string]int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed>>1|1))

	n := 1 + rng.IntN(3)
	tags := make(map[string]int, n)
	for _, i := range rng.Perm(len(Species))[:n] {
		tags[strings.ToLower(Species[i])] = 1 + rng.IntN(3)
	}
	return tags
}
