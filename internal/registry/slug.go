package registry

import (
	"fmt"
	"math/rand/v2"
)

// Session ids are human-readable slugs so a speaker can read one aloud.
var slugAdjectives = []string{
	"amber", "bold", "bright", "calm", "clever", "crimson", "eager",
	"gentle", "golden", "hidden", "jolly", "keen", "lively", "lucky",
	"mellow", "noble", "proud", "quiet", "rapid", "silver", "steady",
	"sunny", "swift", "vivid", "wise",
}

var slugNouns = []string{
	"badger", "bison", "condor", "crane", "dolphin", "eagle", "falcon",
	"ferret", "gazelle", "heron", "ibis", "jaguar", "kestrel", "lemur",
	"lynx", "marten", "osprey", "otter", "panther", "puffin", "raven",
	"salmon", "swallow", "tiger", "wren",
}

// newSlug returns an id like "golden-eagle-427".
func newSlug() string {
	adj := slugAdjectives[rand.IntN(len(slugAdjectives))]
	noun := slugNouns[rand.IntN(len(slugNouns))]
	return fmt.Sprintf("%s-%s-%d", adj, noun, 100+rand.IntN(900))
}
