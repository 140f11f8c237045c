package presence

import "hash/fnv"

// palette is the fixed set of colors assigned to members joining a
// workspace room. Assignment is deterministic and
// unique-within-workspace until the palette is exhausted.
var palette = [20]string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
	"#008080", "#e6beff", "#9a6324", "#fffac8", "#800000",
	"#aaffc3", "#808000", "#ffd8b1", "#000075", "#808080",
}

// hashedColor falls back to an FNV-1a hash of userID once every palette
// entry is already in use within the workspace. Duplicates are allowed
// beyond the 20th concurrent member.
func hashedColor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[int(h.Sum32())%len(palette)]
}
