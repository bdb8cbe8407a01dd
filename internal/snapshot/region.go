package snapshot

import "fmt"

// Dimension identifies one of the three world dimensions
type Dimension string

const (
	Overworld Dimension = "overworld"
	Nether    Dimension = "nether"
	End       Dimension = "end"
)

// dimensionPrefixes maps each dimension to its region directory inside
// the server directory (Anvil layout)
var dimensionPrefixes = map[Dimension]string{
	Overworld: "world/region/",
	Nether:    "world/DIM-1/region/",
	End:       "world/DIM1/region/",
}

// Region selects a single region file of one dimension for partial restore
type Region struct {
	Dimension Dimension `json:"dimension"`
	X         int       `json:"x"`
	Z         int       `json:"z"`
}

// Valid reports whether the dimension tag is one of the known three
func (r Region) Valid() bool {
	_, ok := dimensionPrefixes[r.Dimension]
	return ok
}

// Path returns the repository-relative path of the region file.
// The mapping is deterministic: one selector, one file.
func (r Region) Path() string {
	return fmt.Sprintf("%sr.%d.%d.mca", dimensionPrefixes[r.Dimension], r.X, r.Z)
}

// RegionPaths expands a region list into its storage paths
func RegionPaths(regions []Region) []string {
	paths := make([]string, 0, len(regions))
	for _, r := range regions {
		paths = append(paths, r.Path())
	}
	return paths
}
