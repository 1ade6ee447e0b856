package predict

import (
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-egnn/internal/species"
	"github.com/23skdu/longbow-egnn/internal/structure"
)

type template struct {
	name    string
	symbols []string
	// frac holds fractional coordinates for crystals, Cartesian for molecules.
	coords  []structure.Vec3
	lattice float64 // cubic cell edge in Å; 0 for molecules
}

var templates = []template{
	{
		name:    "H2O",
		symbols: []string{"O", "H", "H"},
		coords:  []structure.Vec3{{0, 0, 0}, {0.757, 0.586, 0}, {-0.757, 0.586, 0}},
	},
	{
		name:    "CH4",
		symbols: []string{"C", "H", "H", "H", "H"},
		coords: []structure.Vec3{
			{0, 0, 0}, {0.629, 0.629, 0.629}, {-0.629, -0.629, 0.629},
			{-0.629, 0.629, -0.629}, {0.629, -0.629, -0.629},
		},
	},
	{
		name:    "NH3",
		symbols: []string{"N", "H", "H", "H"},
		coords:  []structure.Vec3{{0, 0, 0.117}, {0, 0.939, -0.273}, {0.813, -0.470, -0.273}, {-0.813, -0.470, -0.273}},
	},
	{
		name:    "NaCl",
		symbols: []string{"Na", "Cl"},
		coords:  []structure.Vec3{{0, 0, 0}, {0.5, 0.5, 0.5}},
		lattice: 2.82,
	},
	{
		name:    "Cu",
		symbols: []string{"Cu", "Cu", "Cu", "Cu"},
		coords:  []structure.Vec3{{0, 0, 0}, {0.5, 0.5, 0}, {0.5, 0, 0.5}, {0, 0.5, 0.5}},
		lattice: 3.61,
	},
	{
		name:    "Si",
		symbols: []string{"Si", "Si"},
		coords:  []structure.Vec3{{0, 0, 0}, {0.25, 0.25, 0.25}},
		lattice: 2.72,
	},
}

// GenerateStructures returns n small molecules and cubic crystals with
// jittered positions and radius-graph edges. The same seed yields the same
// structures.
func GenerateStructures(n int, seed int64, cutoff float64) ([]*structure.Structure, error) {
	r := rand.New(rand.NewSource(seed))
	result := make([]*structure.Structure, n)

	for i := 0; i < n; i++ {
		t := templates[r.Intn(len(templates))]
		z, err := species.LookupAll(t.symbols)
		if err != nil {
			return nil, err
		}

		s := &structure.Structure{
			ID:            fmt.Sprintf("%s-%d", t.name, i),
			AtomicNumbers: z,
			Positions:     make([]structure.Vec3, len(t.coords)),
		}
		scale := 1.0
		if t.lattice > 0 {
			scale = t.lattice * (0.95 + 0.1*r.Float64())
			s.Lattice = &structure.Mat3{{scale, 0, 0}, {0, scale, 0}, {0, 0, scale}}
		}
		for a, c := range t.coords {
			for k := range c {
				s.Positions[a][k] = c[k]*scale + 0.05*(r.Float64()-0.5)
			}
		}

		if err := structure.BuildEdges(s, cutoff); err != nil {
			return nil, fmt.Errorf("%s: %w", s.ID, err)
		}
		result[i] = s
	}

	return result, nil
}
