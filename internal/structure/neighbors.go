package structure

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// minVolume below which a lattice is treated as absent.
const minVolume = 1e-8

// maxImages caps the periodic image search per lattice direction.
const maxImages = 16

// BuildEdges fills s.EdgeIndex and s.EdgeShift with a radius graph: every
// ordered pair (i, j, n) with 0 < |pos[j] + n·L - pos[i]| <= cutoff, where n
// ranges over the periodic images that can fall inside the cutoff. Both
// directions of each bond are emitted. Existing edges are replaced and
// EdgeAttr is cleared.
func BuildEdges(s *Structure, cutoff float64) error {
	if cutoff <= 0 || math.IsNaN(cutoff) {
		return errors.New("cutoff must be positive")
	}

	images, lattice, err := imageRange(s.Lattice, cutoff)
	if err != nil {
		return err
	}

	var src, dst []int
	var shifts []Vec3
	for i, pi := range s.Positions {
		a := r3.Vec{X: pi[0], Y: pi[1], Z: pi[2]}
		for j, pj := range s.Positions {
			b := r3.Vec{X: pj[0], Y: pj[1], Z: pj[2]}
			for n0 := -images[0]; n0 <= images[0]; n0++ {
				for n1 := -images[1]; n1 <= images[1]; n1++ {
					for n2 := -images[2]; n2 <= images[2]; n2++ {
						if i == j && n0 == 0 && n1 == 0 && n2 == 0 {
							continue
						}
						shift := Vec3{float64(n0), float64(n1), float64(n2)}
						image := r3.Add(b, shiftVector(shift, lattice))
						d := r3.Norm(r3.Sub(image, a))
						if d > 0 && d <= cutoff {
							src = append(src, i)
							dst = append(dst, j)
							shifts = append(shifts, shift)
						}
					}
				}
			}
		}
	}

	s.EdgeIndex = [2][]int{src, dst}
	s.EdgeShift = shifts
	s.EdgeAttr = nil
	return nil
}

// imageRange returns how many images per lattice direction can reach within
// cutoff: ceil(cutoff / h_i), h_i being the spacing between lattice planes.
func imageRange(l *Mat3, cutoff float64) ([3]int, [3]r3.Vec, error) {
	var images [3]int
	var rows [3]r3.Vec
	if l == nil {
		return images, rows, nil
	}
	for i := range rows {
		rows[i] = r3.Vec{X: l[i][0], Y: l[i][1], Z: l[i][2]}
	}

	volume := math.Abs(mat.Det(mat.NewDense(3, 3, []float64{
		l[0][0], l[0][1], l[0][2],
		l[1][0], l[1][1], l[1][2],
		l[2][0], l[2][1], l[2][2],
	})))
	if volume < minVolume {
		// Zero placeholder lattice: non-periodic.
		return images, rows, nil
	}

	for i := 0; i < 3; i++ {
		cross := r3.Cross(rows[(i+1)%3], rows[(i+2)%3])
		spacing := volume / r3.Norm(cross)
		images[i] = int(math.Ceil(cutoff / spacing))
		if images[i] > maxImages {
			return images, rows, errors.New("cutoff too large for lattice: image search exceeds limit")
		}
	}
	return images, rows, nil
}

// shiftVector is the Cartesian translation n·L for a row vector n.
func shiftVector(n Vec3, rows [3]r3.Vec) r3.Vec {
	v := r3.Scale(n[0], rows[0])
	v = r3.Add(v, r3.Scale(n[1], rows[1]))
	return r3.Add(v, r3.Scale(n[2], rows[2]))
}
