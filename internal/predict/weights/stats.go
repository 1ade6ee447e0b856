package weights

import (
	"math"

	"github.com/23skdu/longbow-egnn/internal/predict/model"
)

// Stats summarises one parameter tensor.
type Stats struct {
	Name  string  `json:"name"`
	Rows  int     `json:"rows"`
	Cols  int     `json:"cols"`
	Min   float32 `json:"min"`
	Max   float32 `json:"max"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Zeros int     `json:"zeros"`
}

// Analyze returns statistics for every parameter of m.
func Analyze(m *model.EGNN) []Stats {
	named := m.NamedParams()
	out := make([]Stats, 0, len(named))
	for _, p := range named {
		rows, cols := p.Tensor.Dims()
		s := Stats{Name: p.Name, Rows: rows, Cols: cols}
		data := p.Tensor.ToHost()
		if len(data) == 0 {
			out = append(out, s)
			continue
		}

		s.Min, s.Max = data[0], data[0]
		var sum, sumSq float64
		for _, v := range data {
			s.Min = min(s.Min, v)
			s.Max = max(s.Max, v)
			if v == 0 {
				s.Zeros++
			}
			sum += float64(v)
			sumSq += float64(v) * float64(v)
		}
		n := float64(len(data))
		s.Mean = sum / n
		s.Std = math.Sqrt(math.Max(sumSq/n-s.Mean*s.Mean, 0))
		out = append(out, s)
	}
	return out
}
