package device

import (
	"log"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-egnn/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(r, c int, data []float32) Tensor {
	size := r * c
	t := &CPUTensor{
		backend: b,
		rows:    r,
		cols:    c,
		data:    make([]float32, size),
	}

	if data != nil {
		if len(data) != size {
			log.Panicf("NewTensor: provided data length %d does not match dimensions %dx%d", len(data), r, c)
		}
		copy(t.data, data)
	}

	return t
}

func (b *CPUBackend) GetTensor(r, c int) Tensor {
	v := b.pool.Get()
	ct, ok := v.(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.backend = b
	ct.rows = r
	ct.cols = c
	size := r * c
	if cap(ct.data) < size {
		poolMisses.Inc()
		ct.data = make([]float32, size)
	} else {
		poolHits.Inc()
		ct.data = ct.data[:size]
		for i := range ct.data {
			ct.data[i] = 0.0
		}
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok || ct == nil {
		return // Don't pool foreign tensors
	}

	ct.rows = 0
	ct.cols = 0
	// Data is zeroed when retrieved by GetTensor
	b.pool.Put(ct)
}

// CPUTensor is a dense row-major matrix.
type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	rows    int
	cols    int
}

func (t *CPUTensor) Dims() (int, int) {
	return t.rows, t.cols
}

func (t *CPUTensor) At(i, j int) float32 {
	return t.data[i*t.cols+j]
}

func (t *CPUTensor) Data() []float32 {
	return t.data
}

func (t *CPUTensor) ToHost() []float32 {
	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor) CopyFromFloat32(data []float32) {
	if len(data) != len(t.data) {
		log.Panicf("CopyFromFloat32: size mismatch. Tensor: %d, Data: %d", len(t.data), len(data))
	}
	copy(t.data, data)
}

// general describes the storage of t for BLAS.
func (t *CPUTensor) general() blas32.General {
	stride := t.cols
	if stride == 0 {
		stride = 1
	}
	return blas32.General{Rows: t.rows, Cols: t.cols, Stride: stride, Data: t.data}
}

func (t *CPUTensor) Mul(a, b Tensor) {
	ma, ok1 := a.(*CPUTensor)
	mb, ok2 := b.(*CPUTensor)

	if !ok1 || !ok2 {
		log.Panic("Mixed backend Mul not supported")
	}

	ar, ac := ma.Dims()
	br, bc := mb.Dims()

	if ac != br {
		log.Panicf("Mul: dimension mismatch. A cols (%d) != B rows (%d)", ac, br)
	}

	tr, tc := t.Dims()
	if tr != ar || tc != bc {
		log.Panicf("Mul: result tensor dimension mismatch. Expected %dx%d, got %dx%d", ar, bc, tr, tc)
	}

	if ar == 0 || bc == 0 {
		return
	}
	if ac == 0 {
		for i := range t.data {
			t.data[i] = 0
		}
		return
	}

	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, ma.general(), mb.general(), 0, t.general())
}

func (t *CPUTensor) Add(other Tensor) {
	ot, ok := other.(*CPUTensor)
	if !ok {
		log.Panic("Mixed backend Add not supported")
	}

	tr, tc := t.Dims()
	or, oc := ot.Dims()

	if tr != or || tc != oc {
		log.Panicf("Add: dimension mismatch. Target: %dx%d, Other: %dx%d", tr, tc, or, oc)
	}

	simd.VecAdd(t.data, ot.data)
}

func (t *CPUTensor) ScaleRows(factors []float32) {
	if len(factors) != t.rows {
		log.Panicf("ScaleRows: got %d factors for %d rows", len(factors), t.rows)
	}
	c := t.cols
	for i, f := range factors {
		simd.VecScale(t.data[i*c:(i+1)*c], f)
	}
}

func (t *CPUTensor) AddBias(bias Tensor) {
	bt, ok := bias.(*CPUTensor)
	if !ok {
		log.Panic("Mixed backend AddBias")
	}

	r, c := t.Dims()
	br, bc := bt.Dims()
	if br*bc != c || (br != 1 && bc != 1) {
		log.Panicf("AddBias: bias %dx%d does not match %d columns", br, bc, c)
	}

	// A 1xC or Cx1 vector has the same physical layout either way.
	biasData := bt.data
	for i := 0; i < r; i++ {
		simd.VecAdd(t.data[i*c:(i+1)*c], biasData)
	}
}

func (t *CPUTensor) Swish(beta float32) {
	simd.SwishFast(t.data, beta)
}

func (t *CPUTensor) Gather(indices []int) Tensor {
	r, c := t.Dims()
	out := t.backend.GetTensor(len(indices), c).(*CPUTensor)

	for i, idx := range indices {
		if idx < 0 || idx >= r {
			log.Panicf("Gather: index %d out of bounds [0, %d)", idx, r)
		}
		copy(out.data[i*c:(i+1)*c], t.data[idx*c:(idx+1)*c])
	}

	return out
}

func (t *CPUTensor) ScatterAdd(src Tensor, indices []int) {
	st, ok := src.(*CPUTensor)
	if !ok {
		log.Panic("Mixed backend ScatterAdd not supported")
	}
	sr, sc := st.Dims()
	if sr != len(indices) || sc != t.cols {
		log.Panicf("ScatterAdd: source %dx%d does not match %d indices x %d cols", sr, sc, len(indices), t.cols)
	}

	// Summation order follows index order.
	c := t.cols
	for i, idx := range indices {
		if idx < 0 || idx >= t.rows {
			log.Panicf("ScatterAdd: index %d out of bounds [0, %d)", idx, t.rows)
		}
		simd.VecAdd(t.data[idx*c:(idx+1)*c], st.data[i*c:(i+1)*c])
	}
}

func (t *CPUTensor) Linear(input, weight, bias Tensor) Tensor {
	r, _ := input.Dims()
	_, wc := weight.Dims()

	result := t.backend.GetTensor(r, wc)
	result.Mul(input, weight)

	if bias != nil {
		result.AddBias(bias)
	}

	return result
}

func (t *CPUTensor) LinearActivation(input, weight, bias Tensor, activation ActivationType, beta float32) Tensor {
	result := t.Linear(input, weight, bias)

	switch activation {
	case ActivationSwish:
		result.Swish(beta)
	case ActivationIdentity:
		// No-op
	}

	return result
}

func (t *CPUTensor) HasNaN() bool {
	return simd.HasNaN(t.data)
}

func (t *CPUTensor) ExtractTo(destination [][]float32, startRow int) {
	rows, cols := t.Dims()
	if startRow+rows > len(destination) {
		log.Panicf("ExtractTo: %d rows from %d overflow destination of %d", rows, startRow, len(destination))
	}

	var wg sync.WaitGroup
	rowsPerWorker := (rows + numWorkers - 1) / numWorkers
	if rowsPerWorker == 0 {
		return
	}
	for start := 0; start < rows; start += rowsPerWorker {
		end := start + rowsPerWorker
		if end > rows {
			end = rows
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				row := make([]float32, cols)
				copy(row, t.data[i*cols:(i+1)*cols])
				destination[startRow+i] = row
			}
		}(start, end)
	}
	wg.Wait()
}
