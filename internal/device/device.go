package device

// Tensor represents a two-dimensional array of float32 values resident on
// a compute device. Rows are atoms, edges or structures depending on the
// stage of the forward pass; columns are feature channels.
type Tensor interface {
	// Dims returns the dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// At returns the value at (i, j).
	// This is often slow and should be used for debugging or infrequent access.
	At(i, j int) float32

	// Data returns the underlying row-major slice if available on the host
	// (nil otherwise).
	Data() []float32

	// ToHost copies the data to a Go slice.
	ToHost() []float32

	// CopyFromFloat32 copies data from a Go slice to the tensor.
	CopyFromFloat32(data []float32)

	// Mul performs matrix multiplication.
	// Convention: t.Mul(a, b) means t = a * b
	Mul(a, b Tensor)

	// Add performs element-wise addition: t = t + other
	Add(other Tensor)

	// ScaleRows multiplies row i by factors[i].
	ScaleRows(factors []float32)

	// AddBias adds a 1xC bias vector to each row.
	AddBias(bias Tensor)

	// Swish applies x * sigmoid(beta * x) in-place.
	Swish(beta float32)

	// Gather collects rows based on indices. Returns new Tensor.
	Gather(indices []int) Tensor

	// ScatterAdd adds row i of src into row indices[i] of t.
	// Rows of t that no index points at are left unchanged.
	ScatterAdd(src Tensor, indices []int)

	// Linear performs a fused MatMul + BiasAdd and returns the result.
	// equivalent to: t.Mul(input, weight); t.AddBias(bias)
	Linear(input, weight, bias Tensor) Tensor

	// LinearActivation performs Linear followed by Activation.
	// beta is only read by ActivationSwish.
	LinearActivation(input, weight, bias Tensor, activation ActivationType, beta float32) Tensor

	// HasNaN reports whether any element is NaN or infinite.
	HasNaN() bool

	// ExtractTo copies row-split results into a pre-allocated slice of slices.
	ExtractTo(destination [][]float32, startRow int)
}

type ActivationType int

const (
	ActivationIdentity ActivationType = iota
	ActivationSwish
)

// Backend creates tensors and manages device memory.
type Backend interface {
	Name() string
	NewTensor(r, c int, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(r, c int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)
}
