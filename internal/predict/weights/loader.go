// Package weights reads and writes EGNN parameters as a flat stream of
// little-endian float32 values in model.EGNN.NamedParams order.
package weights

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/23skdu/longbow-egnn/internal/device"
	"github.com/23skdu/longbow-egnn/internal/predict/model"
)

// Loader moves parameters between a model and raw binary files.
type Loader struct {
	Model *model.EGNN
}

// NewLoader creates a new weight loader for the given model.
func NewLoader(m *model.EGNN) *Loader {
	return &Loader{Model: m}
}

// Size returns the expected file size in bytes.
func (l *Loader) Size() int64 {
	return int64(l.Model.ParamCount()) * 4
}

// LoadFromRawBinary loads every parameter from path. The file must hold
// exactly ParamCount float32 values.
func (l *Loader) LoadFromRawBinary(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	if info, err := file.Stat(); err == nil && info.Size() != l.Size() {
		return fmt.Errorf("weights file %s has %d bytes, model needs %d", path, info.Size(), l.Size())
	}
	return l.Load(bufio.NewReader(file))
}

// Load reads parameters from r in serialization order. The model is only
// updated once every tensor has been read and checked.
func (l *Loader) Load(r io.Reader) error {
	params := l.Model.NamedParams()
	bufs := make([][]float32, len(params))
	for i, p := range params {
		data, err := readTensor(r, p.Tensor)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", p.Name, err)
		}
		bufs[i] = data
	}
	var extra [1]byte
	if n, _ := r.Read(extra[:]); n > 0 {
		return errors.New("trailing data after last parameter")
	}
	for i, p := range params {
		p.Tensor.CopyFromFloat32(bufs[i])
	}
	return nil
}

func readTensor(r io.Reader, t device.Tensor) ([]float32, error) {
	rows, cols := t.Dims()
	data := make([]float32, rows*cols)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return nil, err
	}
	for i, v := range data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("non-finite value at element %d", i)
		}
	}
	return data, nil
}

// SaveRawBinary writes every parameter to path.
func (l *Loader) SaveRawBinary(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(file)
	if err := l.Save(w); err != nil {
		_ = file.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// Save writes parameters to w in serialization order.
func (l *Loader) Save(w io.Writer) error {
	for _, p := range l.Model.NamedParams() {
		if err := binary.Write(w, binary.LittleEndian, p.Tensor.ToHost()); err != nil {
			return fmt.Errorf("failed to save %s: %w", p.Name, err)
		}
	}
	return nil
}
