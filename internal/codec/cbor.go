package codec

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-egnn/internal/species"
	"github.com/23skdu/longbow-egnn/internal/structure"
)

// StructureDTO is the CBOR form of one structure. Atoms are given either as
// atomic numbers or as element symbols. Edges may be omitted, in which case
// a radius graph is built at decode time.
type StructureDTO struct {
	ID            string           `cbor:"id,omitempty"`
	AtomicNumbers []int            `cbor:"atomic_numbers,omitempty"`
	Species       []string         `cbor:"species,omitempty"`
	Positions     []structure.Vec3 `cbor:"positions"`
	Lattice       *structure.Mat3  `cbor:"lattice,omitempty"`
	EdgeSrc       []int            `cbor:"edge_src,omitempty"`
	EdgeDst       []int            `cbor:"edge_dst,omitempty"`
	EdgeShift     []structure.Vec3 `cbor:"edge_shift,omitempty"`
	EdgeAttr      [][]float32      `cbor:"edge_attr,omitempty"`
}

// PredictResponse is the CBOR body returned for a batch of structures.
// Values[i] is nil and Errors[i] set when structure i failed.
type PredictResponse struct {
	IDs    []string    `cbor:"ids"`
	Values [][]float32 `cbor:"values"`
	Errors []string    `cbor:"errors,omitempty"`
}

// ToStructure converts d, resolving species symbols and building edges
// within cutoff when d carries none. A cutoff of 0 disables edge building.
func (d *StructureDTO) ToStructure(cutoff float64) (*structure.Structure, error) {
	s := &structure.Structure{
		ID:        d.ID,
		Positions: d.Positions,
		Lattice:   d.Lattice,
		EdgeAttr:  d.EdgeAttr,
	}
	if s.Positions == nil {
		s.Positions = []structure.Vec3{}
	}

	switch {
	case d.AtomicNumbers != nil:
		s.AtomicNumbers = d.AtomicNumbers
	case d.Species != nil:
		zs, err := species.LookupAll(d.Species)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", structure.ErrInvalidInput, err)
		}
		s.AtomicNumbers = zs
	default:
		s.AtomicNumbers = []int{}
	}

	if len(d.EdgeSrc) != len(d.EdgeDst) {
		return nil, structure.NewInputError("edge_index", -1, nil, "edge_src has %d entries, edge_dst %d", len(d.EdgeSrc), len(d.EdgeDst))
	}
	if len(d.EdgeSrc) == 0 && cutoff > 0 {
		if err := structure.BuildEdges(s, cutoff); err != nil {
			return nil, fmt.Errorf("%w: %v", structure.ErrInvalidInput, err)
		}
		return s, nil
	}

	s.EdgeIndex = [2][]int{d.EdgeSrc, d.EdgeDst}
	s.EdgeShift = d.EdgeShift
	return s, nil
}

// FromStructure is the inverse of ToStructure for a structure with atomic
// numbers.
func FromStructure(s *structure.Structure) StructureDTO {
	return StructureDTO{
		ID:            s.ID,
		AtomicNumbers: s.AtomicNumbers,
		Positions:     s.Positions,
		Lattice:       s.Lattice,
		EdgeSrc:       s.EdgeIndex[0],
		EdgeDst:       s.EdgeIndex[1],
		EdgeShift:     s.EdgeShift,
		EdgeAttr:      s.EdgeAttr,
	}
}

// DecodeStructuresCBOR reads a CBOR array of StructureDTO from r. Decode
// errors of individual structures name their position.
func DecodeStructuresCBOR(r io.Reader, cutoff float64) ([]*structure.Structure, error) {
	var dtos []StructureDTO
	if err := cbor.NewDecoder(r).Decode(&dtos); err != nil {
		return nil, fmt.Errorf("CBOR decode: %w", err)
	}
	structs := make([]*structure.Structure, len(dtos))
	for i := range dtos {
		s, err := dtos[i].ToStructure(cutoff)
		if err != nil {
			return nil, fmt.Errorf("structure %d: %w", i, err)
		}
		structs[i] = s
	}
	return structs, nil
}

// EncodeStructuresCBOR writes structs as a CBOR array of StructureDTO.
func EncodeStructuresCBOR(w io.Writer, structs []*structure.Structure) error {
	dtos := make([]StructureDTO, len(structs))
	for i, s := range structs {
		dtos[i] = FromStructure(s)
	}
	return cbor.NewEncoder(w).Encode(dtos)
}
