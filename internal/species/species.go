// Package species maps chemical element symbols to atomic numbers.
package species

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxZ is the largest atomic number with an assigned symbol.
const MaxZ = 118

// symbols is indexed by atomic number; index 0 is unused.
var symbols = [MaxZ + 1]string{
	"",
	"H", "He",
	"Li", "Be", "B", "C", "N", "O", "F", "Ne",
	"Na", "Mg", "Al", "Si", "P", "S", "Cl", "Ar",
	"K", "Ca", "Sc", "Ti", "V", "Cr", "Mn", "Fe", "Co", "Ni", "Cu", "Zn", "Ga", "Ge", "As", "Se", "Br", "Kr",
	"Rb", "Sr", "Y", "Zr", "Nb", "Mo", "Tc", "Ru", "Rh", "Pd", "Ag", "Cd", "In", "Sn", "Sb", "Te", "I", "Xe",
	"Cs", "Ba",
	"La", "Ce", "Pr", "Nd", "Pm", "Sm", "Eu", "Gd", "Tb", "Dy", "Ho", "Er", "Tm", "Yb", "Lu",
	"Hf", "Ta", "W", "Re", "Os", "Ir", "Pt", "Au", "Hg", "Tl", "Pb", "Bi", "Po", "At", "Rn",
	"Fr", "Ra",
	"Ac", "Th", "Pa", "U", "Np", "Pu", "Am", "Cm", "Bk", "Cf", "Es", "Fm", "Md", "No", "Lr",
	"Rf", "Db", "Sg", "Bh", "Hs", "Mt", "Ds", "Rg", "Cn", "Nh", "Fl", "Mc", "Lv", "Ts", "Og",
}

var bySymbol map[string]int

func init() {
	bySymbol = make(map[string]int, MaxZ)
	for z := 1; z <= MaxZ; z++ {
		bySymbol[symbols[z]] = z
	}
}

// Normalize canonicalises user input: compatibility forms are folded, marks
// and spaces are stripped and the result is title-cased ("FE " -> "Fe").
func Normalize(symbol string) string {
	t := transform.Chain(
		norm.NFKD,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Remove(runes.In(unicode.White_Space)),
		norm.NFC,
		cases.Title(language.Und),
	)
	out, _, err := transform.String(t, symbol)
	if err != nil {
		return strings.TrimSpace(symbol)
	}
	return out
}

// Lookup returns the atomic number of an element symbol.
func Lookup(symbol string) (int, error) {
	if z, ok := bySymbol[symbol]; ok {
		return z, nil
	}
	if z, ok := bySymbol[Normalize(symbol)]; ok {
		return z, nil
	}
	return 0, fmt.Errorf("unknown element symbol %q", symbol)
}

// Symbol returns the element symbol for z, or "" when z has none.
func Symbol(z int) string {
	if z < 1 || z > MaxZ {
		return ""
	}
	return symbols[z]
}

// LookupAll converts a list of symbols, reporting the first bad position.
func LookupAll(syms []string) ([]int, error) {
	zs := make([]int, len(syms))
	for i, s := range syms {
		z, err := Lookup(s)
		if err != nil {
			return nil, fmt.Errorf("species[%d]: %w", i, err)
		}
		zs[i] = z
	}
	return zs, nil
}
