package species

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable(t *testing.T) {
	assert.Len(t, bySymbol, MaxZ)
	assert.Equal(t, "H", Symbol(1))
	assert.Equal(t, "Fe", Symbol(26))
	assert.Equal(t, "Og", Symbol(118))
	assert.Equal(t, "", Symbol(0))
	assert.Equal(t, "", Symbol(119))
}

func TestLookup(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"H", 1},
		{"fe", 26},
		{"FE", 26},
		{" Cu\t", 29},
		{"Ｏ", 8},  // fullwidth
		{"Sí", 14}, // combining mark stripped
		{"og", 118},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			z, err := Lookup(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, z)
		})
	}

	_, err := Lookup("Xx")
	assert.Error(t, err)
	_, err = Lookup("")
	assert.Error(t, err)
}

func TestLookupAll(t *testing.T) {
	zs, err := LookupAll([]string{"O", "h", "H"})
	require.NoError(t, err)
	assert.Equal(t, []int{8, 1, 1}, zs)

	_, err = LookupAll([]string{"O", "Qq"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "species[1]")
}
