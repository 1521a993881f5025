package thunk

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeHashEmbedsSize(t *testing.T) {
	data := []byte("hello")
	hash := ComputeHash(data)

	size, err := HashSize(hash)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(data)), size)
}

func TestComputeHashDeterministic(t *testing.T) {
	assert.Equal(t, ComputeHash([]byte("x")), ComputeHash([]byte("x")))
	assert.NotEqual(t, ComputeHash([]byte("x")), ComputeHash([]byte("y")))
}

func TestHashSizeSuffix(t *testing.T) {
	hash := "somedigest" + fmt.Sprintf("%08x", 4096)
	size, err := HashSize(hash)
	require.NoError(t, err)
	assert.Equal(t, uint32(4096), size)
}

func TestHashSizeMalformed(t *testing.T) {
	_, err := HashSize("short")
	assert.Error(t, err)

	_, err = HashSize("digestwithbadsuffixZZZZZZZZ")
	assert.Error(t, err)
}

func TestForOutput(t *testing.T) {
	assert.Equal(t, "abc#out", ForOutput("abc", "out"))
}

func TestDependenciesOrder(t *testing.T) {
	th := &Thunk{
		Values:      []Dependency{{Hash: "v1"}, {Hash: "v2"}},
		Executables: []Dependency{{Hash: "e1"}},
	}

	deps := th.Dependencies()
	require.Len(t, deps, 3)
	assert.Equal(t, "v1", deps[0].Hash)
	assert.Equal(t, "v2", deps[1].Hash)
	assert.Equal(t, "e1", deps[2].Hash)
}
