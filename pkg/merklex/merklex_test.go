package merklex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashContentStable(t *testing.T) {
	h1 := HashContent([]byte("hello world"))
	h2 := HashContent([]byte("hello world"))
	require.Len(t, h1, 64)
	assert.Equal(t, h1, h2)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", h1)

	// Re-hashing the hex string is itself stable.
	assert.Len(t, HashContent([]byte(h1)), 64)
}

func TestRootSingleLeaf(t *testing.T) {
	leaf := HashContent([]byte("a"))
	assert.Equal(t, leaf, Root([]string{leaf}))
	assert.Equal(t, "", Root(nil))
}

func TestProofVerifiesForEveryIndex(t *testing.T) {
	leaves := []string{
		HashContent([]byte("a")),
		HashContent([]byte("b")),
		HashContent([]byte("c")),
		HashContent([]byte("d")),
	}
	root := Root(leaves)
	for i, leaf := range leaves {
		proof := GenerateProof(leaves, i)
		require.Len(t, proof, 2)
		assert.True(t, VerifyProof(leaf, proof, root), "index %d", i)
	}
}

func TestProofVerifiesOddLeafCount(t *testing.T) {
	leaves := []string{
		HashContent([]byte("x")),
		HashContent([]byte("y")),
		HashContent([]byte("z")),
	}
	root := Root(leaves)
	for i, leaf := range leaves {
		assert.True(t, VerifyProof(leaf, GenerateProof(leaves, i), root), "index %d", i)
	}
}

func TestProofRejectsWrongLeaf(t *testing.T) {
	leaves := []string{
		HashContent([]byte("a")),
		HashContent([]byte("b")),
		HashContent([]byte("c")),
		HashContent([]byte("d")),
	}
	root := Root(leaves)
	proof := GenerateProof(leaves, 0)
	assert.False(t, VerifyProof(HashContent([]byte("tampered")), proof, root))
}

func TestGenerateProofOutOfRange(t *testing.T) {
	leaves := []string{HashContent([]byte("a"))}
	assert.Nil(t, GenerateProof(leaves, 1))
	assert.Nil(t, GenerateProof(leaves, -1))
}
