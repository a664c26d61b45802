package merklex

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func leaves(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = fmt.Appendf(nil, "event-%d", i)
	}
	return out
}

func TestNewRejectsEmpty(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.ErrorIs(t, err, ErrEmptyTree)
}

func TestSingleLeafRootIsLeafHash(t *testing.T) {
	t.Parallel()

	tree, err := New([][]byte{[]byte("only")})
	require.NoError(t, err)
	require.Equal(t, LeafHash([]byte("only")), tree.Root())
}

func TestRootIsDeterministic(t *testing.T) {
	t.Parallel()

	a, err := New(leaves(7))
	require.NoError(t, err)
	b, err := New(leaves(7))
	require.NoError(t, err)
	require.Equal(t, a.Root(), b.Root())
}

func TestRootChangesWithAnyLeaf(t *testing.T) {
	t.Parallel()

	base, err := New(leaves(8))
	require.NoError(t, err)

	mutated := leaves(8)
	mutated[3][0] ^= 0xff
	other, err := New(mutated)
	require.NoError(t, err)

	require.NotEqual(t, base.Root(), other.Root())
}

func TestInclusionProofs(t *testing.T) {
	t.Parallel()

	// Odd and even sizes exercise the promoted-node path.
	for _, n := range []int{1, 2, 3, 5, 8, 13} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			data := leaves(n)
			tree, err := New(data)
			require.NoError(t, err)

			for i := 0; i < n; i++ {
				proof, err := tree.Proof(i)
				require.NoError(t, err)
				require.True(t, VerifyProof(tree.Root(), data[i], proof))
				require.False(t, VerifyProof(tree.Root(), []byte("forged"), proof))
			}
		})
	}
}

func TestProofOutOfRange(t *testing.T) {
	t.Parallel()

	tree, err := New(leaves(4))
	require.NoError(t, err)

	_, err = tree.Proof(-1)
	require.Error(t, err)
	_, err = tree.Proof(4)
	require.Error(t, err)
}
