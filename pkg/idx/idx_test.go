package idx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewIsMonotonic(t *testing.T) {
	t.Parallel()

	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		require.Greater(t, next.String(), prev.String())
		prev = next
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, bad := range []string{"", "   ", "not-a-ulid", "0000"} {
		_, err := Parse(bad)
		require.ErrorIs(t, err, ErrInvalid)
	}
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()

	id := New()
	parsed, err := Parse(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestTimeMatchesCreation(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	id := NewAt(at)
	require.WithinDuration(t, at, id.Time(), time.Millisecond)
}
