package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCandidateList(t *testing.T) {
	t.Run("keeps order and trims", func(t *testing.T) {
		list, err := NewCandidateList(" gemini-2.5-flash", "gemini-2.0-flash ", "gemini-2.0-flash-lite")
		require.NoError(t, err)
		assert.Equal(t, 3, list.Len())
		assert.Equal(t, []string{"gemini-2.5-flash", "gemini-2.0-flash", "gemini-2.0-flash-lite"}, list.All())
		assert.Equal(t, "gemini-2.0-flash", list.At(1))
	})

	t.Run("drops repeats", func(t *testing.T) {
		list, err := NewCandidateList("a", "b", "a", "c", "b")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, list.All())
		assert.Equal(t, "a,b,c", list.String())
	})

	t.Run("empty", func(t *testing.T) {
		_, err := NewCandidateList()
		assert.ErrorIs(t, err, ErrNoCandidates)
	})

	t.Run("blank identifier", func(t *testing.T) {
		_, err := NewCandidateList("a", "  ")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "candidate 2")
	})

	t.Run("All returns a copy", func(t *testing.T) {
		list, err := NewCandidateList("a", "b")
		require.NoError(t, err)
		ids := list.All()
		ids[0] = "z"
		assert.Equal(t, "a", list.At(0))
	})
}
