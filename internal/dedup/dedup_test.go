package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMark(t *testing.T) {
	s := NewSet()

	assert.True(t, s.Mark("ZS/123/456/UR"))
	assert.False(t, s.Mark("ZS/123/456/UR"))
	assert.False(t, s.Mark(" ZS/123/456/UR "), "whitespace does not create a new key")
	assert.True(t, s.Mark("ZS/124/456/UR"))

	assert.True(t, s.has("ZS/123/456/UR"))
	assert.False(t, s.has("ZS/999/1/UR"))
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []string{"ZS/123/456/UR", "ZS/124/456/UR"}, s.snapshot())
}

func TestLenEqualsDistinctKeys(t *testing.T) {
	s := NewSet()
	input := []string{"a", "b", "a", "c", "b", "a"}
	for _, k := range input {
		s.Mark(k)
	}
	assert.Equal(t, 3, s.Len())
}

func TestSnapshotReturnsCopy(t *testing.T) {
	s := NewSet()
	s.Mark("a")
	keys := s.snapshot()
	keys[0] = "mutated"
	assert.Equal(t, []string{"a"}, s.snapshot())
}
