package sharedmem

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateAndRead(t *testing.T) {
	m := NewManager()
	data := []byte("a large payload")
	ref, err := m.Allocate("inv-1", data)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref.Name, "wc-"))
	assert.Equal(t, int64(len(data)), ref.Count)
	assert.Equal(t, SegmentType, ref.Type)

	data[0] = 'X'
	got, err := m.Read(ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("a large payload"), got, "allocation copies the input")

	ref.Offset, ref.Count = 2, 5
	got, err = m.Read(ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("large"), got)

	ref.Count = 100
	_, err = m.Read(ref)
	assert.Error(t, err)

	_, err = m.Allocate("", data)
	assert.Error(t, err)
}

func TestFreeForInvocation(t *testing.T) {
	m := NewManager()
	a1, _ := m.Allocate("a", []byte("1"))
	_, _ = m.Allocate("a", []byte("2"))
	b1, _ := m.Allocate("b", []byte("3"))
	assert.Len(t, m.Names("a"), 2)

	assert.True(t, m.FreeForInvocation("a"))
	assert.False(t, m.FreeForInvocation("a"))
	assert.Equal(t, 1, m.Len())

	_, err := m.Read(a1)
	assert.Error(t, err)
	_, err = m.Read(b1)
	assert.NoError(t, err)
}

func TestFreeByName(t *testing.T) {
	m := NewManager()
	a1, _ := m.Allocate("a", []byte("1"))
	a2, _ := m.Allocate("a", []byte("2"))

	assert.Equal(t, 1, m.Free([]string{a1.Name, "missing"}))
	assert.Equal(t, []string{a2.Name}, m.Names("a"))

	assert.Equal(t, 1, m.Free([]string{a2.Name}))
	assert.False(t, m.FreeForInvocation("a"))
	assert.Equal(t, 0, m.Len())
}
