package bitset_test

import (
	"testing"

	"github.com/dargueta/splitfat/bitset"
	"github.com/stretchr/testify/assert"
)

func TestBitSet_SetAndGet(t *testing.T) {
	b := bitset.New(100)
	assert.False(t, b.Get(50))
	b.Set(50, true)
	assert.True(t, b.Get(50))
	b.Set(50, false)
	assert.False(t, b.Get(50))
}

func TestBitSet_FindFirst(t *testing.T) {
	b := bitset.New(130)
	b.SetAll(false)
	b.Set(70, true)
	b.Set(129, true)

	idx, ok := b.FindFirst(0, true)
	assert.True(t, ok)
	assert.Equal(t, uint(70), idx)

	idx, ok = b.FindFirst(71, true)
	assert.True(t, ok)
	assert.Equal(t, uint(129), idx)

	_, ok = b.FindFirst(130, true)
	assert.False(t, ok)
}

func TestBitSet_FindLast(t *testing.T) {
	b := bitset.New(128)
	b.Set(10, true)
	b.Set(100, true)

	idx, ok := b.FindLast(128, true)
	assert.True(t, ok)
	assert.Equal(t, uint(100), idx)

	idx, ok = b.FindLast(100, true)
	assert.True(t, ok)
	assert.Equal(t, uint(10), idx)
}

func TestBitSet_CountOnesAndZeros(t *testing.T) {
	b := bitset.New(10)
	b.SetAll(true)
	assert.Equal(t, uint(10), b.CountOnes())
	assert.Equal(t, uint(0), b.CountZeros())

	b.Set(3, false)
	assert.Equal(t, uint(9), b.CountOnes())
	assert.Equal(t, uint(1), b.CountZeros())
}

func TestBitSet_TailBitsDoNotLeakIntoCounts(t *testing.T) {
	b := bitset.New(65) // spans two words, second word mostly unused
	b.SetAll(true)
	assert.Equal(t, uint(65), b.CountOnes())
}

func TestBitSet_BulkOps(t *testing.T) {
	a := bitset.New(8)
	c := bitset.New(8)
	a.Set(0, true)
	a.Set(1, true)
	c.Set(1, true)
	c.Set(2, true)

	and := bitset.New(8)
	bitset.And(and, a, c)
	assert.True(t, and.Get(1))
	assert.False(t, and.Get(0))
	assert.False(t, and.Get(2))

	or := bitset.New(8)
	bitset.Or(or, a, c)
	assert.True(t, or.Get(0))
	assert.True(t, or.Get(1))
	assert.True(t, or.Get(2))

	xor := bitset.New(8)
	bitset.Xor(xor, a, c)
	assert.True(t, xor.Get(0))
	assert.False(t, xor.Get(1))
	assert.True(t, xor.Get(2))
}

func TestBitSet_Clone(t *testing.T) {
	b := bitset.New(8)
	b.Set(3, true)
	clone := b.Clone()
	clone.Set(4, true)

	assert.False(t, b.Get(4))
	assert.True(t, clone.Get(3))
	assert.True(t, clone.Get(4))
}
