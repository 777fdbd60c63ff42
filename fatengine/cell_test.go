package fatengine_test

import (
	"testing"

	"github.com/dargueta/splitfat/fatengine"
	"github.com/dargueta/splitfat/layout"
	"github.com/stretchr/testify/assert"
)

func TestFreeCell(t *testing.T) {
	cell := fatengine.FreeCell()
	assert.True(t, cell.IsFree())
	assert.False(t, cell.IsStartOfChain())
	assert.False(t, cell.IsEndOfChain())
	assert.False(t, cell.IsInitialized())
}

func TestNewChainCell__MiddleOfChain(t *testing.T) {
	cell := fatengine.NewChainCell(
		layout.ClusterIndex(10), layout.ClusterIndex(12),
		false, false,
		layout.InvalidCluster, 0xABCD, true,
	)

	assert.False(t, cell.IsFree())
	assert.False(t, cell.IsStartOfChain())
	assert.False(t, cell.IsEndOfChain())
	assert.True(t, cell.IsInitialized())
	assert.Equal(t, layout.ClusterIndex(10), cell.Prev())
	assert.Equal(t, layout.ClusterIndex(12), cell.Next())
	assert.Equal(t, uint16(0xABCD), cell.CRC16())

	_, ok := cell.DescriptorCluster()
	assert.False(t, ok, "a middle cell should not encode a descriptor location")
}

func TestNewChainCell__SingleClusterChain(t *testing.T) {
	cell := fatengine.NewChainCell(
		layout.InvalidCluster, layout.InvalidCluster,
		true, true,
		layout.ClusterIndex(3), 0, false,
	)

	assert.True(t, cell.IsStartOfChain())
	assert.True(t, cell.IsEndOfChain())
	assert.Equal(t, layout.InvalidCluster, cell.Prev())
	assert.Equal(t, layout.InvalidCluster, cell.Next())

	loc, ok := cell.DescriptorCluster()
	assert.True(t, ok)
	assert.Equal(t, layout.ClusterIndex(3), loc)
}

func TestCell_WithNext_ClearsEndFlag(t *testing.T) {
	cell := fatengine.NewChainCell(
		layout.ClusterIndex(1), layout.InvalidCluster,
		false, true,
		layout.ClusterIndex(7), 0, true,
	)
	assert.True(t, cell.IsEndOfChain())

	updated := cell.WithNext(layout.ClusterIndex(99))
	assert.False(t, updated.IsEndOfChain())
	assert.Equal(t, layout.ClusterIndex(99), updated.Next())
	// Prev side and flags untouched.
	assert.Equal(t, layout.ClusterIndex(1), updated.Prev())
	assert.True(t, updated.IsInitialized())
}

func TestCell_AsEndOfChain_EncodesDescriptorCluster(t *testing.T) {
	cell := fatengine.NewChainCell(
		layout.ClusterIndex(5), layout.ClusterIndex(6),
		false, false,
		layout.InvalidCluster, 0, false,
	)
	ended := cell.AsEndOfChain(layout.ClusterIndex(42))
	assert.True(t, ended.IsEndOfChain())
	loc, ok := ended.DescriptorCluster()
	assert.True(t, ok)
	assert.Equal(t, layout.ClusterIndex(42), loc)
}

func TestCell_WithCRC16_SetsInitialized(t *testing.T) {
	cell := fatengine.NewChainCell(
		layout.InvalidCluster, layout.InvalidCluster,
		true, true,
		layout.ClusterIndex(1), 0, false,
	)
	assert.False(t, cell.IsInitialized())

	updated := cell.WithCRC16(0x1234)
	assert.True(t, updated.IsInitialized())
	assert.Equal(t, uint16(0x1234), updated.CRC16())
}
