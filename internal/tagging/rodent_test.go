package tagging

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/wildlife-processing/internal/domain"
)

func thresholdGrid(gridSize int, cells map[[2]int]float64) *domain.RatThreshold {
	rows := (domain.FrameHeight + gridSize - 1) / gridSize
	cols := (domain.FrameWidth + gridSize - 1) / gridSize
	grid := make([][]*float64, rows)
	for y := range grid {
		grid[y] = make([]*float64, cols)
	}
	for cell, v := range cells {
		v := v
		grid[cell[1]][cell[0]] = &v
	}
	return &domain.RatThreshold{GridSize: gridSize, Version: 3, Thresholds: grid}
}

func position(x, y, mass float64) domain.Position {
	return domain.Position{X: x, Y: y, Width: 1, Height: 1, Mass: mass}
}

func TestSplitRodent_RatOutvotesMouse(t *testing.T) {
	// Grid size 10: cell (2,3) covers x 20-29, y 30-39. Two heavy positions
	// and one light one all land in that cell.
	thresh := thresholdGrid(10, map[[2]int]float64{{2, 3}: 300})
	track := &domain.Track{Positions: []domain.Position{
		position(22, 33, 400),
		position(24, 35, 400),
		position(23, 34, 100),
	}}
	assert.Equal(t, TagRat, SplitRodent(track, thresh))
}

func TestSplitRodent_MouseWhenLight(t *testing.T) {
	thresh := thresholdGrid(10, map[[2]int]float64{{2, 3}: 300})
	track := &domain.Track{Positions: []domain.Position{
		position(22, 33, 100),
		position(24, 35, 400),
	}}
	// One vote each; ties resolve to mouse.
	assert.Equal(t, TagMouse, SplitRodent(track, thresh))
}

func TestSplitRodent_SkipsBlankAndZeroMass(t *testing.T) {
	thresh := thresholdGrid(10, map[[2]int]float64{{2, 3}: 300})
	blank := position(22, 33, 400)
	blank.Blank = true
	track := &domain.Track{Positions: []domain.Position{
		blank,
		position(24, 35, 0),
		position(23, 34, 100),
	}}
	assert.Equal(t, TagMouse, SplitRodent(track, thresh))
}

func TestSplitRodent_SkipsCellsWithoutData(t *testing.T) {
	// Only one of the covered cells has a threshold; the nil cells do not
	// vote.
	thresh := thresholdGrid(10, map[[2]int]float64{{2, 3}: 300})
	track := &domain.Track{Positions: []domain.Position{
		{X: 20, Y: 30, Width: 25, Height: 25, Mass: 400},
	}}
	assert.Equal(t, TagRat, SplitRodent(track, thresh))
}

func TestSplitRodent_BoxSpansMultipleCells(t *testing.T) {
	// A 10x10 box at (18,28) covers cells (1,2)..(2,3) inclusive.
	thresh := thresholdGrid(10, map[[2]int]float64{
		{1, 2}: 300, {2, 2}: 300, {1, 3}: 300, {2, 3}: 500,
	})
	track := &domain.Track{Positions: []domain.Position{
		{X: 18, Y: 28, Width: 10, Height: 10, Mass: 400},
	}}
	// Three cells vote rat, one votes mouse.
	assert.Equal(t, TagRat, SplitRodent(track, thresh))
}

func TestSplitRodent_PositionOrderIrrelevant(t *testing.T) {
	thresh := thresholdGrid(10, map[[2]int]float64{{2, 3}: 300})
	a := position(22, 33, 400)
	b := position(24, 35, 100)
	c := position(23, 34, 400)
	forward := &domain.Track{Positions: []domain.Position{a, b, c}}
	backward := &domain.Track{Positions: []domain.Position{c, b, a}}
	assert.Equal(t, SplitRodent(forward, thresh), SplitRodent(backward, thresh))
}

func TestSplitRodent_BoxOutsideGridIsClamped(t *testing.T) {
	thresh := thresholdGrid(10, map[[2]int]float64{{15, 11}: 300})
	track := &domain.Track{Positions: []domain.Position{
		{X: 155, Y: 115, Width: 20, Height: 20, Mass: 400},
	}}
	assert.Equal(t, TagRat, SplitRodent(track, thresh))
}
