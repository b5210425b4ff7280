package grid

import (
	"github.com/go-gl/mathgl/mgl32"
)

// Cell is a bucket of the grid. It holds the entities whose position falls
// within its bounds as of their last refresh.
//
// An entity is held by at most one cell: adding it to a cell removes it from
// the cell it was previously in.
type Cell struct {
	grid       *Grid
	epoch      uint64
	coordinate CellCoordinate
	size       int

	min    mgl32.Vec3
	center mgl32.Vec3
	max    mgl32.Vec3

	entities []Entity
}

func newCell(g *Grid, coordinate CellCoordinate) *Cell {
	min, center, max := g.proj.bounds(coordinate)

	return &Cell{
		grid:       g,
		epoch:      g.epoch,
		coordinate: coordinate,
		size:       g.proj.size,
		min:        min,
		center:     center,
		max:        max,
	}
}

func (c *Cell) Coordinate() CellCoordinate {
	return c.coordinate
}

func (c *Cell) Size() int {
	return c.size
}

func (c *Cell) Min() mgl32.Vec3 {
	return c.min
}

func (c *Cell) Center() mgl32.Vec3 {
	return c.center
}

func (c *Cell) Max() mgl32.Vec3 {
	return c.max
}

// Add puts the entity in the cell. It is removed from its previous cell
// first, which is how entities move between cells. Adding an entity that is
// already in the cell does nothing.
func (c *Cell) Add(e Entity) {
	if e == nil {
		return
	}

	m := e.GridMembership()
	if m.is(c) {
		return
	}

	if previous := m.current(); previous != nil {
		previous.Remove(e)
	}

	c.entities = append(c.entities, e)
	m.set(c)
}

// Remove takes the entity out of the cell. It does nothing when the entity
// is not in the cell.
func (c *Cell) Remove(e Entity) {
	if e == nil {
		return
	}

	m := e.GridMembership()
	if !m.is(c) {
		return
	}

	c.removeAt(c.indexOf(e))
	m.reset()
}

// Contains reports whether the entity is in the cell.
func (c *Cell) Contains(e Entity) bool {
	return e != nil && e.GridMembership().is(c)
}

// Entities returns a snapshot of the entities in the cell. When the grid
// filters stale members, entities that are no longer alive are removed from
// the cell beforehand.
func (c *Cell) Entities() []Entity {
	c.removeDeadMembers()

	entities := make([]Entity, len(c.entities))
	copy(entities, c.entities)
	return entities
}

// EntityCount returns the number of entities in the cell, after stale members
// have been filtered.
func (c *Cell) EntityCount() int {
	c.removeDeadMembers()
	return len(c.entities)
}

// EntitiesOf returns the entities of the cell that are of type T.
func EntitiesOf[T any](c *Cell) []T {
	c.removeDeadMembers()

	var entities []T
	for _, e := range c.entities {
		if v, ok := e.(T); ok {
			entities = append(entities, v)
		}
	}
	return entities
}

func (c *Cell) indexOf(e Entity) int {
	for i := range c.entities {
		if c.entities[i] == e {
			return i
		}
	}
	return -1
}

func (c *Cell) removeAt(i int) {
	if i < 0 {
		return
	}

	last := len(c.entities) - 1
	c.entities[i] = c.entities[last]
	c.entities[last] = nil
	c.entities = c.entities[:last]
}

func (c *Cell) removeDeadMembers() {
	if !c.grid.conf.FilterStaleMembers {
		return
	}

	alive := c.entities[:0]
	removed := 0
	for _, e := range c.entities {
		if isAlive(e) {
			alive = append(alive, e)
			continue
		}

		if e != nil {
			if m := e.GridMembership(); m.is(c) {
				m.reset()
			}
		}
		removed++
	}

	if removed == 0 {
		return
	}

	clear(c.entities[len(alive):])
	c.entities = alive
	instrumentStaleMembersRemoved(c.grid.conf.Name, removed)
}
