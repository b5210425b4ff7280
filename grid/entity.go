package grid

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
)

// Entity is the interface implemented by the objects a grid tracks.
//
// Implementations are expected to be pointers embedding a Membership:
//
//	type Ship struct {
//		grid.Membership
//		position mgl32.Vec3
//	}
//
//	func (s *Ship) Position() mgl32.Vec3 { return s.position }
type Entity interface {
	// Returns the position used to pick the entity cell.
	Position() mgl32.Vec3

	// Returns the slot recording the cell that currently holds the entity.
	GridMembership() *Membership
}

// Liveness is implemented by entities that can be disposed while still being
// referenced by a cell. Grids configured with FilterStaleMembers drop the
// entities reporting false when their cell is read.
type Liveness interface {
	IsAlive() bool
}

// DebugNamer is implemented by entities that want a readable name in debug
// information.
type DebugNamer interface {
	DebugName() string
}

// Membership is the slot recording which cell, if any, holds an entity. It
// only stores a handle to the cell: the grid stays the sole owner of the cell
// storage and the handle is resolved with a lookup.
//
// It must only be written by cells.
type Membership struct {
	grid   *Grid
	epoch  uint64
	coord  CellCoordinate
	active bool
}

func (m *Membership) GridMembership() *Membership {
	return m
}

// Cell returns the coordinate of the cell holding the entity. The handle can
// be stale when the grid was cleared since the entity was last refreshed.
func (m *Membership) Cell() (CellCoordinate, bool) {
	return m.coord, m.active
}

// InGrid reports whether the entity is held by a live cell of g.
func (m *Membership) InGrid(g *Grid) bool {
	return m.active && m.grid == g && m.epoch == g.epoch
}

func (m *Membership) is(c *Cell) bool {
	return m.active &&
		m.grid == c.grid &&
		m.epoch == c.epoch &&
		m.coord == c.coordinate
}

func (m *Membership) set(c *Cell) {
	m.grid = c.grid
	m.epoch = c.epoch
	m.coord = c.coordinate
	m.active = true
}

func (m *Membership) reset() {
	*m = Membership{}
}

// current resolves the handle. It returns nil when the cell has been
// discarded by a clear.
func (m *Membership) current() *Cell {
	if !m.active || m.grid == nil || m.epoch != m.grid.epoch {
		return nil
	}
	return m.grid.cells[m.coord]
}

func isAlive(e Entity) bool {
	if e == nil {
		return false
	}
	if l, ok := e.(Liveness); ok {
		return l.IsAlive()
	}
	return true
}

func debugName(e Entity) string {
	if n, ok := e.(DebugNamer); ok {
		return n.DebugName()
	}
	return fmt.Sprintf("%T(%p)", e, e)
}
