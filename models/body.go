package models

import (
	"fmt"
	"sync"

	"github.com/aukilabs/spatialgrid/grid"
	"github.com/go-gl/mathgl/mgl32"
)

// Body is a point-like object moving in a world. It is indexed by the world
// grid.
//
// The embedded membership is only accessed while holding the world lock.
type Body struct {
	grid.Membership

	ID    uint32
	Owner string
	Kind  string
	Name  string

	mutex    sync.RWMutex
	position mgl32.Vec3
	velocity mgl32.Vec3
	dead     bool
}

func (b *Body) Position() mgl32.Vec3 {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	return b.position
}

func (b *Body) SetPosition(v mgl32.Vec3) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.position = v
}

func (b *Body) Velocity() mgl32.Vec3 {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	return b.velocity
}

func (b *Body) SetVelocity(v mgl32.Vec3) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.velocity = v
}

func (b *Body) IsAlive() bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	return !b.dead
}

// Destroy marks the body as no longer alive.
func (b *Body) Destroy() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.dead = true
}

func (b *Body) DebugName() string {
	if b.Name != "" {
		return b.Name
	}
	return fmt.Sprintf("%s-%d", b.Kind, b.ID)
}

// step moves the body along its velocity for the given number of seconds.
func (b *Body) step(seconds float32) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.position = b.position.Add(b.velocity.Mul(seconds))
}

type BodyView struct {
	ID       uint32               `json:"id"`
	Owner    string               `json:"owner,omitempty"`
	Kind     string               `json:"kind,omitempty"`
	Name     string               `json:"name,omitempty"`
	Position mgl32.Vec3           `json:"position"`
	Velocity mgl32.Vec3           `json:"velocity"`
	Cell     *grid.CellCoordinate `json:"cell,omitempty"`
}

// View returns a copy of the body state. It must be called while holding the
// world lock when the cell is needed.
func (b *Body) View() BodyView {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	v := BodyView{
		ID:       b.ID,
		Owner:    b.Owner,
		Kind:     b.Kind,
		Name:     b.Name,
		Position: b.position,
		Velocity: b.velocity,
	}

	if coord, ok := b.Cell(); ok {
		v.Cell = &coord
	}
	return v
}

func BodiesToViews(bodies []*Body) []BodyView {
	views := make([]BodyView, len(bodies))
	for i, b := range bodies {
		views[i] = b.View()
	}
	return views
}
