package grid

import (
	"fmt"
	"slices"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/go-gl/mathgl/mgl32"
)

// Spatial Hash Grid
//
// A sparse grid of fixed-size cells projected on one of the XZ, XY or YZ
// planes. Cells are created the first time they are touched by an entity
// refresh or a range query, and live until the grid is cleared.
//
// A grid is not safe for concurrent use. Callers driving it from several
// goroutines must serialize the calls.

const (
	ErrTypeNotInitialized = "grid_not_initialized"
	ErrTypeInvalidConfig  = "grid_invalid_config"
	ErrTypeInvalidAxis    = "grid_invalid_axis"

	ErrTypeInvalidPosition = "grid_invalid_position"
	ErrTypeInvalidDistance = "grid_invalid_distance"
)

// MaxCoordinate is the largest absolute value a point component can have to
// be indexed. Range queries accept distances up to twice that value.
const MaxCoordinate float32 = 1 << 30

// Config describes a grid. It is copied when the grid is created.
type Config struct {
	// The name identifying the grid in logs and metrics.
	Name string

	// The plane on which points are bucketed.
	Axis Axis

	// The size of each cell, in world units. Must be at least 1.
	CellSize int

	// Initializes the grid when it is created.
	AutoInitialize bool

	// Removes entities that are no longer alive from a cell every time its
	// entities are read. When disabled, entities must remove themselves from
	// the grid before being disposed.
	FilterStaleMembers bool
}

func DefaultConfig() Config {
	return Config{
		Name:               "default",
		Axis:               AxisXZ,
		CellSize:           1,
		AutoInitialize:     true,
		FilterStaleMembers: true,
	}
}

func (c Config) Validate() error {
	if !c.Axis.Valid() {
		return errors.New("invalid grid axis").
			WithType(ErrTypeInvalidConfig).
			WithTag("grid", c.Name).
			WithTag("axis", (int)(c.Axis))
	}

	if c.CellSize < 1 {
		return errors.New("grid cell size must be at least 1").
			WithType(ErrTypeInvalidConfig).
			WithTag("grid", c.Name).
			WithTag("cell_size", c.CellSize)
	}

	return nil
}

type Grid struct {
	conf  Config
	proj  *projection
	cells map[CellCoordinate]*Cell

	// Incremented each time the cells are discarded. Memberships minted
	// before that no longer resolve.
	epoch uint64
}

// New creates a grid with the given configuration. The grid must be
// initialized before use, unless conf.AutoInitialize is set.
func New(conf Config) (*Grid, error) {
	if conf.Name == "" {
		conf.Name = DefaultConfig().Name
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	g := &Grid{
		conf:  conf,
		cells: make(map[CellCoordinate]*Cell),
	}

	if conf.AutoInitialize {
		g.Initialize()
	}
	return g, nil
}

func (g *Grid) Config() Config {
	return g.conf
}

func (g *Grid) Initialized() bool {
	return g.proj != nil
}

// Initialize binds the projection functions of the configured plane. Calling
// it on an initialized grid does nothing.
func (g *Grid) Initialize() {
	if g.proj != nil {
		return
	}

	g.proj = newProjection(g.conf.Axis, g.conf.CellSize)

	logs.WithTag("grid", g.conf.Name).
		WithTag("axis", g.conf.Axis.String()).
		WithTag("cell_size", g.conf.CellSize).
		Debug("grid initialized")
}

// Reset discards all the cells and brings the grid back to its
// uninitialized state.
func (g *Grid) Reset() {
	g.Clear()
	g.proj = nil
}

// Reconfigure discards all the cells and applies the given configuration.
// The projection functions are derived again from the new plane and cell
// size when the grid was initialized or when conf.AutoInitialize is set.
func (g *Grid) Reconfigure(conf Config) error {
	if conf.Name == "" {
		conf.Name = g.conf.Name
	}

	if err := conf.Validate(); err != nil {
		return err
	}

	wasInitialized := g.Initialized()
	g.Reset()
	g.conf = conf

	if wasInitialized || conf.AutoInitialize {
		g.Initialize()
	}
	return nil
}

// Clear discards all the cells. Cells previously returned by the grid must
// not be used afterward.
func (g *Grid) Clear() {
	g.cells = make(map[CellCoordinate]*Cell)
	g.epoch++

	instrumentClear(g.conf.Name)
	logs.WithTag("grid", g.conf.Name).Debug("grid cleared")
}

// Close discards the cells and stops exporting the grid metrics. The grid
// must not be used after.
func (g *Grid) Close() {
	g.cells = make(map[CellCoordinate]*Cell)
	g.epoch++
	g.proj = nil

	deleteMetrics(g.conf.Name)
	logs.WithTag("grid", g.conf.Name).Debug("grid closed")
}

// RefreshPosition puts the entity in the cell matching its current position,
// creating the cell when needed. It must be called every time the entity
// position may have changed.
func (g *Grid) RefreshPosition(e Entity) error {
	if err := g.checkInitialized(); err != nil {
		return err
	}
	if e == nil {
		return nil
	}

	position := e.Position()
	if err := CheckPosition(position); err != nil {
		return errors.New("refreshing entity position failed").
			WithType(ErrTypeInvalidPosition).
			WithTag("grid", g.conf.Name).
			WithTag("entity", debugName(e)).
			Wrap(err)
	}

	g.getOrCreateCell(g.proj.coordinateOf(position)).Add(e)
	return nil
}

// RemoveEntity removes the entity from the cell matching its current
// position.
//
// The cell is found from the entity position, not from its membership: an
// entity that moved since its last refresh must be removed before its
// position changes, otherwise the removal targets the wrong cell and does
// nothing.
func (g *Grid) RemoveEntity(e Entity) error {
	if err := g.checkInitialized(); err != nil {
		return err
	}
	if e == nil {
		return nil
	}

	position := e.Position()
	if err := CheckPosition(position); err != nil {
		return errors.New("removing entity failed").
			WithType(ErrTypeInvalidPosition).
			WithTag("grid", g.conf.Name).
			WithTag("entity", debugName(e)).
			Wrap(err)
	}

	cell, ok := g.cells[g.proj.coordinateOf(position)]
	if !ok {
		return nil
	}

	cell.Remove(e)
	return nil
}

// CellsInRange returns the cells whose bounds are within distance of the
// given point.
//
// Every cell of the square surrounding the point is probed and materialized,
// including the ones excluded from the result. The grid footprint therefore
// grows with the queries. Use OccupiedCellsInRange to avoid that.
func (g *Grid) CellsInRange(point mgl32.Vec3, distance float32) ([]*Cell, error) {
	if err := g.checkRange(point, distance); err != nil {
		return nil, err
	}
	instrumentRangeQuery(g.conf.Name, "materialize")

	radius := cellRadius(distance, g.conf.CellSize)
	center := g.proj.coordinateOf(point)

	var inRange []*Cell
	for i := -radius; i <= radius; i++ {
		for j := -radius; j <= radius; j++ {
			// Offsets are scaled by the cell size so that probed coordinates
			// stay multiples of it.
			cell := g.getOrCreateCell(center.offset(i, j, g.conf.CellSize))
			if g.isCellInRange(cell, point, distance) {
				inRange = append(inRange, cell)
			}
		}
	}
	return inRange, nil
}

// OccupiedCellsInRange returns the already existing cells whose bounds are
// within distance of the given point. Unlike CellsInRange, it never creates
// cells.
func (g *Grid) OccupiedCellsInRange(point mgl32.Vec3, distance float32) ([]*Cell, error) {
	if err := g.checkRange(point, distance); err != nil {
		return nil, err
	}
	instrumentRangeQuery(g.conf.Name, "probe")

	radius := cellRadius(distance, g.conf.CellSize)
	center := g.proj.coordinateOf(point)

	var inRange []*Cell

	// Walking the existing cells is cheaper than probing a square larger
	// than the grid.
	if side := 2*radius + 1; radius > maxProbedRadius || side*side > len(g.cells) {
		for coord, cell := range g.cells {
			if abs(coord.X-center.X) > radius*g.conf.CellSize ||
				abs(coord.Y-center.Y) > radius*g.conf.CellSize {
				continue
			}
			if g.isCellInRange(cell, point, distance) {
				inRange = append(inRange, cell)
			}
		}
		slices.SortFunc(inRange, func(a, b *Cell) int {
			return compareCoordinates(a.coordinate, b.coordinate)
		})
		return inRange, nil
	}

	for i := -radius; i <= radius; i++ {
		for j := -radius; j <= radius; j++ {
			cell, ok := g.cells[center.offset(i, j, g.conf.CellSize)]
			if ok && g.isCellInRange(cell, point, distance) {
				inRange = append(inRange, cell)
			}
		}
	}
	return inRange, nil
}

// CellCoordinate returns the coordinate of the cell containing the point.
func (g *Grid) CellCoordinate(point mgl32.Vec3) (CellCoordinate, error) {
	if err := g.checkInitialized(); err != nil {
		return CellCoordinate{}, err
	}
	if err := CheckPosition(point); err != nil {
		return CellCoordinate{}, err
	}
	return g.proj.coordinateOf(point), nil
}

// SnapToGrid floors the in-plane components of the point to the cell size.
// The component of the ignored axis is left untouched.
func (g *Grid) SnapToGrid(point mgl32.Vec3) (mgl32.Vec3, error) {
	if err := g.checkInitialized(); err != nil {
		return mgl32.Vec3{}, err
	}
	if err := CheckPosition(point); err != nil {
		return mgl32.Vec3{}, err
	}
	return g.proj.snapToGrid(point), nil
}

// ClampToCell returns the point of the cell bounds that is the closest to
// the given point, ignoring the axis that is not part of the grid plane.
func (g *Grid) ClampToCell(point mgl32.Vec3, c *Cell) (mgl32.Vec3, error) {
	if err := g.checkInitialized(); err != nil {
		return mgl32.Vec3{}, err
	}
	return g.proj.clampToCell(point, c.min, c.max), nil
}

// Cell returns the cell at the given coordinate, if it exists.
func (g *Grid) Cell(coord CellCoordinate) (*Cell, bool) {
	c, ok := g.cells[coord]
	return c, ok
}

// Cells returns the existing cells, ordered by coordinate.
func (g *Grid) Cells() []*Cell {
	cells := make([]*Cell, 0, len(g.cells))
	for _, c := range g.cells {
		cells = append(cells, c)
	}

	slices.SortFunc(cells, func(a, b *Cell) int {
		return compareCoordinates(a.coordinate, b.coordinate)
	})
	return cells
}

func (g *Grid) CellCount() int {
	return len(g.cells)
}

func (g *Grid) getOrCreateCell(coord CellCoordinate) *Cell {
	if c, ok := g.cells[coord]; ok {
		return c
	}

	c := newCell(g, coord)
	g.cells[coord] = c
	instrumentCellCreated(g.conf.Name)
	return c
}

func (g *Grid) isCellInRange(c *Cell, point mgl32.Vec3, d float32) bool {
	clamped := g.proj.clampToCell(point, c.min, c.max)
	return distance(clamped, point) <= d
}

func (g *Grid) checkInitialized() error {
	if g.proj == nil {
		return errors.New("grid is not initialized").
			WithType(ErrTypeNotInitialized).
			WithTag("grid", g.conf.Name)
	}
	return nil
}

func (g *Grid) checkRange(point mgl32.Vec3, distance float32) error {
	if err := g.checkInitialized(); err != nil {
		return err
	}

	if err := CheckPosition(point); err != nil {
		return errors.New("invalid range query point").
			WithType(ErrTypeInvalidPosition).
			WithTag("grid", g.conf.Name).
			Wrap(err)
	}

	if err := CheckDistance(distance); err != nil {
		return errors.New("invalid range query distance").
			WithType(ErrTypeInvalidDistance).
			WithTag("grid", g.conf.Name).
			Wrap(err)
	}
	return nil
}

// CheckPosition returns an error when a component of the point is not a
// finite number or exceeds MaxCoordinate.
func CheckPosition(point mgl32.Vec3) error {
	for i, v := range point {
		if !isFinite(v) || v > MaxCoordinate || v < -MaxCoordinate {
			return errors.New("point is out of the grid bounds").
				WithType(ErrTypeInvalidPosition).
				WithTag("component", "xyz"[i:i+1]).
				WithTag("value", fmt.Sprint(v)).
				WithTag("max_coordinate", MaxCoordinate)
		}
	}
	return nil
}

// CheckDistance returns an error when the distance is negative, not a finite
// number or larger than twice MaxCoordinate.
func CheckDistance(distance float32) error {
	if !isFinite(distance) || distance < 0 || distance > 2*MaxCoordinate {
		return errors.New("invalid distance").
			WithType(ErrTypeInvalidDistance).
			WithTag("distance", fmt.Sprint(distance))
	}
	return nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
