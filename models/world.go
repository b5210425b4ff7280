package models

import (
	"cmp"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/spatialgrid/grid"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

const (
	ErrTypeBodyNotFound  = "body_not_found"
	ErrTypeWorldNotFound = "world_not_found"
	ErrTypeRangeTooLarge = "range_too_large"
	ErrTypeInvalidBody   = "invalid_body"
)

// WorldConfig describes how worlds are created.
type WorldConfig struct {
	// The configuration of the grid indexing the world bodies. Its name is
	// replaced by the world name.
	Grid grid.Config

	// The duration of a world frame. Bodies are moved and their grid cell
	// refreshed once per frame.
	FrameDuration time.Duration

	// Makes range queries create the grid cells they probe. When false,
	// only the cells that already exist are considered.
	MaterializeRangeQueries bool

	// The maximum number of cells a range query can span from the cell of
	// its point, along each axis of the grid plane. 0 means no limit.
	MaxRangeCells int
}

func DefaultWorldConfig() WorldConfig {
	return WorldConfig{
		Grid:                    grid.DefaultConfig(),
		FrameDuration:           time.Millisecond * 15,
		MaterializeRangeQueries: true,
		MaxRangeCells:           64,
	}
}

// World is a simulation space containing bodies indexed by a spatial grid.
//
// The grid is not safe for concurrent use: every access goes through the
// world mutex.
type World struct {
	ID   uint32
	UUID string
	Name string

	materializeRangeQueries bool
	maxRangeCells           int

	mutex   sync.Mutex
	grid    *grid.Grid
	bodyIDs SequentialIDGenerator
	bodies  map[uint32]*Body

	startFrameOnce  sync.Once
	closeFrameChan  chan struct{}
	frameDuration   time.Duration
	frameTicker     *time.Ticker
	frameHandlerIDs SequentialIDGenerator
	frameHandlers   map[uint32]func()
	frameMutex      sync.RWMutex

	closeOnce sync.Once
}

func NewWorld(id uint32, name string, conf WorldConfig) (*World, error) {
	gridConf := conf.Grid
	gridConf.Name = name

	g, err := grid.New(gridConf)
	if err != nil {
		return nil, errors.New("creating world grid failed").
			WithTag("world", name).
			Wrap(err)
	}
	g.Initialize()

	if conf.FrameDuration <= 0 {
		conf.FrameDuration = DefaultWorldConfig().FrameDuration
	}

	w := &World{
		ID:                      id,
		UUID:                    uuid.New().String(),
		Name:                    name,
		materializeRangeQueries: conf.MaterializeRangeQueries,
		maxRangeCells:           conf.MaxRangeCells,
		grid:                    g,
		bodies:                  make(map[uint32]*Body),
		closeFrameChan:          make(chan struct{}, 1),
		frameDuration:           conf.FrameDuration,
		frameTicker:             time.NewTicker(conf.FrameDuration),
		frameHandlers:           make(map[uint32]func()),
	}
	return w, nil
}

func (w *World) Close() {
	w.closeOnce.Do(func() {
		w.frameTicker.Stop()
		w.closeFrameChan <- struct{}{}
		instrumentRemoveWorldBodies(w.Name)

		w.mutex.Lock()
		w.grid.Close()
		w.mutex.Unlock()
	})
}

// AddBody creates a body at the given position and indexes it. An empty owner
// means the body belongs to the world.
func (w *World) AddBody(owner, kind, name string, position, velocity mgl32.Vec3) (*Body, error) {
	if err := checkPosition(position); err != nil {
		return nil, err
	}
	if err := checkVelocity(velocity); err != nil {
		return nil, err
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()

	b := &Body{
		ID:       w.bodyIDs.New(),
		Owner:    owner,
		Kind:     kind,
		Name:     name,
		position: position,
		velocity: velocity,
	}

	if err := w.grid.RefreshPosition(b); err != nil {
		w.bodyIDs.Reuse(b.ID)
		return nil, err
	}

	w.bodies[b.ID] = b
	instrumentBodyCount(w.Name, len(w.bodies))
	return b, nil
}

func (w *World) BodyByID(id uint32) (*Body, bool) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	b, ok := w.bodies[id]
	return b, ok
}

func (w *World) Bodies() []*Body {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	bodies := make([]*Body, 0, len(w.bodies))
	for _, b := range w.bodies {
		bodies = append(bodies, b)
	}
	return bodies
}

// BodyViews returns copies of the body states ordered by id.
func (w *World) BodyViews() []BodyView {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	views := make([]BodyView, 0, len(w.bodies))
	for _, b := range w.bodies {
		views = append(views, b.View())
	}

	slices.SortFunc(views, func(a, b BodyView) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return views
}

func (w *World) BodyCount() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return len(w.bodies)
}

// BodyView returns a copy of the body state, including its grid cell.
func (w *World) BodyView(id uint32) (BodyView, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	b, err := w.body(id)
	if err != nil {
		return BodyView{}, err
	}
	return b.View(), nil
}

// MoveBody sets the body position and refreshes its grid cell.
func (w *World) MoveBody(id uint32, position mgl32.Vec3) error {
	if err := checkPosition(position); err != nil {
		return err
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()

	b, err := w.body(id)
	if err != nil {
		return err
	}

	b.SetPosition(position)
	return w.grid.RefreshPosition(b)
}

func (w *World) SetBodyVelocity(id uint32, velocity mgl32.Vec3) error {
	if err := checkVelocity(velocity); err != nil {
		return err
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()

	b, err := w.body(id)
	if err != nil {
		return err
	}

	b.SetVelocity(velocity)
	return nil
}

// RemoveBody removes the body from the world and from the grid.
func (w *World) RemoveBody(id uint32) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	b, err := w.body(id)
	if err != nil {
		return err
	}

	// The grid finds the cell from the body position: removal must happen
	// before anything else touches the body.
	if err := w.grid.RemoveEntity(b); err != nil {
		return err
	}

	b.Destroy()
	delete(w.bodies, id)
	instrumentBodyCount(w.Name, len(w.bodies))
	return nil
}

// DestroyBody marks the body as dead and forgets it. The grid drops it the
// next time its cell is read when stale members are filtered. Otherwise it
// is removed from the grid right away.
func (w *World) DestroyBody(id uint32) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	b, err := w.body(id)
	if err != nil {
		return err
	}

	if !w.grid.Config().FilterStaleMembers {
		if err := w.grid.RemoveEntity(b); err != nil {
			return err
		}
	}

	b.Destroy()
	delete(w.bodies, id)
	instrumentBodyCount(w.Name, len(w.bodies))
	return nil
}

// Step moves every body along its velocity for the given duration and
// refreshes their grid cells. A body that would leave the grid bounds is
// stopped where it is.
func (w *World) Step(d time.Duration) error {
	start := time.Now()

	w.mutex.Lock()
	defer w.mutex.Unlock()

	seconds := (float32)(d.Seconds())
	for _, b := range w.bodies {
		previous := b.Position()
		b.step(seconds)
		if grid.CheckPosition(b.Position()) != nil {
			b.SetPosition(previous)
			b.SetVelocity(mgl32.Vec3{})
		}

		if err := w.grid.RefreshPosition(b); err != nil {
			return err
		}
	}

	instrumentFrame(w.Name, time.Since(start))
	return nil
}

// CellsInRange returns the cells whose bounds are within distance of the
// given point.
func (w *World) CellsInRange(point mgl32.Vec3, distance float32) ([]CellView, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	cells, err := w.cellsInRange(point, distance)
	if err != nil {
		return nil, err
	}
	return CellsToViews(cells), nil
}

// OccupiedCellsInRange is like CellsInRange but only considers the cells that
// already exist, whatever the world configuration.
func (w *World) OccupiedCellsInRange(point mgl32.Vec3, distance float32) ([]CellView, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if err := w.checkRange(distance); err != nil {
		return nil, err
	}

	cells, err := w.grid.OccupiedCellsInRange(point, distance)
	if err != nil {
		return nil, err
	}
	return CellsToViews(cells), nil
}

// BodiesInRange returns the bodies within distance of the given point. The
// grid narrows the candidates to the cells in range, which are then filtered
// by their exact distance.
func (w *World) BodiesInRange(point mgl32.Vec3, distance float32) ([]*Body, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.bodiesInRange(point, distance)
}

func (w *World) bodiesInRange(point mgl32.Vec3, distance float32) ([]*Body, error) {
	cells, err := w.cellsInRange(point, distance)
	if err != nil {
		return nil, err
	}

	var bodies []*Body
	for _, c := range cells {
		for _, b := range grid.EntitiesOf[*Body](c) {
			if !b.IsAlive() {
				continue
			}
			if b.Position().Sub(point).Len() <= distance {
				bodies = append(bodies, b)
			}
		}
	}
	return bodies, nil
}

// BodyViewsInRange is like BodiesInRange but returns copies of the body
// states, taken while the world is locked.
func (w *World) BodyViewsInRange(point mgl32.Vec3, distance float32) ([]BodyView, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	bodies, err := w.bodiesInRange(point, distance)
	if err != nil {
		return nil, err
	}
	return BodiesToViews(bodies), nil
}

// ClearGrid discards all the grid cells and indexes the bodies again.
func (w *World) ClearGrid() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.grid.Clear()
	for _, b := range w.bodies {
		if err := w.grid.RefreshPosition(b); err != nil {
			return err
		}
	}
	return nil
}

func (w *World) DebugInfo() grid.DebugInfo {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.grid.DebugInfo()
}

func (w *World) GridConfig() grid.Config {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.grid.Config()
}

func (w *World) FrameDuration() time.Duration {
	return w.frameDuration
}

func (w *World) HandleFrame(h func()) (cancel func()) {
	w.frameMutex.Lock()
	defer w.frameMutex.Unlock()

	id := w.frameHandlerIDs.New()
	w.frameHandlers[id] = h

	return func() {
		w.frameMutex.Lock()
		defer w.frameMutex.Unlock()

		delete(w.frameHandlers, id)
		w.frameHandlerIDs.Reuse(id)
	}
}

func (w *World) StartDispatchFrames() {
	w.startFrameOnce.Do(func() {
		for {
			select {
			case <-w.closeFrameChan:
				return

			case <-w.frameTicker.C:
				w.frameMutex.RLock()
				for _, h := range w.frameHandlers {
					h()
				}
				w.frameMutex.RUnlock()
			}
		}
	})
}

func (w *World) cellsInRange(point mgl32.Vec3, distance float32) ([]*grid.Cell, error) {
	if err := w.checkRange(distance); err != nil {
		return nil, err
	}

	if w.materializeRangeQueries {
		return w.grid.CellsInRange(point, distance)
	}
	return w.grid.OccupiedCellsInRange(point, distance)
}

func (w *World) checkRange(distance float32) error {
	if err := grid.CheckDistance(distance); err != nil {
		return err
	}

	cells := math.Ceil((float64)(distance) / (float64)(w.grid.Config().CellSize))
	if w.maxRangeCells > 0 && cells > (float64)(w.maxRangeCells) {
		return errors.New("range spans too many cells").
			WithType(ErrTypeRangeTooLarge).
			WithTag("world", w.Name).
			WithTag("distance", distance).
			WithTag("max_range_cells", w.maxRangeCells)
	}
	return nil
}

func checkPosition(position mgl32.Vec3) error {
	if err := grid.CheckPosition(position); err != nil {
		return errors.New("invalid body position").
			WithType(ErrTypeInvalidBody).
			Wrap(err)
	}
	return nil
}

func checkVelocity(velocity mgl32.Vec3) error {
	for _, v := range velocity {
		if math.IsNaN((float64)(v)) || math.IsInf((float64)(v), 0) {
			return errors.New("invalid body velocity").
				WithType(ErrTypeInvalidBody)
		}
	}
	return nil
}

func (w *World) body(id uint32) (*Body, error) {
	b, ok := w.bodies[id]
	if !ok {
		return nil, errors.New("body not found").
			WithType(ErrTypeBodyNotFound).
			WithTag("world", w.Name).
			WithTag("body_id", id)
	}
	return b, nil
}

type CellView struct {
	Coordinate grid.CellCoordinate `json:"coordinate"`
	Min        mgl32.Vec3          `json:"min"`
	Center     mgl32.Vec3          `json:"center"`
	Max        mgl32.Vec3          `json:"max"`
	BodyIDs    []uint32            `json:"body_ids"`
}

func CellsToViews(cells []*grid.Cell) []CellView {
	views := make([]CellView, len(cells))
	for i, c := range cells {
		bodies := grid.EntitiesOf[*Body](c)
		ids := make([]uint32, len(bodies))
		for j, b := range bodies {
			ids[j] = b.ID
		}

		views[i] = CellView{
			Coordinate: c.Coordinate(),
			Min:        c.Min(),
			Center:     c.Center(),
			Max:        c.Max(),
			BodyIDs:    ids,
		}
	}
	return views
}
