package models

import (
	"slices"
	"strings"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
)

// WorldStore holds the worlds hosted by the server, by name.
type WorldStore struct {
	// The configuration used to create worlds.
	WorldConfig WorldConfig

	// Prevents GetOrCreate from creating worlds.
	DisableAutoCreate bool

	initOnce sync.Once
	mutex    sync.RWMutex
	worlds   map[string]*World
	ids      SequentialIDGenerator
}

func (s *WorldStore) init() {
	s.worlds = make(map[string]*World)

	if s.WorldConfig.Grid.CellSize == 0 {
		s.WorldConfig = DefaultWorldConfig()
	}
}

// Create creates a world with the given name and starts dispatching its
// frames. It returns an error when the name is already taken.
func (s *WorldStore) Create(name string) (*World, error) {
	s.initOnce.Do(s.init)
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.worlds[name]; ok {
		return nil, errors.New("world already exists").WithTag("world", name)
	}
	return s.create(name)
}

// GetOrCreate returns the world with the given name. The world is created
// when it does not exist, unless auto creation is disabled.
func (s *WorldStore) GetOrCreate(name string) (*World, error) {
	s.initOnce.Do(s.init)
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if w, ok := s.worlds[name]; ok {
		return w, nil
	}

	if s.DisableAutoCreate {
		return nil, errors.New("world not found").
			WithType(ErrTypeWorldNotFound).
			WithTag("world", name)
	}
	return s.create(name)
}

func (s *WorldStore) Get(name string) (*World, bool) {
	s.initOnce.Do(s.init)
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	w, ok := s.worlds[name]
	return w, ok
}

// List returns the worlds ordered by name.
func (s *WorldStore) List() []*World {
	s.initOnce.Do(s.init)
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	worlds := make([]*World, 0, len(s.worlds))
	for _, w := range s.worlds {
		worlds = append(worlds, w)
	}

	slices.SortFunc(worlds, func(a, b *World) int {
		return strings.Compare(a.Name, b.Name)
	})
	return worlds
}

// Remove closes the world with the given name and forgets it.
func (s *WorldStore) Remove(name string) bool {
	s.initOnce.Do(s.init)
	s.mutex.Lock()
	defer s.mutex.Unlock()

	w, ok := s.worlds[name]
	if !ok {
		return false
	}

	delete(s.worlds, name)
	w.Close()
	s.ids.Reuse(w.ID)

	instrumentDecreaseWorldGauge()
	logs.WithTag("world", name).
		WithTag("world_uuid", w.UUID).
		Info("world removed")
	return true
}

// Close closes all the worlds.
func (s *WorldStore) Close() {
	for _, w := range s.List() {
		s.Remove(w.Name)
	}
}

func (s *WorldStore) create(name string) (*World, error) {
	if name == "" {
		return nil, errors.New("world name is empty")
	}

	w, err := NewWorld(s.ids.New(), name, s.WorldConfig)
	if err != nil {
		return nil, err
	}

	w.HandleFrame(func() {
		if err := w.Step(w.FrameDuration()); err != nil {
			logs.WithTag("world", w.Name).Error(err)
		}
	})
	go w.StartDispatchFrames()

	s.worlds[name] = w

	instrumentIncreaseWorldGauge()
	instrumentCountWorld()
	logs.WithTag("world", name).
		WithTag("world_uuid", w.UUID).
		WithTag("axis", w.grid.Config().Axis.String()).
		WithTag("cell_size", w.grid.Config().CellSize).
		Info("world created")
	return w, nil
}
