package grid

import (
	"github.com/go-gl/mathgl/mgl32"
)

type DebugInfo struct {
	Name        string          `json:"name"`
	Axis        string          `json:"axis"`
	CellSize    int             `json:"cell_size"`
	Initialized bool            `json:"initialized"`
	CellCount   int             `json:"cell_count"`
	EntityCount int             `json:"entity_count"`
	MinPoint    mgl32.Vec3      `json:"min_point"`
	MaxPoint    mgl32.Vec3      `json:"max_point"`
	Occupancy   []CellOccupancy `json:"occupancy"`
}

type CellOccupancy struct {
	Coordinate  CellCoordinate `json:"coordinate"`
	EntityCount int            `json:"entity_count"`
	Entities    []string       `json:"entities,omitempty"`
}

// DebugInfo returns a description of the existing cells and of the entities
// they hold. MinPoint and MaxPoint bound the area covered by the cells.
func (g *Grid) DebugInfo() DebugInfo {
	result := DebugInfo{
		Name:        g.conf.Name,
		Axis:        g.conf.Axis.String(),
		CellSize:    g.conf.CellSize,
		Initialized: g.Initialized(),
		CellCount:   len(g.cells),
	}

	cells := g.Cells()
	result.Occupancy = make([]CellOccupancy, 0, len(cells))

	for i, c := range cells {
		entities := c.Entities()

		names := make([]string, len(entities))
		for j, e := range entities {
			names[j] = debugName(e)
		}

		result.Occupancy = append(result.Occupancy, CellOccupancy{
			Coordinate:  c.coordinate,
			EntityCount: len(entities),
			Entities:    names,
		})
		result.EntityCount += len(entities)

		if i == 0 {
			result.MinPoint = c.min
			result.MaxPoint = c.max
			continue
		}
		result.MinPoint = minVec(result.MinPoint, c.min)
		result.MaxPoint = maxVec(result.MaxPoint, c.max)
	}

	return result
}

func minVec(a, b mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{min(a[0], b[0]), min(a[1], b[1]), min(a[2], b[2])}
}

func maxVec(a, b mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{max(a[0], b[0]), max(a[1], b[1]), max(a[2], b[2])}
}
