package grid

import (
	"strings"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/go-gl/mathgl/mgl32"
)

// Axis is the plane a grid buckets points on. Only the two axes of the plane
// are used to compute cell coordinates, the third one is ignored.
type Axis int

const (
	AxisXZ Axis = iota + 1
	AxisXY
	AxisYZ
)

func (a Axis) String() string {
	switch a {
	case AxisXZ:
		return "xz"
	case AxisXY:
		return "xy"
	case AxisYZ:
		return "yz"
	default:
		return "invalid"
	}
}

func (a Axis) Valid() bool {
	return a == AxisXZ || a == AxisXY || a == AxisYZ
}

// ParseAxis returns the axis named by s (xz|xy|yz).
func ParseAxis(s string) (Axis, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "xz":
		return AxisXZ, nil
	case "xy":
		return AxisXY, nil
	case "yz":
		return AxisYZ, nil
	default:
		return 0, errors.New("unknown grid axis").
			WithType(ErrTypeInvalidConfig).
			WithTag("axis", s)
	}
}

// CellCoordinate identifies a cell by its lower bound along the two active
// axes. Both components are multiples of the cell size.
type CellCoordinate struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (c CellCoordinate) offset(i, j, size int) CellCoordinate {
	return CellCoordinate{X: c.X + i*size, Y: c.Y + j*size}
}

func compareCoordinates(a, b CellCoordinate) int {
	if a.X != b.X {
		if a.X < b.X {
			return -1
		}
		return 1
	}
	if a.Y < b.Y {
		return -1
	}
	if a.Y > b.Y {
		return 1
	}
	return 0
}

// projection groups the functions translating between world points and cell
// coordinates for a single plane and cell size. They are always derived
// together by newProjection.
type projection struct {
	axis Axis
	size int

	coordinateOf func(p mgl32.Vec3) CellCoordinate
	snapToGrid   func(p mgl32.Vec3) mgl32.Vec3
	clampToCell  func(p mgl32.Vec3, min mgl32.Vec3, max mgl32.Vec3) mgl32.Vec3
	bounds       func(c CellCoordinate) (min mgl32.Vec3, center mgl32.Vec3, max mgl32.Vec3)
}

// newProjection panics when axis is not one of the three known planes: it
// means the configuration was corrupted after validation.
func newProjection(axis Axis, size int) *projection {
	half := (float32)(size) / 2
	s := (float32)(size)

	switch axis {
	case AxisXZ:
		return &projection{
			axis: axis,
			size: size,
			coordinateOf: func(p mgl32.Vec3) CellCoordinate {
				return CellCoordinate{X: floorToCell(p.X(), size), Y: floorToCell(p.Z(), size)}
			},
			snapToGrid: func(p mgl32.Vec3) mgl32.Vec3 {
				return mgl32.Vec3{(float32)(floorToCell(p.X(), size)), p.Y(), (float32)(floorToCell(p.Z(), size))}
			},
			clampToCell: func(p mgl32.Vec3, min mgl32.Vec3, max mgl32.Vec3) mgl32.Vec3 {
				return mgl32.Vec3{clamp(p.X(), min.X(), max.X()), p.Y(), clamp(p.Z(), min.Z(), max.Z())}
			},
			bounds: func(c CellCoordinate) (mgl32.Vec3, mgl32.Vec3, mgl32.Vec3) {
				x, z := (float32)(c.X), (float32)(c.Y)
				return mgl32.Vec3{x, 0, z}, mgl32.Vec3{x + half, 0, z + half}, mgl32.Vec3{x + s, 0, z + s}
			},
		}

	case AxisXY:
		return &projection{
			axis: axis,
			size: size,
			coordinateOf: func(p mgl32.Vec3) CellCoordinate {
				return CellCoordinate{X: floorToCell(p.X(), size), Y: floorToCell(p.Y(), size)}
			},
			snapToGrid: func(p mgl32.Vec3) mgl32.Vec3 {
				return mgl32.Vec3{(float32)(floorToCell(p.X(), size)), (float32)(floorToCell(p.Y(), size)), p.Z()}
			},
			clampToCell: func(p mgl32.Vec3, min mgl32.Vec3, max mgl32.Vec3) mgl32.Vec3 {
				return mgl32.Vec3{clamp(p.X(), min.X(), max.X()), clamp(p.Y(), min.Y(), max.Y()), p.Z()}
			},
			bounds: func(c CellCoordinate) (mgl32.Vec3, mgl32.Vec3, mgl32.Vec3) {
				x, y := (float32)(c.X), (float32)(c.Y)
				return mgl32.Vec3{x, y, 0}, mgl32.Vec3{x + half, y + half, 0}, mgl32.Vec3{x + s, y + s, 0}
			},
		}

	case AxisYZ:
		return &projection{
			axis: axis,
			size: size,
			coordinateOf: func(p mgl32.Vec3) CellCoordinate {
				return CellCoordinate{X: floorToCell(p.Y(), size), Y: floorToCell(p.Z(), size)}
			},
			snapToGrid: func(p mgl32.Vec3) mgl32.Vec3 {
				return mgl32.Vec3{p.X(), (float32)(floorToCell(p.Y(), size)), (float32)(floorToCell(p.Z(), size))}
			},
			clampToCell: func(p mgl32.Vec3, min mgl32.Vec3, max mgl32.Vec3) mgl32.Vec3 {
				return mgl32.Vec3{p.X(), clamp(p.Y(), min.Y(), max.Y()), clamp(p.Z(), min.Z(), max.Z())}
			},
			bounds: func(c CellCoordinate) (mgl32.Vec3, mgl32.Vec3, mgl32.Vec3) {
				y, z := (float32)(c.X), (float32)(c.Y)
				return mgl32.Vec3{0, y, z}, mgl32.Vec3{0, y + half, z + half}, mgl32.Vec3{0, y + s, z + s}
			},
		}

	default:
		panic(errors.New("invalid grid axis").
			WithType(ErrTypeInvalidAxis).
			WithTag("axis", (int)(axis)))
	}
}
