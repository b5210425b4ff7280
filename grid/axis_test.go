package grid

import (
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/require"
)

func TestParseAxis(t *testing.T) {
	t.Run("known axes are parsed", func(t *testing.T) {
		for _, a := range []Axis{AxisXZ, AxisXY, AxisYZ} {
			parsed, err := ParseAxis(a.String())
			require.NoError(t, err)
			require.Equal(t, a, parsed)
		}

		parsed, err := ParseAxis(" XZ ")
		require.NoError(t, err)
		require.Equal(t, AxisXZ, parsed)
	})

	t.Run("unknown axis returns an error", func(t *testing.T) {
		_, err := ParseAxis("xyz")
		require.Error(t, err)
		require.Equal(t, ErrTypeInvalidConfig, errors.Type(err))
	})
}

func TestAxisValid(t *testing.T) {
	require.True(t, AxisXZ.Valid())
	require.True(t, AxisXY.Valid())
	require.True(t, AxisYZ.Valid())
	require.False(t, Axis(0).Valid())
	require.False(t, Axis(42).Valid())
	require.Equal(t, "invalid", Axis(42).String())
}

func TestProjectionCoordinateOf(t *testing.T) {
	t.Run("xz", func(t *testing.T) {
		p := newProjection(AxisXZ, 10)
		require.Equal(t, CellCoordinate{10, -10}, p.coordinateOf(mgl32.Vec3{15, 99, -3}))
	})

	t.Run("xy", func(t *testing.T) {
		p := newProjection(AxisXY, 10)
		require.Equal(t, CellCoordinate{10, -10}, p.coordinateOf(mgl32.Vec3{15, -3, 99}))
	})

	t.Run("yz", func(t *testing.T) {
		p := newProjection(AxisYZ, 10)
		require.Equal(t, CellCoordinate{10, -10}, p.coordinateOf(mgl32.Vec3{99, 15, -3}))
	})

	t.Run("unit cells", func(t *testing.T) {
		p := newProjection(AxisXZ, 1)
		require.Equal(t, CellCoordinate{0, 0}, p.coordinateOf(mgl32.Vec3{0.5, 0, 0.5}))
		require.Equal(t, CellCoordinate{1, 0}, p.coordinateOf(mgl32.Vec3{1.2, 0, 0.3}))
		require.Equal(t, CellCoordinate{-1, -1}, p.coordinateOf(mgl32.Vec3{-0.5, 0, -0.5}))
	})
}

func TestProjectionSnapToGrid(t *testing.T) {
	require.Equal(t, mgl32.Vec3{10, 3.5, -10}, newProjection(AxisXZ, 10).snapToGrid(mgl32.Vec3{15, 3.5, -3}))
	require.Equal(t, mgl32.Vec3{10, -10, 3.5}, newProjection(AxisXY, 10).snapToGrid(mgl32.Vec3{15, -3, 3.5}))
	require.Equal(t, mgl32.Vec3{3.5, 10, -10}, newProjection(AxisYZ, 10).snapToGrid(mgl32.Vec3{3.5, 15, -3}))
}

func TestProjectionClampToCell(t *testing.T) {
	min := mgl32.Vec3{0, 0, 0}
	max := mgl32.Vec3{1, 1, 1}
	point := mgl32.Vec3{5, 5, 5}

	require.Equal(t, mgl32.Vec3{1, 5, 1}, newProjection(AxisXZ, 1).clampToCell(point, min, max))
	require.Equal(t, mgl32.Vec3{1, 1, 5}, newProjection(AxisXY, 1).clampToCell(point, min, max))
	require.Equal(t, mgl32.Vec3{5, 1, 1}, newProjection(AxisYZ, 1).clampToCell(point, min, max))

	inside := mgl32.Vec3{0.5, 0.5, 0.5}
	require.Equal(t, inside, newProjection(AxisXZ, 1).clampToCell(inside, min, max))
}

func TestProjectionBounds(t *testing.T) {
	t.Run("xz", func(t *testing.T) {
		min, center, max := newProjection(AxisXZ, 2).bounds(CellCoordinate{2, 4})
		require.Equal(t, mgl32.Vec3{2, 0, 4}, min)
		require.Equal(t, mgl32.Vec3{3, 0, 5}, center)
		require.Equal(t, mgl32.Vec3{4, 0, 6}, max)
	})

	t.Run("xy", func(t *testing.T) {
		min, center, max := newProjection(AxisXY, 2).bounds(CellCoordinate{2, 4})
		require.Equal(t, mgl32.Vec3{2, 4, 0}, min)
		require.Equal(t, mgl32.Vec3{3, 5, 0}, center)
		require.Equal(t, mgl32.Vec3{4, 6, 0}, max)
	})

	t.Run("yz", func(t *testing.T) {
		min, center, max := newProjection(AxisYZ, 2).bounds(CellCoordinate{2, 4})
		require.Equal(t, mgl32.Vec3{0, 2, 4}, min)
		require.Equal(t, mgl32.Vec3{0, 3, 5}, center)
		require.Equal(t, mgl32.Vec3{0, 4, 6}, max)
	})
}

func TestNewProjectionWithInvalidAxisPanics(t *testing.T) {
	require.Panics(t, func() {
		newProjection(Axis(42), 1)
	})
}
