package grid

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

func EqualWithEpsilon(a float32, b float32, epsilon float64) bool {
	return math.Abs((float64)(a-b)) <= epsilon
}

// floorToCell returns the lower bound of the cell of the given size that
// contains v.
func floorToCell(v float32, size int) int {
	return (int)(math.Floor((float64)(v)/(float64)(size))) * size
}

func clamp(v float32, min float32, max float32) float32 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Above this radius, range queries that do not materialize cells walk the
// existing cells instead of probing the square around the point.
const maxProbedRadius = 1 << 12

func isFinite(v float32) bool {
	return !math.IsNaN((float64)(v)) && !math.IsInf((float64)(v), 0)
}

// cellRadius returns how many cells a distance spans, rounded up.
func cellRadius(distance float32, size int) int {
	return (int)(math.Ceil((float64)(distance) / (float64)(size)))
}

func distance(a mgl32.Vec3, b mgl32.Vec3) float32 {
	return a.Sub(b).Len()
}
