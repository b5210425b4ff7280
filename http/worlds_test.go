package http

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aukilabs/spatialgrid/grid"
	"github.com/aukilabs/spatialgrid/models"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/go-cmp/cmp"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *models.WorldStore) {
	worlds := &models.WorldStore{}
	t.Cleanup(worlds.Close)

	h := WorldsHandler{Worlds: worlds}
	server := httptest.NewServer(h.ServeMux())
	t.Cleanup(server.Close)
	return server, worlds
}

func doRequest(t *testing.T, method, url string, res any) int {
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	if res != nil && len(body) != 0 {
		err = json.Unmarshal(body, res)
		require.NoError(t, err)
	}
	return resp.StatusCode
}

func TestWorldsHandlerCreateWorld(t *testing.T) {
	server, worlds := newTestServer(t)

	var info WorldInfo
	status := doRequest(t, http.MethodPost, server.URL+"/worlds/alpha", &info)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, "alpha", info.Name)
	require.Equal(t, grid.AxisXZ.String(), info.Axis)
	require.Equal(t, 1, info.CellSize)

	_, ok := worlds.Get("alpha")
	require.True(t, ok)

	t.Run("existing world returns a conflict", func(t *testing.T) {
		var res ErrorResponse
		status := doRequest(t, http.MethodPost, server.URL+"/worlds/alpha", &res)
		require.Equal(t, http.StatusConflict, status)
		require.Equal(t, ErrTypeWorldConflict, res.Type)
	})
}

func TestWorldsHandlerListWorlds(t *testing.T) {
	server, worlds := newTestServer(t)

	for _, name := range []string{"bravo", "alpha"} {
		_, err := worlds.Create(name)
		require.NoError(t, err)
	}

	var infos []WorldInfo
	status := doRequest(t, http.MethodGet, server.URL+"/worlds", &infos)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, infos, 2)
	require.Equal(t, "alpha", infos[0].Name)
	require.Equal(t, "bravo", infos[1].Name)
}

func TestWorldsHandlerRemoveWorld(t *testing.T) {
	server, worlds := newTestServer(t)

	_, err := worlds.Create("alpha")
	require.NoError(t, err)

	status := doRequest(t, http.MethodDelete, server.URL+"/worlds/alpha", nil)
	require.Equal(t, http.StatusNoContent, status)

	var res ErrorResponse
	status = doRequest(t, http.MethodDelete, server.URL+"/worlds/alpha", &res)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, models.ErrTypeWorldNotFound, res.Type)
}

func TestWorldsHandlerCellsInRange(t *testing.T) {
	server, worlds := newTestServer(t)

	world, err := worlds.Create("alpha")
	require.NoError(t, err)

	body, err := world.AddBody("", "ship", "", mgl32.Vec3{0.5, 0, 0.5}, mgl32.Vec3{})
	require.NoError(t, err)

	t.Run("cells in range are returned", func(t *testing.T) {
		var cells []models.CellView
		status := doRequest(t, http.MethodGet, server.URL+"/worlds/alpha/cells?range=1", &cells)
		require.Equal(t, http.StatusOK, status)
		require.Len(t, cells, 8)
	})

	t.Run("occupied cells in range are returned", func(t *testing.T) {
		var cells []models.CellView
		status := doRequest(t, http.MethodGet, server.URL+"/worlds/alpha/cells?x=0.5&z=0.5&range=4&occupied=1", &cells)
		require.Equal(t, http.StatusOK, status)

		var coords []grid.CellCoordinate
		for _, c := range cells {
			coords = append(coords, c.Coordinate)
			if c.Coordinate == (grid.CellCoordinate{}) {
				require.Equal(t, []uint32{body.ID}, c.BodyIDs)
			}
		}

		// Cells created by the previous query are returned, none are added.
		var expected []grid.CellCoordinate
		for x := -1; x <= 1; x++ {
			for y := -1; y <= 1; y++ {
				expected = append(expected, grid.CellCoordinate{X: x, Y: y})
			}
		}
		require.Empty(t, cmp.Diff(expected, coords))
		require.Equal(t, 9, world.DebugInfo().CellCount)
	})

	t.Run("missing range returns an error", func(t *testing.T) {
		var res ErrorResponse
		status := doRequest(t, http.MethodGet, server.URL+"/worlds/alpha/cells", &res)
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, ErrTypeBadRequest, res.Type)
	})

	t.Run("invalid coordinate returns an error", func(t *testing.T) {
		var res ErrorResponse
		status := doRequest(t, http.MethodGet, server.URL+"/worlds/alpha/cells?x=left&range=1", &res)
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, ErrTypeBadRequest, res.Type)
	})

	t.Run("unknown world returns an error", func(t *testing.T) {
		var res ErrorResponse
		status := doRequest(t, http.MethodGet, server.URL+"/worlds/beta/cells?range=1", &res)
		require.Equal(t, http.StatusNotFound, status)
		require.Equal(t, models.ErrTypeWorldNotFound, res.Type)
	})

	t.Run("invalid ranges return an error", func(t *testing.T) {
		for _, query := range []string{
			"range=NaN",
			"range=Inf",
			"range=-Inf",
			"range=-1",
			"range=1e20",
			"range=1&x=1e30",
			"range=1&z=NaN",
			"range=1&occupied=1&y=-Inf",
		} {
			var res ErrorResponse
			status := doRequest(t, http.MethodGet, server.URL+"/worlds/alpha/cells?"+query, &res)
			require.Equal(t, http.StatusBadRequest, status, query)
			require.Equal(t, ErrTypeBadRequest, res.Type, query)
		}
		require.Equal(t, 9, world.DebugInfo().CellCount)
	})

	t.Run("range spanning too many cells returns an error", func(t *testing.T) {
		for _, path := range []string{
			"/worlds/alpha/cells?range=1000",
			"/worlds/alpha/cells?range=1000&occupied=1",
			"/worlds/alpha/bodies?range=1000",
		} {
			var res ErrorResponse
			status := doRequest(t, http.MethodGet, server.URL+path, &res)
			require.Equal(t, http.StatusBadRequest, status, path)
			require.Equal(t, models.ErrTypeRangeTooLarge, res.Type, path)
		}
		require.Equal(t, 9, world.DebugInfo().CellCount)
	})
}

func TestWorldsHandlerBodiesInRange(t *testing.T) {
	server, worlds := newTestServer(t)

	world, err := worlds.Create("alpha")
	require.NoError(t, err)

	near, err := world.AddBody("", "ship", "near", mgl32.Vec3{0.5, 0, 0.5}, mgl32.Vec3{})
	require.NoError(t, err)

	_, err = world.AddBody("", "ship", "far", mgl32.Vec3{8, 0, 8}, mgl32.Vec3{})
	require.NoError(t, err)

	var bodies []models.BodyView
	status := doRequest(t, http.MethodGet, server.URL+"/worlds/alpha/bodies?range=2", &bodies)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, bodies, 1)
	require.Equal(t, near.ID, bodies[0].ID)
	require.Equal(t, "near", bodies[0].Name)
}

func TestWorldsHandlerDebugInfo(t *testing.T) {
	server, worlds := newTestServer(t)

	world, err := worlds.Create("alpha")
	require.NoError(t, err)

	_, err = world.AddBody("", "ship", "falcon", mgl32.Vec3{0.5, 0, 0.5}, mgl32.Vec3{})
	require.NoError(t, err)

	var info grid.DebugInfo
	status := doRequest(t, http.MethodGet, server.URL+"/worlds/alpha/debug", &info)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "alpha", info.Name)
	require.Equal(t, 1, info.CellCount)
	require.Equal(t, 1, info.EntityCount)
	require.Len(t, info.Occupancy, 1)
	require.Equal(t, []string{"falcon"}, info.Occupancy[0].Entities)
}
