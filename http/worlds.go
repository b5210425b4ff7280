package http

import (
	"net/http"
	"strconv"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/spatialgrid/grid"
	"github.com/aukilabs/spatialgrid/models"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/segmentio/encoding/json"
)

const (
	ErrTypeBadRequest    = "bad_request"
	ErrTypeWorldConflict = "world_conflict"
)

// WorldsHandler serves the worlds and their grid over HTTP.
type WorldsHandler struct {
	Worlds *models.WorldStore
}

type WorldInfo struct {
	Name      string `json:"name"`
	UUID      string `json:"uuid"`
	Axis      string `json:"axis"`
	CellSize  int    `json:"cell_size"`
	BodyCount int    `json:"body_count"`
}

type ErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ServeMux returns a mux routing the world requests.
func (h *WorldsHandler) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /worlds", h.listWorlds)
	mux.HandleFunc("POST /worlds/{name}", h.createWorld)
	mux.HandleFunc("DELETE /worlds/{name}", h.removeWorld)
	mux.HandleFunc("GET /worlds/{name}/cells", h.cellsInRange)
	mux.HandleFunc("GET /worlds/{name}/bodies", h.bodiesInRange)
	mux.HandleFunc("GET /worlds/{name}/debug", h.debugInfo)
	return mux
}

func (h *WorldsHandler) listWorlds(w http.ResponseWriter, r *http.Request) {
	worlds := h.Worlds.List()

	infos := make([]WorldInfo, len(worlds))
	for i, world := range worlds {
		infos[i] = worldInfo(world)
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *WorldsHandler) createWorld(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if _, ok := h.Worlds.Get(name); ok {
		writeError(w, errors.New("world already exists").
			WithType(ErrTypeWorldConflict).
			WithTag("world", name))
		return
	}

	world, err := h.Worlds.Create(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, worldInfo(world))
}

func (h *WorldsHandler) removeWorld(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if !h.Worlds.Remove(name) {
		writeError(w, worldNotFound(name))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *WorldsHandler) cellsInRange(w http.ResponseWriter, r *http.Request) {
	world, ok := h.world(w, r)
	if !ok {
		return
	}

	point, distance, err := parseRange(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var cells []models.CellView
	if occupied, _ := strconv.ParseBool(r.URL.Query().Get("occupied")); occupied {
		cells, err = world.OccupiedCellsInRange(point, distance)
	} else {
		cells, err = world.CellsInRange(point, distance)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cells)
}

func (h *WorldsHandler) bodiesInRange(w http.ResponseWriter, r *http.Request) {
	world, ok := h.world(w, r)
	if !ok {
		return
	}

	point, distance, err := parseRange(r)
	if err != nil {
		writeError(w, err)
		return
	}

	bodies, err := world.BodyViewsInRange(point, distance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bodies)
}

func (h *WorldsHandler) debugInfo(w http.ResponseWriter, r *http.Request) {
	world, ok := h.world(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, world.DebugInfo())
}

func (h *WorldsHandler) world(w http.ResponseWriter, r *http.Request) (*models.World, bool) {
	name := r.PathValue("name")

	world, ok := h.Worlds.Get(name)
	if !ok {
		writeError(w, worldNotFound(name))
		return nil, false
	}
	return world, true
}

func worldInfo(w *models.World) WorldInfo {
	conf := w.GridConfig()
	return WorldInfo{
		Name:      w.Name,
		UUID:      w.UUID,
		Axis:      conf.Axis.String(),
		CellSize:  conf.CellSize,
		BodyCount: w.BodyCount(),
	}
}

func worldNotFound(name string) error {
	return errors.New("world not found").
		WithType(models.ErrTypeWorldNotFound).
		WithTag("world", name)
}

// parseRange reads the x, y, z and range query parameters. Missing
// coordinates default to 0 and range is required.
func parseRange(r *http.Request) (mgl32.Vec3, float32, error) {
	query := r.URL.Query()

	var point mgl32.Vec3
	for i, key := range []string{"x", "y", "z"} {
		v, err := parseFloat(query.Get(key), 0)
		if err != nil {
			return mgl32.Vec3{}, 0, errors.New("invalid coordinate").
				WithType(ErrTypeBadRequest).
				WithTag("param", key).
				Wrap(err)
		}
		point[i] = v
	}

	if err := grid.CheckPosition(point); err != nil {
		return mgl32.Vec3{}, 0, errors.New("invalid point").
			WithType(ErrTypeBadRequest).
			Wrap(err)
	}

	distance, err := parseFloat(query.Get("range"), -1)
	if err != nil || grid.CheckDistance(distance) != nil {
		return mgl32.Vec3{}, 0, errors.New("invalid range").
			WithType(ErrTypeBadRequest).
			WithTag("range", query.Get("range"))
	}
	return point, distance, nil
}

func parseFloat(s string, defaultValue float32) (float32, error) {
	if s == "" {
		return defaultValue, nil
	}

	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, err
	}
	return float32(v), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		logs.Warn(errors.New("encoding response failed").Wrap(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func writeError(w http.ResponseWriter, err error) {
	status := statusCode(err)
	if status >= http.StatusInternalServerError {
		logs.WithTag("status", status).Error(err)
	}

	writeJSON(w, status, ErrorResponse{
		Type:    errors.Type(err),
		Message: err.Error(),
	})
}

func statusCode(err error) int {
	switch errors.Type(err) {
	case ErrTypeBadRequest,
		grid.ErrTypeInvalidConfig,
		grid.ErrTypeInvalidPosition,
		grid.ErrTypeInvalidDistance,
		models.ErrTypeRangeTooLarge,
		models.ErrTypeInvalidBody:
		return http.StatusBadRequest

	case models.ErrTypeWorldNotFound, models.ErrTypeBodyNotFound:
		return http.StatusNotFound

	case ErrTypeWorldConflict:
		return http.StatusConflict

	default:
		return http.StatusInternalServerError
	}
}
