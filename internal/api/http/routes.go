package httpapi

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/air-quality-aggregation/internal/config"
	"github.com/i474232898/air-quality-aggregation/internal/feed"
	"github.com/i474232898/air-quality-aggregation/internal/geo"
	"github.com/i474232898/air-quality-aggregation/internal/interp"
	"github.com/i474232898/air-quality-aggregation/internal/logging"
	"github.com/i474232898/air-quality-aggregation/internal/plot"
	"github.com/i474232898/air-quality-aggregation/internal/pollution"
	"github.com/i474232898/air-quality-aggregation/internal/store"
)

var validate = validator.New()

// FeedService syncs and reads cached sensor feeds.
type FeedService interface {
	Sync(ctx context.Context, id feed.SensorID) (*feed.Table, feed.SyncResult, error)
	Table(id feed.SensorID) (*feed.Table, error)
}

// LocationIndex answers position queries.
type LocationIndex interface {
	Positions(ctx context.Context, id feed.SensorID, start, end time.Time) ([]store.Position, error)
	Latest(ctx context.Context, id feed.SensorID) (store.Position, error)
}

// Deps are the services the routes are served from. Locations and Geocoder
// may be nil, in which case their endpoints answer 503.
type Deps struct {
	Feed      FeedService
	Model     *interp.Holder
	Locations LocationIndex
	Geocoder  *geo.Resolver
	Sensors   []config.Sensor
	Schema    pollution.Schema
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, deps Deps) {
	h := &handlers{deps: deps}

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/", h.index)
	app.Get("/map.png", h.mapPNG)

	v1 := app.Group("/api/v1")

	v1.Get("/interpolate", h.interpolate)
	v1.Post("/interpolate/refresh", h.refresh)
	v1.Get("/locations", h.locations)

	v1.Get("/sensors", h.sensors)
	v1.Post("/sensors/:id/sync", h.sync)
	v1.Get("/sensors/:id/pollution", h.pollution)
	v1.Get("/sensors/:id/plot.png", h.seriesPNG)
	v1.Get("/sensors/:id/address", h.address)
}

type handlers struct {
	deps Deps
}

func (h *handlers) mapPNG(c *fiber.Ctx) error {
	m, err := h.model()
	if err != nil {
		return err
	}
	png, err := plot.Map(m)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to render map")
	}
	c.Type("png")
	return c.Send(png)
}

func (h *handlers) interpolate(c *fiber.Ctx) error {
	for _, k := range []string{"xstart", "xend", "ystart", "yend", "gridsize"} {
		if c.Query(k) == "" {
			return fiber.NewError(fiber.StatusBadRequest, k+" query parameter is required")
		}
	}

	var q interp.Query
	if err := c.QueryParser(&q); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(q); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	m, err := h.model()
	if err != nil {
		return err
	}
	est, err := m.Estimate(q)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(est)
}

func (h *handlers) refresh(c *fiber.Ctx) error {
	if h.deps.Model == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "interpolation is disabled")
	}
	m, err := h.deps.Model.Refresh(c.UserContext())
	if err != nil {
		if errors.Is(err, interp.ErrNotEnoughObservations) {
			return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
		}
		logging.Error().Err(err).Msg("model refresh failed")
		return fiber.NewError(fiber.StatusInternalServerError, "failed to refresh interpolation model")
	}
	return c.JSON(fiber.Map{
		"observations": len(m.Observations),
		"fittedAt":     m.FittedAt,
	})
}

// locationsQuery holds the query parameters of the locations endpoint.
type locationsQuery struct {
	ID    feed.SensorID `validate:"required"`
	Start time.Time     `validate:"required"`
	End   time.Time     `validate:"required,gtfield=Start"`
}

func (h *handlers) locations(c *fiber.Ctx) error {
	if h.deps.Locations == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "location index is disabled")
	}

	q := locationsQuery{ID: feed.SensorID(c.Query("id"))}
	var err error
	if q.Start, err = parseRFC3339(c.Query("start")); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "start: "+err.Error())
	}
	if q.End, err = parseRFC3339(c.Query("end")); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "end: "+err.Error())
	}
	if err := validate.Struct(q); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	positions, err := h.deps.Locations.Positions(c.UserContext(), q.ID, q.Start, q.End)
	if err != nil {
		logging.Error().Err(err).Str("sensor", q.ID.String()).Msg("location query failed")
		return fiber.NewError(fiber.StatusInternalServerError, "failed to query locations")
	}

	resp := struct {
		ID  []string  `json:"boda_id"`
		X   []float64 `json:"boda_x"`
		Y   []float64 `json:"boda_y"`
		Lon []float64 `json:"boda_lon"`
		Lat []float64 `json:"boda_lat"`
	}{
		ID:  make([]string, 0, len(positions)),
		X:   make([]float64, 0, len(positions)),
		Y:   make([]float64, 0, len(positions)),
		Lon: make([]float64, 0, len(positions)),
		Lat: make([]float64, 0, len(positions)),
	}
	for _, p := range positions {
		x, y := geo.Merc(p.Longitude, p.Latitude)
		resp.ID = append(resp.ID, p.SensorID.String())
		resp.X = append(resp.X, x)
		resp.Y = append(resp.Y, y)
		resp.Lon = append(resp.Lon, p.Longitude)
		resp.Lat = append(resp.Lat, p.Latitude)
	}
	return c.JSON(resp)
}

func (h *handlers) sensors(c *fiber.Ctx) error {
	sensors := h.deps.Sensors
	if sensors == nil {
		sensors = []config.Sensor{}
	}
	return c.JSON(fiber.Map{"sensors": sensors})
}

func (h *handlers) sync(c *fiber.Ctx) error {
	id, err := h.sensorID(c)
	if err != nil {
		return err
	}
	_, res, err := h.deps.Feed.Sync(c.UserContext(), id)
	if err != nil {
		return feedError(id, err)
	}
	return c.JSON(res)
}

// pollutionQuery holds the optional time window of the pollution endpoint.
type pollutionQuery struct {
	From time.Time
	To   time.Time `validate:"omitempty,gtefield=From"`
}

func (h *handlers) pollution(c *fiber.Ctx) error {
	id, err := h.sensorID(c)
	if err != nil {
		return err
	}

	var q pollutionQuery
	if s := c.Query("from"); s != "" {
		if q.From, err = parseTime(s); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "from: "+err.Error())
		}
	}
	if s := c.Query("to"); s != "" {
		if q.To, err = parseTime(s); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "to: "+err.Error())
		}
	}
	if err := validate.Struct(q); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	records, err := h.records(id)
	if err != nil {
		return err
	}
	records = pollution.Between(records, q.From, q.To)
	if records == nil {
		records = []pollution.Record{}
	}

	return c.JSON(fiber.Map{
		"sensorId": id,
		"from":     q.From,
		"to":       q.To,
		"records":  records,
	})
}

func (h *handlers) seriesPNG(c *fiber.Ctx) error {
	id, err := h.sensorID(c)
	if err != nil {
		return err
	}
	records, err := h.records(id)
	if err != nil {
		return err
	}
	png, err := plot.Series(id, records)
	if err != nil {
		if errors.Is(err, plot.ErrNoData) {
			return fiber.NewError(fiber.StatusNotFound, "no PM2.5 readings for sensor "+id.String())
		}
		return fiber.NewError(fiber.StatusInternalServerError, "failed to render plot")
	}
	c.Type("png")
	return c.Send(png)
}

func (h *handlers) address(c *fiber.Ctx) error {
	id, err := h.sensorID(c)
	if err != nil {
		return err
	}
	if !h.deps.Geocoder.Enabled() {
		return fiber.NewError(fiber.StatusServiceUnavailable, geo.ErrNoGeocoderKey.Error())
	}

	lat, lon, err := h.position(c.UserContext(), id)
	if err != nil {
		return err
	}
	addr, err := h.deps.Geocoder.Reverse(lat, lon)
	if err != nil {
		logging.Warn().Err(err).Str("sensor", id.String()).Msg("reverse geocoding failed")
		return fiber.NewError(fiber.StatusBadGateway, "failed to resolve sensor address")
	}
	return c.JSON(addr)
}

// position returns the latest indexed position of id, falling back to the
// configured one.
func (h *handlers) position(ctx context.Context, id feed.SensorID) (lat, lon float64, err error) {
	if h.deps.Locations != nil {
		pos, err := h.deps.Locations.Latest(ctx, id)
		if err == nil {
			return pos.Latitude, pos.Longitude, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return 0, 0, fiber.NewError(fiber.StatusInternalServerError, "failed to query locations")
		}
	}
	for _, s := range h.deps.Sensors {
		if s.ID == id && (s.Latitude != 0 || s.Longitude != 0) {
			return s.Latitude, s.Longitude, nil
		}
	}
	return 0, 0, fiber.NewError(fiber.StatusNotFound, "no known position for sensor "+id.String())
}

func (h *handlers) sensorID(c *fiber.Ctx) (feed.SensorID, error) {
	id := c.Params("id")
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return "", fiber.NewError(fiber.StatusBadRequest, "sensor id must be numeric")
	}
	return feed.SensorID(id), nil
}

func (h *handlers) records(id feed.SensorID) ([]pollution.Record, error) {
	t, err := h.deps.Feed.Table(id)
	if err != nil {
		return nil, feedError(id, err)
	}
	records, err := pollution.Reshape(t, id, h.deps.Schema)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	}
	return records, nil
}

func (h *handlers) model() (*interp.Model, error) {
	if h.deps.Model == nil {
		return nil, fiber.NewError(fiber.StatusServiceUnavailable, "interpolation is disabled")
	}
	m, err := h.deps.Model.Model()
	if err != nil {
		return nil, fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
	return m, nil
}

// feedError maps feed and cache failures to HTTP errors.
func feedError(id feed.SensorID, err error) error {
	var malformed *feed.MalformedCursorError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, "no cached feed for sensor "+id.String())
	case errors.Is(err, feed.ErrEmptyResult):
		return fiber.NewError(fiber.StatusNotFound, "remote feed has no records for sensor "+id.String())
	case errors.Is(err, feed.ErrRemoteFetch),
		errors.Is(err, feed.ErrCursorStalled),
		errors.Is(err, feed.ErrTooManyPages),
		errors.As(err, &malformed):
		logging.Warn().Err(err).Str("sensor", id.String()).Msg("remote feed failure")
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fiber.NewError(fiber.StatusGatewayTimeout, "feed sync timed out")
	}
	logging.Error().Err(err).Str("sensor", id.String()).Msg("feed operation failed")
	return fiber.NewError(fiber.StatusInternalServerError, "failed to process sensor feed")
}

func parseRFC3339(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("query parameter is required")
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.New("invalid time format; use RFC3339")
	}
	return ts.UTC(), nil
}

// parseTime tries to parse either RFC3339 or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339 or unix seconds")
}
