package interp

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/i474232898/air-quality-aggregation/internal/geo"
	"github.com/i474232898/air-quality-aggregation/internal/logging"
	"github.com/i474232898/air-quality-aggregation/internal/metrics"
)

// MaxQueryGridSize bounds the nodes per axis of a query.
const MaxQueryGridSize = 500

// Holder owns the latest fitted model. Readers never block on a refresh.
type Holder struct {
	source ObservationSource
	params Params
	model  atomic.Pointer[Model]
}

func NewHolder(source ObservationSource, params Params) *Holder {
	return &Holder{source: source, params: params}
}

// Params returns the fit parameters.
func (h *Holder) Params() Params {
	return h.params
}

// Model returns the current model.
func (h *Holder) Model() (*Model, error) {
	m := h.model.Load()
	if m == nil {
		return nil, ErrNoModel
	}
	return m, nil
}

// Set installs m as the current model.
func (h *Holder) Set(m *Model) {
	h.model.Store(m)
}

// Refresh refits the model from the source and swaps it in. On failure the
// previous model stays in place.
func (h *Holder) Refresh(ctx context.Context) (*Model, error) {
	obs, err := h.source.Observations(ctx)
	if err != nil {
		metrics.ModelRefreshes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("collecting observations: %w", err)
	}

	m, err := Fit(obs, h.params)
	if err != nil {
		metrics.ModelRefreshes.WithLabelValues("error").Inc()
		return nil, err
	}

	h.model.Store(m)
	metrics.ModelRefreshes.WithLabelValues("success").Inc()
	metrics.ModelLastRefresh.Set(float64(m.FittedAt.Unix()))
	logging.Info().
		Int("observations", len(obs)).
		Int("grid_size", h.params.GridSize).
		Msg("interpolation model refreshed")
	return m, nil
}

// Query describes a rectangular mercator window sampled on a square grid.
type Query struct {
	XStart   float64 `query:"xstart"`
	XEnd     float64 `query:"xend"`
	YStart   float64 `query:"ystart"`
	YEnd     float64 `query:"yend"`
	GridSize int     `query:"gridsize" validate:"min=1,max=500"`
}

// Estimate holds a query's grid, flattened so that index j*GridSize+i is
// the node (xnew[i], ynew[j]).
type Estimate struct {
	XGrid []float64 `json:"xgrid"`
	YGrid []float64 `json:"ygrid"`
	Means []float64 `json:"means"`
	Vars  []float64 `json:"vars"`
	Lon   []float64 `json:"lon"`
	Lat   []float64 `json:"lat"`
	Sizes []float64 `json:"sizes"`
}

// Estimate samples the current model over q.
func (h *Holder) Estimate(q Query) (*Estimate, error) {
	m, err := h.Model()
	if err != nil {
		return nil, err
	}
	return m.Estimate(q)
}

// Estimate samples m over q.
func (m *Model) Estimate(q Query) (*Estimate, error) {
	g := q.GridSize
	if g < 1 || g > MaxQueryGridSize {
		return nil, fmt.Errorf("grid size %d out of range [1, %d]", g, MaxQueryGridSize)
	}
	for _, v := range []float64{q.XStart, q.XEnd, q.YStart, q.YEnd} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("query bounds must be finite, got %v", v)
		}
	}

	xnew := linspace(q.XStart, q.XEnd, g)
	ynew := linspace(q.YStart, q.YEnd, g)

	n := g * g
	e := &Estimate{
		XGrid: make([]float64, n),
		YGrid: make([]float64, n),
		Means: make([]float64, n),
		Vars:  make([]float64, n),
		Sizes: make([]float64, n),
	}
	for j, y := range ynew {
		for i, x := range xnew {
			k := j*g + i
			e.XGrid[k] = x
			e.YGrid[k] = y
			e.Means[k], e.Vars[k] = m.At(x, y)
			e.Sizes[k] = MarkerSize(e.Vars[k])
		}
	}
	e.Lon, e.Lat = geo.LonLatAll(e.XGrid, e.YGrid)
	return e, nil
}

// MarkerSize maps a variance to a display size; more certain cells are bigger.
func MarkerSize(variance float64) float64 {
	return 150 * math.Log(1+300/math.Sqrt(math.Max(variance, minVariance)))
}
