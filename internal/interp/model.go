// Package interp fits a Gaussian-process model of particulate concentration
// over the sensor network and serves grid estimates from it.
package interp

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/i474232898/air-quality-aggregation/internal/feed"
	"github.com/i474232898/air-quality-aggregation/internal/geo"
)

var (
	// ErrNoModel is returned when no model has been built yet.
	ErrNoModel = errors.New("no interpolation model available")
	// ErrNotEnoughObservations is returned when a fit has nothing to learn from.
	ErrNotEnoughObservations = errors.New("not enough observations to fit a model")
)

// minVariance keeps predicted variances strictly positive.
const minVariance = 1e-9

// Observation is the latest PM2.5 reading of one sensor at its position.
type Observation struct {
	SensorID  feed.SensorID `json:"sensorId"`
	Kind      string        `json:"kind"`
	Latitude  float64       `json:"latitude"`
	Longitude float64       `json:"longitude"`
	X         float64       `json:"x"`
	Y         float64       `json:"y"`
	Value     float64       `json:"value"`
	CreatedAt string        `json:"createdAt"`
}

// BBox is a lon/lat bounding box.
type BBox struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// ParseBBox parses "lon0,lat0,lon1,lat1".
func ParseBBox(s string) (BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BBox{}, fmt.Errorf("bounding box %q: want lon0,lat0,lon1,lat1", s)
	}
	var vs [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BBox{}, fmt.Errorf("bounding box %q: %w", s, err)
		}
		vs[i] = v
	}
	b := BBox{MinLon: vs[0], MinLat: vs[1], MaxLon: vs[2], MaxLat: vs[3]}
	if b.MinLon >= b.MaxLon || b.MinLat >= b.MaxLat {
		return BBox{}, fmt.Errorf("bounding box %q is empty", s)
	}
	return b, nil
}

// Params configures a fit.
type Params struct {
	GridSize    int     // nodes per axis
	LengthScale float64 // RBF length scale in mercator metres
	Noise       float64 // observation noise as a fraction of the signal variance
	BBox        BBox
}

// DefaultParams covers greater Kampala.
var DefaultParams = Params{
	GridSize:    150,
	LengthScale: 2000,
	Noise:       0.1,
	BBox:        BBox{MinLon: 32.4, MinLat: 0.01, MaxLon: 32.8, MaxLat: 0.5},
}

// Model is a fitted mean/variance surface on a regular mercator grid.
// Means and Vars are flattened row-major: index j*len(GridX)+i holds
// the node (GridX[i], GridY[j]).
type Model struct {
	GridX        []float64
	GridY        []float64
	Means        []float64
	Vars         []float64
	Observations []Observation
	FittedAt     time.Time
}

// Fit conditions a zero-mean-offset GP with an RBF kernel on obs and predicts
// it over the grid described by p.
func Fit(obs []Observation, p Params) (*Model, error) {
	if len(obs) == 0 {
		return nil, ErrNotEnoughObservations
	}
	if p.GridSize < 2 {
		return nil, fmt.Errorf("grid size %d: need at least 2 nodes per axis", p.GridSize)
	}
	if p.LengthScale <= 0 {
		return nil, fmt.Errorf("length scale %v must be positive", p.LengthScale)
	}

	n := len(obs)
	ys := make([]float64, n)
	for i, o := range obs {
		ys[i] = o.Value
	}
	mu := stat.Mean(ys, nil)
	sig2 := 1.0
	if n > 1 {
		if v := stat.Variance(ys, nil); v > 0 {
			sig2 = v
		}
	}
	noise := math.Max(p.Noise, 0)*sig2 + 1e-9*sig2

	kern := func(ax, ay, bx, by float64) float64 {
		dx, dy := ax-bx, ay-by
		return sig2 * math.Exp(-(dx*dx+dy*dy)/(2*p.LengthScale*p.LengthScale))
	}

	K := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := kern(obs[i].X, obs[i].Y, obs[j].X, obs[j].Y)
			if i == j {
				v += noise
			}
			K.SetSym(i, j, v)
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(K); !ok {
		return nil, errors.New("covariance matrix is not positive definite")
	}

	resid := mat.NewVecDense(n, nil)
	for i := range ys {
		resid.SetVec(i, ys[i]-mu)
	}
	var alpha mat.VecDense
	if err := chol.SolveVecTo(&alpha, resid); err != nil {
		return nil, fmt.Errorf("solving for weights: %w", err)
	}

	x0, y0 := geo.Merc(p.BBox.MinLon, p.BBox.MinLat)
	x1, y1 := geo.Merc(p.BBox.MaxLon, p.BBox.MaxLat)
	m := &Model{
		GridX:        linspace(x0, x1, p.GridSize),
		GridY:        linspace(y0, y1, p.GridSize),
		Observations: append([]Observation(nil), obs...),
		FittedAt:     time.Now().UTC(),
	}

	nodes := p.GridSize * p.GridSize
	ks := mat.NewDense(n, nodes, nil)
	for j, gy := range m.GridY {
		for i, gx := range m.GridX {
			k := j*p.GridSize + i
			for o := range obs {
				ks.Set(o, k, kern(gx, gy, obs[o].X, obs[o].Y))
			}
		}
	}

	var sol mat.Dense
	if err := chol.SolveTo(&sol, ks); err != nil {
		return nil, fmt.Errorf("solving predictive covariance: %w", err)
	}

	m.Means = make([]float64, nodes)
	m.Vars = make([]float64, nodes)
	col := make([]float64, n)
	scol := make([]float64, n)
	for k := 0; k < nodes; k++ {
		mat.Col(col, k, ks)
		mat.Col(scol, k, &sol)
		m.Means[k] = mu + floats.Dot(col, alpha.RawVector().Data)
		m.Vars[k] = math.Max(sig2-floats.Dot(col, scol), minVariance)
	}
	return m, nil
}

// At returns the bilinear interpolation of the mean and variance surfaces at
// (x, y). Points outside the grid are clamped to its edge.
func (m *Model) At(x, y float64) (mean, variance float64) {
	i, tx := locate(m.GridX, x)
	j, ty := locate(m.GridY, y)
	nx := len(m.GridX)

	blend := func(vs []float64) float64 {
		v00 := vs[j*nx+i]
		v10 := vs[j*nx+i+1]
		v01 := vs[(j+1)*nx+i]
		v11 := vs[(j+1)*nx+i+1]
		return (1-tx)*(1-ty)*v00 + tx*(1-ty)*v10 + (1-tx)*ty*v01 + tx*ty*v11
	}
	return blend(m.Means), blend(m.Vars)
}

// locate returns the cell index i such that grid[i] <= v <= grid[i+1] and
// the fractional position of v within that cell.
func locate(grid []float64, v float64) (int, float64) {
	last := len(grid) - 1
	switch {
	case v <= grid[0]:
		return 0, 0
	case v >= grid[last]:
		return last - 1, 1
	}
	i := sort.SearchFloat64s(grid, v) - 1
	if i < 0 {
		i = 0
	}
	if i > last-1 {
		i = last - 1
	}
	return i, (v - grid[i]) / (grid[i+1] - grid[i])
}

// linspace returns n evenly spaced values over [lo, hi].
func linspace(lo, hi float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{lo}
	}
	return floats.Span(make([]float64, n), lo, hi)
}
