// Package plot renders the interpolation map and per-sensor time series as PNG.
package plot

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"math"

	"git.sr.ht/~sbinet/epok"
	"go-hep.org/x/hep/hplot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/i474232898/air-quality-aggregation/internal/feed"
	"github.com/i474232898/air-quality-aggregation/internal/interp"
	"github.com/i474232898/air-quality-aggregation/internal/pollution"
)

// ErrNoData is returned when there is nothing to draw.
var ErrNoData = errors.New("nothing to plot")

var (
	tcnv epok.UTCUnixTimeConverter

	seriesColors = []color.NRGBA{
		{B: 255, A: 255},
		{R: 255, A: 255},
		{G: 160, A: 255},
		{R: 255, B: 255, A: 255},
	}
)

// modelGrid adapts a model's mean surface to plotter.GridXYZ.
type modelGrid struct {
	m *interp.Model
}

func (g modelGrid) Dims() (c, r int)   { return len(g.m.GridX), len(g.m.GridY) }
func (g modelGrid) X(c int) float64    { return g.m.GridX[c] }
func (g modelGrid) Y(r int) float64    { return g.m.GridY[r] }
func (g modelGrid) Z(c, r int) float64 { return g.m.Means[r*len(g.m.GridX)+c] }

// Map draws the model's mean PM2.5 as a heat map with the sensors on top,
// mobile and static sensors drawn differently.
func Map(m *interp.Model) ([]byte, error) {
	if m == nil || len(m.Means) == 0 {
		return nil, ErrNoData
	}

	plt := hplot.New()
	plt.Title.Text = fmt.Sprintf("PM2.5 estimate (%s)", m.FittedAt.Format("2006-01-02 15:04 MST"))
	plt.X.Label.Text = "x [m]"
	plt.Y.Label.Text = "y [m]"

	hm := plotter.NewHeatMap(modelGrid{m}, palette.Heat(32, 1))
	plt.Add(hm)

	var (
		mobile = plotter.XYs{}
		static = plotter.XYs{}
	)
	for _, o := range m.Observations {
		xy := plotter.XY{X: o.X, Y: o.Y}
		if o.Kind == interp.KindMobile {
			mobile = append(mobile, xy)
			continue
		}
		static = append(static, xy)
	}

	for _, grp := range []struct {
		name  string
		xys   plotter.XYs
		shape draw.GlyphDrawer
		color color.NRGBA
	}{
		{"mobile", mobile, draw.CircleGlyph{}, color.NRGBA{B: 255, A: 255}},
		{"static", static, draw.TriangleGlyph{}, color.NRGBA{A: 255}},
	} {
		if len(grp.xys) == 0 {
			continue
		}
		sca, err := hplot.NewScatter(grp.xys)
		if err != nil {
			return nil, fmt.Errorf("could not create %s sensors scatter plot: %w", grp.name, err)
		}
		sca.GlyphStyle.Color = grp.color
		sca.GlyphStyle.Radius = vg.Points(4)
		sca.GlyphStyle.Shape = grp.shape
		plt.Add(sca)
		plt.Legend.Add(grp.name, sca)
	}

	return render(plt, 20*vg.Centimeter, 20*vg.Centimeter)
}

// Series draws PM2.5 over time, one line per sensor type.
func Series(id feed.SensorID, records []pollution.Record) ([]byte, error) {
	type series struct {
		xs, ys []float64
	}
	var (
		order []string
		byTyp = make(map[string]*series)
	)
	for _, r := range records {
		if r.PM25 == nil {
			continue
		}
		ts, err := feed.ParseTimestamp(r.CreatedAt)
		if err != nil {
			continue
		}
		s, ok := byTyp[r.SensorType]
		if !ok {
			s = &series{}
			byTyp[r.SensorType] = s
			order = append(order, r.SensorType)
		}
		s.xs = append(s.xs, tcnv.FromTime(ts))
		s.ys = append(s.ys, *r.PM25)
	}
	if len(order) == 0 {
		return nil, ErrNoData
	}

	plt := hplot.New()
	plt.Title.Text = "Sensor: " + id.String()
	plt.Y.Label.Text = "PM2.5 [µg/m³]"
	plt.X.Tick.Marker = epok.Ticks{
		Converter: tcnv,
		Format:    "2006-01-02\n15:04",
	}
	plt.Add(hplot.NewGrid())

	for i, name := range order {
		s := byTyp[name]
		c := seriesColors[i%len(seriesColors)]

		lin, err := hplot.NewLine(hplot.ZipXY(s.xs, s.ys))
		if err != nil {
			return nil, fmt.Errorf("could not create %s line plot: %w", name, err)
		}
		lin.LineStyle.Color = c

		sca, err := hplot.NewScatter(hplot.ZipXY(s.xs, s.ys))
		if err != nil {
			return nil, fmt.Errorf("could not create %s scatter plot: %w", name, err)
		}
		sca.GlyphStyle.Color = c
		sca.GlyphStyle.Radius = 2
		sca.GlyphStyle.Shape = draw.CircleGlyph{}

		plt.Add(lin, sca)
		plt.Legend.Add(name, lin)
	}

	const size = 20 * vg.Centimeter
	return render(plt, vg.Length(math.Phi)*size, size)
}

func render(plt *hplot.Plot, w, h vg.Length) ([]byte, error) {
	cnv := vgimg.PngCanvas{
		Canvas: vgimg.New(w, h),
	}
	plt.Draw(draw.New(cnv))

	var buf bytes.Buffer
	if _, err := cnv.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("could not encode plot: %w", err)
	}
	return buf.Bytes(), nil
}
