package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/wayfarer-gps/wayfarer/internal/units"
)

// SessionStats summarises the session's speed distribution.
type SessionStats struct {
	Samples    int     `json:"samples"`
	P50Speed   float64 `json:"p50_speed"`
	P85Speed   float64 `json:"p85_speed"`
	MaxSpeed   float64 `json:"max_speed"`
	SpeedUnits string  `json:"speed_units"`
	Distance   string  `json:"distance"`
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snap := s.tracker.Snapshot()
	samples := trailSpeeds(snap.Trail)

	stats := SessionStats{
		Samples:    len(samples),
		SpeedUnits: s.units,
		Distance:   units.FormatDistance(snap.AccumulatedDistanceMeters, s.units),
	}

	if len(samples) > 0 {
		speeds := make([]float64, len(samples))
		for i, sample := range samples {
			speeds[i] = sample.SpeedMps
		}
		sort.Float64s(speeds)

		stats.P50Speed = units.ConvertSpeed(stat.Quantile(0.50, stat.Empirical, speeds, nil), s.units)
		stats.P85Speed = units.ConvertSpeed(stat.Quantile(0.85, stat.Empirical, speeds, nil), s.units)
		stats.MaxSpeed = units.ConvertSpeed(speeds[len(speeds)-1], s.units)
	}

	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write stats")
		return
	}
}

// showReport renders an interactive speed-over-time line chart for the
// current session.
func (s *Server) showReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := s.tracker.Snapshot()
	samples := trailSpeeds(snap.Trail)

	labels := make([]string, len(samples))
	data := make([]opts.LineData, len(samples))
	for i, sample := range samples {
		labels[i] = sample.At.Format("15:04:05")
		data[i] = opts.LineData{Value: units.ConvertSpeed(sample.SpeedMps, s.units)}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Session speed",
			Subtitle: fmt.Sprintf("%d segments, %s", len(samples), units.FormatDistance(snap.AccumulatedDistanceMeters, s.units)),
		}),
		charts.WithYAxisOpts(opts.YAxis{Name: s.units}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	line.SetXAxis(labels).AddSeries("speed", data)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := line.Render(w); err != nil {
		http.Error(w, fmt.Sprintf("Failed to render report: %v", err), http.StatusInternalServerError)
		return
	}
}

// showProfile renders the speed profile as a static PNG.
func (s *Server) showProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := s.tracker.Snapshot()
	samples := trailSpeeds(snap.Trail)
	if len(samples) < 2 {
		http.Error(w, "Not enough trail data for a profile", http.StatusNotFound)
		return
	}

	p := plot.New()
	p.Title.Text = "Speed profile"
	p.X.Label.Text = "segment"
	p.Y.Label.Text = s.units

	pts := make(plotter.XYs, len(samples))
	for i, sample := range samples {
		pts[i] = plotter.XY{X: float64(i), Y: units.ConvertSpeed(sample.SpeedMps, s.units)}
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to build profile: %v", err), http.StatusInternalServerError)
		return
	}
	line.Width = vg.Points(1.5)
	p.Add(plotter.NewGrid(), line)

	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to render profile: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		http.Error(w, fmt.Sprintf("Failed to write profile: %v", err), http.StatusInternalServerError)
		return
	}
}
