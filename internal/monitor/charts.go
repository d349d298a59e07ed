package monitor

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"tailscale.com/tsweb"

	"github.com/banshee-data/tracking.frontend/internal/pipeline"
)

func (ws *WebServer) attachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("trajectory", "trajectory and map charts", ws.handleTrajectoryChart)
	debug.HandleFunc("trajectory.png", "trajectory plan view (PNG)", ws.handleTrajectoryPNG)
	debug.HandleFunc("preview.png", "latest preview frame", ws.handlePreviewPNG)
}

func limitParam(r *http.Request, def int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			return v
		}
	}
	return def
}

var qualityColors = map[pipeline.Quality]string{
	pipeline.QualityGood:     "#35b779",
	pipeline.QualityDodgy:    "#fde725",
	pipeline.QualityLost:     "#d62728",
	pipeline.QualityDegraded: "#9467bd",
}

// handleTrajectoryChart renders the plan view of the recent trajectory, the
// keyframes of the current map and position against time.
func (ws *WebServer) handleTrajectoryChart(w http.ResponseWriter, r *http.Request) {
	if ws.cfg.Trajectory == nil {
		http.Error(w, "trajectory not recorded", http.StatusNotFound)
		return
	}
	points := ws.cfg.Trajectory.Points(limitParam(r, 1000))

	plan := charts.NewScatter()
	plan.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Trajectory", Theme: "dark", Width: "900px", Height: "700px"}),
		charts.WithTitleOpts(opts.Title{Title: "Trajectory (plan view)", Subtitle: fmt.Sprintf("%d poses", len(points))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)

	byQuality := map[pipeline.Quality][]opts.ScatterData{}
	for _, p := range points {
		byQuality[p.Quality] = append(byQuality[p.Quality], opts.ScatterData{
			Name:  strconv.FormatUint(p.Seq, 10),
			Value: []interface{}{p.X, p.Y},
		})
	}
	for _, q := range []pipeline.Quality{pipeline.QualityGood, pipeline.QualityDodgy, pipeline.QualityLost, pipeline.QualityDegraded} {
		if len(byQuality[q]) == 0 {
			continue
		}
		plan.AddSeries(string(q), byQuality[q],
			charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: qualityColors[q]}),
		)
	}

	if ws.cfg.Gateway != nil {
		if kf, err := ws.cfg.Gateway.ExportKeyFrames(r.Context()); err == nil && len(kf.KeyFrames) > 0 {
			data := make([]opts.ScatterData, 0, len(kf.KeyFrames))
			for _, k := range kf.KeyFrames {
				data = append(data, opts.ScatterData{
					Name:  strconv.FormatUint(k.ID, 10),
					Value: []interface{}{k.Pose.Position.X, k.Pose.Position.Y},
				})
			}
			plan.AddSeries("keyframes", data,
				charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}),
				charts.WithItemStyleOpts(opts.ItemStyle{Color: "#31688e"}),
			)
		}
	}

	timeline := charts.NewLine()
	timeline.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "900px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: "Position over time"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	seqs := make([]string, len(points))
	xs := make([]opts.LineData, len(points))
	ys := make([]opts.LineData, len(points))
	zs := make([]opts.LineData, len(points))
	for i, p := range points {
		seqs[i] = strconv.FormatUint(p.Seq, 10)
		xs[i] = opts.LineData{Value: p.X}
		ys[i] = opts.LineData{Value: p.Y}
		zs[i] = opts.LineData{Value: p.Z}
	}
	timeline.SetXAxis(seqs).
		AddSeries("x", xs, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)})).
		AddSeries("y", ys, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)})).
		AddSeries("z", zs, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	page := components.NewPage().SetPageTitle("Tracking front end")
	page.AddCharts(plan, timeline)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// trajectoryPlot draws the plan view with gonum/plot.
func trajectoryPlot(points []TrajectoryPoint) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Trajectory (%d poses)", len(points))
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())

	if len(points) == 0 {
		return p, nil
	}
	xys := make(plotter.XYs, len(points))
	for i, pt := range points {
		xys[i] = plotter.XY{X: pt.X, Y: pt.Y}
	}
	line, err := plotter.NewLine(xys)
	if err != nil {
		return nil, err
	}
	line.Width = vg.Points(1)
	line.Color = color.RGBA{R: 49, G: 104, B: 142, A: 255}
	p.Add(line)

	last, err := plotter.NewScatter(xys[len(xys)-1:])
	if err != nil {
		return nil, err
	}
	last.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	last.Radius = vg.Points(3)
	p.Add(last)
	p.Legend.Add("path", line)
	p.Legend.Add("current", last)
	return p, nil
}

func (ws *WebServer) handleTrajectoryPNG(w http.ResponseWriter, r *http.Request) {
	if ws.cfg.Trajectory == nil {
		http.Error(w, "trajectory not recorded", http.StatusNotFound)
		return
	}
	p, err := trajectoryPlot(ws.cfg.Trajectory.Points(limitParam(r, 0)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	wt, err := p.WriterTo(8*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

func (ws *WebServer) handlePreviewPNG(w http.ResponseWriter, r *http.Request) {
	if ws.cfg.Trajectory == nil {
		http.Error(w, "preview not available", http.StatusNotFound)
		return
	}
	img, seq, _, ok := ws.cfg.Trajectory.Preview()
	if !ok {
		http.Error(w, "no preview yet", http.StatusNotFound)
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(seq, 10))
	_, _ = w.Write(buf.Bytes())
}
