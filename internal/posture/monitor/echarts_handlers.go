package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/posture.report/internal/httputil"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleScoreChart renders a quick line plot (HTML) of recent posture
// scores using go-echarts. This is a debugging-only endpoint (no auth) for
// eyeballing score stability without a frontend.
// Query params:
//   - limit (optional; default 600) number of recent ticks to plot
func (ws *WebServer) handleScoreChart(w http.ResponseWriter, r *http.Request) {
	if ws.recorder == nil {
		httputil.NotFound(w, "no tick recorder configured")
		return
	}

	limit := 600
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 10000 {
			limit = v
		}
	}

	points, err := ws.recorder.RecentScores(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("get scores: %v", err))
		return
	}
	if len(points) == 0 {
		httputil.NotFound(w, "no scores recorded yet")
		return
	}

	x := make([]string, 0, len(points))
	y := make([]opts.LineData, 0, len(points))
	for _, p := range points {
		x = append(x, p.Timestamp.Format("15:04:05"))
		y = append(y, opts.LineData{Value: p.Score})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "Posture Score", Theme: "dark",
			Width: "100%", Height: "600px", AssetsHost: echartsAssetsPrefix,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Posture Score",
			Subtitle: fmt.Sprintf("last %d ticks, rendered %s", len(points), time.Now().Format(time.RFC3339)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 100, Name: "score"}),
	)
	line.SetXAxis(x).AddSeries("score", y,
		charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
