package journal

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/thermcap/internal/httputil"
	"github.com/banshee-data/thermcap/internal/monitoring"
)

const (
	defaultChartFrames = 2000
	maxChartFrames     = 50000
)

// AttachAdminRoutes mounts journal debugging endpoints under /debug/:
// live SQL through tailsql, the run list, a temperature chart and a
// downloadable backup.
func (j *Journal) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Logf("journal: failed to create tailsql server: %v", err)
	} else {
		tsql.SetDB("sqlite://"+filepath.Base(j.path), j.DB, &tailsql.DBOptions{
			Label: "Capture journal",
		})
		debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	}

	debug.HandleSilentFunc("journal-runs", func(w http.ResponseWriter, r *http.Request) {
		runs, err := j.Runs(100)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to list runs: %v", err))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, runs)
	})

	debug.HandleFunc("journal-chart", "sensor temperature and pixel mean per frame", j.handleTemperatureChart)

	debug.Handle("journal-backup", "Create and download a backup of the journal now", http.HandlerFunc(j.handleBackup))
}

// handleTemperatureChart renders the sensor temperature and the mean raw
// pixel value of a run's frames. Query params:
//   - run_id (optional; defaults to the latest run)
//   - max_frames (optional; default 2000)
func (j *Journal) handleTemperatureChart(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		id, err := j.LatestRunID()
		if errors.Is(err, ErrUnknownRun) {
			http.Error(w, "No runs recorded", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to find latest run: %v", err), http.StatusInternalServerError)
			return
		}
		runID = id
	}

	limit := defaultChartFrames
	if v, err := strconv.Atoi(r.URL.Query().Get("max_frames")); err == nil && v > 0 && v <= maxChartFrames {
		limit = v
	}

	frames, err := j.Frames(runID, limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to load frames: %v", err), http.StatusInternalServerError)
		return
	}
	if len(frames) == 0 {
		http.Error(w, "No frames recorded for run", http.StatusNotFound)
		return
	}

	x := make([]string, len(frames))
	temps := make([]opts.LineData, len(frames))
	means := make([]opts.LineData, len(frames))
	for i, f := range frames {
		x[i] = strconv.FormatInt(f.Seq, 10)
		temps[i] = opts.LineData{Value: f.Celsius}
		means[i] = opts.LineData{Value: f.Summary.Mean}
	}

	subtitle := fmt.Sprintf("run=%s frames=%d", runID, len(frames))
	tempChart := charts.NewLine()
	tempChart.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Capture journal", Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Sensor temperature (°C)", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "°C", Min: "dataMin", Max: "dataMax"}),
	)
	tempChart.SetXAxis(x).AddSeries("temperature_c", temps)

	meanChart := charts.NewLine()
	meanChart.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Mean raw pixel value", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "raw", Min: "dataMin", Max: "dataMax"}),
	)
	meanChart.SetXAxis(x).AddSeries("pixel_mean", means)

	page := components.NewPage()
	page.AddCharts(tempChart, meanChart)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("Failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

func (j *Journal) handleBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("thermcap-journal-%d.db", time.Now().UnixNano()))
	if _, err := j.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			monitoring.Logf("journal: failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
	w.Header().Set("Content-Type", "application/gzip")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		monitoring.Logf("journal: failed to stream backup: %v", err)
	}
}
