package thermapp

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"net/http"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"tailscale.com/tsweb"

	"github.com/banshee-data/thermcap/internal/httputil"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var statusTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/status.html.tmpl"))

type statusPage struct {
	Stats        Stats
	Metadata     Metadata
	HaveMetadata bool
	Celsius      float64
	HaveFrame    bool
	Summary      FrameSummary
}

// AttachAdminRoutes attaches session debugging endpoints to the given HTTP
// mux served at /debug/. tsweb restricts them to loopback and Tailscale
// clients.
func (s *Session) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("thermapp", "sensor session status", func(w http.ResponseWriter, r *http.Request) {
		page := statusPage{Stats: s.Stats()}
		page.Metadata, page.HaveMetadata = s.Metadata()
		page.Celsius = page.Metadata.Celsius()
		if f := s.LastFrame(); f != nil {
			page.HaveFrame = true
			page.Summary = f.Summary()
		}

		buf := bytes.NewBuffer(nil)
		if err := statusTemplate.Execute(buf, page); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("thermapp-stats", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodGet) {
			return
		}
		resp := struct {
			Stats
			Metadata *Metadata `json:"metadata,omitempty"`
		}{Stats: s.Stats()}
		if m, ok := s.Metadata(); ok {
			resp.Metadata = &m
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	})

	debug.HandleSilentFunc("thermapp-frame.png", func(w http.ResponseWriter, r *http.Request) {
		f := s.LastFrame()
		if f == nil {
			httputil.WriteJSONError(w, http.StatusNotFound, "no frame fetched yet")
			return
		}
		buf := bytes.NewBuffer(nil)
		if err := renderHeatMap(f, buf); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to render frame: %v", err))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		io.Copy(w, buf)
	})
}

// frameGrid adapts a Frame to plotter.GridXYZ with row 0 at the top.
type frameGrid struct{ f *Frame }

func (g frameGrid) Dims() (c, r int)   { return g.f.Width, g.f.Height }
func (g frameGrid) Z(c, r int) float64 { return float64(g.f.At(c, g.f.Height-1-r)) }
func (g frameGrid) X(c int) float64    { return float64(c) }
func (g frameGrid) Y(r int) float64    { return float64(r) }

// renderHeatMap writes a PNG heat map of the raw samples of f to w.
func renderHeatMap(f *Frame, w io.Writer) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("frame %d  %.2f°C", f.FrameCount, f.Celsius())
	p.HideAxes()

	hm := plotter.NewHeatMap(frameGrid{f}, palette.Heat(64, 1))
	summary := f.Summary()
	hm.Min, hm.Max = summary.Min, summary.Max
	if hm.Max <= hm.Min {
		hm.Max = hm.Min + 1
	}
	p.Add(hm)

	width := vg.Length(max(f.Width*2, 240))
	height := vg.Length(max(f.Height*2, 180) + 24)
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}
