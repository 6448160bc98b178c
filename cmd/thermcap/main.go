package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/thermcap/internal/config"
	"github.com/banshee-data/thermcap/internal/journal"
	"github.com/banshee-data/thermcap/internal/monitoring"
	"github.com/banshee-data/thermcap/internal/thermapp"
	"github.com/banshee-data/thermcap/internal/usbdev"
	"github.com/banshee-data/thermcap/internal/version"
)

var (
	configPath  = flag.String("config", "", "Capture config JSON file (built-in defaults when empty)")
	listen      = flag.String("listen", "", "Debug HTTP listen address (overrides config)")
	journalPath = flag.String("journal", "", "Capture journal database path (overrides config)")
	replayPath  = flag.String("replay", "", "Replay a usbmon pcap capture instead of opening the sensor")
	maxFrames   = flag.Int("frames", 0, "Stop after this many frames (0 = until interrupted)")
	verbose     = flag.Bool("verbose", false, "Log every frame and transfer error")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	monitoring.SetVerbose(*verbose)

	if err := run(); err != nil {
		log.Fatal(err)
	}
	log.Printf("Graceful shutdown complete")
}

func loadConfig() (*config.CaptureConfig, error) {
	if *configPath == "" {
		return config.EmptyCaptureConfig(), nil
	}
	return config.LoadCaptureConfig(*configPath)
}

// newOpener returns the opener for the sensor or, with -replay, for a
// recorded capture. The returned string names the frame source.
func newOpener(cfg *config.CaptureConfig) (usbdev.Opener, string, error) {
	if *replayPath == "" {
		return &usbdev.GousbOpener{
			Debug:      cfg.GetUSBDebug(),
			AutoDetach: cfg.GetAutoDetach(),
		}, thermapp.DeviceSpec.String(), nil
	}
	reader, err := usbdev.OpenUSBCapture(*replayPath, thermapp.DeviceSpec)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open capture: %w", err)
	}
	return &usbdev.ReplayOpener{
		Reader:  reader,
		Options: usbdev.ReplayOptions{Realtime: cfg.GetReplayRealtime()},
	}, "replay:" + *replayPath, nil
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := cfg.GetListen()
	if *listen != "" {
		addr = *listen
	}
	dbPath := cfg.GetJournalPath()
	if *journalPath != "" {
		dbPath = *journalPath
	}

	opener, source, err := newOpener(cfg)
	if err != nil {
		return err
	}

	layout := thermapp.DefaultLayout()
	layout.TransferSize = cfg.GetTransferSize()
	session, err := thermapp.Open(
		thermapp.WithLayout(layout),
		thermapp.WithOpener(opener),
		thermapp.WithStatsInterval(cfg.GetStatsInterval()),
	)
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	if err := session.Connect(); err != nil {
		return err
	}

	var j *journal.Journal
	var runID string
	if dbPath != "" {
		j, err = journal.Open(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer j.Close()
		if runID, err = j.StartRun(source, time.Now()); err != nil {
			return err
		}
		log.Printf("journaling run %s to %s", runID, dbPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := session.StartStreaming(); err != nil {
		return err
	}
	log.Printf("%s streaming from %s", version.String(), source)

	var wg sync.WaitGroup
	if addr != "" {
		mux := http.NewServeMux()
		session.AttachAdminRoutes(mux)
		if j != nil {
			j.AttachAdminRoutes(mux)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveDebug(ctx, addr, mux)
		}()
	}

	opts := captureOptions{
		DiscardFirst: cfg.GetDiscardFirstFrame(),
		FetchTimeout: cfg.GetFetchTimeout(),
		MaxFrames:    *maxFrames,
		RunID:        runID,
	}
	var rec frameRecorder
	if j != nil {
		rec = j
	}
	n, captureErr := runCapture(ctx, session, rec, opts)
	log.Printf("capture stopped after %d frames", n)

	if err := session.Close(); err != nil {
		log.Printf("failed to close session: %v", err)
	}
	if j != nil {
		if err := j.EndRun(runID, time.Now(), session.Stats().Exchange.Dropped); err != nil {
			log.Printf("failed to end run: %v", err)
		}
	}

	stop()
	wg.Wait()
	return captureErr
}

// serveDebug serves mux on addr until ctx is done.
func serveDebug(ctx context.Context, addr string, mux *http.ServeMux) {
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("debug server failed: %v", err)
		}
	}()
	log.Printf("debug routes on http://%s/debug/", addr)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
}
