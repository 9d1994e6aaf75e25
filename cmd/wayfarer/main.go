package main

import (
	"context"
	"flag"
	"log"
	"math"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wayfarer-gps/wayfarer/internal/api"
	"github.com/wayfarer-gps/wayfarer/internal/config"
	"github.com/wayfarer-gps/wayfarer/internal/httputil"
	"github.com/wayfarer-gps/wayfarer/internal/render"
	"github.com/wayfarer-gps/wayfarer/internal/store"
	"github.com/wayfarer-gps/wayfarer/internal/tiles"
	"github.com/wayfarer-gps/wayfarer/internal/timeutil"
	"github.com/wayfarer-gps/wayfarer/internal/track"
	"github.com/wayfarer-gps/wayfarer/internal/units"
	"github.com/wayfarer-gps/wayfarer/internal/version"
	"github.com/wayfarer-gps/wayfarer/internal/view"
)

var (
	devMode    = flag.Bool("dev", false, "Run with a synthetic GPS source instead of a serial receiver")
	listen     = flag.String("listen", ":8080", "Listen address")
	portName   = flag.String("port", "/dev/ttyACM0", "Serial port of the NMEA receiver (ignored in dev mode)")
	dbFile     = flag.String("db", "wayfarer.db", "Path to the sqlite database")
	unitsFlag  = flag.String("units", units.MPH, "Display units for speed")
	scale      = flag.Int("scale", 1, "Pixel ratio of the rendered map canvas")
	zoom       = flag.Float64("zoom", view.DefaultZoom, "Initial zoom level")
	width      = flag.Int("width", 800, "Map viewport width in CSS pixels")
	height     = flag.Int("height", 600, "Map viewport height in CSS pixels")
	configPath = flag.String("config", "", "Optional JSON tuning overrides")
)

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if !units.IsValid(*unitsFlag) {
		log.Fatalf("invalid units %q, valid values are: %s", *unitsFlag, units.GetValidUnitsString())
	}

	log.Printf("wayfarer %s starting", version.Version)

	clock := timeutil.RealClock{}

	tuning := config.EmptyTuningConfig()
	if *configPath != "" {
		var err error
		tuning, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
		log.Printf("loaded tuning overrides from %s", *configPath)
	}

	var source track.Source
	var mock *track.MockSource
	if *devMode {
		mock = track.NewMockSource()
		source = mock
	} else {
		source = track.NewNMEASource(track.DefaultNMEAConfig(*portName), clock)
	}

	tracker := track.NewTracker(source, clock, tuning.ApplyTracker(track.DefaultConfig()))

	st, err := store.Open(*dbFile, clock)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()

	if pos, trail, dist, err := st.Restore(); err != nil {
		log.Printf("failed to restore last state: %v", err)
	} else if pos != nil {
		tracker.Restore(pos, trail, dist)
	}

	cache := tiles.NewCache(
		tiles.DefaultProviders(),
		httputil.NewStandardClient(&http.Client{Timeout: 10 * time.Second}),
		clock,
		tuning.ApplyTiles(tiles.DefaultConfig()),
	)

	viewCtl := view.NewController()
	viewCtl.SetZoom(*zoom)
	viewCtl.SetPositionSource(func() *view.Coordinate {
		snap := tracker.Snapshot()
		if snap.Position == nil {
			return nil
		}
		return &view.Coordinate{Latitude: snap.Position.Latitude, Longitude: snap.Position.Longitude}
	})

	renderCfg := render.DefaultConfig()
	renderCfg.Width = *width
	renderCfg.Height = *height
	renderCfg.PixelRatio = *scale
	renderer := render.NewRenderer(cache, tracker.Snapshot, viewCtl.State, clock, renderCfg)
	scheduler := render.NewScheduler(renderer.Render, clock, tuning.FrameInterval(render.DefaultFrameInterval))

	cache.SetOnTileReady(scheduler.MarkDirty)
	tracker.SetOnUpdate(func(snap track.Snapshot) {
		scheduler.MarkDirty()
		if err := st.SaveSnapshot(snap, false); err != nil {
			log.Printf("failed to save snapshot: %v", err)
		}
	})
	viewCtl.SetMarkerHitTest(renderer.MarkerScreen, func() {
		log.Printf("marker tapped")
	})

	server := api.NewServer(tracker, renderer, viewCtl, st, *unitsFlag)
	server.SetOnChange(scheduler.MarkDirty)

	// Wait group for the render scheduler, the HTTP server, and the dev
	// fix generator
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
		log.Print("render routine terminated")
	}()

	if mock != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			walkFixes(ctx, mock)
			log.Print("dev walker terminated")
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := server.ServeMux()
		st.AttachAdminRoutes(mux)

		httpServer := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()
		log.Printf("listening on %s", *listen)

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := httpServer.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	if err := tracker.Start(); err != nil {
		log.Printf("failed to start tracking: %v", err)
	} else if id := tracker.Snapshot().SessionID; id != "" {
		if err := st.StartSession(id, clock.Now()); err != nil {
			log.Printf("failed to record session start: %v", err)
		}
	}

	wg.Wait()

	// Flush final state before stopping so a restart can resume the view.
	snap := tracker.Snapshot()
	if err := st.SaveSnapshot(snap, true); err != nil {
		log.Printf("failed to save final snapshot: %v", err)
	}
	if snap.SessionID != "" {
		if err := st.SaveTrail(snap.SessionID, snap.Trail); err != nil {
			log.Printf("failed to save trail: %v", err)
		}
		if err := st.EndSession(snap.SessionID, clock.Now(), snap.AccumulatedDistanceMeters); err != nil {
			log.Printf("failed to record session end: %v", err)
		}
	}
	tracker.Stop()
	log.Printf("Graceful shutdown complete")
}

// walkFixes feeds the mock source a synthetic stroll: one fix per second
// tracing a slow loop, close enough to real receiver output to exercise the
// whole pipeline without hardware.
func walkFixes(ctx context.Context, mock *track.MockSource) {
	const (
		baseLat  = 37.7749
		baseLon  = -122.4194
		speedMps = 1.4
	)

	lat, lon := baseLat, baseLon
	headingDeg := 0.0

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Turn a few degrees per step so the trail curves.
		headingDeg = math.Mod(headingDeg+3, 360)
		rad := headingDeg * math.Pi / 180
		lat += speedMps * math.Cos(rad) / 111194.9
		lon += speedMps * math.Sin(rad) / (111194.9 * math.Cos(lat*math.Pi/180))

		speed := speedMps
		heading := headingDeg
		mock.EmitFix(track.Position{
			Latitude:       lat,
			Longitude:      lon,
			AccuracyMeters: 5 + 2*math.Abs(math.Sin(rad)),
			SpeedMps:       &speed,
			HeadingDeg:     &heading,
			CapturedAt:     time.Now(),
		})
	}
}
