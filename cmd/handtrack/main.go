package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/handtrack/internal/api"
	"github.com/banshee-data/handtrack/internal/config"
	"github.com/banshee-data/handtrack/internal/db"
	"github.com/banshee-data/handtrack/internal/glove"
	"github.com/banshee-data/handtrack/internal/monitoring"
	"github.com/banshee-data/handtrack/internal/recording"
	"github.com/banshee-data/handtrack/internal/serialmux"
	"github.com/banshee-data/handtrack/internal/session"
	"github.com/banshee-data/handtrack/internal/source"
	"github.com/banshee-data/handtrack/internal/stream"
	"github.com/banshee-data/handtrack/internal/version"
)

var (
	configFile = flag.String("config", "", "Path to JSON config file (optional; env vars override it)")
	console    = flag.Bool("console", false, "Run an interactive console on stdin")
	listen     = flag.String("listen", "", "HTTP listen address (overrides config)")
	simulate   = flag.String("simulate", "", "Open a simulated glove with this device id (overrides config)")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

// loadConfig reads the optional config file and overlays HANDTRACK_*
// environment variables and command-line flags, in that order.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.EmptyConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	env, err := config.ParseEnv()
	if err != nil {
		return nil, err
	}
	if err := env.Apply(cfg); err != nil {
		return nil, err
	}
	if *listen != "" {
		cfg.Listen = listen
	}
	if *simulate != "" {
		cfg.SimulateDevice = simulate
	}
	return cfg, cfg.Validate()
}

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version.String())
		return
	}
	log.Printf("starting %s", version.String())

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg, *console); err != nil {
		log.Fatalf("handtrack: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, interactive bool) error {
	shutdownTracing, err := monitoring.SetupTracing(ctx, "handtrack", cfg.GetOTelEndpoint())
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Printf("trace shutdown: %v", err)
		}
	}()

	database, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	opts := []session.Option{session.WithSmoothing(cfg.GetSmoothingWindow())}
	if path := cfg.GetGeometryFile(); path != "" {
		g, err := glove.LoadGeometry(path)
		if err != nil {
			return err
		}
		opts = append(opts, session.WithGeometry(g))
	}
	mgr := session.NewManager(opts...)
	mgr.SetCalibrationStore(database)
	defer mgr.CloseAll()

	recorder := &recording.Recorder{Dir: cfg.GetRecordingsDir(), Index: database}

	var gloveSerial serialmux.SerialMuxInterface
	if port := cfg.GetSerialPort(); port != "" {
		m, err := serialmux.NewRealSerialMux(port, serialmux.PortOptions{BaudRate: cfg.GetSerialBaud()})
		if err != nil {
			return fmt.Errorf("failed to open glove port: %w", err)
		}
		gloveSerial = m
	} else {
		log.Printf("no serial port configured; serial feed disabled")
		gloveSerial = serialmux.NewDisabledSerialMux()
	}
	defer gloveSerial.Close()
	if err := gloveSerial.Initialise(); err != nil {
		return fmt.Errorf("failed to initialise glove: %w", err)
	}

	if id := cfg.GetSimulateDevice(); id != "" {
		if err := openSimulated(ctx, mgr, id, cfg); err != nil {
			return err
		}
	}

	grpcLis, err := net.Listen("tcp", cfg.GetGRPCListen())
	if err != nil {
		return fmt.Errorf("listen gRPC: %w", err)
	}

	mux := api.NewServer(mgr, recorder, database).ServeMux()
	gloveSerial.AttachAdminRoutes(mux)
	if err := database.AttachAdminRoutes(mux); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	// The serial port failing leaves simulated and recorded sessions
	// running, so monitor errors are logged rather than fatal.
	g.Go(func() error {
		if err := gloveSerial.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
		return nil
	})

	feed := serialmux.NewGloveFeed(gloveSerial, mgr)
	g.Go(func() error {
		if err := feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("glove feed: %w", err)
		}
		log.Printf("glove feed stopped after %d frames (%d rejected lines)", feed.Frames(), feed.Malformed())
		return nil
	})

	g.Go(func() error {
		return serveHTTP(ctx, cfg.GetListen(), api.LoggingMiddleware(mux))
	})

	grpcServer := stream.NewServer(mgr, cfg.GetStreamInterval())
	g.Go(func() error {
		return grpcServer.Serve(ctx, grpcLis)
	})

	if interactive {
		c, err := NewConsole(mgr, recorder, database)
		if err != nil {
			return err
		}
		monitoring.SetLogger(log.New(c.Stderr(), "", log.LstdFlags).Printf)
		defer monitoring.SetLogger(log.Printf)
		g.Go(func() error {
			c.Run(ctx, cancel)
			return nil
		})
	}

	return g.Wait()
}

// openSimulated opens id driven by the signal generator.
func openSimulated(ctx context.Context, mgr *session.Manager, id string, cfg *config.Config) error {
	sess, err := mgr.Open(ctx, id, cfg.GetSimulateHand())
	if err != nil {
		return err
	}
	gen, err := source.NewGenerator(sess.Shape(), source.GeneratorConfig{Rate: cfg.GetSimulateRate()})
	if err != nil {
		return err
	}
	if err := gen.SetMode(cfg.GetSimulateMode()); err != nil {
		return err
	}
	if err := sess.SetSource(gen); err != nil {
		return err
	}
	log.Printf("simulating %s hand glove %s in %s mode at %.0f Hz", sess.Hand(), id, gen.Mode(), cfg.GetSimulateRate())
	return nil
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening at %s", addr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	log.Println("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Printf("HTTP server routine stopped")
	return nil
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\nRuns the glove tracking daemon.\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
}
