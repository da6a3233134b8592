package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"birdcam/config"
	"birdcam/publish"
	"birdcam/serve"
	"birdcam/status"
	"birdcam/video"
	"birdcam/video/process"
	"birdcam/video/sink"
	"birdcam/video/source"
)

var (
	port        = flag.Int("port", 0, "Port to serve status on. Overrides CAPTURE_HTTP_PORT.")
	exitOnAbort = flag.Bool("exit-on-abort", false, "Exit once the camera is lost for good instead of reporting it on /health.")
)

const shutdownTimeout = 5 * time.Second

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	if *port != 0 {
		cfg.HTTPPort = *port
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Errorf("Exiting: %v", err)
		os.Exit(1)
	}
	log.Info("Shut down cleanly")
}

func newQueue(cfg *config.Config) publish.Queue {
	switch cfg.QueueBackend {
	case config.QueueRedis:
		return publish.NewRedisQueue(cfg.RedisAddr, cfg.RedisQueue)
	case config.QueueAMQP:
		return publish.NewAMQPQueue(cfg.AMQPURL, cfg.AMQPQueue)
	default:
		log.Warn("No queue configured, captures are only stored")
		return publish.NopQueue{}
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	fs, err := video.NewFilesystem(cfg.ImagesPath)
	if err != nil {
		return err
	}
	pub := publish.New(fs, newQueue(cfg), cfg.PublishTimeout)
	defer pub.Close()

	tunables := config.Static(cfg.Tunables)
	var watcher *config.Watcher
	if cfg.TunablesFile != "" {
		if watcher, err = config.NewWatcher(cfg.TunablesFile, cfg.Tunables); err != nil {
			return err
		}
		tunables = watcher.Get
	}

	mjpegServer := sink.NewMJPEGServer()
	debug := mjpegServer.NewStreamPool()
	defer debug.Close()

	motion := process.NewMotion(process.MotionOptions{
		History:         500,
		VarThreshold:    cfg.VarThreshold,
		BinaryThreshold: cfg.BinaryThreshold,
		WarmupFrames:    cfg.WarmupFrames,
		Debug:           debug,
	})
	defer motion.Close()

	stream := source.NewStream(source.CaptureOpener(source.CaptureOptions{
		URI:    cfg.CameraURL,
		Device: cfg.CameraDevice,
		Width:  cfg.Width,
		Height: cfg.Height,
		FPS:    cfg.FPS,
	}), source.StreamOptions{
		ReadTimeout:    cfg.ReadTimeout,
		ReconnectAfter: cfg.Reconnect.After,
		Policy: source.ReconnectPolicy{
			MaxAttempts:     cfg.Reconnect.MaxAttempts,
			InitialInterval: cfg.Reconnect.InitialDelay,
			MaxInterval:     cfg.Reconnect.MaxDelay,
			Multiplier:      2,
		},
	})
	defer stream.Close()

	var snapshots status.Holder
	var frames video.FrameHolder
	machine := video.NewMachine(video.MachineOptions{
		Source:    stream,
		Detector:  motion,
		Scorer:    process.Quality{},
		Encoder: process.JPEGEncoder{
			Quality: cfg.JPEGQuality,
			Thumbnail: process.ThumbnailOptions{
				Enabled: cfg.Thumbnail.Enabled,
				Width:   cfg.Thumbnail.Width,
				Height:  cfg.Thumbnail.Height,
				Quality: cfg.Thumbnail.Quality,
			},
		},
		Publisher:      pub,
		Tunables:       tunables,
		SourceName:     cfg.Source(),
		Motion: video.MotionSettings{
			VarThreshold:    cfg.VarThreshold,
			BinaryThreshold: cfg.BinaryThreshold,
			WarmupFrames:    cfg.WarmupFrames,
		},
		PublishTimeout: 2 * cfg.PublishTimeout,
		MaxInFlight:    cfg.PublishMaxInFlight,
		Status:         &snapshots,
		LastFrame:      &frames,
	})

	mux := http.NewServeMux()
	(&serve.StatusServer{Status: &snapshots}).Register(mux)
	mux.Handle("GET /statusws", serve.NewStatusStream(&snapshots))
	mux.Handle("GET /capture/live", &serve.LiveServer{Frames: &frames, Encode: process.EncodeJPEG, Quality: cfg.JPEGQuality})
	mux.Handle("GET /image", &serve.ImageServer{FS: fs})
	mux.Handle("GET /mjpeg", mjpegServer)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr: cfg.ServerAddress(),
		Handler: handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(
			handlers.CombinedLoggingHandler(log.StandardLogger().WriterLevel(log.DebugLevel), mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infof("Serving status on %s", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if watcher != nil {
		g.Go(func() error {
			watcher.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		log.Infof("Capturing from %s", cfg.Source())
		if err := machine.Run(gctx); err != nil {
			// Stay up so /health can report the failure.
			log.Errorf("Capture loop aborted, serving status until stopped: %v", err)
		}
		return nil
	})

	if *exitOnAbort {
		g.Go(func() error {
			select {
			case <-machine.Aborted().Done():
				return machine.Aborted().Wait(context.Background())
			case <-gctx.Done():
				return nil
			}
		})
	}

	return g.Wait()
}
