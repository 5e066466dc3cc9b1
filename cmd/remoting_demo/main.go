// remoting_demo запускает удаленный рендерер против имитатора приемника,
// соединенных websocket транспортом через loopback. Метрики доступны на /metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/media_remoting/pkg/remoting/metrics"
	"github.com/arzzra/media_remoting/pkg/remoting/receiver"
	"github.com/arzzra/media_remoting/pkg/remoting/renderer"
	"github.com/arzzra/media_remoting/pkg/remoting/rpc"
	"github.com/arzzra/media_remoting/pkg/remoting/taskrunner"
	"github.com/arzzra/media_remoting/pkg/remoting/transport"
)

type options struct {
	listen        string
	runFor        time.Duration
	mediaDuration time.Duration
	pacing        float64
	dropPercent   uint
	failInit      bool
	seekAfter     time.Duration
	rate          float64
	debug         bool
}

func main() {
	var opts options
	flag.StringVar(&opts.listen, "listen", "127.0.0.1:9464", "Listen address for websocket and /metrics")
	flag.DurationVar(&opts.runFor, "run", 30*time.Second, "How long to run the session, 0 runs until interrupted")
	flag.DurationVar(&opts.mediaDuration, "media-duration", 0, "Media duration reported by the receiver, 0 is endless")
	flag.Float64Var(&opts.pacing, "pacing", 1.0, "Receiver pacing factor, below 1 simulates a slow receiver")
	flag.UintVar(&opts.dropPercent, "drop", 0, "Percent of video frames the receiver drops")
	flag.BoolVar(&opts.failInit, "fail-init", false, "Receiver rejects initialization")
	flag.DurationVar(&opts.seekAfter, "seek-after", 10*time.Second, "Flush and seek after this delay, 0 disables")
	flag.Float64Var(&opts.rate, "rate", 1.0, "Playback rate after the seek")
	flag.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	var cancel context.CancelFunc
	if opts.runFor > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.runFor)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	recorderConfig := metrics.DefaultConfig()
	recorderConfig.Registerer = registry
	recorder := metrics.NewRecorder(recorderConfig)

	// Сторона приемника
	remoteBroker := rpc.NewBroker(nil, logger)
	receiverRunner := taskrunner.NewRunner("receiver")
	defer receiverRunner.Stop()

	simConfig := receiver.DefaultConfig()
	simConfig.PacingFactor = opts.pacing
	simConfig.DropPercent = uint32(opts.dropPercent)
	simConfig.FailInitialize = opts.failInit
	simConfig.Duration = opts.mediaDuration
	simConfig.Logger = logger
	sim, err := receiver.New(simConfig, remoteBroker, receiverRunner)
	if err != nil {
		return fmt.Errorf("receiver simulator: %w", err)
	}
	defer sim.Close()

	transportConfig := transport.DefaultConfig()
	transportConfig.Logger = logger

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/remoting", func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Upgrade(w, r, remoteBroker, transportConfig)
		if err != nil {
			logger.Warn("remoting upgrade failed", "error", err)
			return
		}
		if err := conn.Serve(gctx); err != nil {
			logger.Warn("receiver transport stopped", "error", err)
		}
	})

	listener, err := net.Listen("tcp", opts.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", opts.listen, err)
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	logger.Info("serving", "metrics", "http://"+listener.Addr().String()+"/metrics")

	// Сторона отправителя
	localBroker := rpc.NewBroker(nil, logger)
	conn, err := transport.Dial(gctx, "ws://"+listener.Addr().String()+"/remoting", localBroker, transportConfig)
	if err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	g.Go(func() error { return conn.Serve(gctx) })

	owner := taskrunner.NewRunner("owner")
	defer owner.Stop()
	media := taskrunner.NewRunner("media")
	defer media.Stop()

	controller := newPipeController(gctx, g, sim, remoteBroker.GetUniqueHandle, logger)
	defer controller.close()

	rendererConfig := renderer.DefaultConfig()
	rendererConfig.Logger = logger
	rendererConfig.Metrics = recorder
	rendererConfig.AdapterFactory = renderer.NewRTPAdapterFactory(gctx, logger)
	r, err := renderer.New(rendererConfig, owner, media, localBroker, controller)
	if err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	client := &logClient{logger: logger.With("component", "client"), ended: make(chan struct{})}
	r.Initialize(syntheticProvider{}, client, func(err error) {
		if err != nil {
			logger.Error("initialization failed", "error", err)
			return
		}
		logger.Info("renderer initialized", "renderer_id", r.ID())
		controller.showInterstitial(renderer.InterstitialInSession)
		r.StartPlayingFrom(0)
		if opts.seekAfter > 0 {
			media.PostDelayedTask(opts.seekAfter, func() { seek(r, opts, logger) })
		}
	})

	select {
	case <-gctx.Done():
	case trigger := <-controller.fatal:
		logger.Warn("session stopped by fatal error", "trigger", trigger.String())
	case <-client.ended:
	}

	audioKbps, videoKbps := recorder.LastRates()
	logger.Info("session summary",
		"state", string(r.State()),
		"media_time", r.GetMediaTime(),
		"audio_kbps", audioKbps,
		"video_kbps", videoKbps,
		"playout_observed", recorder.PlayoutObserved())

	r.Close()
	owner.Sync()
	media.Sync()
	controller.close()

	cancel()
	return g.Wait()
}

// seek выполняет flush и продолжает воспроизведение с новой позиции
func seek(r *renderer.Renderer, opts options, logger *slog.Logger) {
	position := r.GetMediaTime() + opts.seekAfter
	r.Flush(func() {
		logger.Info("flush complete", "seek_to", position)
		r.StartPlayingFrom(position)
		if opts.rate != 1.0 {
			r.SetPlaybackRate(opts.rate)
		}
	})
}
