// dualscribed is the dual-source capture and live transcription daemon.
// It supervises the native capture helper, streams audio to the
// configured STT provider and serves the control API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"dualscribe/internal/api"
	"dualscribe/internal/capture"
	"dualscribe/internal/config"
	"dualscribe/internal/events"
	"dualscribe/internal/logging"
	"dualscribe/internal/observability"
	"dualscribe/internal/recorder"
	"dualscribe/internal/source"
	"dualscribe/internal/timeline"
	"dualscribe/internal/transcribe"
	"dualscribe/internal/transcribe/google"
	"dualscribe/internal/transcribe/mock"
)

func main() {
	cfg := config.Load()

	logging.Init(logging.Config{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})

	log.Info().
		Str("sttProvider", cfg.STT.Provider).
		Str("helper", cfg.Capture.HelperPath).
		Bool("kafka", cfg.Kafka.Enabled).
		Msg("dualscribed starting")

	// Kafka mirror for transcript events; log-only when disabled.
	publisher := events.NewPublisher(&events.PublisherConfig{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		Principal:    cfg.Service.Principal,
	})
	defer publisher.Close()

	bus := events.NewBus()
	defer bus.Close()

	reg := recorder.NewRegistry(recorder.Options{
		NewProcess: recorder.DefaultProcessFactory(capture.Config{
			HelperPath:   cfg.Capture.HelperPath,
			StartTimeout: cfg.Capture.StartTimeout,
			StopGrace:    cfg.Capture.StopGrace,
		}),
		NewAdapter: adapterFactory(cfg),
		Bus:        bus,
		Merger:     timeline.NewMerger(),
		Kafka:      publisher,
	})

	obs := observability.NewServer(cfg.Observability.MetricsAddr, nil)
	obs.Start()

	checkPerm := func(ctx context.Context) (bool, error) {
		return capture.CheckPermissions(ctx, cfg.Capture.HelperPath)
	}
	httpServer := &http.Server{
		Addr:         cfg.Service.HTTPAddr,
		Handler:      api.NewRouter(reg, checkPerm),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Service.HTTPAddr).Msg("control API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("control API serve failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Stop capture first so every buffered frame reaches the engine
	// before the API goes away.
	res := reg.StopAll(shutdownCtx)
	log.Info().Int("stopped", len(res.Stopped)).Msg("capture sessions stopped")

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("control API shutdown failed")
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("observability shutdown failed")
	}
}

// adapterFactory selects the STT provider. Each capture session gets a
// fresh adapter so a failed stream never poisons the next session.
func adapterFactory(cfg *config.Configuration) recorder.AdapterFactory {
	switch cfg.STT.Provider {
	case "google":
		return func(ctx context.Context, src source.Source) (transcribe.Adapter, error) {
			return google.New(ctx, google.Config{
				LanguageCode:   cfg.STT.LanguageCode,
				SampleRateHz:   cfg.STT.SampleRateHz,
				InterimResults: cfg.STT.InterimResults,
			})
		}
	case "mock":
		return func(ctx context.Context, src source.Source) (transcribe.Adapter, error) {
			return mock.New(), nil
		}
	default:
		log.Warn().Str("provider", cfg.STT.Provider).Msg("unknown STT provider, falling back to mock")
		return func(ctx context.Context, src source.Source) (transcribe.Adapter, error) {
			return mock.New(), nil
		}
	}
}
