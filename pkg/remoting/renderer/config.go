package renderer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arzzra/media_remoting/pkg/remoting/health"
	"github.com/arzzra/media_remoting/pkg/remoting/metrics"
	"github.com/arzzra/media_remoting/pkg/remoting/rpc"
	"github.com/arzzra/media_remoting/pkg/remoting/stream"
)

// Config конфигурация удаленного рендерера
type Config struct {
	// Health пороги и окна мониторинга качества
	Health health.Config

	// Metrics телеметрия. nil отключает экспорт.
	Metrics *metrics.Recorder

	// AdapterFactory создает адаптеры потоков. По умолчанию RTP адаптер.
	AdapterFactory AdapterFactory

	// Logger журнал. По умолчанию slog.Default().
	Logger *slog.Logger
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Health: health.DefaultConfig(),
	}
}

// Validate проверяет конфигурацию и заполняет значения по умолчанию
func (c *Config) Validate() error {
	if err := c.Health.Validate(); err != nil {
		return &RemotingError{Code: ErrorCodeConfig, Message: "некорректные параметры мониторинга", Wrapped: err}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.AdapterFactory == nil {
		c.AdapterFactory = NewRTPAdapterFactory(context.Background(), c.Logger)
	}
	return nil
}

// NewRTPAdapterFactory создает фабрику RTP адаптеров. Каждый адаптер
// сразу начинает перекачивать сэмплы из src в канал, пока не закончится поток,
// не отменится ctx или адаптер не будет закрыт.
func NewRTPAdapterFactory(ctx context.Context, logger *slog.Logger) AdapterFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(mediaType stream.MediaType, pipe DataPipe, src stream.DemuxerStream, handle rpc.Handle) (StreamAdapter, error) {
		adapter, err := stream.NewAdapter(mediaType, pipe.Writer, handle, stream.DefaultConfig(mediaType), logger)
		if err != nil {
			return nil, fmt.Errorf("не удалось создать адаптер %s: %w", mediaType, err)
		}
		go func() {
			if err := adapter.Pump(ctx, src); err != nil {
				logger.Warn("stream pump stopped", "media", mediaType.String(), "error", err)
			}
		}()
		return adapter, nil
	}
}
