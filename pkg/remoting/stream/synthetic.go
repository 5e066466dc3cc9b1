package stream

import (
	"context"
	"io"
	"time"
)

// SyntheticStream генерирует сэмплы фиксированного размера с заданным интервалом.
// Используется демо и тестами вместо настоящего демультиплексора.
type SyntheticStream struct {
	mediaType  MediaType
	sampleSize int
	interval   time.Duration
	limit      int

	produced int
	ticker   *time.Ticker
}

// NewSyntheticStream создает источник. limit <= 0 означает бесконечный поток,
// interval <= 0 отдает сэмплы без задержки.
func NewSyntheticStream(mediaType MediaType, sampleSize int, interval time.Duration, limit int) *SyntheticStream {
	return &SyntheticStream{
		mediaType:  mediaType,
		sampleSize: sampleSize,
		interval:   interval,
		limit:      limit,
	}
}

// Type тип медиа источника
func (s *SyntheticStream) Type() MediaType {
	return s.mediaType
}

// Read возвращает очередной сэмпл
func (s *SyntheticStream) Read(ctx context.Context) (Sample, error) {
	if s.limit > 0 && s.produced >= s.limit {
		return Sample{}, io.EOF
	}
	if s.interval > 0 {
		if s.ticker == nil {
			s.ticker = time.NewTicker(s.interval)
		}
		select {
		case <-ctx.Done():
			s.ticker.Stop()
			return Sample{}, ctx.Err()
		case <-s.ticker.C:
		}
	} else if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	data := make([]byte, s.sampleSize)
	for i := range data {
		data[i] = byte(s.produced + i)
	}
	sample := Sample{
		Data:      data,
		Timestamp: time.Duration(s.produced) * s.interval,
		KeyFrame:  s.mediaType == Video && s.produced%30 == 0,
	}
	s.produced++
	return sample, nil
}
