package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"waassist/internal/metrics"
)

const (
	DefaultSweepInterval = time.Hour
	DefaultIdleTimeout   = 24 * time.Hour
	DefaultEmptyGrace    = 5 * time.Minute
)

// SweeperConfig параметры фоновой очистки.
type SweeperConfig struct {
	Interval    time.Duration
	IdleTimeout time.Duration
	EmptyGrace  time.Duration
}

// Sweeper периодически удаляет неактивные диалоги из Store.
type Sweeper struct {
	store   *Store
	cfg     SweeperConfig
	logger  *slog.Logger
	now     func() time.Time
	metrics *metrics.Metrics
	onEvict func(chatIDs []string)
}

// SweeperOption настраивает Sweeper.
type SweeperOption func(*Sweeper)

// WithEvictHook вызывается после каждого прохода, в котором что-то было удалено.
func WithEvictHook(fn func(chatIDs []string)) SweeperOption {
	return func(s *Sweeper) { s.onEvict = fn }
}

// WithSweeperMetrics считает удалённые диалоги.
func WithSweeperMetrics(m *metrics.Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

// WithSweeperClock подменяет источник времени (для тестов).
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper создаёт очистку поверх store. Нулевые значения в cfg заменяются значениями по умолчанию.
func NewSweeper(store *Store, cfg SweeperConfig, logger *slog.Logger, opts ...SweeperOption) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.EmptyGrace <= 0 {
		cfg.EmptyGrace = DefaultEmptyGrace
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Sweeper{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SweepOnce выполняет один проход и возвращает удалённые chat id.
func (s *Sweeper) SweepOnce() []string {
	evicted := s.store.Evict(s.now().UTC(), s.cfg.IdleTimeout, s.cfg.EmptyGrace)
	if len(evicted) == 0 {
		return nil
	}
	s.metrics.AddEvictions(len(evicted))
	s.logger.Info("conversations evicted",
		slog.Int("count", len(evicted)),
		slog.Int("remaining", s.store.Len()),
	)
	if s.onEvict != nil {
		s.onEvict(evicted)
	}
	return evicted
}

// Start запускает фоновый цикл. Возвращённая функция останавливает цикл
// и ждёт завершения текущего прохода; повторные вызовы безопасны.
func (s *Sweeper) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepOnce()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
