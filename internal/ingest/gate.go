package ingest

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mmeshcher/receiptdraw/internal/pipeline"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receipt_ingest_events_total",
			Help: "Total number of webhook messaging events by result.",
		},
		[]string{"result"},
	)

	panicsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "receipt_ingest_panics_total",
			Help: "Total number of recovered panics in background pipeline runs.",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsTotal, panicsTotal)
}

// Runner выполняет конвейер для одного изображения.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job) *pipeline.State
}

// Result сводка обработки одного тела вебхука.
type Result struct {
	Ignored    bool
	Scheduled  int
	Duplicates int
	Skipped    int
}

// Gate точка входа событий вебхука. Handle не ждёт завершения конвейера.
type Gate struct {
	dedup   Deduper
	runner  Runner
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewGate создаёт Gate. timeout ограничивает время одного фонового запуска.
func NewGate(dedup Deduper, runner Runner, timeout time.Duration, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Gate{dedup: dedup, runner: runner, timeout: timeout, logger: logger}
}

// Handle отсеивает события и планирует по одному фоновому запуску на каждое изображение.
// Порядок фильтров: тип объекта, эхо-сообщения, сообщения без изображений, повторная доставка.
func (g *Gate) Handle(ctx context.Context, env Envelope) Result {
	var res Result

	if env.Object != PageObject {
		eventsTotal.WithLabelValues("ignored").Inc()
		res.Ignored = true
		return res
	}

	for _, entry := range env.Entry {
		for _, ev := range entry.Messaging {
			tenantID := entry.ID
			if tenantID == "" {
				tenantID = ev.Recipient.ID
			}

			msg := ev.Message
			if msg == nil {
				eventsTotal.WithLabelValues("no_message").Inc()
				res.Skipped++
				continue
			}
			if msg.IsEcho {
				eventsTotal.WithLabelValues("echo").Inc()
				res.Skipped++
				continue
			}

			images := msg.imageURLs()
			if len(images) == 0 {
				eventsTotal.WithLabelValues("no_image").Inc()
				res.Skipped++
				continue
			}

			if ev.Sender.ID == "" || tenantID == "" {
				eventsTotal.WithLabelValues("incomplete").Inc()
				res.Skipped++
				continue
			}

			if msg.MID != "" && !g.dedup.FirstSeen(ctx, msg.MID) {
				eventsTotal.WithLabelValues("duplicate").Inc()
				g.logger.Debug("duplicate delivery dropped", zap.String("message_id", msg.MID))
				res.Duplicates++
				continue
			}

			for _, url := range images {
				g.schedule(ctx, pipeline.Job{
					TenantID:  tenantID,
					SenderID:  ev.Sender.ID,
					MessageID: msg.MID,
					ImageURL:  url,
				})
				res.Scheduled++
			}
			eventsTotal.WithLabelValues("scheduled").Inc()
		}
	}

	return res
}

func (g *Gate) schedule(ctx context.Context, job pipeline.Job) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				panicsTotal.Inc()
				g.logger.Error("pipeline panic recovered",
					zap.String("tenant_id", job.TenantID),
					zap.String("message_id", job.MessageID),
					zap.String("panic", fmt.Sprint(r)),
					zap.ByteString("stack", debug.Stack()),
				)
			}
		}()

		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()

		g.runner.Run(runCtx, job)
	}()
}

// Wait ожидает завершения всех фоновых запусков или отмены ctx.
func (g *Gate) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
