package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/rexworks/cantina/internal/bus"
	"github.com/rexworks/cantina/internal/service"
)

// Option configures a [Tap] during construction.
type Option func(*Tap)

// WithGracePeriod forwards the service grace period option.
func WithGracePeriod(d time.Duration) Option {
	return func(t *Tap) { t.svcOpts = append(t.svcOpts, service.WithGracePeriod(d)) }
}

// Tap is the bus tap service: it subscribes to every topic and turns event
// traffic into metric updates. It never emits events of its own.
type Tap struct {
	*service.Base

	metrics *Metrics
	svcOpts []service.Option

	mu        sync.Mutex
	synthesis map[string]time.Time // request_id → started
}

// NewTap creates the metrics tap service.
func NewTap(b *bus.Bus, m *Metrics, opts ...Option) *Tap {
	t := &Tap{
		metrics:   m,
		synthesis: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(t)
	}
	t.Base = service.New("observe", b, service.Hooks{Setup: t.setup}, t.svcOpts...)
	return t
}

func (t *Tap) setup(context.Context) error {
	for _, topic := range bus.Topics() {
		if err := t.Subscribe(topic, t.onEvent); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tap) onEvent(ctx context.Context, evt bus.Event) error {
	source, _ := evt.Payload["source"].(string)
	t.metrics.EventsTotal.Add(ctx, 1, metric.WithAttributes(
		Attr("topic", evt.Topic),
		Attr("source", source),
	))

	if ts, ok := evt.Payload["timestamp"].(string); ok {
		if sent, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			if lat := time.Since(sent); lat >= 0 && lat < time.Minute {
				t.metrics.DispatchDuration.Record(ctx, lat.Seconds(),
					metric.WithAttributes(Attr("topic", evt.Topic)))
			}
		}
	}

	switch evt.Topic {
	case bus.TopicTranscriptionFinal:
		t.metrics.DialogTurns.Add(ctx, 1)

	case bus.TopicServiceError:
		svc, _ := evt.Payload["service"].(string)
		kind, _ := evt.Payload["kind"].(string)
		t.metrics.RecordServiceError(ctx, svc, kind)

	case bus.TopicStepExecuted:
		t.metrics.RecordPlanStep(ctx, "executed")
	case bus.TopicStepFailed:
		t.metrics.RecordPlanStep(ctx, "failed")
	case bus.TopicStepCancelled:
		t.metrics.RecordPlanStep(ctx, "cancelled")

	case bus.TopicMusicPlaybackStarted:
		provider := "local"
		if track, ok := evt.Payload["track"].(map[string]any); ok {
			if p, ok := track["provider"].(string); ok && p != "" {
				provider = p
			}
		}
		t.metrics.RecordMusicPlay(ctx, provider)

	case bus.TopicSynthesisStarted:
		if id, ok := evt.Payload["request_id"].(string); ok && id != "" {
			t.mu.Lock()
			t.synthesis[id] = time.Now()
			t.mu.Unlock()
		}

	case bus.TopicSynthesisEnded:
		id, _ := evt.Payload["request_id"].(string)
		t.mu.Lock()
		started, ok := t.synthesis[id]
		delete(t.synthesis, id)
		t.mu.Unlock()
		if ok {
			t.metrics.SynthesisDuration.Record(ctx, time.Since(started).Seconds())
		}

	case bus.TopicVoiceListeningStarted:
		t.metrics.ActiveCaptures.Add(ctx, 1)
	case bus.TopicVoiceListeningStopped:
		t.metrics.ActiveCaptures.Add(ctx, -1)
	}
	return nil
}
