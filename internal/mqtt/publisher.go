package mqtt

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/faceid/internal/logger"
	"github.com/tphakala/faceid/internal/observability/metrics"
	"github.com/tphakala/faceid/internal/training"
)

// StatusMessage is the payload published for every training status.
type StatusMessage struct {
	Instance string `json:"instance,omitempty"`
	training.Status
	PublishedAt time.Time `json:"published_at"`
}

// StatusSource streams training status updates.
type StatusSource interface {
	SubscribeStatus() (updates <-chan training.Status, cancel func())
}

// Publisher forwards training status to MQTT. State changes and terminal
// statuses are always sent; progress within a state is rate limited and
// the newest throttled status is sent once the limiter allows.
type Publisher struct {
	client   Client
	topic    string
	instance string
	interval time.Duration
	limiter  *rate.Limiter
	metrics  *metrics.MQTTMetrics
	log      logger.Logger

	lastState training.State
	pending   *training.Status
}

// NewPublisher returns a publisher for cfg.Topic. m may be nil.
func NewPublisher(client Client, cfg Config, instance string, m *metrics.MQTTMetrics) *Publisher {
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &Publisher{
		client:   client,
		topic:    cfg.Topic,
		instance: instance,
		interval: cfg.MinInterval,
		limiter:  rate.NewLimiter(limit, 1),
		metrics:  m,
		log:      getLogger(),
	}
}

// Run publishes updates from source until ctx is done or the source
// closes its stream.
func (p *Publisher) Run(ctx context.Context, source StatusSource) {
	updates, cancel := source.SubscribeStatus()
	defer cancel()

	var flush *time.Timer
	var flushC <-chan time.Time
	defer func() {
		if flush != nil {
			flush.Stop()
		}
	}()
	arm := func() {
		if flush == nil {
			flush = time.NewTimer(p.interval)
		} else {
			flush.Reset(p.interval)
		}
		flushC = flush.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				if p.pending != nil {
					p.send(ctx, *p.pending)
				}
				return
			}
			if p.offer(ctx, st) {
				arm()
			}
		case <-flushC:
			flushC = nil
			if p.pending == nil {
				continue
			}
			if p.limiter.Allow() {
				p.send(ctx, *p.pending)
			} else {
				arm()
			}
		}
	}
}

// offer publishes or holds st. It reports whether st was held back.
func (p *Publisher) offer(ctx context.Context, st training.Status) bool {
	if st.State != p.lastState || st.Terminal() || p.limiter.Allow() {
		p.send(ctx, st)
		return false
	}
	p.pending = &st
	if p.metrics != nil {
		p.metrics.IncrementMessagesThrottled()
	}
	return true
}

func (p *Publisher) send(ctx context.Context, st training.Status) {
	p.pending = nil
	p.lastState = st.State

	payload, err := json.Marshal(StatusMessage{Instance: p.instance, Status: st, PublishedAt: time.Now()})
	if err != nil {
		p.log.Error("failed to encode training status", logger.Error(err))
		return
	}
	if err := p.client.Publish(ctx, p.topic, string(payload)); err != nil {
		if p.metrics != nil {
			p.metrics.IncrementErrors()
		}
		p.log.Debug("failed to publish training status",
			logger.String("topic", p.topic),
			logger.String("state", string(st.State)),
			logger.Error(err))
	}
}
