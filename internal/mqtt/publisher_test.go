package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/faceid/internal/conf"
	"github.com/tphakala/faceid/internal/observability/metrics"
	"github.com/tphakala/faceid/internal/training"
)

type published struct {
	topic string
	msg   StatusMessage
}

type fakeClient struct {
	mu   sync.Mutex
	sent []published
	fail error
}

func (f *fakeClient) Connect(context.Context) error { return nil }
func (f *fakeClient) IsConnected() bool             { return true }
func (f *fakeClient) Disconnect()                   {}

func (f *fakeClient) Publish(_ context.Context, topic, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	var msg StatusMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return err
	}
	f.sent = append(f.sent, published{topic: topic, msg: msg})
	return nil
}

func (f *fakeClient) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.sent...)
}

type chanSource struct {
	ch        chan training.Status
	cancelled chan struct{}
	once      sync.Once
}

func newSource(buffer int) *chanSource {
	return &chanSource{ch: make(chan training.Status, buffer), cancelled: make(chan struct{})}
}

func (s *chanSource) SubscribeStatus() (<-chan training.Status, func()) {
	return s.ch, func() { s.once.Do(func() { close(s.cancelled) }) }
}

func status(state training.State, progress int) training.Status {
	return training.Status{
		State:      state,
		IsTraining: state != training.StateIdle && state != training.StateFailed,
		Progress:   progress,
		RunID:      "run-1",
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func newMetrics(t *testing.T) *metrics.MQTTMetrics {
	t.Helper()
	m, err := metrics.NewMQTTMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

func TestPublisher_ThrottlesProgressButNotStateChanges(t *testing.T) {
	client := &fakeClient{}
	m := newMetrics(t)
	cfg := DefaultConfig()
	cfg.MinInterval = time.Hour
	p := NewPublisher(client, cfg, "lab", m)

	src := newSource(8)
	src.ch <- status(training.StatePreparing, 0)
	src.ch <- status(training.StateTraining, 0)
	src.ch <- status(training.StateTraining, 10)
	src.ch <- status(training.StateTraining, 20)
	src.ch <- status(training.StateTraining, 30)
	src.ch <- status(training.StateIdle, 100)
	close(src.ch)

	p.Run(t.Context(), src)

	sent := client.messages()
	require.Len(t, sent, 4)
	var states []training.State
	for _, s := range sent {
		assert.Equal(t, "faceid/training", s.topic)
		assert.Equal(t, "lab", s.msg.Instance)
		assert.Equal(t, "run-1", s.msg.RunID)
		states = append(states, s.msg.State)
	}
	assert.Equal(t, []training.State{
		training.StatePreparing, training.StateTraining, training.StateTraining, training.StateIdle,
	}, states)
	assert.Equal(t, 10, sent[2].msg.Progress)
	assert.Equal(t, 100, sent[3].msg.Progress)
	assert.InDelta(t, 2, counterValue(t, m.MessagesThrottled), 0)

	select {
	case <-src.cancelled:
	default:
		t.Fatal("subscription was not cancelled")
	}
}

func TestPublisher_FlushesNewestThrottledStatus(t *testing.T) {
	client := &fakeClient{}
	cfg := DefaultConfig()
	cfg.MinInterval = 30 * time.Millisecond
	p := NewPublisher(client, cfg, "", nil)

	src := newSource(8)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx, src)
	}()

	src.ch <- status(training.StateTraining, 1)
	src.ch <- status(training.StateTraining, 2)
	src.ch <- status(training.StateTraining, 3)
	src.ch <- status(training.StateTraining, 4)

	require.Eventually(t, func() bool {
		sent := client.messages()
		return len(sent) > 0 && sent[len(sent)-1].msg.Progress == 4
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestPublisher_FailedPublishIsCounted(t *testing.T) {
	client := &fakeClient{fail: errors.New("broker gone")}
	m := newMetrics(t)
	p := NewPublisher(client, DefaultConfig(), "", m)

	src := newSource(2)
	src.ch <- status(training.StateFailed, 40)
	close(src.ch)
	p.Run(t.Context(), src)

	assert.InDelta(t, 1, counterValue(t, m.Errors), 0)
}

func TestPublisher_SendsPendingWhenSourceCloses(t *testing.T) {
	client := &fakeClient{}
	cfg := DefaultConfig()
	cfg.MinInterval = time.Hour
	p := NewPublisher(client, cfg, "", nil)

	src := newSource(4)
	src.ch <- status(training.StateTraining, 5)
	src.ch <- status(training.StateTraining, 6)
	src.ch <- status(training.StateTraining, 7)
	close(src.ch)
	p.Run(t.Context(), src)

	sent := client.messages()
	require.Len(t, sent, 3)
	assert.Equal(t, 7, sent[2].msg.Progress)
}

func TestPublisher_ZeroIntervalSendsEverything(t *testing.T) {
	client := &fakeClient{}
	cfg := DefaultConfig()
	cfg.MinInterval = 0
	p := NewPublisher(client, cfg, "", nil)

	src := newSource(16)
	for i := range 10 {
		src.ch <- status(training.StateTraining, i)
	}
	close(src.ch)
	p.Run(t.Context(), src)

	assert.Len(t, client.messages(), 10)
}

func TestConfigFromSettings(t *testing.T) {
	cfg := ConfigFromSettings(&conf.Settings{
		Main: conf.MainSettings{Name: "frontdoor"},
		MQTT: conf.MQTTSettings{Broker: "tcp://broker:1883", MinInterval: 2 * time.Second},
	})
	assert.Equal(t, "frontdoor", cfg.ClientID)
	assert.Equal(t, "faceid/training", cfg.Topic)
	assert.Equal(t, 2*time.Second, cfg.MinInterval)
	assert.False(t, cfg.Retain)

	cfg = ConfigFromSettings(&conf.Settings{MQTT: conf.MQTTSettings{ClientID: "cam", Topic: "home/faces", Retain: true}})
	assert.Equal(t, "cam", cfg.ClientID)
	assert.Equal(t, "home/faces", cfg.Topic)
	assert.True(t, cfg.Retain)
}

func TestClient_RejectsInvalidBroker(t *testing.T) {
	c := NewClient(Config{Broker: "::not a url", ConnectTimeout: time.Second}, nil)
	require.Error(t, c.Connect(t.Context()))
	assert.False(t, c.IsConnected())
	require.Error(t, c.Publish(t.Context(), "t", "x"))
	c.Disconnect()
}
