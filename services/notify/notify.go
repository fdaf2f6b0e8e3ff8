// Package notify fans committed deployment transitions out to external
// sinks: a NATS JetStream subject per state, an HTTP webhook and the log.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"otad/pkg/bus"
	"otad/pkg/metrics"
	"otad/services/registry"
)

const (
	// StreamName is the JetStream stream holding deployment events.
	StreamName = "OTAD_DEPLOYMENTS"
	// StreamSubjects matches every deployment subject.
	StreamSubjects = subjectPrefix + ">"
	subjectPrefix  = "otad.deployments."
)

// Subject returns the subject a transition into state is published on.
func Subject(state registry.State) string {
	return subjectPrefix + strings.ToLower(state.String())
}

// Publisher is the subset of *bus.Bus used by the bus sink.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// BusSink publishes each transition to otad.deployments.<state>.
type BusSink struct {
	pub Publisher
}

// NewBusSink returns a sink publishing through pub.
func NewBusSink(pub Publisher) (*BusSink, error) {
	if pub == nil {
		return nil, errors.New("notify: publisher is required")
	}
	return &BusSink{pub: pub}, nil
}

// EnsureStream declares the stream capturing every deployment subject.
func EnsureStream(b *bus.Bus) error {
	return b.EnsureStream(StreamName, StreamSubjects)
}

func (s *BusSink) Notify(ctx context.Context, evt registry.TransitionEvent) error {
	if err := s.pub.Publish(ctx, Subject(evt.To), evt); err != nil {
		return fmt.Errorf("publish %s: %w", Subject(evt.To), err)
	}
	return nil
}

// WebhookSink POSTs each transition as JSON.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink returns a sink posting to url. A nil client gets an
// instrumented one with a 5s timeout.
func NewWebhookSink(url string, client *http.Client) (*WebhookSink, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("notify: webhook url is required")
	}
	if client == nil {
		client = &http.Client{
			Timeout:   5 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &WebhookSink{url: url, client: client}, nil
}

func (s *WebhookSink) Notify(ctx context.Context, evt registry.TransitionEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Otad-Event", Subject(evt.To))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// LogSink writes each transition as a structured log line.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(_ context.Context, evt registry.TransitionEvent) error {
	s.logger.Info().
		Str("deployment_id", evt.DeploymentID).
		Str("deployment_name", evt.DeploymentName).
		Str("controller_id", evt.ControllerID).
		Str("from", evt.From.String()).
		Str("to", evt.To.String()).
		Str("event", evt.Event.String()).
		Str("actor", evt.Actor).
		Time("at", evt.At).
		Msg("deployment transition")
	return nil
}

// Sink names an observer so failures can be attributed.
type Sink struct {
	Name     string
	Observer registry.Observer
}

// Multi delivers to every sink in order. A failing sink does not stop the
// others; failures are counted per sink and returned joined.
type Multi struct {
	sinks   []Sink
	metrics *metrics.Recorder
}

func NewMulti(m *metrics.Recorder, sinks ...Sink) *Multi {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s.Observer != nil {
			out = append(out, s)
		}
	}
	return &Multi{sinks: out, metrics: m}
}

// Len reports the number of configured sinks.
func (m *Multi) Len() int { return len(m.sinks) }

func (m *Multi) Notify(ctx context.Context, evt registry.TransitionEvent) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Observer.Notify(ctx, evt); err != nil {
			m.metrics.NotifyError(s.Name)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}
