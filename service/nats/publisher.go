package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/brojonat/affsync/service/metrics"
	"github.com/brojonat/affsync/service/reconcile"
)

// Publisher publishes ledger change events.
type Publisher interface {
	PublishEvent(ctx context.Context, event *LedgerEvent) error

	// PublishChanges publishes one event per change. Individual failures
	// are logged and do not stop the rest.
	PublishChanges(ctx context.Context, runID string, changes []reconcile.Change) error

	Close() error
}

const (
	// StreamName is the JetStream stream holding ledger events.
	StreamName = "LEDGER"

	// SubjectPrefix prefixes every ledger subject.
	SubjectPrefix = "ledger"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = SubjectPrefix + ".*"

	// StreamRetention is how long events are retained.
	StreamRetention = 30 * 24 * time.Hour
)

// JetStreamPublisher publishes ledger events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPublisher connects to NATS and ensures the ledger stream exists.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(natsURL,
		nats.Name("affsync-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	p := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}

	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized", "url", natsURL, "stream", StreamName)
	return p, nil
}

func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := p.js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", StreamName)
	_, err := p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Affiliate ledger change events",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// PublishEvent publishes a single event.
func (p *JetStreamPublisher) PublishEvent(ctx context.Context, event *LedgerEvent) error {
	subject := event.Subject()
	start := time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger event: %w", err)
	}

	_, err = p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.MsgID()))
	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.RecordNATSPublish(subject, status, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("failed to publish ledger event: %w", err)
	}

	p.logger.DebugContext(ctx, "published ledger event",
		"subject", subject,
		"transaction_id", event.TransactionID,
		"change", event.Change,
	)
	return nil
}

// PublishChanges implements Publisher.
func (p *JetStreamPublisher) PublishChanges(ctx context.Context, runID string, changes []reconcile.Change) error {
	failed := 0
	for _, c := range changes {
		if err := p.PublishEvent(ctx, FromChange(runID, c)); err != nil {
			failed++
			p.logger.ErrorContext(ctx, "failed to publish ledger event",
				"transaction_id", c.Transaction.TransactionID,
				"error", err,
			)
		}
	}
	if failed > 0 {
		return fmt.Errorf("failed to publish %d of %d ledger events", failed, len(changes))
	}
	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
