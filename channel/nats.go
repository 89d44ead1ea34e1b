package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/sluicedb/sluice/record"
)

// NatsConfig configures a JetStream-backed channel.
type NatsConfig struct {
	URL     string
	Stream  string
	Subject string
	Durable string
}

// NatsChannel consumes records from a JetStream pull consumer. JetStream's
// explicit-ack redelivery supplies the at-least-once contract: a message not
// acked before the consumer's ack wait elapses comes back on a later fetch.
type NatsChannel struct {
	nc       *nats.Conn
	consumer jetstream.Consumer

	mu       sync.Mutex
	nextSeq  uint64
	inFlight map[uint64]jetstream.Msg
	closed   bool
}

// OpenNatsChannel connects to NATS and binds a durable pull consumer for the
// configured subject, creating stream and consumer when absent.
func OpenNatsChannel(cfg NatsConfig) (*NatsChannel, error) {
	if cfg.URL == "" || cfg.Stream == "" || cfg.Subject == "" {
		return nil, fmt.Errorf("nats channel requires url, stream and subject")
	}
	durable := cfg.Durable
	if durable == "" {
		durable = "sluice-importer"
	}

	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer %s: %w", durable, err)
	}

	return &NatsChannel{
		nc:       nc,
		consumer: consumer,
		inFlight: make(map[uint64]jetstream.Msg),
	}, nil
}

// Fetch pulls up to maxCount messages, waiting at most timeout.
func (c *NatsChannel) Fetch(ctx context.Context, maxCount int, timeout time.Duration) ([]record.Record, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	batch, err := c.consumer.Fetch(maxCount, jetstream.FetchMaxWait(timeout))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, fmt.Errorf("jetstream fetch: %w", err)
	}

	var out []record.Record
	for msg := range batch.Messages() {
		select {
		case <-ctx.Done():
			// Leave the rest un-acked; JetStream redelivers them.
			return out, nil
		default:
		}
		rec, err := record.Decode(msg.Data())
		if err != nil {
			return nil, fmt.Errorf("decode record from %s: %w", msg.Subject(), err)
		}

		c.mu.Lock()
		c.nextSeq++
		seq := c.nextSeq
		switch r := rec.(type) {
		case *record.DataRecord:
			r.Seq = seq
		case *record.FinishedRecord:
			r.Seq = seq
		}
		c.inFlight[seq] = msg
		c.mu.Unlock()

		out = append(out, rec)
	}
	if err := batch.Error(); err != nil {
		return out, fmt.Errorf("jetstream fetch: %w", err)
	}
	return out, nil
}

// Ack acknowledges the JetStream messages behind the records.
func (c *NatsChannel) Ack(records []record.Record) error {
	c.mu.Lock()
	msgs := make([]jetstream.Msg, 0, len(records))
	for _, rec := range records {
		if msg, ok := c.inFlight[seqOf(rec)]; ok {
			delete(c.inFlight, seqOf(rec))
			msgs = append(msgs, msg)
		}
	}
	c.mu.Unlock()

	for _, msg := range msgs {
		if err := msg.Ack(); err != nil {
			return fmt.Errorf("ack message: %w", err)
		}
	}
	return nil
}

// Close drops the connection. Un-acked messages are redelivered by the
// server to the next consumer instance.
func (c *NatsChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.inFlight = make(map[uint64]jetstream.Msg)
	c.mu.Unlock()

	c.nc.Close()
	return nil
}
