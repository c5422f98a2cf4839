package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/matchcore/internal/domain"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublishKeysByBook(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisherWithWriter(w, "events", nil)
	at := time.Unix(1_700_000_000, 0).UTC()
	book := domain.BookKey{MarketKey: "mkt", OutcomeIndex: 1}

	err := p.Publish(context.Background(), []domain.MarketEvent{
		{Type: domain.MarketEventOrderPlaced, Book: book, Payload: map[string]string{"id": "o-1"}, Time: at},
		{Type: domain.MarketEventTrade, Book: book, Time: at},
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 2)

	assert.Equal(t, book.String(), string(w.msgs[0].Key))
	assert.Equal(t, at, w.msgs[0].Time)
	assert.Equal(t, []kafka.Header{{Key: "event-type", Value: []byte("order_placed")}}, w.msgs[0].Headers)

	var ev domain.MarketEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, domain.MarketEventOrderPlaced, ev.Type)
	assert.Equal(t, book, ev.Book)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublishWrapsWriterErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker unavailable")}
	p := NewPublisherWithWriter(w, "events", nil)

	err := p.Publish(context.Background(), []domain.MarketEvent{{Type: domain.MarketEventTrade}})
	assert.ErrorContains(t, err, "kafka: write 1 events to events: broker unavailable")

	assert.NoError(t, p.Publish(context.Background(), nil))
}

func TestNewPublisherRequiresBrokers(t *testing.T) {
	_, err := NewPublisher(Config{}, nil)
	assert.Error(t, err)

	p, err := NewPublisher(Config{Brokers: []string{"localhost:9092"}, Async: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "matchcore.market-events", p.topic)
	require.NoError(t, p.Close())
}
