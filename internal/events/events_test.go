package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/mbd888/gigledger/internal/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu   sync.Mutex
	got  []Event
	fail bool
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Send(_ context.Context, e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("sink down")
	}
	c.got = append(c.got, e)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestQueue_DeliversToAllSinks(t *testing.T) {
	a, b := &captureSink{}, &captureSink{fail: true}
	q := NewQueue(10, quietLogger(), a, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()

	q.Publish(ctx, Event{Type: EscrowCreated, RecipientID: "usr_freelancer"})
	q.Publish(ctx, Event{Type: EscrowReleased, RecipientID: "usr_freelancer"})

	require.Eventually(t, func() bool { return a.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, q.Running())
	cancel()
	<-done
	assert.False(t, q.Running())

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.NotEmpty(t, a.got[0].ID, "publish stamps an ID")
	assert.False(t, a.got[0].Timestamp.IsZero())
}

func TestQueue_DropsWhenFull(t *testing.T) {
	q := NewQueue(2, quietLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		q.Publish(ctx, Event{Type: MilestoneSubmitted})
	}
	assert.Equal(t, 2, q.Depth())
	assert.False(t, q.Healthy(), "not running and full")
}

func TestQueue_DrainsOnShutdown(t *testing.T) {
	sink := &captureSink{}
	q := NewQueue(10, quietLogger(), sink)
	ctx, cancel := context.WithCancel(context.Background())

	for i := 0; i < 3; i++ {
		q.Publish(ctx, Event{Type: MilestoneApproved})
	}
	cancel()
	require.NoError(t, q.Run(ctx))
	assert.Equal(t, 3, sink.count())
}

type countingSink struct {
	mu    sync.Mutex
	calls int
}

func (c *countingSink) Name() string { return "broker" }

func (c *countingSink) Send(context.Context, Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return errors.New("broker down")
}

func TestQueue_BreakerSkipsDeadSink(t *testing.T) {
	dead, healthy := &countingSink{}, &captureSink{}
	q := NewQueue(10, quietLogger(), dead, healthy).WithBreaker(circuitbreaker.New(2, time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	for i := 0; i < 5; i++ {
		q.Publish(ctx, Event{Type: EscrowReleased})
	}
	cancel()
	require.NoError(t, q.Run(ctx))

	assert.Equal(t, 2, dead.calls, "circuit opens after two failures")
	assert.Equal(t, 5, healthy.count())
}

func TestKafkaSink_Send(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var e Event
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		if e.Type != EscrowReleased || e.Data["gross"] != float64(3000) {
			return errors.New("unexpected payload")
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sink := NewKafkaSink(producer, "gigledger.events")
	ctx := context.Background()

	err := sink.Send(ctx, stamp(Event{Type: EscrowReleased, RecipientID: "usr_f", Data: map[string]any{"gross": 3000}}))
	require.NoError(t, err)

	err = sink.Send(ctx, stamp(Event{Type: EscrowRefunded, RecipientID: "usr_c"}))
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	require.NoError(t, sink.Close())
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Publish(context.Background(), Event{Type: ProposalHired})
	r.Publish(context.Background(), Event{Type: ProposalRejected})
	assert.Equal(t, []Type{ProposalHired, ProposalRejected}, r.Types())
	assert.Len(t, r.Events(), 2)

	Discard.Publish(context.Background(), Event{Type: ProposalHired})
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	require.NoError(t, sink.Send(context.Background(), Event{ID: "evt_1", Type: EscrowRefunded, RecipientID: "usr_c"}))
	assert.Contains(t, buf.String(), `"type":"escrow.refunded"`)
}
