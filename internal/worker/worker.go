package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"iap-coordinator/internal/backend/remote"
	"iap-coordinator/internal/broker"
	"iap-coordinator/internal/eventbus"
	"iap-coordinator/internal/models"
	"iap-coordinator/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// BridgeEventHandler accepts events answered by the store bridge
type BridgeEventHandler interface {
	HandleBridgeEvent(ctx context.Context, evt remote.BridgeEvent) error
}

// BridgeWorker feeds the bridge event topic into the remote backend
type BridgeWorker struct {
	consumer *broker.Consumer
	handler  BridgeEventHandler
	logger   *zap.Logger
}

// NewBridgeWorker creates a new bridge worker
func NewBridgeWorker(consumer *broker.Consumer, handler BridgeEventHandler) *BridgeWorker {
	return &BridgeWorker{
		consumer: consumer,
		handler:  handler,
		logger:   util.Named("bridge-worker"),
	}
}

// Start starts the worker
func (w *BridgeWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting bridge worker")
	return w.consumer.StartConsuming(ctx, w.HandleMessage)
}

// HandleMessage decodes one bridge event. Events that break the request
// protocol are logged and committed; they would never become valid.
func (w *BridgeWorker) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var evt remote.BridgeEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		return fmt.Errorf("failed to unmarshal bridge event: %w", err)
	}

	w.logger.Debug("Handling bridge event",
		zap.String("request_id", evt.RequestID),
		zap.String("kind", string(evt.Kind)))

	err := w.handler.HandleBridgeEvent(ctx, evt)
	var perr *models.ProtocolError
	if errors.As(err, &perr) {
		util.ProtocolViolationsTotal.WithLabelValues(string(evt.Kind)).Inc()
		w.logger.Warn("Dropped bridge event",
			zap.String("request_id", evt.RequestID),
			zap.Error(err))
		return nil
	}
	return err
}

// Stop stops the worker
func (w *BridgeWorker) Stop() error {
	w.logger.Info("Stopping bridge worker")
	return w.consumer.Close()
}

// OutcomeSink receives coordinator outcomes for delivery
type OutcomeSink interface {
	Publish(ctx context.Context, evt eventbus.Event) (*broker.OutcomeMessage, error)
}

const outcomeSubscriber = "outcome-forwarder"

// OutcomeWorker copies coordinator outcomes from the event bus to a sink.
// Bus handlers only enqueue, so a slow broker never blocks the coordinator;
// when the queue is full the event is dropped and counted.
type OutcomeWorker struct {
	bus    *eventbus.Bus
	sink   OutcomeSink
	events chan eventbus.Event
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	exited  chan struct{}

	stopOnce sync.Once
	done     chan struct{}
}

// NewOutcomeWorker subscribes to every outcome kind on bus
func NewOutcomeWorker(bus *eventbus.Bus, sink OutcomeSink, buffer int) *OutcomeWorker {
	if buffer <= 0 {
		buffer = 256
	}
	w := &OutcomeWorker{
		bus:    bus,
		sink:   sink,
		events: make(chan eventbus.Event, buffer),
		logger: util.Named("outcome-worker"),
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, kind := range models.OutcomeEventKinds {
		bus.Subscribe(kind, outcomeSubscriber, w.enqueue)
	}
	return w
}

func (w *OutcomeWorker) enqueue(evt eventbus.Event) {
	select {
	case <-w.done:
		util.OutcomesForwardedTotal.WithLabelValues("dropped").Inc()
		return
	default:
	}

	select {
	case w.events <- evt:
	default:
		util.OutcomesForwardedTotal.WithLabelValues("dropped").Inc()
		w.logger.Warn("Outcome queue full, dropping event", zap.String("kind", string(evt.Kind)))
	}
}

// Start forwards queued outcomes until ctx is done or Stop is called
func (w *OutcomeWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("outcome worker already started")
	}
	w.running = true
	w.mu.Unlock()
	defer close(w.exited)

	w.logger.Info("Starting outcome worker")
	for {
		select {
		case <-w.done:
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.done:
			return nil
		case evt := <-w.events:
			w.forward(ctx, evt)
		}
	}
}

func (w *OutcomeWorker) forward(ctx context.Context, evt eventbus.Event) {
	msg, err := w.sink.Publish(ctx, evt)
	if err != nil {
		util.OutcomesForwardedTotal.WithLabelValues("error").Inc()
		w.logger.Error("Failed to forward outcome",
			zap.String("kind", string(evt.Kind)),
			zap.Error(err))
		return
	}
	util.OutcomesForwardedTotal.WithLabelValues("ok").Inc()
	w.logger.Debug("Forwarded outcome",
		zap.String("event_id", msg.EventID),
		zap.String("kind", msg.EventType))
}

// Stop unsubscribes from the bus, ends Start and forwards what is still
// queued. Outcomes left when ctx expires are dropped and counted.
func (w *OutcomeWorker) Stop(ctx context.Context) error {
	first := false
	w.stopOnce.Do(func() {
		first = true
		w.logger.Info("Stopping outcome worker")
		w.bus.UnsubscribeAll(outcomeSubscriber)
		close(w.done)
	})
	if !first {
		return nil
	}

	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	if running {
		select {
		case <-w.exited:
		case <-ctx.Done():
		}
	}

	return w.drain(ctx)
}

func (w *OutcomeWorker) drain(ctx context.Context) error {
	forwarded := 0
	for {
		select {
		case evt := <-w.events:
			if ctx.Err() != nil {
				dropped := 1 + w.discard()
				util.OutcomesForwardedTotal.WithLabelValues("dropped").Add(float64(dropped))
				w.logger.Warn("Dropped queued outcomes on shutdown", zap.Int("count", dropped))
				return ctx.Err()
			}
			w.forward(ctx, evt)
			forwarded++
		default:
			if forwarded > 0 {
				w.logger.Info("Drained queued outcomes", zap.Int("count", forwarded))
			}
			return nil
		}
	}
}

func (w *OutcomeWorker) discard() int {
	n := 0
	for {
		select {
		case <-w.events:
			n++
		default:
			return n
		}
	}
}
