package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"iap-coordinator/internal/backend"
	"iap-coordinator/internal/models"
	"iap-coordinator/internal/options"
	"iap-coordinator/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Name is the registry name of the remote backend
const Name = "remote"

const unbindTimeout = 5 * time.Second

var errUnbound = errors.New("remote backend unbound")

func init() {
	backend.Register(Name, func(deps backend.Deps) (backend.StoreBackend, error) {
		if deps.Commands == nil {
			return nil, fmt.Errorf("%w: remote backend needs a command writer", models.ErrConfiguration)
		}
		return New(deps.Commands, deps.Logger), nil
	})
}

type request struct {
	command  Command
	purchase models.Purchase
	timer    *time.Timer
}

// Backend talks to a store bridge process over a command/event topic pair.
// Requests are correlated by id; the first terminal event for an id wins.
type Backend struct {
	commands backend.CommandWriter
	logger   *zap.Logger

	mu            sync.Mutex
	events        backend.Publisher
	opts          options.StoreOptions
	pending       map[string]*request
	storeName     string
	subscriptions bool
	unbound       bool
}

// New creates a remote backend writing commands through w
func New(w backend.CommandWriter, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		commands: w,
		logger:   logger,
		pending:  make(map[string]*request),
	}
}

func (b *Backend) Name() string { return Name }

// Pending returns the number of requests awaiting a terminal event
func (b *Backend) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Backend) Init(ctx context.Context, opts options.StoreOptions, events backend.Publisher) error {
	if events == nil {
		return errors.New("remote backend: nil event publisher")
	}
	b.mu.Lock()
	b.events = events
	b.opts = opts
	b.mu.Unlock()

	return b.send(ctx, CommandMessage{Command: CommandInit, Options: newInitOptions(opts)},
		models.Purchase{}, opts.DiscoveryTimeout(),
		models.EventBillingNotSupported, models.BillingNotSupportedEvent{Reason: "store discovery timed out"})
}

func (b *Backend) QueryInventory(ctx context.Context, storeSkus []string) error {
	b.mu.Lock()
	timeout := b.opts.CheckInventoryTimeout()
	b.mu.Unlock()

	return b.send(ctx, CommandMessage{Command: CommandQueryInventory, StoreSkus: append([]string(nil), storeSkus...)},
		models.Purchase{}, timeout,
		models.EventQueryInventoryFailed, models.QueryInventoryFailedEvent{Reason: "inventory check timed out"})
}

func (b *Backend) PurchaseProduct(ctx context.Context, storeSku, developerPayload string) error {
	return b.send(ctx, CommandMessage{
		Command:          CommandPurchaseProduct,
		StoreSku:         storeSku,
		DeveloperPayload: developerPayload,
	}, models.Purchase{}, 0, "", nil)
}

func (b *Backend) PurchaseSubscription(ctx context.Context, storeSku, developerPayload string) error {
	return b.send(ctx, CommandMessage{
		Command:          CommandPurchaseSubscription,
		StoreSku:         storeSku,
		DeveloperPayload: developerPayload,
	}, models.Purchase{}, 0, "", nil)
}

func (b *Backend) ConsumeProduct(ctx context.Context, purchase models.Purchase) error {
	p := purchase
	return b.send(ctx, CommandMessage{Command: CommandConsume, Purchase: &p}, purchase, 0, "", nil)
}

func (b *Backend) RestoreTransactions(ctx context.Context) error {
	return b.send(ctx, CommandMessage{Command: CommandRestore}, models.Purchase{}, 0, "", nil)
}

func (b *Backend) AreSubscriptionsSupported() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscriptions
}

// send registers the request before writing it so a fast answer is never
// dropped. A positive timeout arms a timer publishing the given failure.
func (b *Backend) send(ctx context.Context, msg CommandMessage, purchase models.Purchase,
	timeout time.Duration, timeoutKind models.EventKind, timeoutPayload any) error {
	ctx, span := util.StartSpan(ctx, "RemoteBackend."+string(msg.Command))
	defer span.End()

	msg.RequestID = uuid.New().String()
	req := &request{command: msg.Command, purchase: purchase}

	b.mu.Lock()
	if b.unbound {
		b.mu.Unlock()
		return errUnbound
	}
	if b.events == nil {
		b.mu.Unlock()
		return fmt.Errorf("remote backend: %s before init", msg.Command)
	}
	b.pending[msg.RequestID] = req
	if timeout > 0 {
		id := msg.RequestID
		req.timer = time.AfterFunc(timeout, func() {
			b.expire(id, timeoutKind, timeoutPayload)
		})
	}
	b.mu.Unlock()

	if err := b.commands.PublishEvent(ctx, msg.RequestID, msg); err != nil {
		b.mu.Lock()
		b.dropLocked(msg.RequestID)
		b.mu.Unlock()
		return fmt.Errorf("failed to send %s command: %w", msg.Command, err)
	}

	util.BridgeCommandsTotal.WithLabelValues(string(msg.Command)).Inc()
	b.logger.Debug("Bridge command sent",
		zap.String("request_id", msg.RequestID),
		zap.String("command", string(msg.Command)))
	return nil
}

func (b *Backend) dropLocked(id string) *request {
	req, ok := b.pending[id]
	if !ok {
		return nil
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	delete(b.pending, id)
	return req
}

// expire terminates a request the bridge never answered
func (b *Backend) expire(id string, kind models.EventKind, payload any) {
	b.mu.Lock()
	req := b.dropLocked(id)
	events := b.events
	b.mu.Unlock()

	if req == nil || events == nil {
		return
	}
	util.BridgeTimeoutsTotal.WithLabelValues(string(req.command)).Inc()
	b.logger.Warn("Bridge request timed out",
		zap.String("request_id", id),
		zap.String("command", string(req.command)))
	events.Publish(kind, payload)
}

// HandleBridgeEvent routes one event read from the bridge to the event
// publisher. Events for unknown or already answered requests, and kinds that
// do not belong to the request, return a *models.ProtocolError and are
// dropped.
func (b *Backend) HandleBridgeEvent(ctx context.Context, evt BridgeEvent) error {
	b.mu.Lock()
	req, ok := b.pending[evt.RequestID]
	if !ok {
		b.mu.Unlock()
		return &models.ProtocolError{Event: evt.Kind, Detail: fmt.Sprintf("no pending request %q", evt.RequestID)}
	}
	terminal := isTerminal(req.command, evt.Kind)
	if !terminal && !isIntermediate(req.command, evt.Kind) {
		b.mu.Unlock()
		return &models.ProtocolError{Event: evt.Kind, Detail: fmt.Sprintf("unexpected answer to %s", req.command)}
	}
	if terminal {
		b.dropLocked(evt.RequestID)
	}
	if evt.Kind == models.EventBillingSupported {
		b.storeName = evt.StoreName
		b.subscriptions = evt.SubscriptionsSupported
	}
	storeName := b.storeName
	events := b.events
	b.mu.Unlock()

	if events == nil {
		return errUnbound
	}

	util.BridgeEventsTotal.WithLabelValues(string(evt.Kind)).Inc()
	kind, payload, err := translate(evt, req, storeName)
	if payload != nil {
		events.Publish(kind, payload)
	}
	return err
}

// translate builds the bus payload for evt. Malformed terminals still
// terminate the request, as a failure.
func translate(evt BridgeEvent, req *request, storeName string) (models.EventKind, any, error) {
	withStore := func(p models.Purchase) models.Purchase {
		if p.StoreName == "" {
			p.StoreName = storeName
		}
		return p
	}

	switch evt.Kind {
	case models.EventBillingSupported:
		return evt.Kind, models.BillingSupportedEvent{StoreName: evt.StoreName}, nil
	case models.EventBillingNotSupported:
		return evt.Kind, models.BillingNotSupportedEvent{Reason: evt.Reason}, nil
	case models.EventQueryInventorySucceeded:
		inv := models.NewInventory()
		if evt.Inventory != nil {
			for sku, p := range evt.Inventory.Purchases {
				inv.Purchases[sku] = withStore(p)
			}
			for sku, d := range evt.Inventory.Details {
				inv.Details[sku] = d
			}
		}
		return evt.Kind, models.QueryInventorySucceededEvent{Inventory: inv}, nil
	case models.EventQueryInventoryFailed:
		return evt.Kind, models.QueryInventoryFailedEvent{Reason: evt.Reason}, nil
	case models.EventPurchaseSucceeded:
		if evt.Purchase == nil {
			return models.EventPurchaseFailed, models.PurchaseFailedEvent{Code: evt.Code, Reason: "purchase missing from bridge event"},
				&models.ProtocolError{Event: evt.Kind, Detail: "missing purchase"}
		}
		return evt.Kind, models.PurchaseSucceededEvent{Purchase: withStore(*evt.Purchase)}, nil
	case models.EventPurchaseFailed:
		return evt.Kind, models.PurchaseFailedEvent{Code: evt.Code, Reason: evt.Reason}, nil
	case models.EventConsumeSucceeded:
		p := req.purchase
		if evt.Purchase != nil {
			p = *evt.Purchase
		}
		p.State = models.PurchaseStateConsumed
		return evt.Kind, models.ConsumeSucceededEvent{Purchase: withStore(p)}, nil
	case models.EventConsumeFailed:
		p := req.purchase
		if evt.Purchase != nil {
			p = *evt.Purchase
		}
		p = withStore(p)
		return evt.Kind, models.ConsumeFailedEvent{Purchase: &p, Reason: evt.Reason}, nil
	case models.EventTransactionRestored:
		if evt.Purchase == nil {
			return evt.Kind, nil, &models.ProtocolError{Event: evt.Kind, Detail: "missing purchase"}
		}
		return evt.Kind, models.TransactionRestoredEvent{Purchase: withStore(*evt.Purchase)}, nil
	case models.EventRestoreSucceeded:
		return evt.Kind, models.RestoreSucceededEvent{}, nil
	default:
		return models.EventRestoreFailed, models.RestoreFailedEvent{Reason: evt.Reason}, nil
	}
}

// Unbind stops every timer, forgets pending requests and tells the bridge
// to release the store connection.
func (b *Backend) Unbind() error {
	b.mu.Lock()
	if b.unbound {
		b.mu.Unlock()
		return nil
	}
	b.unbound = true
	for id := range b.pending {
		b.dropLocked(id)
	}
	b.events = nil
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), unbindTimeout)
	defer cancel()

	id := uuid.New().String()
	if err := b.commands.PublishEvent(ctx, id, CommandMessage{RequestID: id, Command: CommandUnbind}); err != nil {
		return fmt.Errorf("failed to send unbind command: %w", err)
	}
	return nil
}
