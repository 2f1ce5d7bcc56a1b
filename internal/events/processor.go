package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cattybeo/inventory-dashboard/internal/cache"
	"github.com/cattybeo/inventory-dashboard/internal/domain"
	"github.com/cattybeo/inventory-dashboard/internal/notify"
	"github.com/cattybeo/inventory-dashboard/internal/repository"
)

// maxDeductAttempts bounds the read-check-write retry when the conditional
// update loses against a concurrent writer.
const maxDeductAttempts = 3

// ProductStore is the slice of the store the processor needs; the repository
// satisfies it, tests inject fakes.
type ProductStore interface {
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	GetProductByRFID(ctx context.Context, rfidUID string) (*domain.Product, error)
	DeductStock(ctx context.Context, productID string, expectedStock, newStock int) (*domain.Product, error)
	AppendSaleLog(ctx context.Context, productID string, quantity int) (*domain.SaleLogEntry, error)
}

// Invalidator marks cached read-side queries stale after a committed change.
type Invalidator interface {
	Invalidate(keys ...string)
}

// AuditPublisher pushes applied sales downstream; failures never affect the
// outcome.
type AuditPublisher interface {
	PublishStockDeducted(event StockDeductedEvent) error
}

// Processor turns one inbound sale notification into a consistent stock
// mutation. Per message it walks decode → resolve → stock check → conditional
// apply → sale log, exiting early with a rejection reason at any gate, and
// reports every terminal outcome exactly once through the notifier.
type Processor struct {
	store    ProductStore
	cache    Invalidator
	notifier *notify.Notifier
	audit    AuditPublisher
	logger   *zap.Logger
	timeout  time.Duration
}

func NewProcessor(store ProductStore, cache Invalidator, notifier *notify.Notifier, logger *zap.Logger) *Processor {
	return &Processor{
		store:    store,
		cache:    cache,
		notifier: notifier,
		logger:   logger,
		timeout:  10 * time.Second,
	}
}

// SetAuditPublisher wires the optional downstream publisher.
func (p *Processor) SetAuditPublisher(audit AuditPublisher) {
	p.audit = audit
}

// HandleSaleMessage is the transport handler: it matches the MQTT client's
// handler signature and is registered against the sales topic.
func (p *Processor) HandleSaleMessage(payload []byte, topic string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	outcome := p.HandleSale(ctx, payload)

	p.logger.Info("sale event processed",
		zap.String("topic", topic),
		zap.Bool("applied", outcome.Applied),
		zap.String("reason", string(outcome.Reason)),
		zap.String("rfid_id", outcome.RFIDID),
		zap.Int("quantity", outcome.Quantity))
}

// HandleSale runs the full state machine for one raw payload and returns the
// terminal outcome. Rejections are final: the event is reported once and
// discarded, re-sends are the publisher's business.
func (p *Processor) HandleSale(ctx context.Context, payload []byte) Outcome {
	event, err := decodeSaleEvent(payload)
	if err != nil {
		p.notifier.Error("Invalid Sale Data", "Missing RFID or quantity information")
		return rejected(ReasonInvalidPayload)
	}

	product, err := p.store.GetProductByRFID(ctx, event.RFIDID)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			p.notifier.Warning("Product Not Found",
				fmt.Sprintf("No product with RFID: %s", event.RFIDID))
			out := rejected(ReasonProductNotFound)
			out.RFIDID = event.RFIDID
			out.Quantity = event.Quantity
			return out
		}
		p.logger.Error("product lookup failed",
			zap.String("rfid_id", event.RFIDID), zap.Error(err))
		p.notifier.Error("Lookup Failed",
			fmt.Sprintf("Could not look up product for RFID: %s", event.RFIDID))
		out := rejected(ReasonLookupError)
		out.RFIDID = event.RFIDID
		out.Quantity = event.Quantity
		return out
	}

	return p.apply(ctx, event, product)
}

// apply runs the stock check plus the conditional write, re-reading and
// retrying when a concurrent writer invalidates the read.
func (p *Processor) apply(ctx context.Context, event SaleEvent, product *domain.Product) Outcome {
	out := Outcome{
		ProductID:   product.ID,
		ProductName: product.Name,
		RFIDID:      event.RFIDID,
		Quantity:    event.Quantity,
	}

	for attempt := 1; ; attempt++ {
		if event.Quantity > product.CurrentStock {
			p.notifier.Error("Insufficient Stock",
				fmt.Sprintf("%s: Need %d, have %d", product.Name, event.Quantity, product.CurrentStock))
			out.Reason = ReasonInsufficientStock
			return out
		}

		updated, err := p.store.DeductStock(ctx, product.ID, product.CurrentStock, product.CurrentStock-event.Quantity)
		if err == nil {
			out.Applied = true
			out.NewStock = updated.CurrentStock
			p.finish(ctx, &out, updated)
			return out
		}

		if !errors.Is(err, repository.ErrConflict) {
			p.logger.Error("stock update failed",
				zap.String("product_id", product.ID), zap.Error(err))
			p.notifier.Error("Update Failed", "Could not update stock quantity")
			out.Reason = ReasonUpdateFailed
			return out
		}

		if attempt >= maxDeductAttempts {
			p.logger.Warn("giving up after repeated write conflicts",
				zap.String("product_id", product.ID),
				zap.Int("attempts", attempt))
			p.notifier.Error("Update Conflict",
				fmt.Sprintf("%s: concurrent updates, sale not applied", product.Name))
			out.Reason = ReasonConflict
			return out
		}

		// Lost the race; re-read and run the check again against fresh stock.
		product, err = p.store.GetProduct(ctx, product.ID)
		if err != nil {
			if errors.Is(err, repository.ErrProductNotFound) {
				p.notifier.Warning("Product Not Found",
					fmt.Sprintf("No product with RFID: %s", event.RFIDID))
				out.Reason = ReasonProductNotFound
				return out
			}
			p.notifier.Error("Lookup Failed",
				fmt.Sprintf("Could not look up product for RFID: %s", event.RFIDID))
			out.Reason = ReasonLookupError
			return out
		}
	}
}

// finish handles the post-commit side effects: the best-effort sale log, the
// cache invalidations, the success notification, and the audit event. The
// stock mutation is already durable here and is never rolled back.
func (p *Processor) finish(ctx context.Context, out *Outcome, product *domain.Product) {
	if _, err := p.store.AppendSaleLog(ctx, product.ID, out.Quantity); err != nil {
		// Deliberate trade-off: a dropped log entry is acceptable, the stock
		// figure is not. Reported as a distinct warning.
		out.LogWriteFailed = true
		p.logger.Warn("sale log write failed",
			zap.String("product_id", product.ID), zap.Error(err))
		p.notifier.Warning("Sale Log Failed",
			fmt.Sprintf("%s: sale applied but not recorded in history", product.Name))
	}

	p.cache.Invalidate(cache.KeyProducts, cache.KeySalesToday)

	p.notifier.Success("Sale Recorded",
		fmt.Sprintf("%s (%dx) - Stock: %d", product.Name, out.Quantity, out.NewStock))

	if p.audit != nil {
		audit := StockDeductedEvent{
			EventID:   uuid.NewString(),
			ProductID: product.ID,
			Name:      product.Name,
			RFIDID:    out.RFIDID,
			Quantity:  out.Quantity,
			NewStock:  out.NewStock,
			Timestamp: time.Now().UTC(),
		}
		if err := p.audit.PublishStockDeducted(audit); err != nil {
			p.logger.Warn("audit publish failed",
				zap.String("product_id", product.ID), zap.Error(err))
		}
	}
}

// decodeSaleEvent enforces the wire schema: rfid_id must be a non-empty
// string and quantity a positive integer. Anything else is invalid_payload,
// without touching the store.
func decodeSaleEvent(payload []byte) (SaleEvent, error) {
	var raw struct {
		RFIDID   *string      `json:"rfid_id"`
		Quantity *json.Number `json:"quantity"`
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return SaleEvent{}, fmt.Errorf("malformed payload: %w", err)
	}

	if raw.RFIDID == nil || *raw.RFIDID == "" {
		return SaleEvent{}, errors.New("missing rfid_id")
	}
	if raw.Quantity == nil {
		return SaleEvent{}, errors.New("missing quantity")
	}
	quantity, err := raw.Quantity.Int64()
	if err != nil {
		return SaleEvent{}, fmt.Errorf("quantity not an integer: %w", err)
	}
	if quantity <= 0 {
		return SaleEvent{}, errors.New("quantity must be positive")
	}

	return SaleEvent{RFIDID: *raw.RFIDID, Quantity: int(quantity)}, nil
}
