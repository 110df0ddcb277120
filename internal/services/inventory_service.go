package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/willowmart/api/internal/domain"
	"github.com/willowmart/api/internal/repositories"
)

const (
	eventInventoryReserve = "inventory.reserve"
	eventInventoryCommit  = "inventory.commit"
	eventInventoryRelease = "inventory.release"
	eventInventorySweep   = "inventory.sweep"

	releaseReasonExpired = "expired"

	defaultSweepBatchSize = 200
)

// Sentinel errors the handlers translate into API error codes.
// ErrInventoryAlreadyCommitted and ErrInventoryAlreadyReleased mark the
// two terminal states a reservation cannot leave.
var (
	ErrInventoryInvalidInput        = errors.New("inventory: invalid input")
	ErrInventoryInsufficientStock   = errors.New("inventory: insufficient stock")
	ErrInventoryReservationNotFound = errors.New("inventory: reservation not found")
	ErrInventoryVariantNotFound     = errors.New("inventory: variant not found")
	ErrInventoryAlreadyCommitted    = errors.New("inventory: reservation already committed")
	ErrInventoryAlreadyReleased     = errors.New("inventory: reservation already released")
	ErrInventoryInvalidState        = errors.New("inventory: reservation state invalid")
)

// InventoryEventPublisher receives stock counter adjustments for audit surfaces.
type InventoryEventPublisher interface {
	PublishStockEvent(ctx context.Context, event domain.StockEvent) error
}

// StockAlerter receives threshold breach events after stock is consumed.
type StockAlerter interface {
	StockThresholdBreached(ctx context.Context, variant Variant, alertType NotificationType) error
}

// ExpiredReservationHandler reacts to reservations the sweep released, usually
// by cancelling the pending order that held the stock.
type ExpiredReservationHandler interface {
	ReservationExpired(ctx context.Context, reservation Reservation) error
}

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
type InventoryServiceDeps struct {
	Inventory         repositories.InventoryRepository
	Events            InventoryEventPublisher
	Alerts            StockAlerter
	Expiry            ExpiredReservationHandler
	LowThreshold      int
	CriticalThreshold int
	Clock             func() time.Time
	IDGenerator       func() string
	Logger            func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	repo              repositories.InventoryRepository
	events            InventoryEventPublisher
	alerts            StockAlerter
	expiry            ExpiredReservationHandler
	lowThreshold      int
	criticalThreshold int
	clock             func() time.Time
	newID             func() string
	logger            func(context.Context, string, map[string]any)
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Inventory == nil {
		return nil, errors.New("inventory service: inventory repository is required")
	}
	if deps.CriticalThreshold > deps.LowThreshold && deps.LowThreshold > 0 {
		return nil, errors.New("inventory service: critical threshold must not exceed low threshold")
	}

	svc := &inventoryService{
		repo:              deps.Inventory,
		events:            deps.Events,
		alerts:            deps.Alerts,
		expiry:            deps.Expiry,
		lowThreshold:      deps.LowThreshold,
		criticalThreshold: deps.CriticalThreshold,
		clock:             utcClock(deps.Clock),
		newID:             deps.IDGenerator,
		logger:            eventLogger(deps.Logger),
	}
	if svc.newID == nil {
		svc.newID = func() string { return ulid.Make().String() }
	}
	return svc, nil
}

// Reserve soft-locks stock for every requested line. The batch is all or
// nothing: one short line fails the whole call and no counters change.
func (s *inventoryService) Reserve(ctx context.Context, cmd InventoryReserveCommand) (Reservation, error) {
	if err := s.validateReserveInput(cmd); err != nil {
		return Reservation{}, err
	}

	now := s.now()
	lines, err := normaliseReservationLines(cmd.Lines)
	if err != nil {
		return Reservation{}, err
	}

	reservation := Reservation{
		ID:             ensureReservationID(s.newID()),
		OrderRef:       ensureOrderRef(cmd.OrderID),
		UserRef:        ensureUserRef(cmd.UserID),
		Status:         domain.ReservationStatusReserved,
		Lines:          lines,
		Reason:         strings.TrimSpace(cmd.Reason),
		IdempotencyKey: strings.TrimSpace(cmd.IdempotencyKey),
		ExpiresAt:      now.Add(cmd.TTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	result, err := s.repo.Reserve(ctx, repositories.InventoryReserveRequest{
		Reservation: reservation,
		Now:         now,
	})
	if err != nil {
		return Reservation{}, s.mapRepositoryError(err)
	}

	saved := result.Reservation
	if saved.ID == "" {
		saved = reservation
	}

	s.logEventFailure(ctx, s.emitStockEvents(ctx, eventInventoryReserve, saved, result.Variants, stockDelta{Reserved: 1}))

	return saved, nil
}

// Commit consumes the reserved stock on payment success. Committing an already
// committed reservation is a no-op; a released one fails with ErrInventoryAlreadyReleased.
func (s *inventoryService) Commit(ctx context.Context, cmd InventoryCommitCommand) (Reservation, error) {
	reservationID := strings.TrimSpace(cmd.ReservationID)
	if reservationID == "" {
		return Reservation{}, fmt.Errorf("%w: reservation id is required", ErrInventoryInvalidInput)
	}

	now := s.now()
	result, err := s.repo.Commit(ctx, repositories.InventoryCommitRequest{
		ReservationID: reservationID,
		OrderRef:      ensureOrderRef(cmd.OrderID),
		Now:           now,
	})
	if err != nil {
		return Reservation{}, s.mapRepositoryError(err)
	}
	if result.AlreadyCommitted {
		s.logger(ctx, "inventory_commit_duplicate", map[string]any{"reservationId": reservationID})
		return result.Reservation, nil
	}

	s.logEventFailure(ctx, s.emitStockEvents(ctx, eventInventoryCommit, result.Reservation, result.Variants, stockDelta{Stock: -1, Reserved: -1}))
	s.raiseThresholdAlerts(ctx, result.Variants)

	return result.Reservation, nil
}

// Release returns reserved stock to the sellable pool. Releasing an already
// released reservation is a no-op; a committed one fails with ErrInventoryAlreadyCommitted.
func (s *inventoryService) Release(ctx context.Context, cmd InventoryReleaseCommand) (Reservation, error) {
	reservationID := strings.TrimSpace(cmd.ReservationID)
	if reservationID == "" {
		return Reservation{}, fmt.Errorf("%w: reservation id is required", ErrInventoryInvalidInput)
	}

	now := s.now()
	result, err := s.repo.Release(ctx, repositories.InventoryReleaseRequest{
		ReservationID: reservationID,
		Reason:        strings.TrimSpace(cmd.Reason),
		Now:           now,
	})
	if err != nil {
		return Reservation{}, s.mapRepositoryError(err)
	}
	if result.AlreadyReleased {
		s.logger(ctx, "inventory_release_duplicate", map[string]any{"reservationId": reservationID})
		return result.Reservation, nil
	}

	s.logEventFailure(ctx, s.emitStockEvents(ctx, eventInventoryRelease, result.Reservation, result.Variants, stockDelta{Reserved: -1}))

	return result.Reservation, nil
}

// SweepExpired releases every reservation whose TTL elapsed before now. Each
// release runs in its own transaction, so a payment racing the sweep settles
// per reservation: whichever terminal operation lands first wins and the loser
// becomes a no-op or a logged skip.
func (s *inventoryService) SweepExpired(ctx context.Context, now time.Time) (SweepResult, error) {
	if now.IsZero() {
		now = s.now()
	}
	now = now.UTC()

	expired, err := s.repo.ListExpired(ctx, repositories.InventoryExpiredQuery{
		Now:   now,
		Limit: defaultSweepBatchSize,
	})
	if err != nil {
		return SweepResult{}, s.mapRepositoryError(err)
	}

	result := SweepResult{SweptAt: now}
	for _, reservation := range expired {
		release, err := s.repo.Release(ctx, repositories.InventoryReleaseRequest{
			ReservationID: reservation.ID,
			Reason:        releaseReasonExpired,
			Now:           now,
		})
		if err != nil {
			var invErr *repositories.InventoryError
			if errors.As(err, &invErr) {
				// A commit or another sweep won the race; skip and move on.
				s.logger(ctx, "inventory_sweep_skip", map[string]any{
					"reservationId": reservation.ID,
					"code":          string(invErr.Code),
				})
				continue
			}
			return result, s.mapRepositoryError(err)
		}
		if release.AlreadyReleased {
			continue
		}
		result.ReleasedIDs = append(result.ReleasedIDs, reservation.ID)
		s.logEventFailure(ctx, s.emitStockEvents(ctx, eventInventorySweep, release.Reservation, release.Variants, stockDelta{Reserved: -1}))
		s.notifyExpiry(ctx, release.Reservation)
	}

	s.logger(ctx, "inventory_sweep", map[string]any{
		"scanned":  len(expired),
		"released": len(result.ReleasedIDs),
	})
	return result, nil
}

func (s *inventoryService) GetReservation(ctx context.Context, reservationID string) (Reservation, error) {
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return Reservation{}, fmt.Errorf("%w: reservation id is required", ErrInventoryInvalidInput)
	}
	reservation, err := s.repo.GetReservation(ctx, reservationID)
	if err != nil {
		return Reservation{}, s.mapRepositoryError(err)
	}
	return reservation, nil
}

func (s *inventoryService) GetVariant(ctx context.Context, variantID string) (Variant, error) {
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return Variant{}, fmt.Errorf("%w: variant id is required", ErrInventoryInvalidInput)
	}
	variant, err := s.repo.GetVariant(ctx, variantID)
	if err != nil {
		return Variant{}, s.mapRepositoryError(err)
	}
	return variant, nil
}

func (s *inventoryService) ListLowStock(ctx context.Context, query LowStockQuery) (domain.CursorPage[Variant], error) {
	threshold := query.Threshold
	if threshold <= 0 {
		threshold = s.lowThreshold
	}
	page, err := s.repo.ListLowStock(ctx, repositories.InventoryLowStockQuery{
		Threshold:  threshold,
		Pagination: query.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Variant]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *inventoryService) now() time.Time {
	return s.clock()
}

// validateReserveInput checks the reserve command. The order id may be empty
// at this point; checkout attaches the order when the reservation commits.
func (s *inventoryService) validateReserveInput(cmd InventoryReserveCommand) error {
	if strings.TrimSpace(cmd.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInventoryInvalidInput)
	}
	if len(cmd.Lines) == 0 {
		return fmt.Errorf("%w: at least one line is required", ErrInventoryInvalidInput)
	}
	if cmd.TTL <= 0 {
		return fmt.Errorf("%w: ttl must be positive", ErrInventoryInvalidInput)
	}
	return nil
}

func (s *inventoryService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorInsufficientStock:
			return fmt.Errorf("%w: %s", ErrInventoryInsufficientStock, invErr.Message)
		case repositories.InventoryErrorReservationNotFound:
			return fmt.Errorf("%w: %s", ErrInventoryReservationNotFound, invErr.Message)
		case repositories.InventoryErrorStockNotFound:
			return fmt.Errorf("%w: %s", ErrInventoryVariantNotFound, invErr.Message)
		case repositories.InventoryErrorAlreadyCommitted:
			return fmt.Errorf("%w: %s", ErrInventoryAlreadyCommitted, invErr.Message)
		case repositories.InventoryErrorAlreadyReleased:
			return fmt.Errorf("%w: %s", ErrInventoryAlreadyReleased, invErr.Message)
		case repositories.InventoryErrorInvalidReservationState:
			return fmt.Errorf("%w: %s", ErrInventoryInvalidState, invErr.Message)
		}
	}

	return err
}

// raiseThresholdAlerts inspects post-commit stock levels and notifies staff
// about variants at or below the configured thresholds.
func (s *inventoryService) raiseThresholdAlerts(ctx context.Context, variants map[string]Variant) {
	if s.alerts == nil {
		return
	}
	for _, variant := range variants {
		var alertType NotificationType
		switch {
		case s.criticalThreshold > 0 && variant.Stock <= s.criticalThreshold:
			alertType = domain.NotificationTypeStockCritical
		case s.lowThreshold > 0 && variant.Stock <= s.lowThreshold:
			alertType = domain.NotificationTypeStockLow
		default:
			continue
		}
		if err := s.alerts.StockThresholdBreached(ctx, variant, alertType); err != nil {
			s.logger(ctx, "inventory_alert_failed", map[string]any{
				"variantId": variant.ID,
				"type":      string(alertType),
				"error":     err.Error(),
			})
		}
	}
}

func (s *inventoryService) emitStockEvents(ctx context.Context, eventType string, reservation Reservation, variants map[string]Variant, unit stockDelta) error {
	if s.events == nil {
		return nil
	}

	occurredAt := reservation.UpdatedAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}

	for _, line := range reservation.Lines {
		variant := variants[line.VariantID]
		event := domain.StockEvent{
			Type:          eventType,
			ReservationID: reservation.ID,
			OrderRef:      reservation.OrderRef,
			VariantID:     line.VariantID,
			SKU:           line.SKU,
			DeltaStock:    unit.Stock * line.Quantity,
			DeltaReserved: unit.Reserved * line.Quantity,
			Stock:         variant.Stock,
			ReservedStock: variant.ReservedStock,
			OccurredAt:    occurredAt,
		}
		if err := s.events.PublishStockEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// notifyExpiry hands the released reservation to the expiry handler so the
// linked pending order is cancelled. Handler failures are logged; the stock
// is already back in the pool.
func (s *inventoryService) notifyExpiry(ctx context.Context, reservation Reservation) {
	if s.expiry == nil {
		return
	}
	if err := s.expiry.ReservationExpired(ctx, reservation); err != nil {
		s.logger(ctx, "inventory_sweep_order_cancel_failed", map[string]any{
			"reservationId": reservation.ID,
			"error":         err.Error(),
		})
	}
}

func (s *inventoryService) logEventFailure(ctx context.Context, err error) {
	if err == nil {
		return
	}
	s.logger(ctx, "inventory_event_publish_failed", map[string]any{"error": err.Error()})
}

func normaliseReservationLines(lines []ReservationLineInput) ([]domain.ReservationLine, error) {
	aggregated := make(map[string]*domain.ReservationLine)
	for _, line := range lines {
		variantID := strings.TrimSpace(line.VariantID)
		if variantID == "" {
			return nil, fmt.Errorf("%w: line variant id is required", ErrInventoryInvalidInput)
		}
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", ErrInventoryInvalidInput, variantID)
		}

		sku := strings.TrimSpace(line.SKU)
		agg, ok := aggregated[variantID]
		if !ok {
			agg = &domain.ReservationLine{VariantID: variantID, SKU: sku}
			aggregated[variantID] = agg
		} else if sku != "" && agg.SKU == "" {
			agg.SKU = sku
		}
		agg.Quantity += line.Quantity
	}

	result := make([]domain.ReservationLine, 0, len(aggregated))
	for _, line := range aggregated {
		result = append(result, *line)
	}
	if len(result) > 1 {
		sort.Slice(result, func(i, j int) bool { return result[i].VariantID < result[j].VariantID })
	}
	return result, nil
}

func ensureReservationID(candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		trimmed = ulid.Make().String()
	}
	if strings.HasPrefix(trimmed, "rsv_") {
		return trimmed
	}
	return "rsv_" + trimmed
}

// documentRef normalises a bare id into its document path. Reservations
// store /orders/{id} and /users/{id} refs rather than raw ids so the
// fulfillment console can link straight to the referenced documents.
func documentRef(prefix, id string) string {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" || strings.HasPrefix(trimmed, prefix) {
		return trimmed
	}
	return prefix + trimmed
}

func ensureOrderRef(orderID string) string { return documentRef("/orders/", orderID) }

func ensureUserRef(userID string) string { return documentRef("/users/", userID) }

type stockDelta struct {
	Stock    int
	Reserved int
}
