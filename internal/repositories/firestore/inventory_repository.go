package firestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/willowmart/api/internal/domain"
	pfirestore "github.com/willowmart/api/internal/platform/firestore"
	"github.com/willowmart/api/internal/repositories"
)

const (
	variantsCollection          = "variants"
	stockReservationsCollection = "stockReservations"

	reservationStatusReserved  = string(domain.ReservationStatusReserved)
	reservationStatusCommitted = string(domain.ReservationStatusCommitted)
	reservationStatusReleased  = string(domain.ReservationStatusReleased)
)

// InventoryRepository persists variant stock counters and reservations.
// All counter mutations run inside Firestore transactions so concurrent
// reservations against the same variant serialise on the datastore.
type InventoryRepository struct {
	provider     *pfirestore.Provider
	variants     *pfirestore.BaseRepository[variantDocument]
	reservations *pfirestore.BaseRepository[reservationDocument]
}

func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository requires firestore provider")
	}
	variants := pfirestore.NewBaseRepository[variantDocument](provider, variantsCollection, nil, nil)
	reservations := pfirestore.NewBaseRepository[reservationDocument](provider, stockReservationsCollection, nil, nil)
	return &InventoryRepository{provider: provider, variants: variants, reservations: reservations}, nil
}

func (r *InventoryRepository) Reserve(ctx context.Context, req repositories.InventoryReserveRequest) (repositories.InventoryReserveResult, error) {
	if r == nil || r.provider == nil {
		return repositories.InventoryReserveResult{}, errors.New("inventory repository not initialised")
	}
	if req.Reservation.ID == "" {
		return repositories.InventoryReserveResult{}, errors.New("inventory reserve: reservation id is required")
	}
	if len(req.Reservation.Lines) == 0 {
		return repositories.InventoryReserveResult{}, errors.New("inventory reserve: at least one line is required")
	}

	now := req.Now.UTC()
	reservation := req.Reservation
	reservation.Status = domain.ReservationStatusReserved
	reservation.CreatedAt = reservation.CreatedAt.UTC()
	if reservation.CreatedAt.IsZero() {
		reservation.CreatedAt = now
	}
	reservation.UpdatedAt = now
	reservation.ExpiresAt = reservation.ExpiresAt.UTC()

	for _, line := range reservation.Lines {
		if strings.TrimSpace(line.VariantID) == "" {
			return repositories.InventoryReserveResult{}, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, "inventory reserve: variant id is required", nil)
		}
		if line.Quantity <= 0 {
			return repositories.InventoryReserveResult{}, repositories.NewInventoryError(repositories.InventoryErrorUnknown, fmt.Sprintf("inventory reserve: quantity for %s must be > 0", line.VariantID), nil)
		}
	}

	var result repositories.InventoryReserveResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, err := r.reservations.DocumentRef(ctx, reservation.ID)
		if err != nil {
			return err
		}

		// All reads happen before the first write. The Firestore client
		// rejects transactions that read after a buffered write.
		if _, err := tx.Get(resRef); err == nil {
			return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, fmt.Sprintf("reservation %s already exists", reservation.ID), nil)
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		resDoc := newReservationDocument(reservation)
		entries, err := r.loadVariantsTx(ctx, tx, resDoc.Lines)
		if err != nil {
			return err
		}

		variants, err := adjustVariantsTx(tx, entries, now, func(id string, doc *variantDocument, qty int) error {
			if doc.Stock-doc.ReservedStock < qty {
				return repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock, fmt.Sprintf("insufficient stock for %s", id), nil)
			}
			doc.ReservedStock += qty
			return nil
		})
		if err != nil {
			return err
		}

		if err := tx.Create(resRef, resDoc); err != nil {
			if status.Code(err) == codes.AlreadyExists {
				return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, fmt.Sprintf("reservation %s already exists", reservation.ID), err)
			}
			return err
		}

		result = repositories.InventoryReserveResult{
			Reservation: resDoc.toDomain(reservation.ID),
			Variants:    variants,
		}
		return nil
	})
	if err != nil {
		return repositories.InventoryReserveResult{}, wrapInventoryError("inventory.reserve", err)
	}
	return result, nil
}

// Commit consumes the reserved stock: both Stock and ReservedStock drop by the
// reserved quantities. A repeat commit is a no-op; a committed/released pair is
// mutually exclusive, so committing a released reservation fails.
func (r *InventoryRepository) Commit(ctx context.Context, req repositories.InventoryCommitRequest) (repositories.InventoryCommitResult, error) {
	if r == nil || r.provider == nil {
		return repositories.InventoryCommitResult{}, errors.New("inventory repository not initialised")
	}
	if strings.TrimSpace(req.ReservationID) == "" {
		return repositories.InventoryCommitResult{}, errors.New("inventory commit: reservation id is required")
	}

	now := req.Now.UTC()
	var result repositories.InventoryCommitResult

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, resDoc, err := r.getReservationTx(ctx, tx, req.ReservationID)
		if err != nil {
			return err
		}
		alreadyDone, err := transitionGate(resDoc.Status, reservationStatusCommitted, req.ReservationID)
		if err != nil {
			return err
		}
		if alreadyDone {
			result = repositories.InventoryCommitResult{
				Reservation:      resDoc.toDomain(req.ReservationID),
				AlreadyCommitted: true,
			}
			return nil
		}
		if req.OrderRef != "" {
			switch {
			case resDoc.OrderRef == "":
				// Checkout holds stock before the order document exists, so
				// the first commit attaches the order ref.
				resDoc.OrderRef = strings.TrimSpace(req.OrderRef)
			case !strings.EqualFold(resDoc.OrderRef, req.OrderRef):
				return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, fmt.Sprintf("reservation %s order mismatch", req.ReservationID), nil)
			}
		}

		entries, err := r.loadVariantsTx(ctx, tx, resDoc.Lines)
		if err != nil {
			return err
		}

		variants, err := adjustVariantsTx(tx, entries, now, func(id string, doc *variantDocument, qty int) error {
			if doc.ReservedStock < qty {
				return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, fmt.Sprintf("reserved quantity for %s is insufficient", id), nil)
			}
			if doc.Stock < qty {
				return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, fmt.Sprintf("stock for %s cannot drop below zero", id), nil)
			}
			doc.ReservedStock -= qty
			doc.Stock -= qty
			return nil
		})
		if err != nil {
			return err
		}

		resDoc.Status = reservationStatusCommitted
		resDoc.UpdatedAt = now
		resDoc.CommittedAt = &now
		if err := tx.Set(resRef, resDoc); err != nil {
			return err
		}

		result = repositories.InventoryCommitResult{
			Reservation: resDoc.toDomain(req.ReservationID),
			Variants:    variants,
		}
		return nil
	})
	if err != nil {
		return repositories.InventoryCommitResult{}, wrapInventoryError("inventory.commit", err)
	}
	return result, nil
}

// Release returns reserved stock to the sellable pool without touching on-hand
// counts. A repeat release is a no-op; releasing a committed reservation fails.
func (r *InventoryRepository) Release(ctx context.Context, req repositories.InventoryReleaseRequest) (repositories.InventoryReleaseResult, error) {
	if r == nil || r.provider == nil {
		return repositories.InventoryReleaseResult{}, errors.New("inventory repository not initialised")
	}
	if strings.TrimSpace(req.ReservationID) == "" {
		return repositories.InventoryReleaseResult{}, errors.New("inventory release: reservation id is required")
	}

	now := req.Now.UTC()
	var result repositories.InventoryReleaseResult

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, resDoc, err := r.getReservationTx(ctx, tx, req.ReservationID)
		if err != nil {
			return err
		}
		alreadyDone, err := transitionGate(resDoc.Status, reservationStatusReleased, req.ReservationID)
		if err != nil {
			return err
		}
		if alreadyDone {
			result = repositories.InventoryReleaseResult{
				Reservation:     resDoc.toDomain(req.ReservationID),
				AlreadyReleased: true,
			}
			return nil
		}

		entries, err := r.loadVariantsTx(ctx, tx, resDoc.Lines)
		if err != nil {
			return err
		}

		variants, err := adjustVariantsTx(tx, entries, now, func(id string, doc *variantDocument, qty int) error {
			if doc.ReservedStock < qty {
				return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, fmt.Sprintf("reserved quantity for %s is insufficient", id), nil)
			}
			doc.ReservedStock -= qty
			return nil
		})
		if err != nil {
			return err
		}

		resDoc.Status = reservationStatusReleased
		resDoc.UpdatedAt = now
		resDoc.ReleasedAt = &now
		if req.Reason != "" {
			resDoc.Reason = strings.TrimSpace(req.Reason)
		}
		if err := tx.Set(resRef, resDoc); err != nil {
			return err
		}

		result = repositories.InventoryReleaseResult{
			Reservation: resDoc.toDomain(req.ReservationID),
			Variants:    variants,
		}
		return nil
	})
	if err != nil {
		return repositories.InventoryReleaseResult{}, wrapInventoryError("inventory.release", err)
	}
	return result, nil
}

func (r *InventoryRepository) GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	if r == nil || r.reservations == nil {
		return domain.Reservation{}, errors.New("inventory repository not initialised")
	}
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return domain.Reservation{}, errors.New("inventory get reservation: id is required")
	}

	doc, err := r.reservations.Get(ctx, reservationID)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.Reservation{}, repositories.NewInventoryError(repositories.InventoryErrorReservationNotFound, fmt.Sprintf("reservation %s not found", reservationID), err)
		}
		return domain.Reservation{}, wrapInventoryError("inventory.getReservation", err)
	}

	return doc.Data.toDomain(doc.ID), nil
}

// ListExpired returns reservations still in the reserved state whose expiry
// passed before the supplied instant. Callers release each result in its own
// transaction so a racing commit wins or loses per reservation.
func (r *InventoryRepository) ListExpired(ctx context.Context, query repositories.InventoryExpiredQuery) ([]domain.Reservation, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("inventory repository not initialised")
	}

	limit := clampPageSize(query.Limit, 100, 500)
	now := query.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, wrapInventoryError("inventory.listExpired", err)
	}

	iter := client.Collection(stockReservationsCollection).
		Where("status", "==", reservationStatusReserved).
		Where("expiresAt", "<", now).
		OrderBy("expiresAt", firestore.Asc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var expired []domain.Reservation
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, wrapInventoryError("inventory.listExpired", err)
		}
		doc, err := decodeReservation(snap)
		if err != nil {
			return nil, err
		}
		expired = append(expired, doc.toDomain(snap.Ref.ID))
	}
	return expired, nil
}

func (r *InventoryRepository) GetVariant(ctx context.Context, variantID string) (domain.Variant, error) {
	if r == nil || r.variants == nil {
		return domain.Variant{}, errors.New("inventory repository not initialised")
	}
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return domain.Variant{}, errors.New("inventory get variant: id is required")
	}

	doc, err := r.variants.Get(ctx, variantID)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.Variant{}, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("variant %s not found", variantID), err)
		}
		return domain.Variant{}, wrapInventoryError("inventory.getVariant", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *InventoryRepository) ListLowStock(ctx context.Context, query repositories.InventoryLowStockQuery) (domain.CursorPage[domain.Variant], error) {
	if r == nil || r.variants == nil {
		return domain.CursorPage[domain.Variant]{}, errors.New("inventory repository not initialised")
	}

	pageSize := clampPageSize(query.Pagination.PageSize, 50, 200)
	threshold := query.Threshold
	if threshold <= 0 {
		threshold = 5
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Variant]{}, wrapInventoryError("inventory.lowStock", err)
	}

	firestoreQuery := client.Collection(variantsCollection).Query.
		Where("sellable", "<=", threshold).
		OrderBy("sellable", firestore.Asc).
		OrderBy("sku", firestore.Asc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(query.Pagination.PageToken); token != "" {
		decoded, err := decodeInventoryPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Variant]{}, wrapInventoryError("inventory.lowStock", err)
		}
		firestoreQuery = firestoreQuery.StartAfter(decoded.Sellable, decoded.SKU)
	}

	iter := firestoreQuery.Documents(ctx)
	defer iter.Stop()

	var variants []domain.Variant
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Variant]{}, wrapInventoryError("inventory.lowStock", err)
		}
		var doc variantDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Variant]{}, fmt.Errorf("decode variant %s: %w", snap.Ref.ID, err)
		}
		variants = append(variants, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(variants) > pageSize
	if hasMore {
		variants = variants[:pageSize]
	}
	var nextToken string
	if hasMore && len(variants) > 0 {
		last := variants[len(variants)-1]
		encoded, err := encodeInventoryPageToken(inventoryPageToken{SKU: last.SKU, Sellable: last.Sellable()})
		if err != nil {
			return domain.CursorPage[domain.Variant]{}, wrapInventoryError("inventory.lowStock", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Variant]{
		Items:         variants,
		NextPageToken: nextToken,
	}, nil
}

// variantTxEntry carries one variant through a transaction: the snapshot read
// in the read phase, the pending mutation, and the aggregate quantity across
// reservation lines naming the same variant.
type variantTxEntry struct {
	id       string
	ref      *firestore.DocumentRef
	doc      variantDocument
	quantity int
}

// loadVariantsTx reads every variant named by the lines before any write is
// buffered on the transaction. Lines repeating a variant collapse into one
// entry with the summed quantity.
func (r *InventoryRepository) loadVariantsTx(ctx context.Context, tx *firestore.Transaction, lines []reservationLineDocument) ([]*variantTxEntry, error) {
	entries := make([]*variantTxEntry, 0, len(lines))
	byID := make(map[string]*variantTxEntry, len(lines))
	for _, line := range lines {
		variantID := strings.TrimSpace(line.VariantID)
		if entry, ok := byID[variantID]; ok {
			entry.quantity += line.Quantity
			continue
		}
		entry := &variantTxEntry{id: variantID, quantity: line.Quantity}
		byID[variantID] = entry
		entries = append(entries, entry)
	}

	for _, entry := range entries {
		ref, err := r.variants.DocumentRef(ctx, entry.id)
		if err != nil {
			return nil, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("variant %s not found", entry.id), err)
			}
			return nil, err
		}
		if err := snap.DataTo(&entry.doc); err != nil {
			return nil, fmt.Errorf("decode variant %s: %w", entry.id, err)
		}
		entry.ref = ref
	}
	return entries, nil
}

// adjustVariantsTx applies mutate to every loaded variant, stamps the
// update time, recomputes the sellable count, and buffers the writes.
// mutate sees the aggregate quantity the reservation holds against the
// variant and vetoes the whole transaction by returning an error.
func adjustVariantsTx(tx *firestore.Transaction, entries []*variantTxEntry, now time.Time, mutate func(id string, doc *variantDocument, qty int) error) (map[string]domain.Variant, error) {
	variants := make(map[string]domain.Variant, len(entries))
	for _, entry := range entries {
		if err := mutate(entry.id, &entry.doc, entry.quantity); err != nil {
			return nil, err
		}
		entry.doc.UpdatedAt = now
		entry.doc.recalculate()
	}
	for _, entry := range entries {
		if err := tx.Set(entry.ref, entry.doc); err != nil {
			return nil, err
		}
		variants[entry.id] = entry.doc.toDomain(entry.id)
	}
	return variants, nil
}

// transitionGate decides whether a reservation may move to target.
// Repeating the transition it already made reports alreadyDone so the
// caller can answer idempotently; the opposite terminal state is a
// conflict.
func transitionGate(current, target, reservationID string) (alreadyDone bool, err error) {
	switch current {
	case target:
		return true, nil
	case reservationStatusReserved:
		return false, nil
	case reservationStatusCommitted:
		return false, repositories.NewInventoryError(repositories.InventoryErrorAlreadyCommitted, fmt.Sprintf("reservation %s already committed", reservationID), nil)
	case reservationStatusReleased:
		return false, repositories.NewInventoryError(repositories.InventoryErrorAlreadyReleased, fmt.Sprintf("reservation %s already released", reservationID), nil)
	default:
		return false, repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, fmt.Sprintf("reservation %s has unexpected status %s", reservationID, current), nil)
	}
}

func (r *InventoryRepository) getReservationTx(ctx context.Context, tx *firestore.Transaction, reservationID string) (*firestore.DocumentRef, reservationDocument, error) {
	ref, err := r.reservations.DocumentRef(ctx, reservationID)
	if err != nil {
		return nil, reservationDocument{}, err
	}
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, reservationDocument{}, repositories.NewInventoryError(repositories.InventoryErrorReservationNotFound, fmt.Sprintf("reservation %s not found", reservationID), err)
		}
		return nil, reservationDocument{}, err
	}
	doc, err := decodeReservation(snap)
	if err != nil {
		return nil, reservationDocument{}, err
	}
	return ref, doc, nil
}

// Helper structures ---------------------------------------------------------

type variantDocument struct {
	SKU           string            `firestore:"sku"`
	ProductRef    string            `firestore:"productRef"`
	Name          string            `firestore:"name"`
	Options       map[string]string `firestore:"options,omitempty"`
	UnitPrice     int64             `firestore:"unitPrice"`
	Currency      string            `firestore:"currency"`
	Stock         int               `firestore:"stock"`
	ReservedStock int               `firestore:"reservedStock"`
	Sellable      int               `firestore:"sellable"`
	UpdatedAt     time.Time         `firestore:"updatedAt"`
}

func (d *variantDocument) recalculate() {
	d.Sellable = d.Stock - d.ReservedStock
}

func (d variantDocument) toDomain(id string) domain.Variant {
	return domain.Variant{
		ID:            id,
		ProductRef:    strings.TrimSpace(d.ProductRef),
		SKU:           strings.TrimSpace(d.SKU),
		Name:          strings.TrimSpace(d.Name),
		Options:       d.Options,
		UnitPrice:     d.UnitPrice,
		Currency:      strings.TrimSpace(d.Currency),
		Stock:         d.Stock,
		ReservedStock: d.ReservedStock,
		UpdatedAt:     d.UpdatedAt,
	}
}

type reservationDocument struct {
	OrderRef       string                    `firestore:"orderRef"`
	UserRef        string                    `firestore:"userRef"`
	Status         string                    `firestore:"status"`
	Lines          []reservationLineDocument `firestore:"lines"`
	IdempotencyKey string                    `firestore:"idempotencyKey,omitempty"`
	Reason         string                    `firestore:"reason,omitempty"`
	ExpiresAt      time.Time                 `firestore:"expiresAt"`
	ReleasedAt     *time.Time                `firestore:"releasedAt,omitempty"`
	CommittedAt    *time.Time                `firestore:"committedAt,omitempty"`
	CreatedAt      time.Time                 `firestore:"createdAt"`
	UpdatedAt      time.Time                 `firestore:"updatedAt"`
}

type reservationLineDocument struct {
	VariantID string `firestore:"variantId"`
	SKU       string `firestore:"sku"`
	Quantity  int    `firestore:"qty"`
}

func newReservationDocument(res domain.Reservation) reservationDocument {
	lines := make([]reservationLineDocument, len(res.Lines))
	for i, line := range res.Lines {
		lines[i] = reservationLineDocument{
			VariantID: strings.TrimSpace(line.VariantID),
			SKU:       strings.TrimSpace(line.SKU),
			Quantity:  line.Quantity,
		}
	}
	return reservationDocument{
		OrderRef:       strings.TrimSpace(res.OrderRef),
		UserRef:        strings.TrimSpace(res.UserRef),
		Status:         string(res.Status),
		Lines:          lines,
		IdempotencyKey: strings.TrimSpace(res.IdempotencyKey),
		Reason:         strings.TrimSpace(res.Reason),
		ExpiresAt:      res.ExpiresAt.UTC(),
		ReleasedAt:     res.ReleasedAt,
		CommittedAt:    res.CommittedAt,
		CreatedAt:      res.CreatedAt.UTC(),
		UpdatedAt:      res.UpdatedAt.UTC(),
	}
}

func (d reservationDocument) toDomain(id string) domain.Reservation {
	lines := make([]domain.ReservationLine, len(d.Lines))
	for i, line := range d.Lines {
		lines[i] = domain.ReservationLine{
			VariantID: strings.TrimSpace(line.VariantID),
			SKU:       strings.TrimSpace(line.SKU),
			Quantity:  line.Quantity,
		}
	}
	return domain.Reservation{
		ID:             id,
		OrderRef:       strings.TrimSpace(d.OrderRef),
		UserRef:        strings.TrimSpace(d.UserRef),
		Status:         domain.ReservationStatus(strings.TrimSpace(d.Status)),
		Lines:          lines,
		IdempotencyKey: strings.TrimSpace(d.IdempotencyKey),
		Reason:         strings.TrimSpace(d.Reason),
		ExpiresAt:      d.ExpiresAt,
		ReleasedAt:     d.ReleasedAt,
		CommittedAt:    d.CommittedAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

type inventoryPageToken struct {
	SKU      string
	Sellable int
}

func encodeInventoryPageToken(token inventoryPageToken) (string, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	if err := enc.Encode(token); err != nil {
		return "", fmt.Errorf("encode inventory page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeInventoryPageToken(encoded string) (*inventoryPageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode inventory page token: %w", err)
	}
	var token inventoryPageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode inventory page token json: %w", err)
	}
	return &token, nil
}

func decodeReservation(snap *firestore.DocumentSnapshot) (reservationDocument, error) {
	var doc reservationDocument
	if err := snap.DataTo(&doc); err != nil {
		return reservationDocument{}, fmt.Errorf("decode reservation %s: %w", snap.Ref.ID, err)
	}
	return doc, nil
}

func clampPageSize(requested, fallback, ceiling int) int {
	switch {
	case requested <= 0:
		return fallback
	case requested > ceiling:
		return ceiling
	}
	return requested
}

func wrapInventoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		if invErr.Op == "" {
			invErr.Op = op
		}
		return invErr
	}
	return pfirestore.WrapError(op, err)
}
