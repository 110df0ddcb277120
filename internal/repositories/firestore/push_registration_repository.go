package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/api/iterator"

	domain "github.com/willowmart/api/internal/domain"
	pfirestore "github.com/willowmart/api/internal/platform/firestore"
)

const pushRegistrationsCollection = "pushRegistrations"

// PushRegistrationRepository stores the current device token per profile,
// keyed by user ID so the latest write always wins.
type PushRegistrationRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[pushRegistrationDocument]
}

// NewPushRegistrationRepository constructs a Firestore-backed push registration repository.
func NewPushRegistrationRepository(provider *pfirestore.Provider) (*PushRegistrationRepository, error) {
	if provider == nil {
		return nil, errors.New("push registration repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[pushRegistrationDocument](provider, pushRegistrationsCollection, nil, nil)
	return &PushRegistrationRepository{provider: provider, base: base}, nil
}

// Upsert replaces the registration for the user.
func (r *PushRegistrationRepository) Upsert(ctx context.Context, registration domain.PushRegistration) error {
	if r == nil || r.base == nil {
		return errors.New("push registration repository not initialised")
	}
	userID := strings.TrimSpace(registration.UserID)
	if userID == "" {
		return errors.New("push registration upsert: user id is required")
	}
	token := strings.TrimSpace(registration.Token)
	if token == "" {
		return errors.New("push registration upsert: token is required")
	}

	doc := pushRegistrationDocument{
		Token:     token,
		Platform:  strings.TrimSpace(registration.Platform),
		UpdatedAt: registration.UpdatedAt.UTC(),
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	if _, err := r.base.Set(ctx, userID, doc); err != nil {
		return pfirestore.WrapError("pushRegistrations.upsert", err)
	}
	return nil
}

// Delete removes the registration for the user. Missing documents are not an error.
func (r *PushRegistrationRepository) Delete(ctx context.Context, userID string) error {
	if r == nil || r.base == nil {
		return errors.New("push registration repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("push registration delete: user id is required")
	}

	ref, err := r.base.DocumentRef(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		wrapped := pfirestore.WrapError("pushRegistrations.delete", err)
		var repoErr *pfirestore.Error
		if errors.As(wrapped, &repoErr) && repoErr.IsNotFound() {
			return nil
		}
		return wrapped
	}
	return nil
}

// FindByUser loads the current registration for the user.
func (r *PushRegistrationRepository) FindByUser(ctx context.Context, userID string) (domain.PushRegistration, error) {
	if r == nil || r.base == nil {
		return domain.PushRegistration{}, errors.New("push registration repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.PushRegistration{}, errors.New("push registration find: user id is required")
	}

	doc, err := r.base.Get(ctx, userID)
	if err != nil {
		return domain.PushRegistration{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// ListAll returns every registration holding a token. Used for staff broadcasts.
func (r *PushRegistrationRepository) ListAll(ctx context.Context) ([]domain.PushRegistration, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("push registration repository not initialised")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("pushRegistrations.listAll", err)
	}

	iter := client.Collection(pushRegistrationsCollection).Documents(ctx)
	defer iter.Stop()

	var registrations []domain.PushRegistration
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("pushRegistrations.listAll", err)
		}
		var doc pushRegistrationDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, pfirestore.WrapError("pushRegistrations.listAll", err)
		}
		if strings.TrimSpace(doc.Token) == "" {
			continue
		}
		registrations = append(registrations, doc.toDomain(snap.Ref.ID))
	}
	return registrations, nil
}

type pushRegistrationDocument struct {
	Token     string    `firestore:"token"`
	Platform  string    `firestore:"platform,omitempty"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (d pushRegistrationDocument) toDomain(userID string) domain.PushRegistration {
	return domain.PushRegistration{
		UserID:    userID,
		Token:     strings.TrimSpace(d.Token),
		Platform:  strings.TrimSpace(d.Platform),
		UpdatedAt: d.UpdatedAt,
	}
}
