package firestore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	domain "github.com/willowmart/api/internal/domain"
	pfirestore "github.com/willowmart/api/internal/platform/firestore"
)

const userCollection = "users"

// userDoc is the stored shape of a shopper profile. Roles are lower
// cased and sorted on write so staff checks never depend on input
// casing.
type userDoc struct {
	UID         string    `firestore:"uid"`
	DisplayName string    `firestore:"displayName"`
	Email       string    `firestore:"email"`
	Locale      string    `firestore:"locale"`
	Roles       []string  `firestore:"roles"`
	IsActive    bool      `firestore:"isActive"`
	CreatedAt   time.Time `firestore:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

// UserRepository persists the thin shopper profile projection that
// notification targeting and receipt localisation read from.
type UserRepository struct {
	base     *pfirestore.BaseRepository[userDoc]
	provider *pfirestore.Provider
}

// NewUserRepository wires the user repository.
func NewUserRepository(provider *pfirestore.Provider) (*UserRepository, error) {
	if provider == nil {
		return nil, errors.New("user repository requires firestore provider")
	}
	return &UserRepository{
		base:     pfirestore.NewBaseRepository[userDoc](provider, userCollection, nil, nil),
		provider: provider,
	}, nil
}

// FindByID loads a shopper profile by Firebase UID. Documents written
// before the repository stamped timestamps fall back to Firestore's
// own create and update times.
func (r *UserRepository) FindByID(ctx context.Context, userID string) (domain.UserProfile, error) {
	if r == nil || r.base == nil {
		return domain.UserProfile{}, errors.New("user repository not initialised")
	}
	if strings.TrimSpace(userID) == "" {
		return domain.UserProfile{}, errors.New("user id is required")
	}

	doc, err := r.base.Get(ctx, userID)
	if err != nil {
		return domain.UserProfile{}, err
	}

	profile := doc.Data.profile(doc.ID)
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = doc.CreateTime
	}
	if profile.UpdatedAt.IsZero() {
		profile.UpdatedAt = doc.UpdateTime
	}
	return profile, nil
}

// UpdateProfile upserts a shopper profile, normalising the email and
// role set before the write.
func (r *UserRepository) UpdateProfile(ctx context.Context, profile domain.UserProfile) (domain.UserProfile, error) {
	if r == nil || r.base == nil {
		return domain.UserProfile{}, errors.New("user repository not initialised")
	}
	if strings.TrimSpace(profile.ID) == "" {
		return domain.UserProfile{}, errors.New("profile id is required")
	}

	doc := storedProfile(profile, time.Now().UTC())
	if _, err := r.base.Set(ctx, profile.ID, doc); err != nil {
		return domain.UserProfile{}, err
	}
	return doc.profile(profile.ID), nil
}

func (d userDoc) profile(id string) domain.UserProfile {
	var roles []string
	if len(d.Roles) > 0 {
		roles = append(roles, d.Roles...)
	}
	return domain.UserProfile{
		ID:          id,
		DisplayName: d.DisplayName,
		Email:       strings.TrimSpace(d.Email),
		Locale:      strings.TrimSpace(d.Locale),
		Roles:       roles,
		IsActive:    d.IsActive,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func storedProfile(profile domain.UserProfile, now time.Time) userDoc {
	doc := userDoc{
		UID:         profile.ID,
		DisplayName: strings.TrimSpace(profile.DisplayName),
		Email:       strings.ToLower(strings.TrimSpace(profile.Email)),
		Locale:      strings.TrimSpace(profile.Locale),
		Roles:       normaliseRoles(profile.Roles),
		IsActive:    profile.IsActive,
		CreatedAt:   profile.CreatedAt,
		UpdatedAt:   now,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.Roles == nil {
		doc.Roles = []string{}
	}
	return doc
}

// normaliseRoles lower cases, deduplicates, and sorts the role set.
func normaliseRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	uniq := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		trimmed := strings.ToLower(strings.TrimSpace(role))
		if trimmed != "" {
			uniq[trimmed] = struct{}{}
		}
	}
	if len(uniq) == 0 {
		return nil
	}
	out := make([]string, 0, len(uniq))
	for role := range uniq {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}
