package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/willowmart/api/internal/services"
)

// ErrReceiptLinksUnavailable is returned when no URL signer is configured.
var ErrReceiptLinksUnavailable = errors.New("storage: receipt url signer not configured")

// ReceiptArchive persists dispatch reports as JSON objects in a Cloud Storage
// bucket, one object per dispatch attempt.
type ReceiptArchive struct {
	bucket     *gcs.BucketHandle
	bucketName string
	signer     *Client
	linkTTL    time.Duration
	now        func() time.Time
}

// ReceiptArchiveOption customises archive behaviour.
type ReceiptArchiveOption func(*ReceiptArchive)

// WithReceiptClock injects a custom clock (useful for tests).
func WithReceiptClock(clock func() time.Time) ReceiptArchiveOption {
	return func(a *ReceiptArchive) {
		if clock != nil {
			a.now = clock
		}
	}
}

// WithReceiptURLSigner enables signed download links for archived receipts.
func WithReceiptURLSigner(signer *Client) ReceiptArchiveOption {
	return func(a *ReceiptArchive) {
		a.signer = signer
	}
}

// WithReceiptLinkTTL overrides the signed link lifetime.
func WithReceiptLinkTTL(ttl time.Duration) ReceiptArchiveOption {
	return func(a *ReceiptArchive) {
		if ttl > 0 {
			a.linkTTL = ttl
		}
	}
}

// NewReceiptArchive constructs an archive writing into the named bucket.
func NewReceiptArchive(client *gcs.Client, bucket string, opts ...ReceiptArchiveOption) (*ReceiptArchive, error) {
	if client == nil {
		return nil, errors.New("storage: gcs client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage: receipt bucket is required")
	}

	archive := &ReceiptArchive{
		bucket:     client.Bucket(bucket),
		bucketName: bucket,
		linkTTL:    10 * time.Minute,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(archive)
		}
	}
	return archive, nil
}

type dispatchReceiptDocument struct {
	NotificationID string    `json:"notificationId"`
	Requested      int       `json:"requested"`
	Delivered      int       `json:"delivered"`
	Failed         []failure `json:"failed,omitempty"`
	DispatchedAt   time.Time `json:"dispatchedAt"`
	ArchivedAt     time.Time `json:"archivedAt"`
}

type failure struct {
	Token   string `json:"token"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// ArchiveDispatchReport writes the report under
// dispatch-receipts/<notificationId>/<timestamp>.json.
func (a *ReceiptArchive) ArchiveDispatchReport(ctx context.Context, report services.DispatchReport) error {
	if a == nil || a.bucket == nil {
		return errors.New("storage: receipt archive not initialised")
	}

	archivedAt := a.now().UTC()
	dispatchedAt := report.DispatchedAt
	if dispatchedAt.IsZero() {
		dispatchedAt = archivedAt
	}

	doc := dispatchReceiptDocument{
		NotificationID: report.NotificationID,
		Requested:      report.Requested,
		Delivered:      report.Delivered,
		DispatchedAt:   dispatchedAt.UTC(),
		ArchivedAt:     archivedAt,
	}
	for _, f := range report.Failed {
		doc.Failed = append(doc.Failed, failure{
			Token:   maskToken(f.Token),
			Code:    f.Code,
			Message: f.Message,
		})
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("storage: marshal dispatch receipt: %w", err)
	}

	path, err := BuildObjectPath(PurposeDispatchReceipt, PathParams{
		NotificationID: report.NotificationID,
		FileName:       dispatchedAt.UTC().Format("20060102T150405.000Z") + ".json",
	})
	if err != nil {
		return err
	}

	writer := a.bucket.Object(path).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("storage: write dispatch receipt: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("storage: close dispatch receipt: %w", err)
	}
	return nil
}

// maskToken keeps a recognisable suffix without storing the full device token.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return "****" + token[len(token)-8:]
}

// ReceiptLink is a time-limited download link to one archived report.
type ReceiptLink struct {
	Name      string
	URL       string
	ExpiresAt time.Time
}

// ListDispatchReceiptLinks returns signed download links for every archived
// report of the given notification, newest last. Requires a URL signer.
func (a *ReceiptArchive) ListDispatchReceiptLinks(ctx context.Context, notificationID string) ([]ReceiptLink, error) {
	if a == nil || a.bucket == nil {
		return nil, errors.New("storage: receipt archive not initialised")
	}
	if a.signer == nil {
		return nil, ErrReceiptLinksUnavailable
	}

	prefix, err := BuildObjectPath(PurposeDispatchReceipt, PathParams{
		NotificationID: notificationID,
		FileName:       "receipts.json",
	})
	if err != nil {
		return nil, err
	}
	prefix = strings.TrimSuffix(prefix, "receipts.json")

	links := make([]ReceiptLink, 0, 4)
	objects := a.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		attrs, err := objects.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("storage: list dispatch receipts: %w", err)
		}

		signed, err := a.signer.SignedURL(ctx, a.bucketName, attrs.Name, SignedURLOptions{
			Download: &DownloadOptions{
				Method:         http.MethodGet,
				ExpiresIn:      a.linkTTL,
				ResponseType:   "application/json",
				AllowAnonymous: true,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("storage: sign dispatch receipt url: %w", err)
		}
		links = append(links, ReceiptLink{
			Name:      strings.TrimPrefix(attrs.Name, prefix),
			URL:       signed.URL,
			ExpiresAt: signed.ExpiresAt,
		})
	}
	return links, nil
}
