package storage

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/willowmart/api/internal/platform/auth"
)

var signClock = time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)

type recordingSigner struct {
	email    string
	payloads [][]byte
	err      error
}

func (s *recordingSigner) Email() string {
	return s.email
}

func (s *recordingSigner) SignBytes(_ context.Context, payload []byte) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.payloads = append(s.payloads, append([]byte(nil), payload...))
	return []byte("signed"), nil
}

func newSignedURLClient(t *testing.T) (*Client, *recordingSigner) {
	t.Helper()
	signer := &recordingSigner{email: "url-signer@willowmart-prod.iam.gserviceaccount.com"}
	client, err := NewClient(signer, WithClock(func() time.Time { return signClock }))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, signer
}

func TestSignedURLUploadPinsContentConstraints(t *testing.T) {
	client, signer := newSignedURLClient(t)

	md5 := "xN0dYbCPv0CM0k9d1u8G7g=="
	res, err := client.SignedURL(context.Background(), "willowmart-returns", "orders/ord_123/labels/return-label.png", SignedURLOptions{
		Upload: &UploadOptions{
			Method:              "PUT",
			ContentType:         "image/png",
			ContentMD5:          md5,
			RequireMD5:          true,
			AllowedContentTypes: []string{"image/*"},
			MaxSize:             1 << 20,
			ExpiresIn:           10 * time.Minute,
		},
	})
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}

	if res.Method != httpMethodPut {
		t.Fatalf("method = %s, want PUT", res.Method)
	}
	if want := signClock.Add(10 * time.Minute); !res.ExpiresAt.Equal(want) {
		t.Fatalf("expiry = %v, want %v", res.ExpiresAt, want)
	}
	if res.Headers["Content-Type"] != "image/png" {
		t.Fatalf("Content-Type header missing: %v", res.Headers)
	}
	if res.Headers["Content-MD5"] != md5 {
		t.Fatalf("Content-MD5 header missing: %v", res.Headers)
	}
	if res.Headers["x-goog-content-length-range"] != "0,1048576" {
		t.Fatalf("length range header missing: %v", res.Headers)
	}

	parsed, err := url.Parse(res.URL)
	if err != nil {
		t.Fatalf("parse signed URL: %v", err)
	}
	if !strings.Contains(parsed.RawQuery, "X-Goog-Signature=") {
		t.Fatalf("no signature in query: %s", parsed.RawQuery)
	}
	if len(signer.payloads) == 0 {
		t.Fatal("signer never invoked")
	}
}

func TestSignedURLUploadRejectsDisallowedContentType(t *testing.T) {
	client, _ := newSignedURLClient(t)

	_, err := client.SignedURL(context.Background(), "willowmart-returns", "labels/scan.pdf", SignedURLOptions{
		Upload: &UploadOptions{
			Method:              "PUT",
			ContentType:         "application/pdf",
			AllowedContentTypes: []string{"image/png", "image/jpeg"},
		},
	})
	if !errors.Is(err, errContentTypeDenied) {
		t.Fatalf("err = %v, want errContentTypeDenied", err)
	}
}

func TestSignedURLUploadRequiresMD5WhenAsked(t *testing.T) {
	client, _ := newSignedURLClient(t)

	_, err := client.SignedURL(context.Background(), "willowmart-returns", "labels/scan.png", SignedURLOptions{
		Upload: &UploadOptions{
			Method:      "PUT",
			ContentType: "image/png",
			RequireMD5:  true,
		},
	})
	if !errors.Is(err, errMD5Required) {
		t.Fatalf("err = %v, want errMD5Required", err)
	}
}

func TestSignedURLDownloadDeniesOtherShoppers(t *testing.T) {
	client, _ := newSignedURLClient(t)

	_, err := client.SignedURL(context.Background(), "willowmart-receipts", "receipts/usr_1/ord_9.json", SignedURLOptions{
		Download: &DownloadOptions{
			OwnerID:  "usr_1",
			Identity: &auth.Identity{UID: "usr_2"},
		},
	})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestSignedURLDownloadAllowsStaffForAnyOwner(t *testing.T) {
	client, _ := newSignedURLClient(t)

	res, err := client.SignedURL(context.Background(), "willowmart-receipts", "receipts/usr_1/ord_9.json", SignedURLOptions{
		Download: &DownloadOptions{
			OwnerID:   "usr_1",
			Identity:  &auth.Identity{UID: "usr_staff", Roles: []string{auth.RoleStaff}},
			ExpiresIn: 5 * time.Minute,
		},
	})
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	if res.Method != httpMethodGet {
		t.Fatalf("method = %s, want GET", res.Method)
	}
	if want := signClock.Add(5 * time.Minute); !res.ExpiresAt.Equal(want) {
		t.Fatalf("expiry = %v, want %v", res.ExpiresAt, want)
	}
}

func TestSignedURLDownloadCapsExpiry(t *testing.T) {
	client, _ := newSignedURLClient(t)

	_, err := client.SignedURL(context.Background(), "willowmart-receipts", "receipts/usr_1/ord_9.json", SignedURLOptions{
		Download: &DownloadOptions{
			OwnerID:   "usr_1",
			Identity:  &auth.Identity{UID: "usr_1", Roles: []string{auth.RoleUser}},
			ExpiresIn: 30 * time.Minute,
		},
	})
	if !errors.Is(err, errExpiryTooLong) {
		t.Fatalf("err = %v, want errExpiryTooLong", err)
	}
}

func TestSignedURLRejectsDualIntent(t *testing.T) {
	client, _ := newSignedURLClient(t)

	_, err := client.SignedURL(context.Background(), "willowmart-receipts", "object", SignedURLOptions{
		Upload:   &UploadOptions{ContentType: "image/png"},
		Download: &DownloadOptions{},
	})
	if !errors.Is(err, errBothIntents) {
		t.Fatalf("err = %v, want errBothIntents", err)
	}
}
