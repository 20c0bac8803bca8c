package uploads

import (
	"net/url"
	"strings"
	"testing"
	"time"
)

func testSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := New(Options{
		Bucket:    "chat-files",
		Region:    "eu-west-1",
		AccessKey: "AKIAEXAMPLE",
		SecretKey: "secret",
		Expiry:    10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Options{Bucket: "b"}); err == nil {
		t.Fatalf("expected error without credentials")
	}
}

func TestPresignPut(t *testing.T) {
	s := testSigner(t)
	grant, err := s.PresignPut("photo.jpg", "")
	if err != nil {
		t.Fatalf("PresignPut: %v", err)
	}
	if !strings.HasPrefix(grant.Key, "uploads/user-uploads/") || !strings.HasSuffix(grant.Key, "-photo.jpg") {
		t.Fatalf("unexpected key %q", grant.Key)
	}

	u, err := url.Parse(grant.UploadURL)
	if err != nil {
		t.Fatalf("parse upload url: %v", err)
	}
	if u.Host != "chat-files.s3.eu-west-1.amazonaws.com" {
		t.Fatalf("unexpected host %q", u.Host)
	}
	q := u.Query()
	if q.Get("X-Amz-Algorithm") != "AWS4-HMAC-SHA256" {
		t.Fatalf("missing signing algorithm: %q", q.Get("X-Amz-Algorithm"))
	}
	if got := q.Get("X-Amz-Credential"); !strings.HasPrefix(got, "AKIAEXAMPLE/20250601/eu-west-1/s3/aws4_request") {
		t.Fatalf("unexpected credential scope %q", got)
	}
	if q.Get("X-Amz-Date") != "20250601T120000Z" {
		t.Fatalf("unexpected date %q", q.Get("X-Amz-Date"))
	}
	if q.Get("X-Amz-Expires") != "600" {
		t.Fatalf("unexpected expiry %q", q.Get("X-Amz-Expires"))
	}
	sig := q.Get("X-Amz-Signature")
	if len(sig) != 64 {
		t.Fatalf("signature should be 64 hex chars, got %d", len(sig))
	}
	if !strings.HasPrefix(grant.DownloadURL, "https://chat-files.s3.eu-west-1.amazonaws.com/uploads/user-uploads/") {
		t.Fatalf("unexpected download url %q", grant.DownloadURL)
	}
}

func TestPresignIsDeterministicForSameKey(t *testing.T) {
	s := testSigner(t)
	a := s.presign("PUT", "uploads/user-uploads/k-file.txt", "")
	b := s.presign("PUT", "uploads/user-uploads/k-file.txt", "")
	if a != b {
		t.Fatalf("same key and clock must sign identically")
	}
}

func TestContentTypeBindsIntoSignature(t *testing.T) {
	s := testSigner(t)
	plain := s.presign("PUT", "uploads/user-uploads/k-file.png", "")
	typed := s.presign("PUT", "uploads/user-uploads/k-file.png", "image/png")

	u, err := url.Parse(typed)
	if err != nil {
		t.Fatalf("parse typed url: %v", err)
	}
	if got := u.Query().Get("X-Amz-SignedHeaders"); got != "content-type;host" {
		t.Fatalf("signed headers = %q, want content-type;host", got)
	}
	pu, _ := url.Parse(plain)
	if pu.Query().Get("X-Amz-Signature") == u.Query().Get("X-Amz-Signature") {
		t.Fatalf("content type did not change the signature")
	}
}

func TestSanitizeStripsPaths(t *testing.T) {
	s := testSigner(t)
	grant, err := s.PresignPut("../../etc/pass wd", "")
	if err != nil {
		t.Fatalf("PresignPut: %v", err)
	}
	if strings.Contains(strings.TrimPrefix(grant.Key, "uploads/user-uploads/"), "/") {
		t.Fatalf("path separators leaked into key %q", grant.Key)
	}
	if strings.Contains(grant.Key, " ") {
		t.Fatalf("whitespace leaked into key %q", grant.Key)
	}
	if _, err := s.PresignPut("   ", ""); err == nil {
		t.Fatalf("expected error for empty filename")
	}
}
