// Package uploads mints short-lived presigned PUT URLs so clients push
// attachments straight to object storage. The server never proxies file
// bytes; it signs the request and hands back the upload and download URLs.
package uploads

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const keyPrefix = "uploads/user-uploads/"

// Options configure the signer.
type Options struct {
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	// Expiry bounds how long the presigned PUT stays valid.
	Expiry time.Duration
}

// Presigned is one minted upload grant.
type Presigned struct {
	Key         string `json:"key"`
	UploadURL   string `json:"uploadUrl"`
	DownloadURL string `json:"downloadUrl"`
}

// Signer presigns S3 PUT requests with SigV4 query authentication.
type Signer struct {
	opts Options
	host string

	// now is swapped in tests for deterministic signatures.
	now func() time.Time
}

// New builds a Signer; all credentials and the bucket are required.
func New(opts Options) (*Signer, error) {
	if opts.Bucket == "" || opts.Region == "" || opts.AccessKey == "" || opts.SecretKey == "" {
		return nil, errors.New("uploads: bucket, region and credentials are required")
	}
	if opts.Expiry <= 0 {
		opts.Expiry = 15 * time.Minute
	}
	return &Signer{
		opts: opts,
		host: fmt.Sprintf("%s.s3.%s.amazonaws.com", opts.Bucket, opts.Region),
		now:  time.Now,
	}, nil
}

// PresignPut mints a grant for one file. The object key is randomized per
// upload so concurrent uploads of the same filename never collide. A
// non-empty contentType is bound into the signature, committing the
// uploader to send that Content-Type header.
func (s *Signer) PresignPut(filename, contentType string) (Presigned, error) {
	name := sanitize(filename)
	if name == "" {
		return Presigned{}, errors.New("uploads: filename required")
	}
	key := keyPrefix + uuid.NewString() + "-" + name
	uploadURL := s.presign("PUT", key, contentType)
	return Presigned{
		Key:         key,
		UploadURL:   uploadURL,
		DownloadURL: fmt.Sprintf("https://%s/%s", s.host, escapePath(key)),
	}, nil
}

// presign builds the SigV4 query-authenticated URL.
func (s *Signer) presign(method, key, contentType string) string {
	t := s.now().UTC()
	amzDate := t.Format("20060102T150405Z")
	shortDate := t.Format("20060102")
	scope := shortDate + "/" + s.opts.Region + "/s3/aws4_request"

	// Canonical header lines sorted by name, lowercase names, trimmed
	// values; content-type sorts before host.
	signedHeaders := "host"
	headerLines := []string{"host:" + s.host}
	if ct := strings.TrimSpace(contentType); ct != "" {
		signedHeaders = "content-type;host"
		headerLines = []string{"content-type:" + ct, "host:" + s.host}
	}

	q := url.Values{}
	q.Set("X-Amz-Algorithm", "AWS4-HMAC-SHA256")
	q.Set("X-Amz-Credential", s.opts.AccessKey+"/"+scope)
	q.Set("X-Amz-Date", amzDate)
	q.Set("X-Amz-Expires", fmt.Sprintf("%d", int(s.opts.Expiry.Seconds())))
	q.Set("X-Amz-SignedHeaders", signedHeaders)

	canonicalQuery := canonicalQueryString(q)
	canonicalPath := "/" + escapePath(key)
	canonical := strings.Join([]string{
		method,
		canonicalPath,
		canonicalQuery,
		strings.Join(headerLines, "\n"),
		"",
		signedHeaders,
		"UNSIGNED-PAYLOAD",
	}, "\n")

	hashed := sha256.Sum256([]byte(canonical))
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(hashed[:]),
	}, "\n")

	signingKey := hmacSHA256([]byte("AWS4"+s.opts.SecretKey), shortDate)
	signingKey = hmacSHA256(signingKey, s.opts.Region)
	signingKey = hmacSHA256(signingKey, "s3")
	signingKey = hmacSHA256(signingKey, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	return fmt.Sprintf("https://%s%s?%s&X-Amz-Signature=%s", s.host, canonicalPath, canonicalQuery, signature)
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

// canonicalQueryString sorts and encodes per SigV4 rules.
func canonicalQueryString(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, escapeValue(k)+"="+escapeValue(q.Get(k)))
	}
	return strings.Join(parts, "&")
}

// escapePath escapes each key segment, keeping the separators.
func escapePath(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = escapeValue(s)
	}
	return strings.Join(segs, "/")
}

// escapeValue is RFC 3986 escaping as SigV4 requires it; url.QueryEscape
// differs on space and a few reserved characters.
func escapeValue(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// sanitize strips path separators and whitespace from a client filename.
func sanitize(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return strings.Map(func(r rune) rune {
		if r == ' ' {
			return '_'
		}
		return r
	}, name)
}
