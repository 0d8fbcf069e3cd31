// Package fingerprint derives stable identities for outbound messages.
//
// A fingerprint covers the normalized recipient, the message kind, a digest
// of the content and a coarse time bucket, so identical sends inside the same
// bucket collapse to one identity while the next bucket may legitimately
// re-send. It is a dedup key, not a security boundary.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/wadispatch/internal/clock"
	"github.com/BTreeMap/wadispatch/internal/models"
)

// DefaultBucket is the default fingerprint time bucket.
const DefaultBucket = 60 * time.Second

// digestLen is the number of digest bytes kept (hex-encoded to twice that).
const digestLen = 16

var nonDigitRegex = regexp.MustCompile(`[^0-9]`)

// NormalizeRecipient reduces a WhatsApp address to its digits, so that
// "+91 12345-67890", "whatsapp:+911234567890" and "911234567890" agree.
func NormalizeRecipient(recipient string) string {
	return nonDigitRegex.ReplaceAllString(recipient, "")
}

// ContentDigest returns a hex digest of the message content for kind.
// Documents are identified by media reference, filename and caption;
// interactive messages by body and the sorted option labels.
func ContentDigest(kind models.Kind, p models.Payload) string {
	return digest(contentString(kind, p))
}

// TextDigest returns the digest that ContentDigest would produce for a text
// message with body text. Inbound echoes are matched with it.
func TextDigest(text string) string {
	return digest(contentString(models.KindText, models.Payload{Body: text}))
}

func contentString(kind models.Kind, p models.Payload) string {
	switch kind {
	case models.KindDocument:
		return strings.Join([]string{"document", p.Media, p.Filename, p.Caption}, "\x1f")
	case models.KindInteractive:
		opts := append([]string(nil), p.Options...)
		sort.Strings(opts)
		return strings.Join(append([]string{"interactive", strings.TrimSpace(p.Body)}, opts...), "\x1f")
	default:
		return "text\x1f" + strings.TrimSpace(p.Body)
	}
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:digestLen])
}

// Fingerprinter computes fingerprints against a clock and bucket size.
type Fingerprinter struct {
	clock  clock.Clock
	bucket time.Duration
}

// New creates a Fingerprinter. A non-positive bucket falls back to DefaultBucket.
func New(c clock.Clock, bucket time.Duration) *Fingerprinter {
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	return &Fingerprinter{clock: clock.OrReal(c), bucket: bucket}
}

// Bucket returns the configured bucket size.
func (f *Fingerprinter) Bucket() time.Duration {
	return f.bucket
}

// Fingerprint returns the identity of (recipient, kind, content) in the
// current time bucket.
func (f *Fingerprinter) Fingerprint(recipient string, kind models.Kind, p models.Payload) string {
	return f.At(f.clock.Now(), recipient, kind, p)
}

// At returns the fingerprint as of time t.
func (f *Fingerprinter) At(t time.Time, recipient string, kind models.Kind, p models.Payload) string {
	bucket := t.UnixNano() / int64(f.bucket)
	return digest(strings.Join([]string{
		NormalizeRecipient(recipient),
		string(kind),
		ContentDigest(kind, p),
		strconv.FormatInt(bucket, 10),
	}, "|"))
}

// EchoDigests returns the digests under which an inbound echo of this
// message may appear: the body for text and interactive messages, and the
// media reference plus any caption for documents.
func EchoDigests(kind models.Kind, p models.Payload) []string {
	if kind != models.KindDocument {
		return []string{TextDigest(p.Body)}
	}
	digests := []string{TextDigest(p.Media)}
	if strings.TrimSpace(p.Caption) != "" {
		digests = append(digests, TextDigest(p.Caption))
	}
	return digests
}
