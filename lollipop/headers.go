package lollipop

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

// Required PoP header names (canonical lowercase; matching is case-insensitive).
const (
	HeaderSignature      = "signature"
	HeaderSignatureInput = "signature-input"
	HeaderOriginalMethod = "x-pagopa-lollipop-original-method"
	HeaderOriginalURL    = "x-pagopa-lollipop-original-url"
)

var (
	// ErrMissingPopHeader indicates one or more required PoP headers are absent.
	ErrMissingPopHeader = errors.New("missing required lollipop header")
	// ErrMissingKeyID indicates signature-input carries no parsable keyid
	// parameter. The keyid is the only binding between signature and claimed
	// key, so its absence is a hard validation error.
	ErrMissingKeyID = errors.New("signature-input has no keyid parameter")
)

// PopHeaders carries the four raw header values a signed request must present.
type PopHeaders struct {
	Signature      string
	SignatureInput string
	OriginalMethod string
	OriginalURL    string
}

// PopHeadersFromRequest extracts the required PoP headers. All four must be
// present; any subset missing is reported in one error so the client can fix
// the request in a single round trip.
func PopHeadersFromRequest(h http.Header) (PopHeaders, error) {
	p := PopHeaders{
		Signature:      h.Get(HeaderSignature),
		SignatureInput: h.Get(HeaderSignatureInput),
		OriginalMethod: h.Get(HeaderOriginalMethod),
		OriginalURL:    h.Get(HeaderOriginalURL),
	}
	var missing []string
	for _, pair := range []struct{ name, value string }{
		{HeaderSignature, p.Signature},
		{HeaderSignatureInput, p.SignatureInput},
		{HeaderOriginalMethod, p.OriginalMethod},
		{HeaderOriginalURL, p.OriginalURL},
	} {
		if pair.value == "" {
			missing = append(missing, pair.name)
		}
	}
	if len(missing) > 0 {
		return PopHeaders{}, fmt.Errorf("%w: %s", ErrMissingPopHeader, strings.Join(missing, ", "))
	}
	return p, nil
}

var (
	nonceRe = regexp.MustCompile(`nonce="([^"]+)"`)
	keyidRe = regexp.MustCompile(`keyid="([^"]+)"`)
)

// operation-id entropy; MonotonicEntropy is not goroutine-safe.
var (
	opIDMu      sync.Mutex
	opIDEntropy = ulid.Monotonic(rand.Reader, 0)
)

func newOperationID() string {
	opIDMu.Lock()
	defer opIDMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), opIDEntropy).String()
}

// ExtractOperationID returns the nonce parameter of the signature-input
// value. When the client sent no nonce a fresh ULID is synthesized: the
// operation id is an idempotency and tracing key for the key-authority call,
// not a security nonce, so absence is not an error.
func ExtractOperationID(signatureInput string) string {
	if m := nonceRe.FindStringSubmatch(signatureInput); m != nil {
		return m[1]
	}
	return newOperationID()
}

// ExtractKeyThumbprint returns the keyid parameter of the signature-input
// value, the thumbprint of the key the signature claims.
func ExtractKeyThumbprint(signatureInput string) (string, error) {
	m := keyidRe.FindStringSubmatch(signatureInput)
	if m == nil {
		return "", ErrMissingKeyID
	}
	return m[1], nil
}
