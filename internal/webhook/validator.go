package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// signatureHeader carries the provider's request signature.
const signatureHeader = "X-Twilio-Signature"

// Validator decides whether an inbound request really came from the
// telephony provider.
type Validator interface {
	Validate(r *http.Request) bool
}

// AllowAll accepts every request. Used when no auth token is configured,
// typically behind a private ingress or in tests.
type AllowAll struct{}

var _ Validator = AllowAll{}

// Validate implements [Validator].
func (AllowAll) Validate(*http.Request) bool { return true }

// SignatureValidator checks the provider's HMAC-SHA1 request signature: the
// signed payload is the full request URL followed by the sorted POST form
// parameters concatenated as key+value.
//
// Websocket upgrade requests are signed with the wss scheme even though the
// upgrade itself arrives as HTTP, and their query parameters are signed as
// form parameters rather than as part of the URL.
type SignatureValidator struct {
	authToken string

	// publicHost overrides the Host header when building the signed URL.
	// Needed behind proxies that rewrite Host.
	publicHost string
}

var _ Validator = (*SignatureValidator)(nil)

// NewSignatureValidator creates a validator for the given auth token.
// publicHost may be empty to trust the request's Host header.
func NewSignatureValidator(authToken, publicHost string) *SignatureValidator {
	return &SignatureValidator{authToken: authToken, publicHost: publicHost}
}

// Validate implements [Validator].
func (v *SignatureValidator) Validate(r *http.Request) bool {
	sig := r.Header.Get(signatureHeader)
	if sig == "" {
		return false
	}

	host := v.publicHost
	if host == "" {
		host = r.Host
	}

	var signedURL string
	var params url.Values
	switch {
	case isWebSocketUpgrade(r):
		signedURL = "wss://" + host + r.URL.Path
		params = r.URL.Query()
	case r.Method == http.MethodPost:
		signedURL = "https://" + host + r.URL.Path
		if err := r.ParseForm(); err != nil {
			return false
		}
		params = r.PostForm
	default:
		signedURL = "https://" + host + r.URL.RequestURI()
	}

	return hmac.Equal([]byte(sig), []byte(computeSignature(v.authToken, signedURL, params)))
}

// computeSignature builds the base64 HMAC-SHA1 over url plus the
// alphabetically sorted key+value pairs.
func computeSignature(authToken, url string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(url)
	for _, k := range keys {
		for _, val := range params[k] {
			b.WriteString(k)
			b.WriteString(val)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
