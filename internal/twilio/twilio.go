// Package twilio implements the webhook contract with the SMS provider:
// request signature validation and TwiML reply rendering.
package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/xml"
	"net/url"
	"sort"
	"strings"
)

// SignatureHeader carries the provider-computed request signature.
const SignatureHeader = "X-Twilio-Signature"

// Validator checks that a webhook request was signed by the provider.
//
// The provider signs the full public URL of the webhook with every POST
// parameter appended in lexicographic key order (key immediately followed
// by value), HMAC-SHA1 keyed with the account auth token, base64 encoded.
type Validator struct {
	authToken []byte
}

// NewValidator creates a Validator keyed with the shared account auth token.
func NewValidator(authToken string) *Validator {
	return &Validator{authToken: []byte(authToken)}
}

// Validate reports whether signature matches the expected signature for
// the given public URL and form parameters. The URL must be the public
// one the provider delivered to, not the address a reverse proxy rewrote.
func (v *Validator) Validate(publicURL string, params url.Values, signature string) bool {
	if signature == "" {
		return false
	}
	expected := v.sign(publicURL, params)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

func (v *Validator) sign(publicURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(publicURL)
	for _, k := range keys {
		for _, val := range params[k] {
			b.WriteString(k)
			b.WriteString(val)
		}
	}

	mac := hmac.New(sha1.New, v.authToken)
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// messagingResponse is the TwiML document wrapping an outbound SMS reply.
type messagingResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message"`
}

// Reply renders a TwiML document instructing the provider to send message
// back to the caller.
func Reply(message string) string {
	out, err := xml.Marshal(messagingResponse{Message: message})
	if err != nil {
		// xml.Marshal of a flat string struct cannot fail; keep the
		// reply path total regardless.
		return "<Response></Response>"
	}
	return xml.Header + string(out)
}
