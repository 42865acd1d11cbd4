package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"strings"
	"testing"
)

// signFor computes the provider-side signature the way Twilio documents it,
// independently of the implementation under test.
func signFor(token, publicURL string, ordered []string) string {
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(publicURL + strings.Join(ordered, "")))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestValidate(t *testing.T) {
	const token = "test-auth-token"
	const publicURL = "https://example.com/sms"

	params := url.Values{}
	params.Set("From", "+15551234567")
	params.Set("Body", "door")

	// Keys sorted lexicographically: Body before From.
	good := signFor(token, publicURL, []string{"Body", "door", "From", "+15551234567"})

	v := NewValidator(token)

	t.Run("valid signature", func(t *testing.T) {
		if !v.Validate(publicURL, params, good) {
			t.Error("Validate() rejected a correctly signed request")
		}
	})

	t.Run("missing signature", func(t *testing.T) {
		if v.Validate(publicURL, params, "") {
			t.Error("Validate() accepted an empty signature")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		tampered := url.Values{}
		tampered.Set("From", "+15551234567")
		tampered.Set("Body", "door please")
		if v.Validate(publicURL, tampered, good) {
			t.Error("Validate() accepted a signature over different params")
		}
	})

	t.Run("wrong URL", func(t *testing.T) {
		if v.Validate("https://example.com/other", params, good) {
			t.Error("Validate() accepted a signature over a different URL")
		}
	})

	t.Run("wrong token", func(t *testing.T) {
		other := NewValidator("other-token")
		if other.Validate(publicURL, params, good) {
			t.Error("Validate() accepted a signature made with another token")
		}
	})
}

func TestReply(t *testing.T) {
	got := Reply("Door opened at 3:04PM")

	if !strings.Contains(got, "<Response>") || !strings.Contains(got, "</Response>") {
		t.Errorf("Reply() missing Response envelope: %s", got)
	}
	if !strings.Contains(got, "<Message>Door opened at 3:04PM</Message>") {
		t.Errorf("Reply() missing message element: %s", got)
	}
}

func TestReplyEscapesMarkup(t *testing.T) {
	got := Reply("state <unknown> & odd")
	if strings.Contains(got, "<unknown>") {
		t.Errorf("Reply() did not escape markup: %s", got)
	}
	if !strings.Contains(got, "&lt;unknown&gt;") || !strings.Contains(got, "&amp;") {
		t.Errorf("Reply() escaped form missing: %s", got)
	}
}
