package signature

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerify(t *testing.T) {
	v := NewVerifier("secret-token")
	fullURL := "https://hooks.example.com/webhooks/status"
	params := url.Values{
		"CallSid":    {"CA1"},
		"CallStatus": {"completed"},
		"From":       {"+4930123456"},
	}
	valid := v.Sign(fullURL, params)

	tamperedParams := url.Values{
		"CallSid":    {"CA1"},
		"CallStatus": {"completed"},
		"From":       {"+4930999999"},
	}

	tests := []struct {
		name      string
		url       string
		params    url.Values
		signature string
		wantErr   error
	}{
		{name: "valid", url: fullURL, params: params, signature: valid},
		{name: "missing", url: fullURL, params: params, signature: "", wantErr: ErrMissingSignature},
		{name: "tampered param", url: fullURL, params: tamperedParams, signature: valid, wantErr: ErrInvalidSignature},
		{name: "different url", url: "https://hooks.example.com/webhooks/voice", params: params, signature: valid, wantErr: ErrInvalidSignature},
		{name: "garbage", url: fullURL, params: params, signature: "not-base64", wantErr: ErrInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.url, tt.params, tt.signature)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSignIgnoresParamOrder(t *testing.T) {
	v := NewVerifier("secret-token")
	a := url.Values{}
	a.Add("To", "+15550001")
	a.Add("From", "+15550002")
	b := url.Values{}
	b.Add("From", "+15550002")
	b.Add("To", "+15550001")

	assert.Equal(t, v.Sign("https://x/y", a), v.Sign("https://x/y", b))
}

func TestVerifyWithoutTokenFailsClosed(t *testing.T) {
	v := NewVerifier("")
	err := v.Verify("https://x/y", url.Values{}, "anything")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
