// Package totp verifies RFC 6238 time-based one-time codes and generates
// enrollment secrets.
package totp

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const secretBytes = 20

// Params pin the code format. They are baked into the provisioning URI, so
// changing them invalidates every previously enrolled secret.
type Params struct {
	Issuer    string
	Digits    int
	Period    int
	Skew      int
	Algorithm string // SHA1 (default), SHA256, SHA512
}

// Verifier validates codes against a shared secret. Safe for concurrent use.
type Verifier struct {
	params Params
}

func NewVerifier(p Params) *Verifier {
	if p.Digits == 0 {
		p.Digits = 6
	}
	if p.Period == 0 {
		p.Period = 30
	}
	return &Verifier{params: p}
}

// GenerateSecret returns a fresh random secret in the base32 form
// authenticator apps expect.
func GenerateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}

// ProvisioningURI builds the otpauth:// URI clients render as a QR code.
func (v *Verifier) ProvisioningURI(accountName, secret string) string {
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", v.params.Issuer)
	q.Set("digits", fmt.Sprint(v.params.Digits))
	q.Set("period", fmt.Sprint(v.params.Period))
	if alg := strings.ToUpper(v.params.Algorithm); alg != "" && alg != "SHA1" {
		q.Set("algorithm", alg)
	}

	label := url.PathEscape(v.params.Issuer) + ":" + url.PathEscape(accountName)
	return "otpauth://totp/" + label + "?" + q.Encode()
}

// Verify checks code against secret at time now, accepting codes from up to
// Skew steps on either side of the current one.
func (v *Verifier) Verify(code, secret string, now time.Time) bool {
	code = strings.TrimSpace(code)
	if len(code) != v.params.Digits {
		return false
	}

	ok, err := totp.ValidateCustom(code, secret, now.UTC(), totp.ValidateOpts{
		Period:    uint(v.params.Period),
		Skew:      uint(v.params.Skew),
		Digits:    otp.Digits(v.params.Digits),
		Algorithm: v.algorithm(),
	})
	return err == nil && ok
}

// Code computes the expected code for a secret at a given time. Intended
// for tests and trusted tooling, not for request handling.
func (v *Verifier) Code(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at.UTC(), totp.ValidateOpts{
		Period:    uint(v.params.Period),
		Skew:      uint(v.params.Skew),
		Digits:    otp.Digits(v.params.Digits),
		Algorithm: v.algorithm(),
	})
}

func (v *Verifier) algorithm() otp.Algorithm {
	switch strings.ToUpper(v.params.Algorithm) {
	case "SHA256":
		return otp.AlgorithmSHA256
	case "SHA512":
		return otp.AlgorithmSHA512
	default:
		return otp.AlgorithmSHA1
	}
}
