package auth

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const totpSecretBytes = 20

// TOTPEngine provisions and verifies time-based one-time passwords:
// 30-second steps, 6 digits, one step of clock drift tolerated either way.
type TOTPEngine struct {
	issuer string
}

func NewTOTPEngine(issuer string) TOTPEngine {
	if issuer == "" {
		issuer = "AdminEvents"
	}
	return TOTPEngine{issuer: issuer}
}

// GenerateSecret returns a fresh random secret (base32, 32 chars) together
// with its otpauth provisioning key for the given account.
func (e TOTPEngine) GenerateSecret(account string) (*otp.Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: account,
		SecretSize:  totpSecretBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	return key, nil
}

// QRCodeDataURL renders the provisioning key as an inline PNG data URL,
// suitable for direct embedding in a setup response.
func (e TOTPEngine) QRCodeDataURL(key *otp.Key) (string, error) {
	img, err := key.Image(200, 200)
	if err != nil {
		return "", fmt.Errorf("render totp qr code: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode totp qr code: %w", err)
	}

	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Verify checks a submitted code against the secret at the current time.
func (e TOTPEngine) Verify(secret, code string) bool {
	return e.VerifyAt(secret, code, time.Now().UTC())
}

// VerifyAt accepts codes from the current step and one step on either side.
func (e TOTPEngine) VerifyAt(secret, code string, at time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
