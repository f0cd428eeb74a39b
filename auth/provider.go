package auth

import (
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"
)

// CodeProvider produces the current one-time code for the MFA
// challenge. It is a deterministic function of a shared secret and the
// current time.
type CodeProvider interface {
	CurrentCode() (string, error)
}

// TOTPProvider generates RFC 6238 time-based codes from a shared
// secret.
type TOTPProvider struct {
	secret string
	now    func() time.Time
}

// NewTOTPProvider builds a provider for the given base32 secret.
func NewTOTPProvider(secret string) *TOTPProvider {
	return &TOTPProvider{secret: secret, now: time.Now}
}

// CurrentCode returns the code for the current time window.
func (p *TOTPProvider) CurrentCode() (string, error) {
	code, err := totp.GenerateCode(p.secret, p.now())
	if err != nil {
		return "", fmt.Errorf("generate totp code: %w", err)
	}
	return code, nil
}
