package auth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	ModeOff   = "off"
	ModeHS256 = "oidc_hs256"
	ModeRS256 = "oidc_rs256"
)

// Verifier turns an opaque bearer credential into a canonical Identity.
// Every failure path wraps ErrInvalidCredential; the binder maps all of them
// to "no identity".
type Verifier struct {
	Mode     string
	Secret   string
	Issuer   string
	Audience string
	Keys     *KeySet

	now func() time.Time
}

type Option func(*Verifier)

func WithIssuer(issuer string) Option {
	return func(v *Verifier) { v.Issuer = strings.TrimSpace(issuer) }
}

func WithAudience(audience string) Option {
	return func(v *Verifier) { v.Audience = strings.TrimSpace(audience) }
}

func WithKeySet(ks *KeySet) Option {
	return func(v *Verifier) { v.Keys = ks }
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func NewVerifier(mode, secret string, options ...Option) *Verifier {
	v := &Verifier{
		Mode:   strings.ToLower(strings.TrimSpace(mode)),
		Secret: secret,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range options {
		opt(v)
	}
	return v
}

func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	var (
		claims tokenClaims
		err    error
	)
	switch v.Mode {
	case ModeHS256:
		claims, err = verifyHS256(token, v.Secret, v.now(), v.Issuer, v.Audience)
	case ModeRS256:
		claims, err = verifyRS256(ctx, token, v.Keys, v.now(), v.Issuer, v.Audience)
	default:
		err = fmt.Errorf("%w: unsupported auth mode %q", ErrInvalidCredential, v.Mode)
	}
	if err != nil {
		return Identity{}, err
	}
	return claims.identity(), nil
}

type tokenClaims struct {
	Sub      string          `json:"sub"`
	Email    string          `json:"email"`
	Name     string          `json:"name"`
	Username string          `json:"cognito:username"`
	Iss      string          `json:"iss"`
	Aud      json.RawMessage `json:"aud"`
	Exp      int64           `json:"exp"`
	Nbf      int64           `json:"nbf"`
}

func (c tokenClaims) identity() Identity {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = strings.TrimSpace(c.Username)
	}
	return Identity{Subject: c.Sub, Email: c.Email, Name: name}
}

func (c tokenClaims) validate(now time.Time, issuer, audience string) error {
	if c.Sub == "" {
		return fmt.Errorf("%w: subject required", ErrInvalidCredential)
	}
	if c.Exp == 0 || now.Unix() >= c.Exp {
		return fmt.Errorf("%w: token expired", ErrInvalidCredential)
	}
	if c.Nbf != 0 && now.Unix() < c.Nbf {
		return fmt.Errorf("%w: token not active", ErrInvalidCredential)
	}
	if issuer != "" && c.Iss != issuer {
		return fmt.Errorf("%w: issuer mismatch", ErrInvalidCredential)
	}
	if audience != "" && !audContains(c.Aud, audience) {
		return fmt.Errorf("%w: audience mismatch", ErrInvalidCredential)
	}
	return nil
}

func verifyHS256(token, secret string, now time.Time, issuer, audience string) (tokenClaims, error) {
	if secret == "" {
		return tokenClaims{}, fmt.Errorf("%w: hs256 secret is not configured", ErrInvalidCredential)
	}
	headerRaw, payloadRaw, sig, signedPart, err := splitToken(token)
	if err != nil {
		return tokenClaims{}, err
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return tokenClaims{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return tokenClaims{}, fmt.Errorf("%w: unsupported alg %q", ErrInvalidCredential, header.Alg)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPart))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return tokenClaims{}, fmt.Errorf("%w: signature mismatch", ErrInvalidCredential)
	}
	var claims tokenClaims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return tokenClaims{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if err := claims.validate(now, issuer, audience); err != nil {
		return tokenClaims{}, err
	}
	return claims, nil
}

func verifyRS256(ctx context.Context, token string, keys *KeySet, now time.Time, issuer, audience string) (tokenClaims, error) {
	headerRaw, payloadRaw, sig, signedPart, err := splitToken(token)
	if err != nil {
		return tokenClaims{}, err
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return tokenClaims{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if strings.ToUpper(header.Alg) != "RS256" {
		return tokenClaims{}, fmt.Errorf("%w: unsupported alg %q", ErrInvalidCredential, header.Alg)
	}
	if strings.TrimSpace(header.Kid) == "" {
		return tokenClaims{}, fmt.Errorf("%w: kid required", ErrInvalidCredential)
	}
	pub, err := keys.Key(ctx, header.Kid)
	if err != nil {
		return tokenClaims{}, err
	}
	h := sha256.Sum256([]byte(signedPart))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], sig); err != nil {
		return tokenClaims{}, fmt.Errorf("%w: bad signature", ErrInvalidCredential)
	}
	var claims tokenClaims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return tokenClaims{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if err := claims.validate(now, issuer, audience); err != nil {
		return tokenClaims{}, err
	}
	return claims, nil
}

func splitToken(token string) (header, payload, sig []byte, signedPart string, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, nil, nil, "", fmt.Errorf("%w: invalid token format", ErrInvalidCredential)
	}
	header, err = base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, nil, "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	payload, err = base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, nil, "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	sig, err = base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, nil, nil, "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return header, payload, sig, parts[0] + "." + parts[1], nil
}

func audContains(raw json.RawMessage, expected string) bool {
	if len(raw) == 0 {
		return false
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single == expected
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		for _, item := range many {
			if item == expected {
				return true
			}
		}
	}
	return false
}
