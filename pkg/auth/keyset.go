package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"tasklist/pkg/store"
)

const (
	keysetDocCacheKey    = "auth:jwks:doc"
	keysetFetchKeyPrefix = "auth:jwks:fetch:"

	// An unknown kid may trigger at most this many issuer fetches before the
	// credential is rejected outright. Kids the issuer actually publishes are
	// never charged; TTL expiry of the cached set refreshes freely.
	maxRefreshPerKid = 2

	// Cap on distinct unknown kids tracked at once.
	maxTrackedKids = 1024
)

// KeySet caches the issuer's published RSA public keys. The optional shared
// cache lets replicas reuse one fetched document and coordinates the
// per-unknown-kid refresh cooldown so a flood of bad tokens cannot hammer
// the issuer.
type KeySet struct {
	URL      string
	Client   *http.Client
	Shared   store.Cache
	TTL      time.Duration
	Cooldown time.Duration

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	attempts  map[string]int
}

func NewKeySet(jwksURL string, client *http.Client, shared store.Cache) *KeySet {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &KeySet{
		URL:      strings.TrimSpace(jwksURL),
		Client:   client,
		Shared:   shared,
		TTL:      5 * time.Minute,
		Cooldown: time.Minute,
		keys:     map[string]*rsa.PublicKey{},
		attempts: map[string]int{},
	}
}

// Key returns the public key for kid, refreshing the cached set when the kid
// is unknown or the set has expired.
func (ks *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if ks == nil {
		return nil, errors.New("key set is nil")
	}
	if ks.URL == "" {
		return nil, errors.New("jwks url is required")
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	now := time.Now().UTC()
	if key, ok := ks.keys[kid]; ok && now.Before(ks.expiresAt) {
		return key, nil
	}
	if err := ks.refreshLocked(ctx, kid, now); err != nil {
		return nil, err
	}
	key, ok := ks.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: unknown key id %q", ErrInvalidCredential, kid)
	}
	return key, nil
}

func (ks *KeySet) refreshLocked(ctx context.Context, kid string, now time.Time) error {
	// The budget and cooldown apply only to kids absent from the cached set.
	// A kid we already hold just has an expired TTL; refusing to refresh it
	// would lock out valid credentials for the rest of the process lifetime.
	_, known := ks.keys[kid]
	if kid != "" && !known {
		if ks.attempts[kid] >= maxRefreshPerKid {
			return fmt.Errorf("%w: refresh budget exhausted for key id %q", ErrInvalidCredential, kid)
		}
		if len(ks.attempts) >= maxTrackedKids {
			ks.attempts = map[string]int{}
		}
		ks.attempts[kid]++
	}
	// Read-through: another replica may already have fetched the document.
	if ks.Shared != nil {
		if doc, err := ks.Shared.Get(ctx, keysetDocCacheKey); err == nil {
			if keys, perr := parseJWKS([]byte(doc)); perr == nil {
				if _, ok := keys[kid]; ok || kid == "" {
					ks.keys = keys
					ks.expiresAt = now.Add(ks.TTL)
					delete(ks.attempts, kid)
					return nil
				}
			}
		}
		if !known {
			acquired, err := ks.Shared.SetNX(ctx, keysetFetchKeyPrefix+kid, "1", ks.Cooldown)
			if err == nil && !acquired {
				return fmt.Errorf("%w: key refresh for %q is cooling down", ErrInvalidCredential, kid)
			}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.URL, nil)
	if err != nil {
		return err
	}
	resp, err := ks.Client.Do(req)
	if err != nil {
		return fmt.Errorf("jwks fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks fetch: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("jwks fetch: %w", err)
	}
	keys, err := parseJWKS(body)
	if err != nil {
		return err
	}
	ks.keys = keys
	ks.expiresAt = now.Add(ks.TTL)
	if _, ok := keys[kid]; ok {
		// The issuer published it after all; its misses no longer count.
		delete(ks.attempts, kid)
	}
	if ks.Shared != nil {
		_ = ks.Shared.Set(ctx, keysetDocCacheKey, string(body), ks.TTL)
	}
	return nil
}

func parseJWKS(doc []byte) (map[string]*rsa.PublicKey, error) {
	var payload struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(doc, &payload); err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}
	keys := map[string]*rsa.PublicKey{}
	for _, k := range payload.Keys {
		if strings.ToUpper(k.Kty) != "RSA" || strings.TrimSpace(k.Kid) == "" {
			continue
		}
		pub, err := rsaFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks has no valid rsa keys")
	}
	return keys, nil
}

func rsaFromJWK(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	if len(eb) == 0 {
		return nil, errors.New("invalid exponent")
	}
	e := 0
	for _, b := range eb {
		e = e<<8 + int(b)
	}
	if e <= 1 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}
