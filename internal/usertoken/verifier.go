package usertoken

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer   = "pdfchat-auth"
	defaultAudience = "pdfchat-api"
	defaultLeeway   = 30 * time.Second
	defaultKeyTTL   = 5 * time.Minute
)

var errUnknownKid = errors.New("token signed with unknown key id")

// Config configures access-token verification against an external issuer.
type Config struct {
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
}

// keySet is one JWKS snapshot. Replaced wholesale on refresh.
type keySet struct {
	byKid   map[string]*rsa.PublicKey
	expires time.Time
}

func (s *keySet) stale() bool {
	return s == nil || time.Now().UTC().After(s.expires)
}

// Verifier checks RS256 access tokens against the issuer's published JWKS
// and extracts the subject user id. Keys are cached and re-fetched when the
// cache expires or a token arrives with an unrecognized key id.
type Verifier struct {
	jwksURL    string
	issuer     string
	audience   string
	leeway     time.Duration
	httpClient *http.Client

	mu   sync.RWMutex
	keys *keySet
}

// NewVerifier builds a verifier and fetches the initial key set.
func NewVerifier(cfg Config) (*Verifier, error) {
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	v := &Verifier{
		jwksURL:    jwksURL,
		issuer:     strings.TrimSpace(cfg.Issuer),
		audience:   strings.TrimSpace(cfg.Audience),
		leeway:     cfg.Leeway,
		httpClient: cfg.HTTPClient,
	}
	if v.issuer == "" {
		v.issuer = defaultIssuer
	}
	if v.audience == "" {
		v.audience = defaultAudience
	}
	if v.leeway <= 0 {
		v.leeway = defaultLeeway
	}
	if v.httpClient == nil {
		v.httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	if err := v.refreshKeys(); err != nil {
		return nil, err
	}
	return v, nil
}

// VerifySubject validates the token and returns its subject user id.
func (v *Verifier) VerifySubject(token string) (string, error) {
	claims, err := v.parse(token)
	if err != nil {
		// A fresh signing key may have rotated in since the last fetch.
		if !errors.Is(err, errUnknownKid) && !v.snapshot().stale() {
			return "", err
		}
		if err := v.refreshKeys(); err != nil {
			return "", err
		}
		if claims, err = v.parse(token); err != nil {
			return "", err
		}
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errors.New("token subject missing")
	}
	return subject, nil
}

func (v *Verifier) parse(token string) (jwt.RegisteredClaims, error) {
	set := v.snapshot()
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if set == nil {
			return nil, errUnknownKid
		}
		key, ok := set.byKid[strings.TrimSpace(kid)]
		if !ok {
			return nil, errUnknownKid
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return claims, err
	}
	if !parsed.Valid {
		return claims, errors.New("invalid token")
	}
	return claims, nil
}

func (v *Verifier) snapshot() *keySet {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keys
}

func (v *Verifier) refreshKeys() error {
	resp, err := v.httpClient.Get(v.jwksURL)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	byKid := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		kid := strings.TrimSpace(jwk.Kid)
		if kid == "" || !strings.EqualFold(strings.TrimSpace(jwk.Kty), "RSA") {
			continue
		}
		pub, err := rsaKeyFromJWK(jwk.N, jwk.E)
		if err != nil {
			continue
		}
		byKid[kid] = pub
	}
	if len(byKid) == 0 {
		return errors.New("jwks contains no usable rsa keys")
	}

	ttl := cacheTTL(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultKeyTTL
	}
	v.mu.Lock()
	v.keys = &keySet{byKid: byKid, expires: time.Now().UTC().Add(ttl)}
	v.mu.Unlock()
	return nil
}

func rsaKeyFromJWK(nRaw, eRaw string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(nRaw))
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(eRaw))
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || !e.IsInt64() || e.Int64() <= 0 {
		return nil, errors.New("invalid rsa key material")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// cacheTTL extracts max-age from a Cache-Control header, zero when absent.
func cacheTTL(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		directive = strings.ToLower(strings.TrimSpace(directive))
		raw, found := strings.CutPrefix(directive, "max-age=")
		if !found {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}
