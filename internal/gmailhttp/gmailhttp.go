/*
Package gmailhttp supplies authenticated HTTP clients for the GMail API,
one per principal.

Each principal's OAuth 2.0 token (including its refresh token) lives
in a keyring under the key "oauth2/<principal>".  Tokens are imported
out of band, typically with "mailwatch credentials import", after the
principal has consented to the readonly GMail scope.

Refreshed tokens are written back to the keyring so a restart does not
discard them.  A principal with no stored token, or whose refresh
token the authorization server rejects, is reported as watch.ErrAuth;
the principal has to re-authorize before its watch can make progress.

BUGS:

golang.org/x/oauth2 decides when to refresh from the token's Expiry
alone.  A token revoked early is only noticed when the API returns 401,
which the caller sees as an auth failure for that cycle.
*/
package gmailhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/matta/mailwatch/internal/gmail"
	"github.com/matta/mailwatch/internal/watch"

	"github.com/99designs/keyring"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const serviceName = "mailwatch"

// KeyringConfig selects where tokens are kept.
type KeyringConfig struct {
	// Backend is "file" for an encrypted directory or "system" for
	// the platform keychain.
	Backend    string
	Dir        string
	Passphrase string
}

// OpenKeyring returns a configured keyring instance.
func OpenKeyring(c KeyringConfig) (keyring.Keyring, error) {
	cfg := keyring.Config{
		ServiceName:              serviceName,
		FileDir:                  c.Dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(c.Passphrase),
		KeychainTrustApplication: true,
	}
	switch c.Backend {
	case "", "file":
		cfg.AllowedBackends = []keyring.BackendType{keyring.FileBackend}
	case "system":
		cfg.AllowedBackends = []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
		}
	default:
		return nil, errors.Errorf("unknown keyring backend %q", c.Backend)
	}
	ring, err := keyring.Open(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "opening keyring")
	}
	return ring, nil
}

func tokenKey(principalID string) string {
	return "oauth2/" + principalID
}

// OAuthConfig returns the OAuth 2.0 client configuration for the GMail
// readonly scope.
func OAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.ReadonlyScope},
	}
}

// Credentials is the credential provider.  It satisfies
// gmail.ClientSource.
type Credentials struct {
	oauth *oauth2.Config
	ring  keyring.Keyring
	base  http.RoundTripper
	log   *logrus.Entry

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

var _ gmail.ClientSource = (*Credentials)(nil)

// New returns a credential provider.  A nil base uses
// http.DefaultTransport for both API calls and token refreshes.
func New(oauth *oauth2.Config, ring keyring.Keyring, base http.RoundTripper, log *logrus.Entry) *Credentials {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Credentials{
		oauth:   oauth,
		ring:    ring,
		base:    base,
		log:     log,
		sources: make(map[string]oauth2.TokenSource),
	}
}

// Token returns the stored token for principalID.
func (c *Credentials) Token(principalID string) (*oauth2.Token, error) {
	item, err := c.ring.Get(tokenKey(principalID))
	if err == keyring.ErrKeyNotFound {
		return nil, errors.Wrapf(watch.ErrAuth, "no token stored for %s", principalID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting token for %s", principalID)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(item.Data, &tok); err != nil {
		return nil, errors.Wrapf(err, "decoding token for %s", principalID)
	}
	return &tok, nil
}

// Store saves tok as principalID's token, replacing any cached token
// source.
func (c *Credentials) Store(principalID string, tok *oauth2.Token) error {
	if err := c.put(principalID, tok); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.sources, principalID)
	c.mu.Unlock()
	return nil
}

func (c *Credentials) put(principalID string, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return errors.Wrap(err, "encoding token")
	}
	err = c.ring.Set(keyring.Item{
		Key:         tokenKey(principalID),
		Data:        data,
		Label:       "mailwatch token for " + principalID,
		Description: "OAuth 2.0 token",
	})
	return errors.Wrapf(err, "setting token for %s", principalID)
}

// Forget removes principalID's token.
func (c *Credentials) Forget(principalID string) error {
	c.mu.Lock()
	delete(c.sources, principalID)
	c.mu.Unlock()
	err := c.ring.Remove(tokenKey(principalID))
	if err == keyring.ErrKeyNotFound {
		return nil
	}
	return errors.Wrapf(err, "removing token for %s", principalID)
}

func (c *Credentials) source(principalID string) (oauth2.TokenSource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.sources[principalID]; ok {
		return ts, nil
	}
	tok, err := c.Token(principalID)
	if err != nil {
		return nil, err
	}
	// Refreshes outlive any single request, so they do not use the
	// caller's context.
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient,
		&http.Client{Transport: c.base})
	ts := oauth2.ReuseTokenSource(tok, &persistingSource{
		principalID: principalID,
		last:        tok.AccessToken,
		src:         c.oauth.TokenSource(ctx, tok),
		creds:       c,
	})
	c.sources[principalID] = ts
	return ts, nil
}

// Client returns an HTTP client authorized as principalID.
func (c *Credentials) Client(ctx context.Context, principalID string) (*http.Client, error) {
	ts, err := c.source(principalID)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: &oauth2.Transport{Source: ts, Base: c.base}}, nil
}

// persistingSource writes every newly minted token back to the
// keyring.
type persistingSource struct {
	principalID string
	src         oauth2.TokenSource
	creds       *Credentials

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return nil, watch.NewProviderError("oauth2.refresh", watch.KindAuth, err)
		}
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.creds.put(s.principalID, tok); err != nil {
			s.creds.log.WithError(err).WithField("principal", s.principalID).
				Warn("could not persist refreshed token")
		}
	}
	return tok, nil
}
