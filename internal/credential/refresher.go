package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
)

// DefaultTimeout bounds one token endpoint call.
const DefaultTimeout = 20 * time.Second

// ErrRevoked is returned when the provider rejects the refresh token.
var ErrRevoked = errors.New("refresh token revoked")

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, cred Credential) (Credential, error)
}

// OAuthRefresher refreshes Google OAuth tokens.
type OAuthRefresher struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// OAuthConfig holds the OAuth client registration.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	// TokenURL overrides google.Endpoint's token URL.
	TokenURL string
	// Timeout overrides DefaultTimeout.
	Timeout time.Duration
}

// NewOAuthRefresher creates an OAuthRefresher. Token requests are traced.
func NewOAuthRefresher(cfg OAuthConfig) *OAuthRefresher {
	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OAuthRefresher{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{gmailapi.GmailReadonlyScope},
		},
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
	}
}

// Refresh returns cred with a fresh access token.
func (r *OAuthRefresher) Refresh(ctx context.Context, cred Credential) (Credential, error) {
	if cred.RefreshToken == "" {
		return Credential{}, ErrRevoked
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)

	// An expired token forces the source to hit the token endpoint.
	stale := cred.token()
	stale.AccessToken = ""
	tok, err := r.config.TokenSource(ctx, stale).Token()
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) && (rErr.ErrorCode == "invalid_grant" || rErr.ErrorCode == "unauthorized_client") {
			return Credential{}, fmt.Errorf("%w: %s", ErrRevoked, rErr.ErrorCode)
		}
		return Credential{}, fmt.Errorf("refresh token: %w", err)
	}
	return cred.withToken(tok), nil
}
