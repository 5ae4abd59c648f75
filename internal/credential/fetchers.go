package credential

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Static serves a fixed token that never expires.
type Static string

func (s Static) Fetch(context.Context) (Credential, error) {
	return Credential{Token: strings.TrimSpace(string(s))}, nil
}

// ClientCredentials fetches tokens with the OAuth2 client-credentials grant.
type ClientCredentials struct {
	cfg    clientcredentials.Config
	client *http.Client
}

func NewClientCredentials(tokenURL, clientID, clientSecret string, scopes []string, timeout time.Duration) *ClientCredentials {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ClientCredentials{
		cfg: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		},
		client: &http.Client{Timeout: timeout},
	}
}

func (f *ClientCredentials) Fetch(ctx context.Context) (Credential, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.client)
	tok, err := f.cfg.Token(ctx)
	if err != nil {
		// 4xx from the token endpoint means the client itself is rejected.
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil &&
			re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 &&
			re.Response.StatusCode != http.StatusTooManyRequests {
			return Credential{}, Permanent(err)
		}
		return Credential{}, err
	}
	return Credential{Token: tok.AccessToken, Expiry: tok.Expiry}, nil
}
