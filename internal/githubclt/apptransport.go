package githubclt

import (
	"crypto/rsa"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// appTokenLifetime is the validity period of the signed app JWT.
// GitHub rejects tokens that are valid for more than 10 minutes.
const appTokenLifetime = 5 * time.Minute

// appTokenClockDrift backdates the issued-at claim to tolerate clock skew
// between us and the GitHub API.
const appTokenClockDrift = 30 * time.Second

// appTransport authenticates requests as the GitHub App itself by attaching
// a freshly signed RS256 JWT.
// App-level authentication is only valid for app endpoints, e.g. listing
// installations and issuing installation access tokens.
type appTransport struct {
	appID   string
	key     *rsa.PrivateKey
	wrapped http.RoundTripper
}

func newAppTransport(appID int64, key *rsa.PrivateKey) *appTransport {
	return &appTransport{
		appID:   strconv.FormatInt(appID, 10),
		key:     key,
		wrapped: http.DefaultTransport,
	}
}

func (t *appTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	now := time.Now()

	claims := jwt.RegisteredClaims{
		Issuer:    t.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-appTokenClockDrift)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appTokenLifetime)),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(t.key)
	if err != nil {
		return nil, fmt.Errorf("signing app jwt failed: %w", err)
	}

	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+token)

	return t.wrapped.RoundTrip(req)
}
