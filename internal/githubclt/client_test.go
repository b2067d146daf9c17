package githubclt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/repo-helper/helperbot/internal/hberr"
)

func testPrivateKeyPEM(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	return key, pemBytes
}

func TestAppTransportSignsRequests(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	key, _ := testPrivateKeyPEM(t)

	var authHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	transport := newAppTransport(1234, key)
	httpClient := &http.Client{Transport: transport}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.True(t, strings.HasPrefix(authHeader, "Bearer "))

	parsed, err := jwt.ParseWithClaims(
		strings.TrimPrefix(authHeader, "Bearer "),
		&jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return &key.PublicKey, nil },
		jwt.WithValidMethods([]string{"RS256"}),
	)
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	claims := parsed.Claims.(*jwt.RegisteredClaims)
	assert.Equal(t, "1234", claims.Issuer)
	require.NotNil(t, claims.ExpiresAt)
}

func TestNewFailsOnGarbageKey(t *testing.T) {
	_, err := New(1, []byte("not a pem key"))
	require.Error(t, err)
}

func TestWrapRetryableErrorsRateLimit(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	err := wrapRetryableErrors(zap.L(), &github.RateLimitError{})

	var retryableErr *hberr.RetryableError
	require.ErrorAs(t, err, &retryableErr)
}

func TestWrapRetryableErrorsServerError(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	err := wrapRetryableErrors(zap.L(), &github.ErrorResponse{
		Response: &http.Response{StatusCode: http.StatusBadGateway},
	})

	var retryableErr *hberr.RetryableError
	require.ErrorAs(t, err, &retryableErr)
}

func TestWrapRetryableErrorsClientErrorIsNotRetryable(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	orig := &github.ErrorResponse{
		Response: &http.Response{StatusCode: http.StatusUnprocessableEntity},
	}

	err := wrapRetryableErrors(zap.L(), orig)
	require.Equal(t, error(orig), err)

	var retryableErr *hberr.RetryableError
	require.False(t, errors.As(err, &retryableErr))
}

func TestPRChangedFilesWrapsGraphQLServerErrors(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	// error string format matches the one of shurcooL/graphql do()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	clt := InstallationClient{
		logger:     zap.L(),
		graphQLClt: githubv4.NewEnterpriseClient(srv.URL, srv.Client()),
	}

	_, err := clt.PRChangedFiles(context.Background(), "acme", "widgets", 1)
	require.Error(t, err)

	var retryableErr *hberr.RetryableError
	assert.ErrorAs(t, err, &retryableErr)
}
