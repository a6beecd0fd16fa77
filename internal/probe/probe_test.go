package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gioppix/uptime-monitor/internal/domain"
	"github.com/Gioppix/uptime-monitor/internal/region"
)

type fakeResolver struct {
	ips []net.IPAddr
	err error
}

func (f fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return f.ips, f.err
}

func publicResolver(ip string) fakeResolver {
	return fakeResolver{ips: []net.IPAddr{{IP: net.ParseIP(ip)}}}
}

func baseCheck(url string) domain.ServiceCheck {
	return domain.ServiceCheck{
		CheckID:            uuid.New(),
		Region:             region.FSN1,
		URL:                url,
		HTTPMethod:         domain.MethodGet,
		TimeoutSeconds:     2,
		ExpectedStatusCode: 200,
	}
}

func TestExecuteSuccessMatchesExpected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	e := NewExecutor(true)
	e.resolver = publicResolver("127.0.0.1")

	result, err := e.Execute(context.Background(), baseCheck(server.URL))
	require.NoError(t, err)
	assert.True(t, result.MatchesExpected)
	require.NotNil(t, result.StatusCode)
	assert.Equal(t, 200, *result.StatusCode)
}

func TestExecuteStatusMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	e := NewExecutor(true)
	e.resolver = publicResolver("127.0.0.1")

	result, err := e.Execute(context.Background(), baseCheck(server.URL))
	require.NoError(t, err)
	assert.False(t, result.MatchesExpected)
	assert.Equal(t, 500, *result.StatusCode)
}

func TestExecuteBlocksLoopbackWithoutDevMode(t *testing.T) {
	e := NewExecutor(false)
	e.resolver = publicResolver("127.0.0.1")

	_, err := e.Execute(context.Background(), baseCheck("http://localhost/"))
	require.Error(t, err)
	var ssrfErr *SSRFBlockedError
	require.ErrorAs(t, err, &ssrfErr)
}

func TestExecuteBlocksULAWithoutDevMode(t *testing.T) {
	e := NewExecutor(false)
	e.resolver = publicResolver("fd00::1")

	_, err := e.Execute(context.Background(), baseCheck("http://ula-host/"))
	require.Error(t, err)
	var ssrfErr *SSRFBlockedError
	require.ErrorAs(t, err, &ssrfErr)
}

func TestExecuteBlocksLinkLocal(t *testing.T) {
	e := NewExecutor(false)
	e.resolver = publicResolver("fe80::1")

	_, err := e.Execute(context.Background(), baseCheck("http://link-local-host/"))
	require.Error(t, err)
	var ssrfErr *SSRFBlockedError
	require.ErrorAs(t, err, &ssrfErr)
}

func TestExecuteAllowsLoopbackInDevMode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	e := NewExecutor(true)
	e.resolver = publicResolver("127.0.0.1")

	_, err := e.Execute(context.Background(), baseCheck(server.URL))
	require.NoError(t, err)
}

func TestExecuteDialsVettedAddressNotOriginalHost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	e := NewExecutor(true)
	// An unroutable address: if Execute dialed the request's original host
	// instead of this vetted one, it would still reach the live server above
	// and this would unexpectedly succeed.
	e.resolver = publicResolver("203.0.113.1")

	check := baseCheck(server.URL)
	check.TimeoutSeconds = 1
	result, err := e.Execute(context.Background(), check)
	require.NoError(t, err)
	assert.Nil(t, result.StatusCode)
}

func TestExecuteRejectsUnsupportedScheme(t *testing.T) {
	e := NewExecutor(true)
	_, err := e.Execute(context.Background(), baseCheck("ftp://example.com/"))
	require.Error(t, err)
	var faultErr *ImplementationFaultError
	require.ErrorAs(t, err, &faultErr)
}

func TestExecuteResolveFailureYieldsDownResult(t *testing.T) {
	e := NewExecutor(false)
	e.resolver = fakeResolver{err: assertErr("no such host")}

	result, err := e.Execute(context.Background(), baseCheck("http://nonexistent.invalid/"))
	require.NoError(t, err)
	assert.Nil(t, result.StatusCode)
	assert.False(t, result.MatchesExpected)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
