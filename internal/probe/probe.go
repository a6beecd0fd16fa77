// Package probe implements the SSRF-aware HTTP execution of a single
// ServiceCheck (spec.md §4.E, execute_check).
package probe

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/Gioppix/uptime-monitor/internal/domain"
)

// ImplementationFaultError marks an error that indicates a bug in the
// prober itself (bad request construction, TLS misconfiguration) rather
// than the target being unhealthy. Callers must NOT write a CheckResult
// for these (spec.md §4.E, §7 "Probe-implementation-fault").
type ImplementationFaultError struct {
	Err error
}

func (e *ImplementationFaultError) Error() string { return e.Err.Error() }
func (e *ImplementationFaultError) Unwrap() error  { return e.Err }

// SSRFBlockedError marks a probe that was never attempted because every
// resolved address was private/reserved and dev mode is off.
type SSRFBlockedError struct {
	Host string
}

func (e *SSRFBlockedError) Error() string {
	return fmt.Sprintf("all resolved addresses for %q are private or reserved", e.Host)
}

// Resolver resolves a hostname to its candidate IP addresses; swappable in
// tests to avoid real DNS.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type netResolver struct{}

func (netResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return net.DefaultResolver.LookupIPAddr(ctx, host)
}

// Executor runs checks with a shared HTTP client and address-safety
// policy.
type Executor struct {
	client     *http.Client
	resolver   Resolver
	allowLocal bool // DEV_MODE: allow probing private/loopback addresses
}

// NewExecutor constructs an Executor. allowLocal corresponds to
// config.DevMode. The client's Transport dials whatever address was vetted
// by selectAddress rather than letting net/http re-resolve the hostname at
// connect time, so a DNS answer that changes between vetting and dialing
// can't smuggle a private address past the SSRF check.
func NewExecutor(allowLocal bool) *Executor {
	e := &Executor{
		resolver:   netResolver{},
		allowLocal: allowLocal,
	}
	e.client = &http.Client{Transport: &http.Transport{DialContext: e.dialPinned}}
	return e
}

type pinnedAddrKey struct{}

func withPinnedAddr(ctx context.Context, ip net.IP) context.Context {
	return context.WithValue(ctx, pinnedAddrKey{}, ip)
}

// dialPinned dials the IP vetted by selectAddress instead of addr's host,
// keeping addr's port (and leaving TLS SNI, which the transport derives
// from the request URL, untouched).
func (e *Executor) dialPinned(ctx context.Context, network, addr string) (net.Conn, error) {
	ip, _ := ctx.Value(pinnedAddrKey{}).(net.IP)
	if ip == nil {
		return (&net.Dialer{}).DialContext(ctx, network, addr)
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	return (&net.Dialer{}).DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
}

// isBlockedAddress reports whether ip must not be probed: loopback,
// link-local, private (RFC1918 or ULA fc00::/7), unspecified, or the
// broadcast/documentation-reserved ranges.
func isBlockedAddress(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() || ip.IsPrivate() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		if ip4.Equal(net.IPv4bcast) {
			return true
		}
		// TEST-NET-1/2/3 documentation ranges (RFC 5737).
		for _, cidr := range []string{"192.0.2.0/24", "198.51.100.0/24", "203.0.113.0/24"} {
			_, block, _ := net.ParseCIDR(cidr)
			if block.Contains(ip4) {
				return true
			}
		}
		return false
	}
	// IPv6 ULA fc00::/7 is already covered by net.IP.IsPrivate above; the
	// remaining IPv6 check is the documentation range 2001:db8::/32.
	_, doc6, _ := net.ParseCIDR("2001:db8::/32")
	return doc6.Contains(ip)
}

// selectAddress picks the first candidate address that clears the SSRF
// policy, or returns ok=false if none do (and allowLocal is false).
func (e *Executor) selectAddress(addrs []net.IPAddr) (net.IP, bool) {
	for _, a := range addrs {
		if e.allowLocal || !isBlockedAddress(a.IP) {
			return a.IP, true
		}
	}
	return nil, false
}

// Execute runs one probe and returns its CheckResult. It returns a non-nil
// error only for ImplementationFaultError or SSRFBlockedError cases, both
// of which mean the caller must not persist a CheckResult.
func (e *Executor) Execute(ctx context.Context, check domain.ServiceCheck) (domain.CheckResult, error) {
	u, err := url.Parse(check.URL)
	if err != nil {
		return domain.CheckResult{}, &ImplementationFaultError{Err: fmt.Errorf("parse url: %w", err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return domain.CheckResult{}, &ImplementationFaultError{Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}

	host := u.Hostname()
	addrs, err := e.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		// Resolution failure is a target-down condition, not our fault.
		return e.downResult(check), nil
	}
	ip, ok := e.selectAddress(addrs)
	if !ok {
		return domain.CheckResult{}, &SSRFBlockedError{Host: host}
	}

	var bodyReader *bytes.Reader
	if check.RequestBody != nil {
		bodyReader = bytes.NewReader([]byte(*check.RequestBody))
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(check.TimeoutSeconds)*time.Second)
	defer cancel()
	reqCtx = withPinnedAddr(reqCtx, ip)

	req, err := http.NewRequestWithContext(reqCtx, string(check.HTTPMethod), check.URL, bodyReader)
	if err != nil {
		return domain.CheckResult{}, &ImplementationFaultError{Err: fmt.Errorf("build request: %w", err)}
	}
	for k, v := range check.RequestHeaders {
		req.Header.Set(k, v)
	}

	started := time.Now().UTC()
	resp, err := e.client.Do(req)
	elapsed := time.Since(started)

	if err != nil {
		if isLocalTLSMisconfig(err) {
			return domain.CheckResult{}, &ImplementationFaultError{Err: fmt.Errorf("tls error: %w", err)}
		}
		return e.downResultWithElapsed(check, started, elapsed), nil
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	matches := status == check.ExpectedStatusCode

	return domain.CheckResult{
		ResultID:            uuid.New(),
		CheckID:             check.CheckID,
		Region:              check.Region,
		Day:                 started.Truncate(24 * time.Hour),
		CheckStartedAt:       started,
		ResponseTimeMicros:   elapsed.Microseconds(),
		StatusCode:           &status,
		MatchesExpected:      matches,
		ResponseBodyFetched:  false,
	}, nil
}

// isLocalTLSMisconfig reports whether err indicates the prober itself built
// a broken TLS request (e.g. speaking TLS to a plaintext port), as opposed
// to the remote target's certificate being invalid — the latter is the
// target's fault and still yields a down result, not a propagated error.
func isLocalTLSMisconfig(err error) bool {
	var recordHeaderErr tls.RecordHeaderError
	return errors.As(err, &recordHeaderErr)
}

func (e *Executor) downResult(check domain.ServiceCheck) domain.CheckResult {
	started := time.Now().UTC()
	return e.downResultWithElapsed(check, started, 0)
}

func (e *Executor) downResultWithElapsed(check domain.ServiceCheck, started time.Time, elapsed time.Duration) domain.CheckResult {
	return domain.CheckResult{
		ResultID:            uuid.New(),
		CheckID:             check.CheckID,
		Region:              check.Region,
		Day:                 started.Truncate(24 * time.Hour),
		CheckStartedAt:       started,
		ResponseTimeMicros:   elapsed.Microseconds(),
		StatusCode:           nil,
		MatchesExpected:      false,
		ResponseBodyFetched:  false,
	}
}
