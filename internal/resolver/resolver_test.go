package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grimm.is/cm2/internal/cmtypes"
)

func TestParseURI(t *testing.T) {
	cases := []struct {
		uri       string
		wantProto string
		wantHost  string
		wantPort  int
		wantOK    bool
	}{
		{"ssl:redirector.example.com:443", "ssl", "redirector.example.com", 443, true},
		{"ssl:[fd00:beef::1]:443", "ssl", "fd00:beef::1", 443, true},
		{"not-a-uri", "", "", 0, false},
		{"ssl::443", "", "", 0, false},
		{"ssl:host:not-a-port", "", "", 0, false},
	}
	for _, c := range cases {
		proto, host, port, ok := ParseURI(c.uri)
		require.Equal(t, c.wantOK, ok, c.uri)
		if c.wantOK {
			require.Equal(t, c.wantProto, proto, c.uri)
			require.Equal(t, c.wantHost, host, c.uri)
			require.Equal(t, c.wantPort, port, c.uri)
		}
	}
}

func TestFormatTarget(t *testing.T) {
	require.Equal(t, "ssl:192.168.1.1:443", FormatTarget("ssl", "192.168.1.1", 443))
	require.Equal(t, "ssl:[fd00:beef::1]:443", FormatTarget("ssl", "fd00:beef::1", 443))
}

// fakeBackend resolves synchronously to a fixed result, for testing the
// Resolver's orchestration without a real DNS roundtrip.
type fakeBackend struct {
	result Result
}

func (f *fakeBackend) Resolve(ctx context.Context, host string) <-chan Result {
	out := make(chan Result, 1)
	out <- f.result
	return out
}

func TestResolver_SetAndResolve(t *testing.T) {
	backend := &fakeBackend{result: Result{IPv4: []string{"192.168.1.1"}, IPv6: []string{"fd00:beef::1"}}}
	r := New(backend, nil)

	ok := r.Set(cmtypes.DestRedirector, "ssl:redirector.example.com:443")
	require.True(t, ok)

	errCh := r.Resolve(context.Background(), cmtypes.DestRedirector)
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for resolve")
	}

	target := r.Get(cmtypes.DestRedirector)
	require.True(t, target.Resolved)
	require.Len(t, target.IPv4, 1)
	require.Len(t, target.IPv6, 1)
}

func TestResolver_InvalidURIStaysUnresolved(t *testing.T) {
	r := New(&fakeBackend{}, nil)
	ok := r.Set(cmtypes.DestManager, "garbage")
	require.False(t, ok)

	target := r.Get(cmtypes.DestManager)
	require.False(t, target.Valid)
	require.Empty(t, target.Hostname)
}

func TestResolver_FailurePopulatesRetry(t *testing.T) {
	backend := &fakeBackend{result: Result{Err: require.AnError}}
	r := New(backend, nil)
	r.Set(cmtypes.DestManager, "ssl:manager.example.com:443")

	errCh := r.Resolve(context.Background(), cmtypes.DestManager)
	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}

	target := r.Get(cmtypes.DestManager)
	require.True(t, target.ResolveRetry)
	require.Equal(t, 1, target.ResolveRetryCount)
}
