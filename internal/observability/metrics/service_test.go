package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "joinguard/pkg/logx"
)

func get(t *testing.T, url, bearer string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func waitAddr(t *testing.T, s *Service) string {
	t.Helper()
	var addr string
	require.Eventually(t, func() bool {
		addr = s.Addr()
		return addr != ""
	}, 2*time.Second, 10*time.Millisecond)
	return addr
}

func TestServiceEnableDisable(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("joinguard_up 1\n")) })
	s := New(Config{}, h, logx.Nop())
	ctx := context.Background()
	t.Cleanup(func() { s.Stop(ctx) })

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	addr := waitAddr(t, s)

	code, body := get(t, "http://"+addr+"/metrics", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "joinguard_up 1")

	code, body = get(t, "http://"+addr+"/healthz", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)

	s.Reconfigure(ctx, Config{Enabled: false})
	require.Empty(t, s.Addr())
	require.False(t, s.Enabled())
}

func TestServiceToken(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"}, h, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	t.Cleanup(func() { s.Stop(ctx) })
	addr := waitAddr(t, s)

	code, _ := get(t, "http://"+addr+"/metrics", "")
	require.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, "http://"+addr+"/metrics", "wrong")
	require.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, "http://"+addr+"/metrics", "s3cret")
	require.Equal(t, http.StatusOK, code)
	code, _ = get(t, "http://"+addr+"/metrics?token=s3cret", "")
	require.Equal(t, http.StatusOK, code)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:80":   true,
		"[::1]:9464":     true,
		":9464":          false,
		"0.0.0.0:9464":   false,
		"10.0.0.1:9464":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		require.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
