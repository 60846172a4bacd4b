package dns

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tordnsd/pkg/config"
	"tordnsd/pkg/logging"
)

func startTestServer(t *testing.T, handler *Handler, cfg *config.ServerConfig) (*Server, func() error) {
	t.Helper()

	srv := NewServer(cfg, handler, logging.Discard())
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	var (
		once    sync.Once
		stopErr error
	)
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case stopErr = <-done:
			case <-time.After(5 * time.Second):
				stopErr = errors.New("server did not stop")
			}
		})
		return stopErr
	}
	t.Cleanup(func() { assert.NoError(t, stop()) })

	return srv, stop
}

func TestServer_UDPAndTCP(t *testing.T) {
	f := newFixture(t, func(s *Snapshot) {
		s.Remaps = mustRemap(t, "router.lan * A 192.168.1.1")
	})
	srv, _ := startTestServer(t, f.handler, &config.ServerConfig{
		ListenAddress: "127.0.0.1:0",
		UDPEnabled:    true,
		TCPEnabled:    true,
		UDPWorkers:    4,
		TCPWorkers:    4,
	})

	require.NotNil(t, srv.UDPAddr())
	require.NotNil(t, srv.TCPAddr())

	for _, network := range []string{"udp", "tcp"} {
		t.Run(network, func(t *testing.T) {
			addr := srv.UDPAddr().String()
			if network == "tcp" {
				addr = srv.TCPAddr().String()
			}

			client := &dns.Client{Net: network, Timeout: 2 * time.Second}
			resp, _, err := client.Exchange(question("router.lan.", dns.TypeA), addr)
			require.NoError(t, err)
			assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
			require.Len(t, resp.Answer, 1)
			assert.Equal(t, "192.168.1.1", resp.Answer[0].(*dns.A).A.String())
		})
	}

	assert.True(t, srv.IsRunning())
}

func TestServer_DisabledAnswersServfail(t *testing.T) {
	f := newFixture(t, func(s *Snapshot) { s.Enabled = false })
	srv, _ := startTestServer(t, f.handler, &config.ServerConfig{
		ListenAddress: "127.0.0.1:0",
		UDPEnabled:    true,
		UDPWorkers:    1,
		TCPWorkers:    1,
	})
	assert.Nil(t, srv.TCPAddr())

	client := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	resp, _, err := client.Exchange(question("example.com.", dns.TypeA), srv.UDPAddr().String())
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
}

func TestServer_StopsOnCancel(t *testing.T) {
	f := newFixture(t, func(s *Snapshot) {
		s.Remaps = mustRemap(t, "a.lan * A 10.0.0.1")
	})
	srv, stop := startTestServer(t, f.handler, &config.ServerConfig{
		ListenAddress: "127.0.0.1:0",
		TCPEnabled:    true,
		UDPWorkers:    1,
		TCPWorkers:    1,
	})

	// A served query means the listener is active before we stop it.
	client := &dns.Client{Net: "tcp", Timeout: 2 * time.Second}
	_, _, err := client.Exchange(question("a.lan.", dns.TypeA), srv.TCPAddr().String())
	require.NoError(t, err)

	require.NoError(t, stop())
	assert.False(t, srv.IsRunning())
	assert.Nil(t, srv.UDPAddr())
}

func TestServer_ListenErrors(t *testing.T) {
	srv := NewServer(&config.ServerConfig{ListenAddress: "127.0.0.1:0", UDPEnabled: true, UDPWorkers: 1}, NewHandler(nil, nil), nil)
	require.NoError(t, srv.Listen())
	assert.Error(t, srv.Listen(), "second listen fails")
	require.NoError(t, srv.Shutdown(context.Background()))

	idle := NewServer(&config.ServerConfig{ListenAddress: "127.0.0.1:0"}, NewHandler(nil, nil), nil)
	assert.Error(t, idle.Serve(context.Background()), "serve without listeners fails")

	bad := NewServer(&config.ServerConfig{ListenAddress: "not-an-address", UDPEnabled: true}, NewHandler(nil, nil), nil)
	assert.Error(t, bad.Listen())
}
