package turnclient

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sipsorcery-go/corestack/turn"
)

const testTimeout = 5 * time.Second

func startTestTURNServer(t *testing.T) (*turn.Server, *net.UDPAddr) {
	t.Helper()
	cfg := turn.DefaultServerConfig()
	cfg.ListenAddress = "127.0.0.1"
	cfg.Port = 0
	cfg.EnableTCP = false
	cfg.Username = "alice"
	cfg.Password = "secret"
	cfg.Realm = "example.com"

	srv := turn.NewServer(cfg, nil)
	require.NoError(t, srv.ListenAndServe())
	t.Cleanup(func() { srv.Close() })
	return srv, srv.LocalUDPAddr()
}
