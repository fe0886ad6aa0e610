package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if c.Listen != ":6000" || c.End() != '#' || c.Start() != '*' || c.CommandTimeout != 10*time.Second || c.ReadIdle != 5*time.Minute {
		t.Error(c)
	}
	if c.DB.Table != "telemetry" || c.Nats.Prefix != "trackgw" {
		t.Error(c)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TRACKGW_LISTEN", ":7000")
	t.Setenv("TRACKGW_REDIS_ADDR", "localhost:6379")
	t.Setenv("TRACKGW_MAX_MESSAGE_LEN", "1024")
	c, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if c.Listen != ":7000" || c.Redis.Addr != "localhost:6379" || c.MaxMessageLen != 1024 {
		t.Error(c)
	}
}

func TestFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "trackgw.yaml")
	body := "listen: \":6100\"\nread_idle_timeout: 30s\ntunnel:\n  addr: relay:5556\n  token: abc\n"
	if err := os.WriteFile(p, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if c.Listen != ":6100" || c.ReadIdle != 30*time.Second || c.Tunnel.Addr != "relay:5556" {
		t.Error(c)
	}
}

func TestInvalid(t *testing.T) {
	t.Setenv("TRACKGW_END_DELIMITER", "##")
	if _, err := Load(""); err == nil {
		t.Error()
	}
}

func TestTunnelNeedsToken(t *testing.T) {
	t.Setenv("TRACKGW_TUNNEL_ADDR", "relay:5556")
	if _, err := Load(""); err == nil {
		t.Error()
	}
}
