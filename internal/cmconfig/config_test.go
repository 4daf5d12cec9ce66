package cmconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault_HasSaneTimers(t *testing.T) {
	cfg := Default()
	require.Equal(t, 120*time.Second, cfg.Timers.UplinksTimerTimeout())
	require.Equal(t, "2.5", cfg.Thresholds.CPU)
	require.Equal(t, "/tmp/plume", cfg.StateDir)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cm.hcl")
	hcl := `
state_dir = "/var/run/cm"

probe {
  router_v4   = "192.168.1.1"
  internet_v4 = "1.1.1.1"
  pool_size   = 8
}

thresholds {
  link  = 5
  fatal = 10
}

resolver {
  backend     = "async"
  nameservers = ["8.8.8.8", "8.8.4.4"]
}
`
	require.NoError(t, os.WriteFile(path, []byte(hcl), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/run/cm", cfg.StateDir)
	require.Equal(t, "192.168.1.1", cfg.Probe.RouterV4)
	require.Equal(t, 8, cfg.Probe.PoolSize)
	require.Equal(t, 5, cfg.Thresholds.Link)
	require.Equal(t, 10, cfg.Thresholds.Fatal)
	require.Equal(t, "async", cfg.Resolver.Backend)
	require.Equal(t, []string{"8.8.8.8", "8.8.4.4"}, cfg.Resolver.Nameservers)

	// Fields the file didn't set keep their Default() values.
	require.Equal(t, "/dev/watchdog", cfg.WatchdogDevice)
	require.Equal(t, 4, cfg.Thresholds.Router)
}
