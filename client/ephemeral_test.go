package client_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/client"
	"github.com/frobware/go-nicctl/config"
	"github.com/frobware/go-nicctl/lock"
)

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Transport.ProbeInterval.Duration = 10 * time.Millisecond
	cfg.Filter.TableSize = 256
	cfg.Filter.SearchLimit = 64
	return cfg
}

func TestOpen_InsertAndRemoveFilter(t *testing.T) {
	c, err := client.Open(client.WithConfig(testConfig()))
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	mac, err := nicctl.ParseMAC("00:0f:53:00:00:01")
	require.NoError(t, err)
	spec := nicctl.NewRxSpec(nicctl.PriorityManual, 0, 3)
	spec.SetEthLocal(nicctl.VIDUnspec, mac)

	id, err := c.InsertFilter(ctx, spec, false)
	require.NoError(t, err)
	got, err := c.GetFilter(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, spec, got.Spec)

	require.NoError(t, c.RemoveFilter(ctx, id))
	_, err = c.GetFilter(ctx, id)
	assert.ErrorIs(t, err, nicctl.ErrNotFound)
}

func TestOpen_RuntimeDirHoldsDeviceLock(t *testing.T) {
	base, err := os.MkdirTemp("", "nicctl")
	require.NoError(t, err)
	t.Cleanup(func() {
		os.RemoveAll(base)
		os.RemoveAll(base + "-sock")
	})

	c, err := client.Open(client.WithConfig(testConfig()), client.WithRuntimeDir(base))
	require.NoError(t, err)

	// A second owner is refused while the first is open.
	_, err = client.Open(client.WithConfig(testConfig()), client.WithRuntimeDir(base))
	require.ErrorIs(t, err, lock.ErrLocked)

	require.NoError(t, c.Close())

	// Firmware state persisted: the reopened controller has booted
	// again.
	c, err = client.Open(client.WithConfig(testConfig()), client.WithRuntimeDir(base))
	require.NoError(t, err)
	defer c.Close()
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.BootCount)
}

func TestOpen_DoctorOnFreshDeviceIsClean(t *testing.T) {
	c, err := client.Open(client.WithConfig(testConfig()))
	require.NoError(t, err)
	defer c.Close()

	report, err := c.Doctor(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Findings)

	res, err := c.Repair(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
}
