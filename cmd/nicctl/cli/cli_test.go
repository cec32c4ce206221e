package cli_test

import (
	"net/netip"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/cmd/nicctl/cli"
)

// parse runs the kong parser over args without executing a command.
func parse(t *testing.T, args ...string) (*cli.CLI, *kong.Context) {
	t.Helper()
	var c cli.CLI
	parser, err := kong.New(&c, cli.KongOptions()...)
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	require.NoError(t, err)
	return &c, kctx
}

func TestParseGlobalFlags(t *testing.T) {
	c, kctx := parse(t, "-r", "unix:///tmp/nicctl.sock", "--log", "debug", "status", "-o", "json")
	assert.Equal(t, "status", kctx.Command())
	assert.Equal(t, "unix:///tmp/nicctl.sock", c.Remote)
	assert.Equal(t, "debug", c.Log)
	assert.Equal(t, "/etc/nicctl/nicctl.toml", c.Config)
	assert.Equal(t, cli.OutputFormatJSON, c.Status.Format())
}

func TestFilterInsertMACOnVLAN(t *testing.T) {
	c, _ := parse(t, "filter", "insert", "--mac", "02:00:00:00:00:01", "--vlan", "10", "-q", "3")

	spec, err := c.Filter.Insert.Spec()
	require.NoError(t, err)

	want := nicctl.NewRxSpec(nicctl.PriorityManual, 0, 3)
	want.SetEthLocal(10, nicctl.MAC{0x02, 0, 0, 0, 0, 0x01})
	assert.Equal(t, want, spec)
}

func TestFilterInsertFullTupleWithRSS(t *testing.T) {
	c, _ := parse(t, "filter", "insert",
		"-p", "hint",
		"--proto", "udp",
		"--local", "192.0.2.1:4789",
		"--remote-endpoint", "198.51.100.7:5000",
		"--rss-context", "5",
		"--replace")

	spec, err := c.Filter.Insert.Spec()
	require.NoError(t, err)
	assert.True(t, c.Filter.Insert.Replace)
	assert.Equal(t, nicctl.PriorityHint, spec.Priority)
	assert.Equal(t, nicctl.RSSContextID(5), spec.RSSContext)
	assert.NotZero(t, spec.Flags&nicctl.FlagRSS)

	want := nicctl.NewRxSpec(nicctl.PriorityHint, nicctl.FlagRSS, 0)
	want.RSSContext = 5
	want.SetIPFull(17, netip.MustParseAddr("192.0.2.1"), 4789, netip.MustParseAddr("198.51.100.7"), 5000)
	assert.Equal(t, want, spec)
}

func TestFilterInsertDefaults(t *testing.T) {
	c, _ := parse(t, "filter", "insert", "--unknown-multicast", "--drop", "--vlan", "7")

	spec, err := c.Filter.Insert.Spec()
	require.NoError(t, err)
	assert.Equal(t, nicctl.QueueDrop, spec.Queue)
	assert.Equal(t, nicctl.MatchUnknownMcastDst|nicctl.MatchOuterVID, spec.Match)
	assert.Equal(t, uint16(7), spec.OuterVID)
}

func TestFilterInsertRejectsBadCombinations(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"nothing to match", []string{"filter", "insert", "-q", "1"}},
		{"remote without local", []string{"filter", "insert", "--remote-endpoint", "192.0.2.1:80"}},
		{"rss with drop", []string{"filter", "insert", "--mac", "02:00:00:00:00:01", "--rss", "--drop"}},
		{"unknown encap", []string{"filter", "insert", "--mac", "02:00:00:00:00:01", "--encap", "gre"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := parse(t, tt.args...)
			_, err := c.Filter.Insert.Spec()
			require.Error(t, err)
		})
	}
}

func TestFilterCommandsParseIDs(t *testing.T) {
	c, kctx := parse(t, "filter", "redirect", "0x10", "-q", "2", "--rss-context", "1")
	assert.Equal(t, "filter redirect <id>", kctx.Command())
	assert.Equal(t, nicctl.FilterID(16), c.Filter.Redirect.ID.Value)
	require.NotNil(t, c.Filter.Redirect.RSSContext)
	assert.Equal(t, uint32(1), *c.Filter.Redirect.RSSContext)

	c, _ = parse(t, "filter", "list", "-p", "auto")
	require.NotNil(t, c.Filter.List.Priority)
	assert.Equal(t, nicctl.PriorityAuto, c.Filter.List.Priority.Value)

	c, _ = parse(t, "filter", "clear", "manual")
	assert.Equal(t, nicctl.PriorityManual, c.Filter.Clear.Priority.Value)
}

func TestVLANListDefaultsToUntagged(t *testing.T) {
	c, _ := parse(t, "vlan", "list")
	assert.Equal(t, nicctl.VIDUnspec, c.VLAN.List.VID.Value)

	c, _ = parse(t, "vlan", "add", "100")
	assert.Equal(t, uint16(100), c.VLAN.Add.VID.Value)
}

func TestRxModeSyncAddresses(t *testing.T) {
	c, _ := parse(t, "rxmode", "sync",
		"-u", "02:00:00:00:00:01",
		"-m", "01:00:5e:00:00:01",
		"-m", "33:33:00:00:00:01",
		"--allmulti")

	mode, vids, err := c.RxMode.Sync.Mode()
	require.NoError(t, err)
	assert.Empty(t, vids)
	assert.Equal(t, []nicctl.MAC{{0x02, 0, 0, 0, 0, 0x01}}, mode.Unicast)
	assert.Len(t, mode.Multicast, 2)
	assert.True(t, mode.AllMulticast)
	assert.False(t, mode.Promiscuous)
}

func TestRSSConfigFlags(t *testing.T) {
	key := "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f2021222324252627"
	c, _ := parse(t, "rss", "alloc", "--exclusive", "-n", "2", "--key", key, "--indir", "1", "--indir", "0")

	cfg, err := c.RSS.Alloc.Config(c.RSS.Alloc.Queues)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, byte(0x27), cfg.Key[39])
	assert.Equal(t, uint8(1), cfg.Indir[0])
	assert.Equal(t, uint8(0), cfg.Indir[1])
	assert.Equal(t, uint8(1), cfg.Indir[126])

	c, _ = parse(t, "rss", "alloc", "-n", "4")
	cfg, err = c.RSS.Alloc.Config(4)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	c, _ = parse(t, "rss", "set", "3", "-n", "2", "--indir", "2")
	_, err = c.RSS.Set.Config(c.RSS.Set.Queues)
	require.ErrorIs(t, err, nicctl.ErrNotSupported)

	c, _ = parse(t, "rss", "set", "3", "--key", "0011")
	_, err = c.RSS.Set.Config(1)
	require.Error(t, err)
}

func TestServeFlags(t *testing.T) {
	c, _ := parse(t, "serve", "--tcp-address", ":50051", "--persist")
	assert.Equal(t, "/run/nicctl", c.Serve.RuntimeDir)
	assert.Equal(t, ":50051", c.Serve.TCPAddress)
	assert.True(t, c.Serve.Persist)
}

func TestBadValuesFailToParse(t *testing.T) {
	for _, args := range [][]string{
		{"filter", "remove", "nope"},
		{"filter", "insert", "--mac", "02:00"},
		{"filter", "redirect", "1"},
		{"vlan", "add", "5000"},
		{"submit", "get_version", "xyz"},
		{"status", "-o", "yaml"},
	} {
		var c cli.CLI
		parser, err := kong.New(&c, cli.KongOptions()...)
		require.NoError(t, err)
		_, err = parser.Parse(args)
		require.Error(t, err, "%v", args)
	}
}

func TestParseDoctorRepair(t *testing.T) {
	c, kctx := parse(t, "doctor", "--repair")
	assert.Equal(t, "doctor", kctx.Command())
	assert.True(t, c.Doctor.Repair)
	assert.Equal(t, cli.OutputFormatTable, c.Doctor.Format())
}
