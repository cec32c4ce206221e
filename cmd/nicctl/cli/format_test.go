package cli_test

import (
	"encoding/json"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/cmd/nicctl/cli"
	"github.com/frobware/go-nicctl/server/api"
)

func sampleFilter() api.Filter {
	spec := nicctl.NewRxSpec(nicctl.PriorityManual, nicctl.FlagRSS, 2)
	spec.SetEthLocal(10, nicctl.MAC{0x02, 0, 0, 0, 0, 0x01})
	return api.Filter{ID: 7, Spec: spec, Handle: 0x1234, OverAuto: true}
}

func TestFormatFiltersTable(t *testing.T) {
	out, err := cli.FormatFilters([]api.Filter{sampleFilter()}, &cli.OutputFlags{Output: cli.OutputFormatTable})
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "manual")
	assert.Contains(t, out, "q2 rss=default")
	assert.Contains(t, out, "dst=02:00:00:00:00:01 vid=10")
	assert.Contains(t, out, "over-auto")
}

func TestFormatFiltersEmpty(t *testing.T) {
	out, err := cli.FormatFilters(nil, &cli.OutputFlags{})
	require.NoError(t, err)
	assert.Equal(t, "No filters found\n", out)

	out, err = cli.FormatFilters(nil, &cli.OutputFlags{Output: cli.OutputFormatJSON})
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)
}

func TestFormatFilterJSON(t *testing.T) {
	f := sampleFilter()
	out, err := cli.FormatFilter(f, &cli.OutputFlags{Output: cli.OutputFormatJSON})
	require.NoError(t, err)

	var got api.Filter
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, f, got)
	assert.Contains(t, out, `"02:00:00:00:00:01"`)
}

func TestFormatFilterDrop(t *testing.T) {
	spec := nicctl.NewRxSpec(nicctl.PriorityHint, 0, nicctl.QueueDrop)
	spec.SetIPLocal(6, netip.MustParseAddr("192.0.2.1"), 80)
	out, err := cli.FormatFilter(api.Filter{ID: 1, Spec: spec}, &cli.OutputFlags{})
	require.NoError(t, err)
	assert.Contains(t, out, "dest    drop")
	assert.Contains(t, out, "local=192.0.2.1:80")
}

func TestFormatStatusTable(t *testing.T) {
	st := api.Status{
		State:           "operational",
		BootCount:       2,
		FirmwareVersion: "1.2.3.4",
		TableSize:       256,
		Filters:         3,
		DefaultRSS:      api.RSSContext{ID: 0, Queues: 4},
		VLANs:           []uint16{10, 20},
		Matches:         []string{"loc_mac", "loc_mac|outer_vid"},
		Collaborators:   []string{"manager"},
	}
	out, err := cli.FormatStatus(st, &cli.OutputFlags{})
	require.NoError(t, err)
	assert.Contains(t, out, "operational")
	assert.Contains(t, out, "3/256")
	assert.Contains(t, out, "10,20")
	assert.Contains(t, out, "loc_mac|outer_vid")
	assert.Contains(t, out, "manager")
}

func TestFormatSelfTest(t *testing.T) {
	out, err := cli.FormatSelfTest(api.SelfTestResponse{LoopbackNanos: 1500000, BIST: "passed"}, &cli.OutputFlags{})
	require.NoError(t, err)
	assert.Contains(t, out, "1.5ms")
	assert.Contains(t, out, "passed")
}

func TestFormatRSSContext(t *testing.T) {
	cfg := nicctl.RSSConfig{Indir: nicctl.DefaultIndir(2)}
	out, err := cli.FormatRSSContext(api.RSSContext{ID: 3, Exclusive: true, Queues: 2, Config: &cfg}, &cli.OutputFlags{})
	require.NoError(t, err)
	assert.Contains(t, out, "RSS  3  exclusive  queues=2")
	assert.Contains(t, out, "indir")
}

func TestFormatDoctorReport(t *testing.T) {
	out, err := cli.FormatDoctorReport(api.DoctorReport{}, &cli.OutputFlags{})
	require.NoError(t, err)
	assert.Contains(t, out, "All checks passed")

	report := api.DoctorReport{Findings: []api.Finding{
		{Severity: "ERROR", Category: "driver-vs-firmware", Description: "filter 3 missing"},
		{Severity: "WARNING", Category: "firmware-vs-driver", Description: "orphan 0x2a"},
		{Severity: "WARNING", Category: "firmware-vs-driver", Description: "orphan 0x2b"},
	}}
	out, err = cli.FormatDoctorReport(report, &cli.OutputFlags{})
	require.NoError(t, err)
	assert.Contains(t, out, "Checking driver tables against the controller...\n  ERROR    filter 3 missing\n")
	assert.Contains(t, out, "Checking the controller for orphans...\n")
	assert.Contains(t, out, "Summary: 1 error(s), 2 warning(s)\n")
}

func TestFormatRepair(t *testing.T) {
	out, err := cli.FormatRepair(api.RepairResponse{}, &cli.OutputFlags{})
	require.NoError(t, err)
	assert.Equal(t, "Nothing to repair.\n", out)

	out, err = cli.FormatRepair(api.RepairResponse{Applied: []string{"a"}, Errors: []string{"b"}}, &cli.OutputFlags{})
	require.NoError(t, err)
	assert.Equal(t, "repaired  a\nfailed    b\n", out)
}
