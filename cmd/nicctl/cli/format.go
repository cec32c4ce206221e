package cli

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/server/api"
)

func formatJSON(v any) (string, error) {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(output) + "\n", nil
}

// FormatFilters formats a filter list according to the output flags.
func FormatFilters(filters []api.Filter, flags *OutputFlags) (string, error) {
	if flags.Format() == OutputFormatJSON {
		if filters == nil {
			filters = []api.Filter{}
		}
		return formatJSON(filters)
	}
	if len(filters) == 0 {
		return "No filters found\n", nil
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPRIORITY\tDEST\tMATCH\tFLAGS")
	for _, f := range filters {
		state := f.Spec.Flags.String()
		if f.Busy {
			state += ",busy"
		}
		if f.OverAuto {
			state += ",over-auto"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", f.ID, f.Spec.Priority, destination(f.Spec), matchSummary(f.Spec), state)
	}
	w.Flush()
	return b.String(), nil
}

// FormatFilter formats one filter.
func FormatFilter(f api.Filter, flags *OutputFlags) (string, error) {
	if flags.Format() == OutputFormatJSON {
		return formatJSON(f)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "FILTER  %d  %s\n", f.ID, f.Spec.Priority)
	fmt.Fprintf(&b, "  handle  %#x\n", f.Handle)
	fmt.Fprintf(&b, "  dest    %s\n", destination(f.Spec))
	fmt.Fprintf(&b, "  match   %s\n", f.Spec.Match)
	fmt.Fprintf(&b, "  values  %s\n", matchSummary(f.Spec))
	fmt.Fprintf(&b, "  flags   %s\n", f.Spec.Flags)
	if f.Busy {
		b.WriteString("  busy    true\n")
	}
	if f.OverAuto {
		b.WriteString("  over    auto\n")
	}
	return b.String(), nil
}

func destination(s nicctl.FilterSpec) string {
	if s.Queue == nicctl.QueueDrop {
		return "drop"
	}
	if s.Flags&nicctl.FlagRSS != 0 {
		return fmt.Sprintf("q%d rss=%s", s.Queue, s.RSSContext)
	}
	return fmt.Sprintf("q%d", s.Queue)
}

// matchSummary renders the values of the selected match fields.
func matchSummary(s nicctl.FilterSpec) string {
	var parts []string
	m := s.Match
	if m&nicctl.MatchLocMAC != 0 {
		parts = append(parts, "dst="+s.LocalMAC.String())
	}
	if m&nicctl.MatchRemMAC != 0 {
		parts = append(parts, "src="+s.RemoteMAC.String())
	}
	if m&nicctl.MatchOuterVID != 0 {
		parts = append(parts, fmt.Sprintf("vid=%d", s.OuterVID))
	}
	if m&nicctl.MatchIPProto != 0 {
		parts = append(parts, fmt.Sprintf("proto=%d", s.IPProto))
	}
	if m&(nicctl.MatchLocHost|nicctl.MatchLocPort) != 0 {
		parts = append(parts, "local="+netip.AddrPortFrom(s.LocalIP, s.LocalPort).String())
	}
	if m&(nicctl.MatchRemHost|nicctl.MatchRemPort) != 0 {
		parts = append(parts, "remote="+netip.AddrPortFrom(s.RemoteIP, s.RemotePort).String())
	}
	if m&nicctl.MatchEncapType != 0 {
		e := s.Encap.String()
		if m&nicctl.MatchEncapTunnelID != 0 {
			e += fmt.Sprintf("/%d", s.TunnelID)
		}
		parts = append(parts, "encap="+e)
	}
	if m&nicctl.MatchUnknownUcastDst != 0 {
		parts = append(parts, "unknown-unicast")
	}
	if m&nicctl.MatchUnknownMcastDst != 0 {
		parts = append(parts, "unknown-multicast")
	}
	if len(parts) == 0 {
		return m.String()
	}
	return strings.Join(parts, " ")
}

// FormatRSSContext formats an RSS context.
func FormatRSSContext(c api.RSSContext, flags *OutputFlags) (string, error) {
	if flags.Format() == OutputFormatJSON {
		return formatJSON(c)
	}
	mode := "shared"
	if c.Exclusive {
		mode = "exclusive"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "RSS  %s  %s  queues=%d\n", c.ID, mode, c.Queues)
	if c.Config != nil {
		fmt.Fprintf(&b, "  key    %x\n", c.Config.Key)
		fmt.Fprintf(&b, "  indir  %v\n", c.Config.Indir)
	}
	return b.String(), nil
}

// FormatStatus formats the controller status.
func FormatStatus(s api.Status, flags *OutputFlags) (string, error) {
	if flags.Format() == OutputFormatJSON {
		return formatJSON(s)
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "state\t%s\n", s.State)
	fmt.Fprintf(w, "boot count\t%d\n", s.BootCount)
	fmt.Fprintf(w, "epoch\t%s\n", s.Epoch)
	fmt.Fprintf(w, "reprobe\t%s\n", s.Reprobe)
	fmt.Fprintf(w, "protocol\t%d.%d\n", s.ProtocolMajor, s.ProtocolMinor)
	fmt.Fprintf(w, "firmware\t%s\n", s.FirmwareVersion)
	fmt.Fprintf(w, "capabilities\t%s\n", s.Capabilities)
	fmt.Fprintf(w, "limits\tfilters=%d rss=%d vis=%d pio=%d\n", s.MaxFilters, s.MaxRSSContexts, s.NumVIs, s.PIOBuffers)
	fmt.Fprintf(w, "licensed\t%#x\n", s.LicensedValid)
	fmt.Fprintf(w, "filters\t%d/%d\n", s.Filters, s.TableSize)
	fmt.Fprintf(w, "default rss\t%s queues=%d\n", s.DefaultRSS.ID, s.DefaultRSS.Queues)
	for _, c := range s.RSS {
		fmt.Fprintf(w, "rss\t%s exclusive=%t queues=%d\n", c.ID, c.Exclusive, c.Queues)
	}
	vlans := make([]string, 0, len(s.VLANs))
	for _, v := range s.VLANs {
		vlans = append(vlans, fmt.Sprintf("%d", v))
	}
	fmt.Fprintf(w, "vlans\t%s\n", listOrNone(vlans))
	fmt.Fprintf(w, "rx mode\t%s\n", rxModeSummary(s.RxMode))
	fmt.Fprintf(w, "events\trx=%d tx=%d\n", s.RxEvents, s.TxEvents)
	fmt.Fprintf(w, "collaborators\t%s\n", listOrNone(s.Collaborators))
	w.Flush()
	if len(s.Matches) > 0 {
		b.WriteString("\nMATCHES\n")
		for i, m := range s.Matches {
			fmt.Fprintf(&b, "  %2d  %s\n", i, m)
		}
	}
	return b.String(), nil
}

func rxModeSummary(m api.RxMode) string {
	var flags []string
	if m.Promiscuous {
		flags = append(flags, "promisc")
	}
	if m.AllMulticast {
		flags = append(flags, "allmulti")
	}
	s := fmt.Sprintf("unicast=%d multicast=%d", len(m.Unicast), len(m.Multicast))
	if len(flags) > 0 {
		s += " " + strings.Join(flags, ",")
	}
	return s
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ",")
}

// FormatSelfTest formats a self-test result.
func FormatSelfTest(r api.SelfTestResponse, flags *OutputFlags) (string, error) {
	if flags.Format() == OutputFormatJSON {
		return formatJSON(r)
	}
	return fmt.Sprintf("event loopback  %s\nbist            %s\n", time.Duration(r.LoopbackNanos), r.BIST), nil
}

// FormatDoctorReport groups findings under a heading per category and
// ends with a count of errors and warnings.
func FormatDoctorReport(r api.DoctorReport, flags *OutputFlags) (string, error) {
	if flags.Format() == OutputFormatJSON {
		return formatJSON(r)
	}
	if len(r.Findings) == 0 {
		return "All checks passed. Driver and controller tables agree.\n", nil
	}

	var b strings.Builder
	var errs, warnings int
	last := ""
	for _, f := range r.Findings {
		heading := categoryHeading(f.Category)
		if heading != last {
			if last != "" {
				b.WriteString("\n")
			}
			b.WriteString(heading + "\n")
			last = heading
		}
		fmt.Fprintf(&b, "  %-7s  %s\n", f.Severity, f.Description)
		switch f.Severity {
		case "ERROR":
			errs++
		case "WARNING":
			warnings++
		}
	}
	fmt.Fprintf(&b, "\nSummary: %d error(s), %d warning(s)\n", errs, warnings)
	return b.String(), nil
}

func categoryHeading(cat string) string {
	switch cat {
	case "device":
		return "Checking device state..."
	case "driver-vs-firmware":
		return "Checking driver tables against the controller..."
	case "firmware-vs-driver":
		return "Checking the controller for orphans..."
	case "capacity":
		return "Checking filter table capacity..."
	default:
		return cat
	}
}

// FormatRepair formats the steps a repair took.
func FormatRepair(r api.RepairResponse, flags *OutputFlags) (string, error) {
	if flags.Format() == OutputFormatJSON {
		return formatJSON(r)
	}
	if len(r.Applied) == 0 && len(r.Errors) == 0 {
		return "Nothing to repair.\n", nil
	}
	var b strings.Builder
	for _, s := range r.Applied {
		fmt.Fprintf(&b, "repaired  %s\n", s)
	}
	for _, s := range r.Errors {
		fmt.Fprintf(&b, "failed    %s\n", s)
	}
	return b.String(), nil
}
