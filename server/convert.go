package server

import (
	"github.com/frobware/go-nicctl/filter"
	"github.com/frobware/go-nicctl/manager"
	"github.com/frobware/go-nicctl/server/api"
)

func filterToAPI(e filter.Entry) api.Filter {
	return api.Filter{
		ID:       e.ID,
		Spec:     e.Spec,
		Handle:   e.Handle,
		Busy:     e.Busy,
		OverAuto: e.OverAuto,
	}
}

func filtersToAPI(entries []filter.Entry) []api.Filter {
	out := make([]api.Filter, 0, len(entries))
	for _, e := range entries {
		out = append(out, filterToAPI(e))
	}
	return out
}

func rssToAPI(info manager.RSSContextInfo) api.RSSContext {
	return api.RSSContext{
		ID:        info.ID,
		Exclusive: info.Exclusive,
		Queues:    info.Queues,
		Config:    info.Config,
	}
}

func rxModeToAPI(m manager.RxMode) api.RxMode {
	return api.RxMode{
		Unicast:      m.Unicast,
		Multicast:    m.Multicast,
		Promiscuous:  m.Promiscuous,
		AllMulticast: m.AllMulticast,
	}
}

func rxModeFromAPI(m *api.RxMode) manager.RxMode {
	return manager.RxMode{
		Unicast:      m.Unicast,
		Multicast:    m.Multicast,
		Promiscuous:  m.Promiscuous,
		AllMulticast: m.AllMulticast,
	}
}

func statusToAPI(st manager.Status) *api.Status {
	out := &api.Status{
		State:           st.State.String(),
		BootCount:       st.BootCount,
		Epoch:           st.Epoch.String(),
		Reprobe:         st.Reprobe.String(),
		ProtocolMajor:   st.Version.Major,
		ProtocolMinor:   st.Version.Minor,
		FirmwareVersion: st.Version.Firmware,
		Capabilities:    st.Capabilities.Flags.String(),
		MaxFilters:      st.Capabilities.MaxFilters,
		MaxRSSContexts:  st.Capabilities.MaxRSSContexts,
		NumVIs:          st.Capabilities.NumVIs,
		PIOBuffers:      st.Capabilities.PIOBuffers,
		LicensedValid:   st.Licensing.Valid,
		TableSize:       st.TableSize,
		Filters:         st.Filters,
		DefaultRSS:      rssToAPI(st.DefaultRSS),
		VLANs:           st.VLANs,
		RxMode:          rxModeToAPI(st.RxMode),
		RxEvents:        st.RxEvents,
		TxEvents:        st.TxEvents,
		Collaborators:   st.Collaborators,
	}
	for _, m := range st.Matches {
		out.Matches = append(out.Matches, m.String())
	}
	for _, r := range st.RSS {
		out.RSS = append(out.RSS, rssToAPI(r))
	}
	return out
}

func doctorToAPI(r manager.DoctorReport) *api.DoctorReport {
	out := &api.DoctorReport{Findings: make([]api.Finding, 0, len(r.Findings))}
	for _, f := range r.Findings {
		out.Findings = append(out.Findings, api.Finding{
			Severity:    f.Severity.String(),
			Category:    f.Category,
			Description: f.Description,
		})
	}
	return out
}
