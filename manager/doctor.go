package manager

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/filter"
	"github.com/frobware/go-nicctl/mcdi"
)

// Severity indicates the severity of a doctor finding.
type Severity int

const (
	SeverityOK Severity = iota
	SeverityWarning
	SeverityError
)

// String returns a human-readable label for the severity.
func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "OK"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Finding describes a single coherency check result.
type Finding struct {
	Severity    Severity
	Category    string
	Description string
}

// DoctorReport contains the results of a coherency check.
type DoctorReport struct {
	Findings []Finding
}

// HasErrors returns true if any finding has error severity.
func (r DoctorReport) HasErrors() bool {
	return slices.ContainsFunc(r.Findings, func(f Finding) bool { return f.Severity == SeverityError })
}

// HasWarnings returns true if any finding has warning severity.
func (r DoctorReport) HasWarnings() bool {
	return slices.ContainsFunc(r.Findings, func(f Finding) bool { return f.Severity == SeverityWarning })
}

// FirmwareFilter is a filter as the controller holds it.
type FirmwareFilter struct {
	Handle uint64
	Shared bool
	Refs   int
	Spec   nicctl.FilterSpec
}

// FirmwareRSS is an RSS context as the controller holds it.
type FirmwareRSS struct {
	ID        nicctl.RSSContextID
	Exclusive bool
	Queues    int
}

// Inspector reads the controller's own view of its tables. MCDI has
// no command for this, so it comes from a side channel such as the
// emulator's firmware store.
type Inspector interface {
	InspectFilters(ctx context.Context) ([]FirmwareFilter, error)
	InspectRSS(ctx context.Context) ([]FirmwareRSS, error)
}

// FilterState correlates a filter across the driver table and the
// firmware. Either side is nil when the filter is absent there.
type FilterState struct {
	Handle   uint64
	Driver   *filter.Entry
	Firmware *FirmwareFilter
}

// RSSState correlates an RSS context across driver and firmware.
type RSSState struct {
	ID       nicctl.RSSContextID
	Driver   *RSSContextInfo
	Default  bool
	Firmware *FirmwareRSS
}

// Operation is a planned mutation. Rules emit operations; Repair
// applies them.
type Operation struct {
	Description string
	Execute     func(ctx context.Context) error
}

// Violation is a coherency rule violation with an optional planned
// operation.
type Violation struct {
	Severity    Severity
	Category    string
	Description string
	Op          *Operation // nil = report only
}

// Finding returns the violation as a Finding for doctor output.
func (v Violation) Finding() Finding {
	return Finding{
		Severity:    v.Severity,
		Category:    v.Category,
		Description: v.Description,
	}
}

// Rule is a declarative coherency check evaluated over an
// ObservedState snapshot.
type Rule struct {
	Name string
	Eval func(s *ObservedState) []Violation
}

// ObservedState is a point-in-time snapshot of the driver's and the
// firmware's tables, correlated by firmware handle and context ID.
type ObservedState struct {
	State     mcdi.State
	TableSize int
	// InFlight is set when some driver filter had an operation
	// outstanding while the snapshot was taken. Firmware filters
	// without a driver entry may then be about to be adopted.
	InFlight bool

	Filters []FilterState
	RSS     []RSSState

	tr *mcdi.Transport
}

// GatherState snapshots the driver first and the firmware second, so
// a filter the driver knows about is always visible in the firmware
// snapshot unless it is genuinely missing.
func (m *Manager) GatherState(ctx context.Context, insp Inspector) (*ObservedState, error) {
	if insp == nil {
		return nil, fmt.Errorf("no firmware inspector: %w", nicctl.ErrNotSupported)
	}

	m.mu.Lock()
	if m.table == nil {
		m.mu.Unlock()
		return nil, errNotProbed
	}
	s := &ObservedState{TableSize: m.table.Size(), tr: m.tr}
	entries := m.table.List()
	rss := m.rssInfoLocked()
	var def *RSSContextInfo
	if m.defaultRSS != nil {
		info := m.defaultRSS.info()
		def = &info
	}
	m.mu.Unlock()
	s.State = m.tr.State()

	var fwFilters []FirmwareFilter
	var fwRSS []FirmwareRSS
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		fwFilters, err = insp.InspectFilters(gctx)
		return err
	})
	g.Go(func() (err error) {
		fwRSS, err = insp.InspectRSS(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("inspect firmware: %w", err)
	}

	byHandle := make(map[uint64]*FilterState)
	for i := range entries {
		e := &entries[i]
		if e.Busy {
			s.InFlight = true
		}
		if e.Handle == 0 {
			// Not yet installed.
			continue
		}
		byHandle[e.Handle] = &FilterState{Handle: e.Handle, Driver: e}
	}
	for i := range fwFilters {
		f := &fwFilters[i]
		fs, ok := byHandle[f.Handle]
		if !ok {
			fs = &FilterState{Handle: f.Handle}
			byHandle[f.Handle] = fs
		}
		fs.Firmware = f
	}
	for _, fs := range byHandle {
		s.Filters = append(s.Filters, *fs)
	}
	slices.SortFunc(s.Filters, func(a, b FilterState) int { return compareUint(a.Handle, b.Handle) })

	byID := make(map[nicctl.RSSContextID]*RSSState)
	if def != nil {
		byID[def.ID] = &RSSState{ID: def.ID, Driver: def, Default: true}
	}
	for i := range rss {
		byID[rss[i].ID] = &RSSState{ID: rss[i].ID, Driver: &rss[i]}
	}
	for i := range fwRSS {
		r := &fwRSS[i]
		rs, ok := byID[r.ID]
		if !ok {
			rs = &RSSState{ID: r.ID}
			byID[r.ID] = rs
		}
		rs.Firmware = r
	}
	for _, rs := range byID {
		s.RSS = append(s.RSS, *rs)
	}
	slices.SortFunc(s.RSS, func(a, b RSSState) int { return compareUint(a.ID, b.ID) })
	return s, nil
}

func compareUint[T ~uint32 | ~uint64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Evaluate runs all rules against the observed state and returns
// violations found.
func Evaluate(state *ObservedState, rules []Rule) []Violation {
	var violations []Violation
	for _, rule := range rules {
		violations = append(violations, rule.Eval(state)...)
	}
	return violations
}

// CoherencyRules returns the doctor rules.
func CoherencyRules() []Rule {
	return []Rule{
		{
			Name: "device-state",
			Eval: func(s *ObservedState) []Violation {
				switch s.State {
				case mcdi.Operational:
					return nil
				case mcdi.Disabled:
					return []Violation{{Severity: SeverityError, Category: "device", Description: "device is disabled; reload the driver"}}
				default:
					return []Violation{{Severity: SeverityWarning, Category: "device", Description: fmt.Sprintf("device is %s; findings may be transient", s.State)}}
				}
			},
		},
		{
			Name: "driver-filter-in-firmware",
			Eval: func(s *ObservedState) []Violation {
				var out []Violation
				for _, f := range s.Filters {
					if f.Driver != nil && f.Firmware == nil {
						out = append(out, Violation{
							Severity:    SeverityError,
							Category:    "driver-vs-firmware",
							Description: fmt.Sprintf("filter %s (handle %#x) not installed in firmware: %s", f.Driver.ID, f.Handle, f.Driver.Spec),
						})
					}
				}
				return out
			},
		},
		{
			Name: "filter-tuple-matches",
			Eval: func(s *ObservedState) []Violation {
				var out []Violation
				for _, f := range s.Filters {
					if f.Driver == nil || f.Firmware == nil {
						continue
					}
					if !f.Driver.Spec.SameTuple(f.Firmware.Spec) {
						out = append(out, Violation{
							Severity:    SeverityError,
							Category:    "driver-vs-firmware",
							Description: fmt.Sprintf("filter %s (handle %#x) matches %s in firmware, driver expects %s", f.Driver.ID, f.Handle, f.Firmware.Spec, f.Driver.Spec),
						})
					}
				}
				return out
			},
		},
		{
			Name: "shared-filter-refs",
			Eval: func(s *ObservedState) []Violation {
				var out []Violation
				for _, f := range s.Filters {
					if f.Driver == nil || f.Firmware == nil || !f.Firmware.Shared || f.Firmware.Refs == 1 {
						continue
					}
					out = append(out, Violation{
						Severity:    SeverityWarning,
						Category:    "driver-vs-firmware",
						Description: fmt.Sprintf("shared filter %s (handle %#x) has %d subscriptions, want 1", f.Driver.ID, f.Handle, f.Firmware.Refs),
					})
				}
				return out
			},
		},
		{
			Name: "firmware-filter-orphan",
			Eval: func(s *ObservedState) []Violation {
				var out []Violation
				for _, f := range s.Filters {
					if f.Driver != nil || f.Firmware == nil {
						continue
					}
					v := Violation{
						Severity:    SeverityWarning,
						Category:    "firmware-vs-driver",
						Description: fmt.Sprintf("firmware filter %#x is not tracked by the driver: %s", f.Handle, f.Firmware.Spec),
					}
					if !s.InFlight {
						v.Op = s.removeFirmwareFilter(*f.Firmware)
					}
					out = append(out, v)
				}
				return out
			},
		},
		{
			Name: "driver-rss-in-firmware",
			Eval: func(s *ObservedState) []Violation {
				var out []Violation
				for _, r := range s.RSS {
					if r.Driver != nil && r.Firmware == nil {
						out = append(out, Violation{
							Severity:    SeverityError,
							Category:    "driver-vs-firmware",
							Description: fmt.Sprintf("rss context %s not allocated in firmware", r.ID),
						})
					}
				}
				return out
			},
		},
		{
			Name: "rss-mode-matches",
			Eval: func(s *ObservedState) []Violation {
				var out []Violation
				for _, r := range s.RSS {
					if r.Driver == nil || r.Firmware == nil {
						continue
					}
					if r.Driver.Exclusive != r.Firmware.Exclusive || r.Driver.Queues != r.Firmware.Queues {
						out = append(out, Violation{
							Severity: SeverityError,
							Category: "driver-vs-firmware",
							Description: fmt.Sprintf("rss context %s: firmware has exclusive=%t queues=%d, driver expects exclusive=%t queues=%d",
								r.ID, r.Firmware.Exclusive, r.Firmware.Queues, r.Driver.Exclusive, r.Driver.Queues),
						})
					}
				}
				return out
			},
		},
		{
			Name: "firmware-rss-orphan",
			Eval: func(s *ObservedState) []Violation {
				var out []Violation
				for _, r := range s.RSS {
					if r.Driver != nil || r.Firmware == nil {
						continue
					}
					id := r.ID
					out = append(out, Violation{
						Severity:    SeverityWarning,
						Category:    "firmware-vs-driver",
						Description: fmt.Sprintf("firmware rss context %s is not tracked by the driver", id),
						Op: &Operation{
							Description: fmt.Sprintf("free rss context %s", id),
							Execute: func(ctx context.Context) error {
								return s.tr.Call(ctx, mcdi.OpRSSContextFree, mcdi.RSSContextRef{ID: id}, nil)
							},
						},
					})
				}
				return out
			},
		},
		{
			Name: "table-occupancy",
			Eval: func(s *ObservedState) []Violation {
				n := 0
				for _, f := range s.Filters {
					if f.Driver != nil {
						n++
					}
				}
				if s.TableSize == 0 || n*10 < s.TableSize*9 {
					return nil
				}
				return []Violation{{
					Severity:    SeverityWarning,
					Category:    "capacity",
					Description: fmt.Sprintf("filter table %d/%d full", n, s.TableSize),
				}}
			},
		},
	}
}

// removeFirmwareFilter plans dropping every reference to a firmware
// filter nobody tracks.
func (s *ObservedState) removeFirmwareFilter(f FirmwareFilter) *Operation {
	op, times := mcdi.FilterRemove, 1
	if f.Shared {
		op, times = mcdi.FilterUnsubscribe, max(f.Refs, 1)
	}
	return &Operation{
		Description: fmt.Sprintf("%s firmware filter %#x", op, f.Handle),
		Execute: func(ctx context.Context) error {
			for range times {
				req := mcdi.FilterOpRequest{Op: op, Handle: f.Handle, Spec: f.Spec}
				if err := s.tr.Call(ctx, mcdi.OpFilterOp, req, nil); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// Doctor performs a read-only coherency check between the driver's
// tables and the controller's.
func (m *Manager) Doctor(ctx context.Context, insp Inspector) (DoctorReport, error) {
	s, err := m.GatherState(ctx, insp)
	if err != nil {
		return DoctorReport{}, err
	}
	var report DoctorReport
	for _, v := range Evaluate(s, CoherencyRules()) {
		report.Findings = append(report.Findings, v.Finding())
	}
	return report, nil
}

// RepairResult reports what Repair did.
type RepairResult struct {
	Applied []string
	Errors  []error
}

// Repair applies the planned operations of every violation, which
// releases firmware objects the driver lost track of. Violations
// without an operation are left for an operator. Failed steps are
// reported in the result; the error is for failing to look at all.
func (m *Manager) Repair(ctx context.Context, insp Inspector) (RepairResult, error) {
	s, err := m.GatherState(ctx, insp)
	if err != nil {
		return RepairResult{}, err
	}
	if s.State != mcdi.Operational {
		return RepairResult{}, fmt.Errorf("repair while %s: %w", s.State, nicctl.ErrBusy)
	}
	var res RepairResult
	for _, v := range Evaluate(s, CoherencyRules()) {
		if v.Op == nil {
			continue
		}
		if err := v.Op.Execute(ctx); err != nil {
			m.logger.WarnContext(ctx, "repair step failed", "op", v.Op.Description, "error", err)
			res.Errors = append(res.Errors, fmt.Errorf("%s: %w", v.Op.Description, err))
			if fatal(err) {
				break
			}
			continue
		}
		m.logger.InfoContext(ctx, "repaired", "op", v.Op.Description)
		res.Applied = append(res.Applied, v.Op.Description)
	}
	return res, nil
}
