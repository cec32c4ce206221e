package api

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/frobware/go-nicctl"
)

// specWire encodes a FilterSpec as a nested message.
type specWire struct{ s *nicctl.FilterSpec }

func appendMAC(b []byte, num protowire.Number, m nicctl.MAC) []byte {
	if m.IsZero() {
		return b
	}
	return appendBytes(b, num, m[:])
}

func appendMACs(b []byte, num protowire.Number, macs []nicctl.MAC) []byte {
	for _, m := range macs {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, m[:])
	}
	return b
}

func (w specWire) appendWire(b []byte) []byte {
	s := w.s
	b = appendUint(b, 1, s.Match)
	b = appendUint(b, 2, s.Priority)
	b = appendUint(b, 3, s.Flags)
	b = appendUint(b, 4, s.RSSContext)
	b = appendUint(b, 5, s.Queue)
	b = appendUint(b, 6, s.VPortID)
	b = appendUint(b, 7, s.StackID)
	b = appendUint(b, 8, s.Encap)
	b = appendUint(b, 9, s.TunnelID)
	b = appendMAC(b, 10, s.LocalMAC)
	b = appendMAC(b, 11, s.RemoteMAC)
	b = appendAddr(b, 12, s.LocalIP)
	b = appendAddr(b, 13, s.RemoteIP)
	b = appendUint(b, 14, s.LocalPort)
	b = appendUint(b, 15, s.RemotePort)
	b = appendUint(b, 16, s.EtherType)
	b = appendUint(b, 17, s.IPProto)
	b = appendUint(b, 18, s.InnerVID)
	return appendUint(b, 19, s.OuterVID)
}

func (w specWire) unmarshalWire(b []byte) error {
	s := w.s
	return eachField(b, func(f field) error {
		switch f.num {
		case 1:
			return decodeUint(f, &s.Match)
		case 2:
			return decodeUint(f, &s.Priority)
		case 3:
			return decodeUint(f, &s.Flags)
		case 4:
			return decodeUint(f, &s.RSSContext)
		case 5:
			return decodeUint(f, &s.Queue)
		case 6:
			return decodeUint(f, &s.VPortID)
		case 7:
			return decodeUint(f, &s.StackID)
		case 8:
			return decodeUint(f, &s.Encap)
		case 9:
			return decodeUint(f, &s.TunnelID)
		case 10:
			return decodeMAC(f, &s.LocalMAC)
		case 11:
			return decodeMAC(f, &s.RemoteMAC)
		case 12:
			return decodeAddr(f, &s.LocalIP)
		case 13:
			return decodeAddr(f, &s.RemoteIP)
		case 14:
			return decodeUint(f, &s.LocalPort)
		case 15:
			return decodeUint(f, &s.RemotePort)
		case 16:
			return decodeUint(f, &s.EtherType)
		case 17:
			return decodeUint(f, &s.IPProto)
		case 18:
			return decodeUint(f, &s.InnerVID)
		case 19:
			return decodeUint(f, &s.OuterVID)
		}
		return nil
	})
}

// rssConfigWire encodes an RSSConfig as a nested message.
type rssConfigWire struct{ c *nicctl.RSSConfig }

func (w rssConfigWire) appendWire(b []byte) []byte {
	b = appendBytes(b, 1, w.c.Key[:])
	return appendBytes(b, 2, w.c.Indir[:])
}

func (w rssConfigWire) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		switch f.num {
		case 1:
			return decodeFixed(f, w.c.Key[:])
		case 2:
			return decodeFixed(f, w.c.Indir[:])
		}
		return nil
	})
}

func appendRSSConfig(b []byte, num protowire.Number, c *nicctl.RSSConfig) []byte {
	if c == nil {
		return b
	}
	return appendMessage(b, num, rssConfigWire{c})
}

func decodeRSSConfig(f field, p **nicctl.RSSConfig) error {
	c := new(nicctl.RSSConfig)
	if err := decodeMessage(f, rssConfigWire{c}); err != nil {
		return err
	}
	*p = c
	return nil
}

func skipAll(field) error { return nil }

func (*Empty) appendWire(b []byte) []byte { return b }

func (*Empty) unmarshalWire(b []byte) error { return eachField(b, skipAll) }

func (r *InsertFilterRequest) appendWire(b []byte) []byte {
	b = appendMessage(b, 1, specWire{&r.Spec})
	return appendBool(b, 2, r.ReplaceEqual)
}

func (r *InsertFilterRequest) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		switch f.num {
		case 1:
			return decodeMessage(f, specWire{&r.Spec})
		case 2:
			return decodeBool(f, &r.ReplaceEqual)
		}
		return nil
	})
}

func (r *InsertFilterResponse) appendWire(b []byte) []byte {
	return appendUint(b, 1, r.ID)
}

func (r *InsertFilterResponse) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		if f.num == 1 {
			return decodeUint(f, &r.ID)
		}
		return nil
	})
}

func (r *FilterRef) appendWire(b []byte) []byte {
	return appendUint(b, 1, r.ID)
}

func (r *FilterRef) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		if f.num == 1 {
			return decodeUint(f, &r.ID)
		}
		return nil
	})
}

func (r *RedirectFilterRequest) appendWire(b []byte) []byte {
	b = appendUint(b, 1, r.ID)
	b = appendUint(b, 2, r.Queue)
	if r.RSSContext != nil {
		b = appendPresent(b, 3, *r.RSSContext)
	}
	return b
}

func (r *RedirectFilterRequest) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		switch f.num {
		case 1:
			return decodeUint(f, &r.ID)
		case 2:
			return decodeUint(f, &r.Queue)
		case 3:
			return decodeOptional(f, &r.RSSContext)
		}
		return nil
	})
}

func (r *Filter) appendWire(b []byte) []byte {
	b = appendUint(b, 1, r.ID)
	b = appendMessage(b, 2, specWire{&r.Spec})
	b = appendUint(b, 3, r.Handle)
	b = appendBool(b, 4, r.Busy)
	return appendBool(b, 5, r.OverAuto)
}

func (r *Filter) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		switch f.num {
		case 1:
			return decodeUint(f, &r.ID)
		case 2:
			return decodeMessage(f, specWire{&r.Spec})
		case 3:
			return decodeUint(f, &r.Handle)
		case 4:
			return decodeBool(f, &r.Busy)
		case 5:
			return decodeBool(f, &r.OverAuto)
		}
		return nil
	})
}

func appendFilters(b []byte, num protowire.Number, filters []Filter) []byte {
	for i := range filters {
		b = appendMessage(b, num, &filters[i])
	}
	return b
}

func (r *ListFiltersRequest) appendWire(b []byte) []byte {
	if r.Priority != nil {
		b = appendPresent(b, 1, *r.Priority)
	}
	return b
}

func (r *ListFiltersRequest) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		if f.num == 1 {
			return decodeOptional(f, &r.Priority)
		}
		return nil
	})
}

func (r *ListFiltersResponse) appendWire(b []byte) []byte {
	return appendFilters(b, 1, r.Filters)
}

func (r *ListFiltersResponse) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		if f.num == 1 {
			return decodeRepeated(f, &r.Filters)
		}
		return nil
	})
}

func (r *ClearFiltersRequest) appendWire(b []byte) []byte {
	return appendUint(b, 1, r.Priority)
}

func (r *ClearFiltersRequest) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		if f.num == 1 {
			return decodeUint(f, &r.Priority)
		}
		return nil
	})
}

func (r *AllocRSSContextRequest) appendWire(b []byte) []byte {
	b = appendBool(b, 1, r.Exclusive)
	b = appendInt(b, 2, r.Queues)
	return appendRSSConfig(b, 3, r.Config)
}

func (r *AllocRSSContextRequest) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		switch f.num {
		case 1:
			return decodeBool(f, &r.Exclusive)
		case 2:
			return decodeInt(f, &r.Queues)
		case 3:
			return decodeRSSConfig(f, &r.Config)
		}
		return nil
	})
}

func (r *RSSContext) appendWire(b []byte) []byte {
	b = appendUint(b, 1, r.ID)
	b = appendBool(b, 2, r.Exclusive)
	b = appendInt(b, 3, r.Queues)
	return appendRSSConfig(b, 4, r.Config)
}

func (r *RSSContext) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		switch f.num {
		case 1:
			return decodeUint(f, &r.ID)
		case 2:
			return decodeBool(f, &r.Exclusive)
		case 3:
			return decodeInt(f, &r.Queues)
		case 4:
			return decodeRSSConfig(f, &r.Config)
		}
		return nil
	})
}

func (r *SetRSSContextRequest) appendWire(b []byte) []byte {
	b = appendUint(b, 1, r.ID)
	return appendRSSConfig(b, 2, &r.Config)
}

func (r *SetRSSContextRequest) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		switch f.num {
		case 1:
			return decodeUint(f, &r.ID)
		case 2:
			return decodeMessage(f, rssConfigWire{&r.Config})
		}
		return nil
	})
}

func (r *RSSContextRef) appendWire(b []byte) []byte {
	return appendUint(b, 1, r.ID)
}

func (r *RSSContextRef) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		if f.num == 1 {
			return decodeUint(f, &r.ID)
		}
		return nil
	})
}

func (r *VLANRequest) appendWire(b []byte) []byte {
	return appendUint(b, 1, r.VID)
}

func (r *VLANRequest) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		if f.num == 1 {
			return decodeUint(f, &r.VID)
		}
		return nil
	})
}

func (r *VLANFiltersResponse) appendWire(b []byte) []byte {
	return appendFilters(b, 1, r.Filters)
}

func (r *VLANFiltersResponse) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		if f.num == 1 {
			return decodeRepeated(f, &r.Filters)
		}
		return nil
	})
}

func (r *RxMode) appendWire(b []byte) []byte {
	b = appendMACs(b, 1, r.Unicast)
	b = appendMACs(b, 2, r.Multicast)
	b = appendBool(b, 3, r.Promiscuous)
	return appendBool(b, 4, r.AllMulticast)
}

func (r *RxMode) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		switch f.num {
		case 1:
			return decodeRepeatedMAC(f, &r.Unicast)
		case 2:
			return decodeRepeatedMAC(f, &r.Multicast)
		case 3:
			return decodeBool(f, &r.Promiscuous)
		case 4:
			return decodeBool(f, &r.AllMulticast)
		}
		return nil
	})
}

func (r *SubmitRequest) appendWire(b []byte) []byte {
	b = appendUint(b, 1, r.Opcode)
	b = appendBytes(b, 2, r.Input)
	return appendInt(b, 3, r.OutLen)
}

func (r *SubmitRequest) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		switch f.num {
		case 1:
			return decodeUint(f, &r.Opcode)
		case 2:
			return decodeBytes(f, &r.Input)
		case 3:
			return decodeInt(f, &r.OutLen)
		}
		return nil
	})
}

func (r *SubmitResponse) appendWire(b []byte) []byte {
	return appendBytes(b, 1, r.Data)
}

func (r *SubmitResponse) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		if f.num == 1 {
			return decodeBytes(f, &r.Data)
		}
		return nil
	})
}

func (r *SelfTestRequest) appendWire(b []byte) []byte {
	return appendInt(b, 1, r.PollIntervalMillis)
}

func (r *SelfTestRequest) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		if f.num == 1 {
			return decodeInt(f, &r.PollIntervalMillis)
		}
		return nil
	})
}

func (r *SelfTestResponse) appendWire(b []byte) []byte {
	b = appendInt(b, 1, r.LoopbackNanos)
	return appendString(b, 2, r.BIST)
}

func (r *SelfTestResponse) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		switch f.num {
		case 1:
			return decodeInt(f, &r.LoopbackNanos)
		case 2:
			return decodeString(f, &r.BIST)
		}
		return nil
	})
}

func (r *Status) appendWire(b []byte) []byte {
	b = appendString(b, 1, r.State)
	b = appendUint(b, 2, r.BootCount)
	b = appendString(b, 3, r.Epoch)
	b = appendString(b, 4, r.Reprobe)
	b = appendUint(b, 5, r.ProtocolMajor)
	b = appendUint(b, 6, r.ProtocolMinor)
	b = appendString(b, 7, r.FirmwareVersion)
	b = appendString(b, 8, r.Capabilities)
	b = appendUint(b, 9, r.MaxFilters)
	b = appendUint(b, 10, r.MaxRSSContexts)
	b = appendUint(b, 11, r.NumVIs)
	b = appendUint(b, 12, r.PIOBuffers)
	b = appendUint(b, 13, r.LicensedValid)
	for _, m := range r.Matches {
		b = protowire.AppendTag(b, 14, protowire.BytesType)
		b = protowire.AppendString(b, m)
	}
	b = appendInt(b, 15, r.TableSize)
	b = appendInt(b, 16, r.Filters)
	b = appendMessage(b, 17, &r.DefaultRSS)
	for i := range r.RSS {
		b = appendMessage(b, 18, &r.RSS[i])
	}
	for _, vid := range r.VLANs {
		b = appendPresent(b, 19, vid)
	}
	b = appendMessage(b, 20, &r.RxMode)
	b = appendUint(b, 21, r.RxEvents)
	b = appendUint(b, 22, r.TxEvents)
	for _, c := range r.Collaborators {
		b = protowire.AppendTag(b, 23, protowire.BytesType)
		b = protowire.AppendString(b, c)
	}
	return b
}

func (r *Status) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		switch f.num {
		case 1:
			return decodeString(f, &r.State)
		case 2:
			return decodeUint(f, &r.BootCount)
		case 3:
			return decodeString(f, &r.Epoch)
		case 4:
			return decodeString(f, &r.Reprobe)
		case 5:
			return decodeUint(f, &r.ProtocolMajor)
		case 6:
			return decodeUint(f, &r.ProtocolMinor)
		case 7:
			return decodeString(f, &r.FirmwareVersion)
		case 8:
			return decodeString(f, &r.Capabilities)
		case 9:
			return decodeUint(f, &r.MaxFilters)
		case 10:
			return decodeUint(f, &r.MaxRSSContexts)
		case 11:
			return decodeUint(f, &r.NumVIs)
		case 12:
			return decodeUint(f, &r.PIOBuffers)
		case 13:
			return decodeUint(f, &r.LicensedValid)
		case 14:
			return decodeRepeatedString(f, &r.Matches)
		case 15:
			return decodeInt(f, &r.TableSize)
		case 16:
			return decodeInt(f, &r.Filters)
		case 17:
			return decodeMessage(f, &r.DefaultRSS)
		case 18:
			return decodeRepeated(f, &r.RSS)
		case 19:
			return decodeRepeatedUint(f, &r.VLANs)
		case 20:
			return decodeMessage(f, &r.RxMode)
		case 21:
			return decodeUint(f, &r.RxEvents)
		case 22:
			return decodeUint(f, &r.TxEvents)
		case 23:
			return decodeRepeatedString(f, &r.Collaborators)
		}
		return nil
	})
}

func (r *Finding) appendWire(b []byte) []byte {
	b = appendString(b, 1, r.Severity)
	b = appendString(b, 2, r.Category)
	return appendString(b, 3, r.Description)
}

func (r *Finding) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		switch f.num {
		case 1:
			return decodeString(f, &r.Severity)
		case 2:
			return decodeString(f, &r.Category)
		case 3:
			return decodeString(f, &r.Description)
		}
		return nil
	})
}

func (r *DoctorReport) appendWire(b []byte) []byte {
	for i := range r.Findings {
		b = appendMessage(b, 1, &r.Findings[i])
	}
	return b
}

func (r *DoctorReport) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		if f.num == 1 {
			return decodeRepeated(f, &r.Findings)
		}
		return nil
	})
}

func (r *RepairResponse) appendWire(b []byte) []byte {
	for _, s := range r.Applied {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	for _, s := range r.Errors {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

func (r *RepairResponse) unmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		switch f.num {
		case 1:
			return decodeRepeatedString(f, &r.Applied)
		case 2:
			return decodeRepeatedString(f, &r.Errors)
		}
		return nil
	})
}
