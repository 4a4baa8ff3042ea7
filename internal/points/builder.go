package points

import (
	"math"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/envoy-ingest/internal/envoy"
)

// Measurement names.
const (
	MeasurementProduction     = "production"
	MeasurementConsumption    = "consumption"
	MeasurementNetConsumption = "net_consumption"
	MeasurementInverter       = "inverter"
	MeasurementMeter          = "meter"
	MeasurementLive           = "live"
)

// Tag keys.
const (
	TagDevice = "device"
	TagOrg    = "org"
	TagSerial = "serial"
	TagEID    = "eid"
	TagType   = "type"
)

// Builder maps Readings to points tagged with one organization.
type Builder struct {
	org string
}

// NewBuilder creates a Builder for org.
func NewBuilder(org string) *Builder {
	return &Builder{org: org}
}

// Build converts r into points.
//
// Production watts are required, as are consumption watts when the section
// is present. A missing or non-finite required value returns a
// *MalformationError and no points. Detail entries without any value are
// omitted.
func (b *Builder) Build(r envoy.Reading) ([]*write.Point, error) {
	if r.DeviceID == "" {
		return nil, &MalformationError{Measurement: "reading", Field: TagDevice, Reason: "is empty"}
	}
	if r.Timestamp.IsZero() {
		return nil, &MalformationError{Measurement: "reading", Field: "timestamp", Reason: "is zero"}
	}
	if r.Production == nil {
		return nil, &MalformationError{Measurement: MeasurementProduction, Field: "watts", Reason: "is missing"}
	}

	out := make([]*write.Point, 0, 3+len(r.Inverters)+len(r.Meters)+1)

	p, err := b.measurement(MeasurementProduction, r, r.Production)
	if err != nil {
		return nil, err
	}
	out = append(out, p)

	if r.Consumption != nil {
		p, err := b.measurement(MeasurementConsumption, r, r.Consumption)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if r.NetConsumption != nil {
		p, err := b.measurement(MeasurementNetConsumption, r, r.NetConsumption)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}

	for _, inv := range r.Inverters {
		f := fields{}
		f.add("watts", inv.LastReportWatts)
		f.add("max_watts", inv.MaxReportWatts)
		if f.empty() || inv.Serial == "" {
			continue
		}
		if err := f.check(MeasurementInverter); err != nil {
			return nil, err
		}
		out = append(out, b.point(MeasurementInverter, r.DeviceID, deviceTime(inv.ReportedAt, r), f, TagSerial, inv.Serial))
	}

	for _, m := range r.Meters {
		f := fields{}
		f.add("active_power", m.ActivePower)
		f.add("instantaneous_demand", m.InstantaneousDemand)
		f.add("voltage", m.Voltage)
		f.add("current", m.Current)
		if f.empty() || m.EID == "" {
			continue
		}
		if err := f.check(MeasurementMeter); err != nil {
			return nil, err
		}
		extra := []string{TagEID, m.EID}
		if m.MeasurementType != "" {
			extra = append(extra, TagType, m.MeasurementType)
		}
		out = append(out, b.point(MeasurementMeter, r.DeviceID, deviceTime(m.Timestamp, r), f, extra...))
	}

	if r.Live != nil {
		f := fields{}
		for _, ch := range []struct {
			name string
			c    envoy.LiveChannel
		}{
			{"pv", r.Live.PV},
			{"load", r.Live.Load},
			{"grid", r.Live.Grid},
			{"storage", r.Live.Storage},
		} {
			f.add(ch.name+"_mw", ch.c.PowerMW)
			f.add(ch.name+"_mva", ch.c.ApparentMVA)
		}
		if !f.empty() {
			if err := f.check(MeasurementLive); err != nil {
				return nil, err
			}
			out = append(out, b.point(MeasurementLive, r.DeviceID, deviceTime(r.Live.UpdatedAt, r), f))
		}
	}

	return out, nil
}

// deviceTime prefers the section's own report time over the reading's.
func deviceTime(reported time.Time, r envoy.Reading) time.Time {
	if reported.IsZero() {
		return r.Timestamp
	}
	return reported
}

func (b *Builder) measurement(name string, r envoy.Reading, m *envoy.Measurement) (*write.Point, error) {
	if m.WattsNow == nil {
		return nil, &MalformationError{Measurement: name, Field: "watts", Reason: "is missing"}
	}
	f := fields{}
	f.add("watts", m.WattsNow)
	f.add("wh_today", m.WattHoursToday)
	f.add("wh_last_7d", m.WattHoursLast7d)
	f.add("wh_lifetime", m.WattHoursLifetime)
	if err := f.check(name); err != nil {
		return nil, err
	}
	return b.point(name, r.DeviceID, r.Timestamp, f), nil
}

// point builds a point with sorted tags and fields. extra holds tag
// key/value pairs.
func (b *Builder) point(name, device string, ts time.Time, f fields, extra ...string) *write.Point {
	p := write.NewPointWithMeasurement(name).
		AddTag(TagDevice, device).
		SetTime(ts)
	if b.org != "" {
		p.AddTag(TagOrg, b.org)
	}
	for i := 0; i+1 < len(extra); i += 2 {
		p.AddTag(extra[i], extra[i+1])
	}
	for _, kv := range f {
		p.AddField(kv.key, kv.value)
	}
	return p.SortTags().SortFields()
}

type field struct {
	key   string
	value float64
}

// fields keeps insertion order; values are copied out of the Reading.
type fields []field

func (f *fields) add(key string, v *float64) {
	if v != nil {
		*f = append(*f, field{key: key, value: *v})
	}
}

func (f fields) empty() bool { return len(f) == 0 }

func (f fields) check(measurement string) error {
	for _, kv := range f {
		if math.IsNaN(kv.value) || math.IsInf(kv.value, 0) {
			return &MalformationError{Measurement: measurement, Field: kv.key, Reason: "is not finite"}
		}
	}
	return nil
}
