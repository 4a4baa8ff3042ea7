package envoy

import (
	"time"
)

// Reading is one telemetry sample fetched from the gateway.
// It is not modified after Fetch returns it.
type Reading struct {
	DeviceID string

	// Timestamp is the device-reported reading time, or the fetch time
	// when the device did not report one.
	Timestamp time.Time

	// Production is always present on a successful fetch, though its
	// fields may be missing when the device reports a partial document.
	Production *Measurement

	// Consumption and NetConsumption are nil on gateways without
	// consumption CTs.
	Consumption    *Measurement
	NetConsumption *Measurement

	// Optional detail sections, nil unless enabled and fetched.
	Inverters []Inverter
	Meters    []Meter
	Live      *Live
}

// Measurement is one production or consumption channel.
// Pointers distinguish a missing value from a zero reading.
type Measurement struct {
	WattsNow          *float64
	WattHoursToday    *float64
	WattHoursLast7d   *float64
	WattHoursLifetime *float64
}

// Inverter is the latest report of one microinverter.
type Inverter struct {
	Serial          string
	LastReportWatts *float64
	MaxReportWatts  *float64
	ReportedAt      time.Time
}

// Meter is an instantaneous reading of one current transformer.
type Meter struct {
	EID                 string
	MeasurementType     string
	ActivePower         *float64
	InstantaneousDemand *float64
	Voltage             *float64
	Current             *float64
	Timestamp           time.Time
}

// Live is the live-data snapshot. Power is in milliwatts and apparent power
// in milli-volt-amperes, as reported by the gateway.
type Live struct {
	UpdatedAt time.Time
	PV        LiveChannel
	Load      LiveChannel
	Grid      LiveChannel
	Storage   LiveChannel
}

// LiveChannel is one aggregate of the live-data snapshot.
type LiveChannel struct {
	PowerMW     *float64
	ApparentMVA *float64
}

// --- wire formats ---

// productionDoc is /production.json?details=1.
type productionDoc struct {
	Production  []productionEntry `json:"production"`
	Consumption []productionEntry `json:"consumption"`
}

type productionEntry struct {
	Type            string   `json:"type"`
	MeasurementType string   `json:"measurementType"`
	ActiveCount     int      `json:"activeCount"`
	ReadingTime     int64    `json:"readingTime"`
	WNow            *float64 `json:"wNow"`
	WhToday         *float64 `json:"whToday"`
	WhLastSevenDays *float64 `json:"whLastSevenDays"`
	WhLifetime      *float64 `json:"whLifetime"`
}

func (e productionEntry) measurement() *Measurement {
	return &Measurement{
		WattsNow:          e.WNow,
		WattHoursToday:    e.WhToday,
		WattHoursLast7d:   e.WhLastSevenDays,
		WattHoursLifetime: e.WhLifetime,
	}
}

// pickProduction prefers the revenue-grade meter over the inverter sum.
func pickProduction(entries []productionEntry) (productionEntry, bool) {
	var inverters *productionEntry
	for i := range entries {
		e := entries[i]
		if e.Type == "eim" && e.MeasurementType == "production" && e.ActiveCount > 0 {
			return e, true
		}
		if e.Type == "inverters" && inverters == nil {
			inverters = &entries[i]
		}
	}
	if inverters != nil {
		return *inverters, true
	}
	return productionEntry{}, false
}

func findConsumption(entries []productionEntry, measurementType string) *Measurement {
	for _, e := range entries {
		if e.MeasurementType == measurementType {
			return e.measurement()
		}
	}
	return nil
}

// inverterDoc is one element of /api/v1/production/inverters.
type inverterDoc struct {
	SerialNumber    string   `json:"serialNumber"`
	LastReportDate  int64    `json:"lastReportDate"`
	LastReportWatts *float64 `json:"lastReportWatts"`
	MaxReportWatts  *float64 `json:"maxReportWatts"`
}

// meterDoc is one element of /ivp/meters/readings.
type meterDoc struct {
	EID                 int64    `json:"eid"`
	MeasurementType     string   `json:"measurementType"`
	Timestamp           int64    `json:"timestamp"`
	ActivePower         *float64 `json:"activePower"`
	InstantaneousDemand *float64 `json:"instantaneousDemand"`
	Voltage             *float64 `json:"voltage"`
	Current             *float64 `json:"current"`
}

// liveDoc is /ivp/livedata/status.
type liveDoc struct {
	Connection struct {
		SCStream string `json:"sc_stream"`
	} `json:"connection"`
	Meters struct {
		LastUpdate int64          `json:"last_update"`
		PV         liveChannelDoc `json:"pv"`
		Load       liveChannelDoc `json:"load"`
		Grid       liveChannelDoc `json:"grid"`
		Storage    liveChannelDoc `json:"storage"`
	} `json:"meters"`
}

type liveChannelDoc struct {
	AggPMW  *float64 `json:"agg_p_mw"`
	AggSMVA *float64 `json:"agg_s_mva"`
}

func (c liveChannelDoc) channel() LiveChannel {
	return LiveChannel{PowerMW: c.AggPMW, ApparentMVA: c.AggSMVA}
}

// epochOr converts epoch seconds to UTC, falling back when unset.
func epochOr(sec int64, fallback time.Time) time.Time {
	if sec <= 0 {
		return fallback
	}
	return time.Unix(sec, 0).UTC()
}
