// Package points maps gateway Readings to InfluxDB points.
//
// Build is pure: the same Reading always yields the same points in the same
// order, with tags and fields sorted. Every point carries the device and org
// tags. Totals share the Reading timestamp. Inverter, meter and live points
// use the time the gateway reported for that section, falling back to the
// Reading timestamp when it reported none.
//
// Measurements:
//
//	production       watts, wh_today, wh_last_7d, wh_lifetime
//	consumption      same fields, when the gateway has consumption CTs
//	net_consumption  same fields, negative watts when exporting
//	inverter         watts, max_watts; tagged serial
//	meter            active_power, instantaneous_demand, voltage, current; tagged eid, type
//	live             {pv,load,grid,storage}_mw and _mva
package points
