package main

import (
	"math"
	"time"

	"PressureServer/transducer"
)

type SensorReading struct {
	Pressure      float64   `json:"pressure"`
	Units         string    `json:"units"`
	Temperature   float64   `json:"temperature"`
	BridgeVoltage float64   `json:"bridgeVoltage"`
	DiodeVoltage  float64   `json:"diodeVoltage"`
	BridgeCounts  int32     `json:"bridgeCounts"`
	DiodeCounts   int32     `json:"diodeCounts"`
	Humidity      float64   `json:"humidity"`
	CO2           uint16    `json:"co2"`
	Valid         bool      `json:"valid"`
	Updated       time.Time `json:"-"`
	UpdatedStr    string    `json:"updated"`
}

func NewSensorReading(date time.Time) SensorReading {
	return SensorReading{
		Updated:    date,
		UpdatedStr: date.Format("2006-01-02 15:04:05"), // ISO 8601 without timezone
	}
}

// fromTransducer copies a compensated sample. JSON has no NaN, so
// non-finite values from an uncharacterized module are reported as 0.
func (s *SensorReading) fromTransducer(r transducer.Reading) {
	s.Pressure = finite(r.Pressure)
	s.Units = r.Units
	s.Temperature = finite(r.Temperature)
	s.BridgeVoltage = finite(r.BridgeVoltage)
	s.DiodeVoltage = finite(r.DiodeVoltage)
	s.BridgeCounts = r.Bridge
	s.DiodeCounts = r.Diode
}

func finite(f float32) float64 {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

type ZeroRequest struct {
	ZeroOffset float32 `json:"zeroOffset"`
}

type SpanRequest struct {
	Points []transducer.SpanPoint `json:"points"`
}
