package sample

import "time"

// Sample is one normalized position fix, real or extrapolated. Its JSON
// encoding is the wire record delivered to TCP clients (one object per
// line), websocket subscribers and MQTT.
type Sample struct {
	Time     time.Time  `json:"timestamp"`
	GNSSTime *time.Time `json:"gnss_time,omitempty"`

	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Height float64 `json:"height"` // ellipsoid, m
	HMSL   float64 `json:"h_msl"`  // above mean sea level, m

	VelN float64 `json:"vel_n"`
	VelE float64 `json:"vel_e"`
	VelD float64 `json:"vel_d"`
	// HasVel distinguishes a true zero velocity from an unknown one
	// (NMEA sources report no vertical velocity at all).
	HasVel bool `json:"-"`

	FixType  uint8 `json:"fix_type"`
	CarrSoln uint8 `json:"carr_soln"`
	NumSV    uint8 `json:"num_sv"`

	HAcc float64 `json:"h_acc,omitempty"`

	Synthetic bool `json:"extrapolated"`
}
