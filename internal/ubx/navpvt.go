package ubx

import (
	"encoding/binary"
	"fmt"
	"time"
)

const navPVTLen = 92

// Fix quality values as reported in NAV-PVT fixType.
const (
	FixNone   = 0
	FixDR     = 1
	Fix2D     = 2
	Fix3D     = 3
	FixGNSSDR = 4
	FixTime   = 5
)

// Carrier phase solution values as reported in NAV-PVT flags.
const (
	CarrNone  = 0
	CarrFloat = 1
	CarrFixed = 2
)

// Fix is a decoded NAV-PVT navigation solution in SI units.
type Fix struct {
	ITOW uint32    // GPS time of week, ms
	Time time.Time // UTC, zero when the receiver flags date/time invalid

	FixType   uint8
	GNSSFixOK bool
	CarrSoln  uint8
	NumSV     uint8

	Lat    float64 // degrees
	Lon    float64 // degrees
	Height float64 // ellipsoid, m
	HMSL   float64 // above mean sea level, m
	HAcc   float64 // m
	VAcc   float64 // m

	VelN    float64 // m/s
	VelE    float64 // m/s
	VelD    float64 // m/s
	GSpeed  float64 // m/s
	HeadMot float64 // degrees
	PDOP    float64
}

// Valid reports whether the solution is usable as a position sample.
func (f Fix) Valid() bool {
	return f.GNSSFixOK && f.FixType != FixNone && f.FixType != FixTime
}

// ParseNAVPVT decodes a NAV-PVT payload.
func ParseNAVPVT(p []byte) (Fix, error) {
	if len(p) < navPVTLen {
		return Fix{}, fmt.Errorf("nav-pvt payload too short: %d bytes", len(p))
	}

	le := binary.LittleEndian
	i4 := func(off int) int32 { return int32(le.Uint32(p[off:])) }

	f := Fix{
		ITOW:    le.Uint32(p[0:]),
		FixType: p[20],
		NumSV:   p[23],

		Lon:    float64(i4(24)) * 1e-7,
		Lat:    float64(i4(28)) * 1e-7,
		Height: float64(i4(32)) / 1000,
		HMSL:   float64(i4(36)) / 1000,
		HAcc:   float64(le.Uint32(p[40:])) / 1000,
		VAcc:   float64(le.Uint32(p[44:])) / 1000,

		VelN:    float64(i4(48)) / 1000,
		VelE:    float64(i4(52)) / 1000,
		VelD:    float64(i4(56)) / 1000,
		GSpeed:  float64(i4(60)) / 1000,
		HeadMot: float64(i4(64)) * 1e-5,
		PDOP:    float64(le.Uint16(p[76:])) * 0.01,
	}

	flags := p[21]
	f.GNSSFixOK = flags&0x01 != 0
	f.CarrSoln = (flags >> 6) & 0x03

	// valid: bit0 validDate, bit1 validTime, bit2 fullyResolved.
	if valid := p[11]; valid&0x03 == 0x03 {
		year := int(le.Uint16(p[4:]))
		nano := int(int32(le.Uint32(p[16:])))
		f.Time = time.Date(year, time.Month(p[6]), int(p[7]),
			int(p[8]), int(p[9]), int(p[10]), nano, time.UTC)
	}

	return f, nil
}

// EncodeNAVPVT builds a NAV-PVT payload from a Fix. It is the inverse of
// ParseNAVPVT for the fields this program reads; remaining bytes are zero.
// Used by tests and the replay tooling.
func EncodeNAVPVT(f Fix) []byte {
	p := make([]byte, navPVTLen)
	le := binary.LittleEndian

	le.PutUint32(p[0:], f.ITOW)
	if !f.Time.IsZero() {
		t := f.Time.UTC()
		le.PutUint16(p[4:], uint16(t.Year()))
		p[6] = byte(t.Month())
		p[7] = byte(t.Day())
		p[8] = byte(t.Hour())
		p[9] = byte(t.Minute())
		p[10] = byte(t.Second())
		p[11] = 0x07 // validDate | validTime | fullyResolved
		le.PutUint32(p[16:], uint32(int32(t.Nanosecond())))
	}
	p[20] = f.FixType
	var flags byte
	if f.GNSSFixOK {
		flags |= 0x01
	}
	flags |= (f.CarrSoln & 0x03) << 6
	p[21] = flags
	p[23] = f.NumSV

	le.PutUint32(p[24:], uint32(int32(f.Lon*1e7)))
	le.PutUint32(p[28:], uint32(int32(f.Lat*1e7)))
	le.PutUint32(p[32:], uint32(int32(f.Height*1000)))
	le.PutUint32(p[36:], uint32(int32(f.HMSL*1000)))
	le.PutUint32(p[40:], uint32(f.HAcc*1000))
	le.PutUint32(p[44:], uint32(f.VAcc*1000))
	le.PutUint32(p[48:], uint32(int32(f.VelN*1000)))
	le.PutUint32(p[52:], uint32(int32(f.VelE*1000)))
	le.PutUint32(p[56:], uint32(int32(f.VelD*1000)))
	le.PutUint32(p[60:], uint32(int32(f.GSpeed*1000)))
	le.PutUint32(p[64:], uint32(int32(f.HeadMot*1e5)))
	le.PutUint16(p[76:], uint16(f.PDOP*100))

	return p
}
