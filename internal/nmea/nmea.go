// Package nmea is the NMEA source mode: some receivers are configured for
// sentence output instead of the binary protocol. It also builds the GGA
// sentences the correction service expects as a position report.
package nmea

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"time"

	gonmea "github.com/adrianmo/go-nmea"

	"gnss-streamer/internal/sample"
)

const knotsToMS = 0.514444

// maxLine bounds sentence length; NMEA 0183 says 82, receivers sometimes
// exceed it slightly.
const maxLine = 128

// Parser assembles lines from raw serial chunks and merges GGA (position,
// quality) with RMC (speed, course) into position samples. One sample is
// emitted per GGA sentence carrying a usable fix.
type Parser struct {
	buf []byte

	haveRMC bool
	rmcAt   time.Time
	speedMS float64
	course  float64

	ParseErrors uint64
}

// Feed consumes a chunk of serial bytes and returns any completed samples.
func (p *Parser) Feed(chunk []byte, now time.Time) []sample.Sample {
	p.buf = append(p.buf, chunk...)

	var out []sample.Sample
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			if len(p.buf) > maxLine {
				p.buf = p.buf[:0]
			}
			return out
		}
		line := strings.TrimSpace(string(p.buf[:i]))
		p.buf = p.buf[i+1:]
		if line == "" || !strings.HasPrefix(line, "$") {
			continue
		}
		if s, ok := p.parseLine(line, now); ok {
			out = append(out, s)
		}
	}
}

func (p *Parser) parseLine(line string, now time.Time) (sample.Sample, bool) {
	sent, err := gonmea.Parse(line)
	if err != nil {
		p.ParseErrors++
		return sample.Sample{}, false
	}

	switch sent.DataType() {
	case gonmea.TypeRMC:
		m := sent.(gonmea.RMC)
		if m.Validity != gonmea.ValidRMC {
			return sample.Sample{}, false
		}
		p.haveRMC = true
		p.rmcAt = now
		p.speedMS = m.Speed * knotsToMS
		p.course = m.Course
		return sample.Sample{}, false

	case gonmea.TypeGGA:
		m := sent.(gonmea.GGA)
		fixType, carrSoln, ok := mapQuality(m.FixQuality)
		if !ok {
			return sample.Sample{}, false
		}
		s := sample.Sample{
			Time:     now,
			Lat:      m.Latitude,
			Lon:      m.Longitude,
			HMSL:     m.Altitude,
			Height:   m.Altitude + m.Separation,
			FixType:  fixType,
			CarrSoln: carrSoln,
			NumSV:    uint8(m.NumSatellites),
		}
		// Velocity comes from the paired RMC; stale course data is
		// worse than none.
		if p.haveRMC && now.Sub(p.rmcAt) < 2*time.Second {
			rad := p.course * math.Pi / 180
			s.VelN = p.speedMS * math.Cos(rad)
			s.VelE = p.speedMS * math.Sin(rad)
			s.HasVel = true
		}
		return s, true
	}
	return sample.Sample{}, false
}

// mapQuality converts a GGA fix quality indicator to the fix type and
// carrier solution fields used in the binary protocol's reports.
func mapQuality(q string) (fixType, carrSoln uint8, ok bool) {
	switch q {
	case gonmea.GPS, gonmea.DGPS, gonmea.PPS:
		return 3, 0, true
	case gonmea.RTK:
		return 3, 2, true
	case gonmea.FRTK:
		return 3, 1, true
	default:
		return 0, 0, false
	}
}

// BuildGGA renders a sample as a GGA sentence for upload to the correction
// service.
func BuildGGA(s sample.Sample, now time.Time) string {
	lat, latHemi := absDegToNMEA(s.Lat, "N", "S", 2)
	lon, lonHemi := absDegToNMEA(s.Lon, "E", "W", 3)

	quality := 1
	switch s.CarrSoln {
	case 2:
		quality = 4
	case 1:
		quality = 5
	}

	body := fmt.Sprintf("GPGGA,%s,%s,%s,%s,%s,%d,%02d,1.0,%.1f,M,%.1f,M,,",
		now.UTC().Format("150405.00"),
		lat, latHemi, lon, lonHemi,
		quality, s.NumSV, s.HMSL, s.Height-s.HMSL)
	return fmt.Sprintf("$%s*%02X", body, nmeaChecksum(body))
}

// absDegToNMEA converts decimal degrees to the ddmm.mmmm (or dddmm.mmmm)
// field plus hemisphere letter.
func absDegToNMEA(deg float64, pos, neg string, degDigits int) (string, string) {
	hemi := pos
	if deg < 0 {
		hemi = neg
		deg = -deg
	}
	d := math.Floor(deg)
	m := (deg - d) * 60
	return fmt.Sprintf("%0*.0f%07.4f", degDigits, d, m), hemi
}

func nmeaChecksum(body string) byte {
	var ck byte
	for i := 0; i < len(body); i++ {
		ck ^= body[i]
	}
	return ck
}
