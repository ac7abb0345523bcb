package ubx

import (
	"encoding/binary"
	"sync"
)

const (
	sync1 = 0xB5
	sync2 = 0x62

	headerLen   = 6 // sync1 sync2 class id len(2)
	trailerLen  = 2 // ck_a ck_b
	maxPayload  = 4096
	scanReserve = 64 * 1024
)

// Frame is a single checksum-verified UBX message. Payload is owned by the
// frame; the decoder never reuses it.
type Frame struct {
	Class   byte
	ID      byte
	Payload []byte
}

// Name returns the conventional name for known class/id pairs, or "" when
// the message is not one this program interprets.
func (f Frame) Name() string {
	return frameName(f.Class, f.ID)
}

// Recognized reports whether the frame's class/id pair is known. Unrecognized
// frames are still structurally valid and are passed through to callers.
func (f Frame) Recognized() bool {
	return frameName(f.Class, f.ID) != ""
}

func frameName(class, id byte) string {
	switch {
	case class == ClassNAV && id == IDNavPVT:
		return "NAV-PVT"
	case class == ClassNAV && id == IDNavCOV:
		return "NAV-COV"
	case class == ClassACK && id == 0x01:
		return "ACK-ACK"
	case class == ClassACK && id == 0x00:
		return "ACK-NAK"
	case class == ClassRXM && id == IDRxmRTCM:
		return "RXM-RTCM"
	}
	return ""
}

// Message class/id constants for the frames this program cares about.
const (
	ClassNAV = 0x01
	ClassRXM = 0x02
	ClassACK = 0x05

	IDNavPVT  = 0x07
	IDNavCOV  = 0x36
	IDRxmRTCM = 0x32
)

// Stats counts decoder outcomes since construction.
type Stats struct {
	Frames         uint64 `json:"frames"`
	ChecksumErrors uint64 `json:"checksum_errors"`
	DiscardedBytes uint64 `json:"discarded_bytes"`
}

// Decoder extracts UBX frames from a byte stream fed in arbitrary chunks.
// A partial frame is carried across Feed calls; garbage between frames is
// skipped byte by byte until the next sync pattern.
//
// Feed and Next must be called from a single goroutine; Snapshot is safe
// from any goroutine.
type Decoder struct {
	buf []byte

	mu    sync.Mutex
	stats Stats
}

// Feed appends a chunk of serial data to the decoder's buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
	// A stream that never syncs must not grow without bound.
	if len(d.buf) > scanReserve {
		drop := len(d.buf) - scanReserve
		d.buf = append(d.buf[:0], d.buf[drop:]...)
		d.addDiscarded(uint64(drop))
	}
}

// Next returns the next complete, checksum-verified frame, or ok=false when
// the buffer holds no complete frame yet.
func (d *Decoder) Next() (Frame, bool) {
	for {
		i := d.findSync()
		if i < 0 {
			return Frame{}, false
		}
		if i > 0 {
			d.addDiscarded(uint64(i))
			d.buf = d.buf[i:]
		}
		if len(d.buf) < headerLen {
			return Frame{}, false
		}

		plen := int(binary.LittleEndian.Uint16(d.buf[4:6]))
		if plen > maxPayload {
			// Bogus length; this was not a real sync point.
			d.skipSync()
			continue
		}
		total := headerLen + plen + trailerLen
		if len(d.buf) < total {
			return Frame{}, false
		}

		ckA, ckB := checksum(d.buf[2 : headerLen+plen])
		if ckA != d.buf[headerLen+plen] || ckB != d.buf[headerLen+plen+1] {
			d.mu.Lock()
			d.stats.ChecksumErrors++
			d.mu.Unlock()
			d.skipSync()
			continue
		}

		f := Frame{
			Class:   d.buf[2],
			ID:      d.buf[3],
			Payload: append([]byte(nil), d.buf[headerLen:headerLen+plen]...),
		}
		d.buf = d.buf[total:]
		d.mu.Lock()
		d.stats.Frames++
		d.mu.Unlock()
		return f, true
	}
}

// Snapshot returns decode counters.
func (d *Decoder) Snapshot() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Decoder) findSync() int {
	for i := 0; i+1 < len(d.buf); i++ {
		if d.buf[i] == sync1 && d.buf[i+1] == sync2 {
			return i
		}
	}
	// A trailing lone sync1 may be the start of the next frame; keep it.
	if n := len(d.buf); n > 0 && d.buf[n-1] == sync1 {
		if n > 1 {
			d.addDiscarded(uint64(n - 1))
			d.buf = d.buf[n-1:]
		}
		return -1
	}
	d.addDiscarded(uint64(len(d.buf)))
	d.buf = d.buf[:0]
	return -1
}

// skipSync discards the current sync byte so scanning resumes one byte on.
func (d *Decoder) skipSync() {
	d.addDiscarded(1)
	d.buf = d.buf[1:]
}

func (d *Decoder) addDiscarded(n uint64) {
	if n == 0 {
		return
	}
	d.mu.Lock()
	d.stats.DiscardedBytes += n
	d.mu.Unlock()
}

// Encode builds a complete UBX frame around the given payload.
func Encode(class, id byte, payload []byte) []byte {
	out := make([]byte, 0, headerLen+len(payload)+trailerLen)
	out = append(out, sync1, sync2, class, id)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(payload)))
	out = append(out, payload...)
	ckA, ckB := checksum(out[2:])
	return append(out, ckA, ckB)
}

// checksum is the 8-bit Fletcher checksum over class, id, length and payload.
func checksum(p []byte) (byte, byte) {
	var a, b byte
	for _, c := range p {
		a += c
		b += a
	}
	return a, b
}
