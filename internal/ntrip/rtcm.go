package ntrip

import (
	"sync"

	"github.com/goblimey/go-crc24q/crc24q"
)

const (
	rtcmPreamble   = 0xD3
	rtcmLeaderLen  = 3
	rtcmCRCLen     = 3
	rtcmMaxPayload = 1023 // 10-bit length field
)

// splitterStats counts framing outcomes on the correction stream.
type splitterStats struct {
	Frames         uint64 `json:"frames"`
	CRCErrors      uint64 `json:"crc_errors"`
	DiscardedBytes uint64 `json:"discarded_bytes"`
}

// rtcmSplitter reassembles whole RTCM3 frames from an arbitrary chunking of
// the correction byte stream. Only CRC-verified complete frames are emitted,
// so write-through to the receiver never interleaves partial frames.
type rtcmSplitter struct {
	buf []byte

	mu    sync.Mutex
	stats splitterStats
}

// Feed appends a chunk and returns every complete frame it finishes.
func (r *rtcmSplitter) Feed(p []byte) [][]byte {
	r.buf = append(r.buf, p...)

	var out [][]byte
	for {
		i := r.findPreamble()
		if i < 0 {
			return out
		}
		if i > 0 {
			r.addDiscarded(i)
			r.buf = r.buf[i:]
		}
		if len(r.buf) < rtcmLeaderLen {
			return out
		}

		plen := int(r.buf[1]&0x03)<<8 | int(r.buf[2])
		total := rtcmLeaderLen + plen + rtcmCRCLen
		if len(r.buf) < total {
			return out
		}

		crc := crc24q.Hash(r.buf[:rtcmLeaderLen+plen])
		if crc24q.HiByte(crc) != r.buf[total-3] ||
			crc24q.MiByte(crc) != r.buf[total-2] ||
			crc24q.LoByte(crc) != r.buf[total-1] {
			r.mu.Lock()
			r.stats.CRCErrors++
			r.mu.Unlock()
			r.addDiscarded(1)
			r.buf = r.buf[1:]
			continue
		}

		frame := append([]byte(nil), r.buf[:total]...)
		r.buf = r.buf[total:]
		r.mu.Lock()
		r.stats.Frames++
		r.mu.Unlock()
		out = append(out, frame)
	}
}

func (r *rtcmSplitter) findPreamble() int {
	for i, b := range r.buf {
		if b == rtcmPreamble {
			return i
		}
	}
	r.addDiscarded(len(r.buf))
	r.buf = r.buf[:0]
	return -1
}

func (r *rtcmSplitter) addDiscarded(n int) {
	if n == 0 {
		return
	}
	r.mu.Lock()
	r.stats.DiscardedBytes += uint64(n)
	r.mu.Unlock()
}

func (r *rtcmSplitter) snapshot() splitterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// messageType extracts the 12-bit RTCM message number from a whole frame.
func messageType(frame []byte) int {
	if len(frame) < rtcmLeaderLen+2 {
		return 0
	}
	return int(frame[3])<<4 | int(frame[4])>>4
}
