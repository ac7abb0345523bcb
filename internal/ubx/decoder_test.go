package ubx

import (
	"bytes"
	"testing"
	"time"
)

func pvtFrame(t *testing.T, f Fix) []byte {
	t.Helper()
	return Encode(ClassNAV, IDNavPVT, EncodeNAVPVT(f))
}

func TestDecoder_SingleFrame(t *testing.T) {
	raw := Encode(ClassACK, 0x01, []byte{0x06, 0x8A})

	var d Decoder
	d.Feed(raw)

	f, ok := d.Next()
	if !ok {
		t.Fatalf("expected frame")
	}
	if f.Class != ClassACK || f.ID != 0x01 {
		t.Fatalf("class/id=%#x/%#x want %#x/0x01", f.Class, f.ID, ClassACK)
	}
	if f.Name() != "ACK-ACK" {
		t.Fatalf("name=%q want ACK-ACK", f.Name())
	}
	if !bytes.Equal(f.Payload, []byte{0x06, 0x8A}) {
		t.Fatalf("payload=%v", f.Payload)
	}
	if _, ok := d.Next(); ok {
		t.Fatalf("expected no second frame")
	}
}

func TestDecoder_FramesInterleavedWithGarbage(t *testing.T) {
	frames := [][]byte{
		Encode(ClassNAV, IDNavPVT, EncodeNAVPVT(Fix{FixType: Fix3D, GNSSFixOK: true, NumSV: 9})),
		Encode(ClassACK, 0x00, []byte{0x06, 0x8A}),
		Encode(0x0A, 0x04, []byte("junkpayload")), // unrecognized class
	}

	var stream []byte
	garbage := []byte{0x00, 0xFF, sync1, 0x13, 0x37, 0xD3}
	for _, f := range frames {
		stream = append(stream, garbage...)
		stream = append(stream, f...)
	}
	stream = append(stream, garbage...)

	var d Decoder
	// Feed one byte at a time to exercise partial-frame state.
	var got []Frame
	for _, b := range stream {
		d.Feed([]byte{b})
		for {
			f, ok := d.Next()
			if !ok {
				break
			}
			got = append(got, f)
		}
	}

	if len(got) != len(frames) {
		t.Fatalf("decoded %d frames, want %d", len(got), len(frames))
	}
	if got[0].Name() != "NAV-PVT" {
		t.Fatalf("frame 0 name=%q want NAV-PVT", got[0].Name())
	}
	if got[1].Name() != "ACK-NAK" {
		t.Fatalf("frame 1 name=%q want ACK-NAK", got[1].Name())
	}
	if got[2].Recognized() {
		t.Fatalf("frame 2 should be unrecognized")
	}
	if !bytes.Equal(got[2].Payload, []byte("junkpayload")) {
		t.Fatalf("frame 2 payload=%q", got[2].Payload)
	}
}

func TestDecoder_ChecksumErrorResync(t *testing.T) {
	good1 := pvtFrame(t, Fix{FixType: Fix3D, GNSSFixOK: true})
	good2 := pvtFrame(t, Fix{FixType: Fix3D, GNSSFixOK: true, NumSV: 12})

	corrupted := append([]byte(nil), good1...)
	corrupted[10] ^= 0xFF // flip a payload byte; checksum now fails

	var d Decoder
	d.Feed(corrupted)
	d.Feed(good2)

	var got []Frame
	for {
		f, ok := d.Next()
		if !ok {
			break
		}
		got = append(got, f)
	}

	if len(got) != 1 {
		t.Fatalf("decoded %d frames, want 1", len(got))
	}
	fix, err := ParseNAVPVT(got[0].Payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if fix.NumSV != 12 {
		t.Fatalf("numSV=%d want 12 (decoded the corrupted frame?)", fix.NumSV)
	}

	st := d.Snapshot()
	if st.ChecksumErrors != 1 {
		t.Fatalf("checksum_errors=%d want 1", st.ChecksumErrors)
	}
	if st.Frames != 1 {
		t.Fatalf("frames=%d want 1", st.Frames)
	}
}

func TestDecoder_BogusLengthIsNotASyncPoint(t *testing.T) {
	good := Encode(ClassACK, 0x01, []byte{1, 2})

	var d Decoder
	// Sync pattern followed by an absurd declared length, then a real frame.
	d.Feed([]byte{sync1, sync2, 0x01, 0x07, 0xFF, 0xFF})
	d.Feed(good)

	f, ok := d.Next()
	if !ok {
		t.Fatalf("expected frame after bogus sync")
	}
	if f.Name() != "ACK-ACK" {
		t.Fatalf("name=%q want ACK-ACK", f.Name())
	}
}

func TestDecoder_PartialFrameWaits(t *testing.T) {
	raw := pvtFrame(t, Fix{FixType: Fix3D, GNSSFixOK: true})

	var d Decoder
	d.Feed(raw[:len(raw)-1])
	if _, ok := d.Next(); ok {
		t.Fatalf("incomplete frame must not decode")
	}
	d.Feed(raw[len(raw)-1:])
	if _, ok := d.Next(); !ok {
		t.Fatalf("expected frame once final byte arrives")
	}
}

func TestParseNAVPVT_RoundTrip(t *testing.T) {
	in := Fix{
		ITOW:      123456789,
		Time:      time.Date(2025, 6, 1, 12, 30, 45, 500_000_000, time.UTC),
		FixType:   Fix3D,
		GNSSFixOK: true,
		CarrSoln:  CarrFixed,
		NumSV:     17,
		Lat:       37.4021234,
		Lon:       127.1015678,
		Height:    123.456,
		HMSL:      100.123,
		HAcc:      0.014,
		VAcc:      0.021,
		VelN:      1.25,
		VelE:      -0.5,
		VelD:      0.125,
		GSpeed:    1.346,
		HeadMot:   123.45678,
		PDOP:      1.32,
	}

	out, err := ParseNAVPVT(EncodeNAVPVT(in))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	approx := func(name string, got, want, tol float64) {
		t.Helper()
		if diff := got - want; diff > tol || diff < -tol {
			t.Fatalf("%s=%v want %v", name, got, want)
		}
	}
	approx("lat", out.Lat, in.Lat, 1e-7)
	approx("lon", out.Lon, in.Lon, 1e-7)
	approx("height", out.Height, in.Height, 1e-3)
	approx("hmsl", out.HMSL, in.HMSL, 1e-3)
	approx("velN", out.VelN, in.VelN, 1e-3)
	approx("velE", out.VelE, in.VelE, 1e-3)
	approx("velD", out.VelD, in.VelD, 1e-3)
	approx("pdop", out.PDOP, in.PDOP, 0.01)
	if !out.Time.Equal(in.Time) {
		t.Fatalf("time=%v want %v", out.Time, in.Time)
	}
	if out.CarrSoln != CarrFixed || out.NumSV != 17 || !out.GNSSFixOK {
		t.Fatalf("flags round-trip: %+v", out)
	}
	if !out.Valid() {
		t.Fatalf("expected valid fix")
	}
}

func TestParseNAVPVT_TooShort(t *testing.T) {
	if _, err := ParseNAVPVT(make([]byte, 20)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestFixValid(t *testing.T) {
	cases := []struct {
		name string
		fix  Fix
		want bool
	}{
		{"3d ok", Fix{FixType: Fix3D, GNSSFixOK: true}, true},
		{"2d ok", Fix{FixType: Fix2D, GNSSFixOK: true}, true},
		{"no fix", Fix{FixType: FixNone, GNSSFixOK: false}, false},
		{"fix not ok", Fix{FixType: Fix3D, GNSSFixOK: false}, false},
		{"time only", Fix{FixType: FixTime, GNSSFixOK: true}, false},
	}
	for _, tc := range cases {
		if got := tc.fix.Valid(); got != tc.want {
			t.Fatalf("%s: valid=%v want %v", tc.name, got, tc.want)
		}
	}
}
