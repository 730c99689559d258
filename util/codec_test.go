package util_test

import (
	"bytes"
	"testing"

	"github.com/downfa11-org/filemq/util"
)

func TestPackUnpackInt32(t *testing.T) {
	for _, v := range []int32{0, 1, -1, 2147483647, -2147483648, 123456} {
		got, err := util.UnpackInt32(util.PackInt32(v))
		if err != nil {
			t.Fatalf("unpack %d: %v", v, err)
		}
		if got != v {
			t.Errorf("roundtrip %d got %d", v, got)
		}
	}
}

func TestPackInt32LittleEndian(t *testing.T) {
	if got := util.PackInt32(1); !bytes.Equal(got, []byte{1, 0, 0, 0}) {
		t.Errorf("expected little-endian encoding, got %v", got)
	}
}

func TestUnpackInt32Short(t *testing.T) {
	if _, err := util.UnpackInt32([]byte{1, 2}); err == nil {
		t.Errorf("expected error on short input")
	}
}

func TestSignedCRCNegative(t *testing.T) {
	// IEEE CRC32 of "a" is 0xE8B7BE43, which has bit 31 set and must
	// come out as the negative two's-complement value
	if got := util.SignedCRC([]byte("a")); got != -390611389 {
		t.Errorf("SignedCRC(\"a\") = %d, want -390611389", got)
	}
	if got := util.SignedCRC(nil); got != 0 {
		t.Errorf("SignedCRC(nil) = %d, want 0", got)
	}
}

func TestRecordRoundtrip(t *testing.T) {
	payload := []byte("hello queue")
	rec := util.EncodeRecord(42, 1700000000, payload)

	if len(rec) != util.RecordHeaderSize+len(payload) {
		t.Fatalf("record size %d, want %d", len(rec), util.RecordHeaderSize+len(payload))
	}

	hdr, err := util.DecodeRecordHeader(rec)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if hdr.Seq != 42 || hdr.Time != 1700000000 {
		t.Errorf("header seq=%d time=%d", hdr.Seq, hdr.Time)
	}
	if hdr.Len != int32(len(payload)) {
		t.Errorf("header len=%d want %d", hdr.Len, len(payload))
	}
	if hdr.CRC != util.SignedCRC(payload) {
		t.Errorf("header crc=%d want %d", hdr.CRC, util.SignedCRC(payload))
	}
	if !bytes.Equal(rec[util.RecordHeaderSize:], payload) {
		t.Errorf("payload corrupted in frame")
	}
}

func TestDelayRecord(t *testing.T) {
	rec := util.EncodeDelayRecord(1700000060, []byte("later"))
	due, _ := util.UnpackInt32(rec[0:4])
	length, _ := util.UnpackInt32(rec[4:8])
	if due != 1700000060 || length != 5 {
		t.Errorf("delay record due=%d len=%d", due, length)
	}
	if string(rec[8:]) != "later" {
		t.Errorf("delay record payload %q", rec[8:])
	}
}
