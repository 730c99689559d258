package disk_test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestManifestRebuiltWhenDeleted(t *testing.T) {
	s, dir := newTestStore(t, 1, 0)

	for i := 0; i < 5; i++ {
		if _, err := s.Append("t", [][]byte{[]byte(fmt.Sprintf("m%d", i))}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	piPath := filepath.Join(dir, "t", "partitionIndex")
	if err := os.Remove(piPath); err != nil {
		t.Fatalf("remove partitionIndex: %v", err)
	}
	s.Release()

	max, err := s.MaxOffset("t", false)
	if err != nil {
		t.Fatalf("MaxOffset after delete: %v", err)
	}
	if max != 5 {
		t.Fatalf("MaxOffset = %d, want 5", max)
	}
	if _, err := os.Stat(piPath); err != nil {
		t.Fatalf("partitionIndex not rebuilt: %v", err)
	}

	for i := 0; i < 5; i++ {
		msg, err := s.Pop("t")
		if err != nil {
			t.Fatalf("Pop %d: %v", i, err)
		}
		if msg == nil || string(msg.Payload) != fmt.Sprintf("m%d", i) {
			t.Fatalf("Pop %d = %v", i, msg)
		}
	}
}

func TestManifestRepairedWhenTorn(t *testing.T) {
	s, dir := newTestStore(t, 1, 0)

	// two segments on disk
	payload := bytes.Repeat([]byte("y"), 64*1024)
	batch := make([][]byte, 10)
	for i := range batch {
		batch[i] = payload
	}
	for b := 0; b < 3; b++ {
		if _, err := s.Append("t", batch); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	piPath := filepath.Join(dir, "t", "partitionIndex")
	info, err := os.Stat(piPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(piPath, info.Size()-2); err != nil {
		t.Fatalf("tear manifest: %v", err)
	}
	s.Release()

	max, err := s.MaxOffset("t", false)
	if err != nil {
		t.Fatalf("MaxOffset after tear: %v", err)
	}
	if max != 30 {
		t.Fatalf("MaxOffset = %d, want 30", max)
	}

	repaired, err := os.ReadFile(piPath)
	if err != nil {
		t.Fatalf("read repaired manifest: %v", err)
	}
	if len(repaired)%4 != 0 || len(repaired) != int(info.Size()) {
		t.Fatalf("repaired manifest has %d bytes, want %d", len(repaired), info.Size())
	}
}

func TestRepairMatchesOnDiskSegments(t *testing.T) {
	s, dir := newTestStore(t, 1, 0)

	payload := bytes.Repeat([]byte("z"), 64*1024)
	batch := make([][]byte, 10)
	for i := range batch {
		batch[i] = payload
	}
	for b := 0; b < 3; b++ {
		if _, err := s.Append("t", batch); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	piPath := filepath.Join(dir, "t", "partitionIndex")
	before, err := os.ReadFile(piPath)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}

	if err := s.RepairPartitionIndex("t"); err != nil {
		t.Fatalf("RepairPartitionIndex: %v", err)
	}
	after, err := os.ReadFile(piPath)
	if err != nil {
		t.Fatalf("read rebuilt manifest: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("repair produced %v, want %v", after, before)
	}
}

func TestWriteToFreshTopicSeedsManifest(t *testing.T) {
	s, dir := newTestStore(t, 1, 0)

	if _, err := s.Append("fresh", [][]byte{[]byte("first")}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "fresh", "partitionIndex"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if !bytes.Equal(data, []byte{0, 0, 0, 0}) {
		t.Fatalf("fresh manifest = %v, want single zero entry", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "fresh", "0000000000.dat")); err != nil {
		t.Fatalf("segment not created: %v", err)
	}
}
