package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/downfa11-org/filemq/pkg/config"
	"github.com/downfa11-org/filemq/pkg/disk"
	"github.com/downfa11-org/filemq/pkg/fifo"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: fifoctl -folder <root> <command> [args]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  stat <topic>      print length, offsets and generation")
	fmt.Fprintln(os.Stderr, "  dump <segment>    walk one .dat file, printing each record")
	fmt.Fprintln(os.Stderr, "  repair <topic>    rebuild the partition index from disk")
	os.Exit(2)
}

func main() {
	folder := flag.String("folder", "filemq-data", "root directory for topics")
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		usage()
	}

	cfg := &config.Config{Folder: *folder}
	q, err := fifo.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open queue:", err)
		os.Exit(1)
	}
	defer q.Release()

	switch args[0] {
	case "stat":
		topic := args[1]
		length, err := q.Length(topic)
		if err != nil {
			fmt.Fprintln(os.Stderr, "length:", err)
			os.Exit(1)
		}
		max, err := q.MaxOffset(topic, true)
		if err != nil {
			fmt.Fprintln(os.Stderr, "max offset:", err)
			os.Exit(1)
		}
		cur, err := q.CurrentOffset(topic, true)
		if err != nil {
			fmt.Fprintln(os.Stderr, "current offset:", err)
			os.Exit(1)
		}
		label, err := q.Label(topic)
		if err != nil {
			fmt.Fprintln(os.Stderr, "label:", err)
			os.Exit(1)
		}
		fmt.Printf("topic=%s length=%d max=%d current=%d generation=%d\n", topic, length, max, cur, label)

	case "dump":
		records, err := disk.ScanSegment(args[1])
		if err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			os.Exit(1)
		}
		for _, r := range records {
			state := "ok"
			if !r.Valid {
				state = "CRC MISMATCH"
			}
			fmt.Printf("seq=%d crc=%d len=%d time=%d offset=%d %s\n", r.Seq, r.CRC, r.Len, r.Time, r.Offset, state)
		}
		fmt.Printf("%d records\n", len(records))

	case "repair":
		if err := q.Store().RepairPartitionIndex(args[1]); err != nil {
			fmt.Fprintln(os.Stderr, "repair:", err)
			os.Exit(1)
		}
		fmt.Println("partition index rebuilt")

	default:
		usage()
	}
}
