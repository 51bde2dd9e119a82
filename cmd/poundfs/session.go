package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/poundfs/poundfs/pkg/blockdev"
	"github.com/poundfs/poundfs/pkg/btree"
	"github.com/poundfs/poundfs/pkg/common/log"
	"github.com/poundfs/poundfs/pkg/config"
	"github.com/poundfs/poundfs/pkg/mkfs"
	"github.com/poundfs/poundfs/pkg/stats"
	"github.com/poundfs/poundfs/pkg/telemetry"
)

// maxReadLen bounds a single READ so a typo cannot dump a whole image
const maxReadLen = 1 << 20

// session holds the state of one interactive shell: the open device and the
// record store on top of it.
type session struct {
	cfg       *config.Config
	tel       telemetry.Telemetry
	logger    log.Logger
	collector *stats.AtomicCollector

	dev     blockdev.Device
	target  string
	records *btree.Operator[[]byte, []byte]
}

func newSession(cfg *config.Config, tel telemetry.Telemetry, logger log.Logger) *session {
	if tel == nil {
		tel = telemetry.NewNoop()
	}
	if logger == nil {
		logger = log.Component("shell")
	}
	return &session{
		cfg:       cfg,
		tel:       tel,
		logger:    logger,
		collector: stats.NewAtomicCollector(),
	}
}

// open replaces the current device with target.
func (s *session) open(target string) error {
	dev, err := openDevice(s.cfg, target, true)
	if err != nil {
		return err
	}
	return s.attach(dev, target)
}

// attach makes dev the current device, closing any previous one.
func (s *session) attach(dev blockdev.Device, target string) error {
	if err := s.close(); err != nil {
		dev.Close()
		return err
	}

	instrumented := blockdev.Instrument(dev, s.collector, s.tel, target)
	records, err := btree.New[[]byte, []byte](instrumented, s.cfg.RootBlock,
		btree.FixedBytes(s.cfg.KeySize), btree.FixedBytes(s.cfg.ValueSize),
		btree.WithLogger(s.logger),
		btree.WithTelemetry(s.tel))
	if err != nil {
		dev.Close()
		return err
	}

	s.dev = instrumented
	s.target = target
	s.records = records
	return nil
}

func (s *session) close() error {
	if s.dev == nil {
		return nil
	}
	err := s.dev.Close()
	s.dev = nil
	s.records = nil
	s.target = ""
	return err
}

func (s *session) prompt() string {
	if s.target == "" {
		return "poundfs> "
	}
	return fmt.Sprintf("poundfs:%s> ", s.target)
}

// execute runs one command line and reports whether the shell should exit.
func (s *session) execute(line string, out io.Writer) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToUpper(parts[0])
	args := parts[1:]

	switch cmd {
	case ".HELP":
		fmt.Fprint(out, helpText)

	case ".OPEN":
		if len(args) != 1 {
			fmt.Fprintln(out, "Error: .open requires a path or grpc://host:port")
			return false
		}
		if err := s.open(args[0]); err != nil {
			fmt.Fprintf(out, "Error opening %s: %s\n", args[0], err)
			return false
		}
		fmt.Fprintf(out, "Opened %s: %d blocks of %d bytes\n", args[0], s.dev.NumBlocks(), s.dev.BlockSize())

	case ".CLOSE":
		if s.dev == nil {
			fmt.Fprintln(out, "No device open")
			return false
		}
		target := s.target
		if err := s.close(); err != nil {
			fmt.Fprintf(out, "Error closing %s: %s\n", target, err)
			return false
		}
		fmt.Fprintf(out, "Closed %s\n", target)

	case ".EXIT":
		if err := s.close(); err != nil {
			fmt.Fprintf(out, "Error closing device: %s\n", err)
		}
		return true

	case ".STATS":
		s.printStats(out)

	case ".MKFS":
		s.mkfs(args, out)

	case "BTCREATE":
		if !s.requireDevice(out) {
			return false
		}
		if err := s.records.Create(); err != nil {
			fmt.Fprintf(out, "Error: %s\n", err)
			return false
		}
		fmt.Fprintf(out, "Created record block %d\n", s.records.Root())

	case "BTGET":
		s.get(args, out)

	case "BTSET", "BTUPDATE":
		s.set(cmd, args, out)

	case "BTSCAN":
		s.scan(out)

	case "READ":
		s.read(args, out)

	case "WRITE":
		s.write(args, out)

	default:
		fmt.Fprintf(out, "Unknown command: %s\n", parts[0])
	}

	return false
}

func (s *session) requireDevice(out io.Writer) bool {
	if s.dev == nil {
		fmt.Fprintln(out, "Error: no device open, use .open PATH")
		return false
	}
	return true
}

func (s *session) mkfs(args []string, out io.Writer) {
	if !s.requireDevice(out) {
		return
	}

	opts := mkfs.Options{
		BlockSize: s.cfg.FSBlockSize,
		AGBlocks:  s.cfg.AGBlocks,
		Name:      s.cfg.FSName,
	}
	if len(args) > 0 {
		size, err := humanize.ParseBytes(args[0])
		if err != nil {
			fmt.Fprintf(out, "Error: bad size %q: %s\n", args[0], err)
			return
		}
		opts.Size = size
	}

	geo, err := mkfs.NewFormatter(s.dev, s.logger, s.tel).MakeFS(context.Background(), opts)
	s.collector.TrackOperation(stats.OpMkfs)
	if err != nil {
		s.collector.TrackError("mkfs")
		fmt.Fprintf(out, "Error: %s\n", err)
		return
	}
	printGeometry(out, geo)
}

func printGeometry(out io.Writer, geo *mkfs.Geometry) {
	fmt.Fprintf(out, "uuid=%s\n", geo.UUID)
	fmt.Fprintf(out, "bsize=%d sectsz=%d blocks=%d (%s)\n",
		geo.BlockSize, geo.SectSize, geo.DBlocks, mkfs.HumanSize(geo.DBlocks*uint64(geo.BlockSize)))
	fmt.Fprintf(out, "agcount=%d agsize=%d last_agsize=%d\n", geo.AGCount, geo.AGBlocks, geo.LastAGBlocks)
	fmt.Fprintf(out, "free=%d\n", geo.FreeBlocks)
	for agno := uint32(0); agno < geo.AGCount; agno++ {
		fmt.Fprintf(out, "  ag %d at %s\n", agno, mkfs.HexAddr(geo.AGStart(agno)*uint64(geo.BlockSize)))
	}
}

func (s *session) get(args []string, out io.Writer) {
	if !s.requireDevice(out) {
		return
	}
	if len(args) != 1 {
		fmt.Fprintln(out, "Error: BTGET requires a key")
		return
	}
	key, err := s.makeKey(args[0])
	if err != nil {
		fmt.Fprintf(out, "Error: %s\n", err)
		return
	}

	start := time.Now()
	rec, err := s.records.Get(key)
	s.collector.TrackOperationWithLatency(stats.OpGet, uint64(time.Since(start).Nanoseconds()))
	switch {
	case errors.Is(err, btree.ErrKeyNotFound):
		fmt.Fprintln(out, "Key not found")
	case err != nil:
		s.collector.TrackError("get")
		fmt.Fprintf(out, "Error: %s\n", err)
	default:
		fmt.Fprintf(out, "%s\n", s.formatValue(rec))
	}
}

func (s *session) set(cmd string, args []string, out io.Writer) {
	if !s.requireDevice(out) {
		return
	}
	if len(args) < 2 {
		fmt.Fprintf(out, "Error: %s requires a key and a value\n", cmd)
		return
	}
	rec, err := s.makeRecord(args[0], strings.Join(args[1:], " "))
	if err != nil {
		fmt.Fprintf(out, "Error: %s\n", err)
		return
	}
	key := rec[:s.cfg.KeySize]

	var res btree.SetResult
	start := time.Now()
	op := stats.OpSet
	if cmd == "BTUPDATE" {
		op = stats.OpUpdate
		res, err = s.records.Update(key, rec)
	} else {
		res, err = s.records.Set(key, rec)
	}
	s.collector.TrackOperationWithLatency(op, uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		if errors.Is(err, btree.ErrKeyNotFound) {
			fmt.Fprintln(out, "Key not found")
			return
		}
		s.collector.TrackError(string(op))
		fmt.Fprintf(out, "Error: %s\n", err)
		return
	}

	switch res {
	case btree.Inserted, btree.Updated:
		fmt.Fprintf(out, "Value stored (%s)\n", res)
	case btree.Exists:
		fmt.Fprintln(out, "Key already exists, use BTUPDATE to replace it")
	case btree.CapacityExceeded:
		fmt.Fprintln(out, "Record block is full")
	}
}

func (s *session) scan(out io.Writer) {
	if !s.requireDevice(out) {
		return
	}
	count := 0
	err := s.records.Scan(func(key, rec []byte) bool {
		count++
		fmt.Fprintf(out, "%s: %s\n", trimPadding(key), s.formatValue(rec))
		return true
	})
	if err != nil {
		fmt.Fprintf(out, "Error: %s\n", err)
		return
	}
	fmt.Fprintf(out, "%d entries found\n", count)
}

func (s *session) read(args []string, out io.Writer) {
	if !s.requireDevice(out) {
		return
	}
	if len(args) != 2 {
		fmt.Fprintln(out, "Error: READ requires an offset and a length")
		return
	}
	off, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		fmt.Fprintf(out, "Error: bad offset %q\n", args[0])
		return
	}
	n, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil || n == 0 || n > maxReadLen {
		fmt.Fprintf(out, "Error: length must be between 1 and %d\n", maxReadLen)
		return
	}

	buf := make([]byte, n)
	if err := blockdev.ReadAllAt(s.dev, off, buf); err != nil {
		fmt.Fprintf(out, "Error: %s\n", err)
		return
	}
	fmt.Fprint(out, hex.Dump(buf))
}

func (s *session) write(args []string, out io.Writer) {
	if !s.requireDevice(out) {
		return
	}
	if len(args) != 2 {
		fmt.Fprintln(out, "Error: WRITE requires an offset and hex data")
		return
	}
	off, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		fmt.Fprintf(out, "Error: bad offset %q\n", args[0])
		return
	}
	data, err := hex.DecodeString(strings.TrimPrefix(args[1], "0x"))
	if err != nil || len(data) == 0 {
		fmt.Fprintf(out, "Error: bad hex data %q\n", args[1])
		return
	}

	if err := blockdev.WriteAllAt(s.dev, off, data); err != nil {
		fmt.Fprintf(out, "Error: %s\n", err)
		return
	}
	fmt.Fprintf(out, "Wrote %d bytes at %s\n", len(data), mkfs.HexAddr(off))
}

// makeKey pads k with zero bytes to the configured key size.
func (s *session) makeKey(k string) ([]byte, error) {
	if len(k) > s.cfg.KeySize {
		return nil, fmt.Errorf("key %q longer than %d bytes", k, s.cfg.KeySize)
	}
	key := make([]byte, s.cfg.KeySize)
	copy(key, k)
	return key, nil
}

// makeRecord lays out key followed by value in one zero padded record.
func (s *session) makeRecord(k, v string) ([]byte, error) {
	if len(k) > s.cfg.KeySize {
		return nil, fmt.Errorf("key %q longer than %d bytes", k, s.cfg.KeySize)
	}
	if len(v) > s.cfg.ValueSize-s.cfg.KeySize {
		return nil, fmt.Errorf("value longer than %d bytes", s.cfg.ValueSize-s.cfg.KeySize)
	}
	rec := make([]byte, s.cfg.ValueSize)
	copy(rec, k)
	copy(rec[s.cfg.KeySize:], v)
	return rec, nil
}

func (s *session) formatValue(rec []byte) string {
	return string(trimPadding(rec[s.cfg.KeySize:]))
}

func trimPadding(b []byte) []byte {
	return bytes.TrimRight(b, "\x00")
}

func (s *session) printStats(out io.Writer) {
	all := s.collector.GetStats()

	fmt.Fprintln(out, "Device Statistics:")
	if s.dev != nil {
		fmt.Fprintf(out, "  target: %s\n", s.target)
		fmt.Fprintf(out, "  geometry: %d blocks of %d bytes (%s)\n",
			s.dev.NumBlocks(), s.dev.BlockSize(),
			humanize.IBytes(s.dev.NumBlocks()*uint64(s.dev.BlockSize())))
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		if strings.HasPrefix(k, "last_") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := all[k].(type) {
		case map[string]uint64:
			if len(v) == 0 {
				continue
			}
			fmt.Fprintf(out, "  %s:\n", k)
			names := make([]string, 0, len(v))
			for name := range v {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "    %s: %d\n", name, v[name])
			}
		case map[string]interface{}:
			fmt.Fprintf(out, "  %s: count=%v avg=%v\n", k, v["count"], formatNs(v["avg_ns"]))
		case uint64:
			if strings.HasPrefix(k, "total_bytes") {
				fmt.Fprintf(out, "  %s: %s\n", k, humanize.IBytes(v))
			} else {
				fmt.Fprintf(out, "  %s: %d\n", k, v)
			}
		default:
			fmt.Fprintf(out, "  %s: %v\n", k, v)
		}
	}
}

func formatNs(v interface{}) string {
	ns, ok := v.(uint64)
	if !ok {
		return "-"
	}
	return time.Duration(ns).String()
}
