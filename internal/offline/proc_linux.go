//go:build linux

package offline

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"
)

// processRSSBytes returns the resident set size of this process. ok is false
// when /proc is unavailable.
func processRSSBytes() (uint64, bool) {
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, false
	}
	fields := bytes.Fields(b)
	if len(fields) < 2 {
		return 0, false
	}
	pages, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0, false
	}
	return pages * uint64(os.Getpagesize()), true
}

// processAnonBytes reads the anonymous share of RSS from smaps_rollup. It
// separates RAM-tier heap growth from leveldb's file-backed pages.
func processAnonBytes() (uint64, bool) {
	f, err := os.Open("/proc/self/smaps_rollup")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, rest, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(key) != "Anonymous" {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return 0, false
		}
		n, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0, false
		}
		// smaps_rollup reports kB.
		return n * 1024, true
	}
	return 0, false
}
