//go:build linux

package imgcache

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"
)

// processRSSBytes returns the resident set size from /proc/self/statm.
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

// smapsKeys are the rollup lines that tell decoded payload buffers (anon)
// apart from mapped files.
var smapsKeys = []string{"Rss", "Anonymous", "Shared_Clean", "Private_Dirty", "Swap"}

// processSmapsRollupBytes reads the subset of /proc/self/smaps_rollup named
// in smapsKeys, converted from kB to bytes.
func processSmapsRollupBytes() (map[string]uint64, bool) {
	f, err := os.Open("/proc/self/smaps_rollup")
	if err != nil {
		return nil, false
	}
	defer f.Close()

	want := make(map[string]bool, len(smapsKeys))
	for _, k := range smapsKeys {
		want[k] = true
	}
	vals := make(map[string]uint64, len(smapsKeys))
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		name, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok || !want[strings.TrimSpace(name)] {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		kb, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		vals[strings.TrimSpace(name)] = kb << 10
	}
	if sc.Err() != nil || len(vals) == 0 {
		return nil, false
	}
	return vals, true
}

func formatSmapsRollup(vals map[string]uint64) string {
	parts := make([]string, 0, len(vals))
	for _, k := range smapsKeys {
		if v, ok := vals[k]; ok {
			parts = append(parts, k+"="+formatBytes(v))
		}
	}
	return strings.Join(parts, " ")
}
