package imgcache

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// parseBytes accepts human sizes such as "512k", "20MB" or "1.5GiB". Bare
// single-letter suffixes are treated as binary units.
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative size")
	}
	lower := strings.ToLower(s)
	switch lower[len(lower)-1] {
	case 'k', 'm', 'g':
		s += "iB"
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return int64(v), nil
}

func formatBytes(b uint64) string {
	return strings.ReplaceAll(humanize.IBytes(b), " ", "")
}
