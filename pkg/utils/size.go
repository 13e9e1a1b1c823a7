package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var sizeRe = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// ParseDataSize parses human-friendly sizes like "4MiB", "512KB" or "1GB"
// into bytes. Decimal (1000-based) and binary (1024-based) units are both
// accepted; a bare number is taken as bytes.
func ParseDataSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}

	matches := sizeRe.FindStringSubmatch(s)
	if len(matches) != 3 {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '4MiB' or '512KB')", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", matches[1])
	}

	multiplier := sizeMultiplier(strings.ToUpper(matches[2]))
	if multiplier == 0 {
		return 0, fmt.Errorf("unknown unit: %s (supported: B, KB, MB, GB, KiB, MiB, GiB)", matches[2])
	}

	bytes := int64(value * float64(multiplier))
	if bytes < 0 {
		return 0, fmt.Errorf("size overflow or negative value")
	}
	return bytes, nil
}

// FormatDataSize renders bytes with binary units.
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	units := []string{"KiB", "MiB", "GiB", "TiB"}
	value := float64(bytes)
	exp := -1
	for value >= unit && exp < len(units)-1 {
		value /= unit
		exp++
	}
	if value == float64(int64(value)) {
		return fmt.Sprintf("%.0f %s", value, units[exp])
	}
	return fmt.Sprintf("%.1f %s", value, units[exp])
}

func sizeMultiplier(unit string) int64 {
	switch unit {
	case "B", "BYTE", "BYTES":
		return 1
	case "KB":
		return 1000
	case "MB":
		return 1000 * 1000
	case "GB":
		return 1000 * 1000 * 1000
	case "KIB", "K":
		return 1024
	case "MIB", "M":
		return 1024 * 1024
	case "GIB", "G":
		return 1024 * 1024 * 1024
	default:
		return 0
	}
}
