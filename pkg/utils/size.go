package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	Byte     int64 = 1
	KiloByte int64 = 1024
	MegaByte int64 = 1024 * KiloByte
	GigaByte int64 = 1024 * MegaByte
	TeraByte int64 = 1024 * GigaByte
	PetaByte int64 = 1024 * TeraByte
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// Decimal suffixes are 1000-based; IEC suffixes and single letters are 1024-based.
var unitMultipliers = map[string]int64{
	"B": 1, "BYTE": 1, "BYTES": 1,
	"KB": 1000, "MB": 1000 * 1000, "GB": 1000 * 1000 * 1000,
	"TB": 1000 * 1000 * 1000 * 1000, "PB": 1000 * 1000 * 1000 * 1000 * 1000,
	"K": KiloByte, "KIB": KiloByte,
	"M": MegaByte, "MIB": MegaByte,
	"G": GigaByte, "GIB": GigaByte,
	"T": TeraByte, "TIB": TeraByte,
	"P": PetaByte, "PIB": PetaByte,
}

// ParseDataSize parses bag and capacity sizes such as "4096", "512MB",
// "1.5TiB" and returns the size in bytes.
func ParseDataSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	if val, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("negative size: %s", sizeStr)
		}
		return val, nil
	}

	matches := sizePattern.FindStringSubmatch(sizeStr)
	if len(matches) != 3 {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '1GB', '512MB', '1.5TB')", sizeStr)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", matches[1])
	}

	multiplier, ok := unitMultipliers[strings.ToUpper(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %s (supported: B, KB, MB, GB, TB, PB, KiB, MiB, GiB, TiB, PiB)", matches[2])
	}

	bytes := int64(value * float64(multiplier))
	if bytes < 0 {
		return 0, fmt.Errorf("size overflow or negative value")
	}
	return bytes, nil
}

// FormatDataSize renders a byte count with binary units, e.g. "1.5 GB".
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}
	if bytes < KiloByte {
		return fmt.Sprintf("%d B", bytes)
	}

	units := []string{"KB", "MB", "GB", "TB", "PB"}
	value := float64(bytes)
	i := -1
	for value >= float64(KiloByte) && i < len(units)-1 {
		value /= float64(KiloByte)
		i++
	}

	switch {
	case value == float64(int64(value)):
		return fmt.Sprintf("%.0f %s", value, units[i])
	case value*10 == float64(int64(value*10)):
		return fmt.Sprintf("%.1f %s", value, units[i])
	}
	return fmt.Sprintf("%.2f %s", value, units[i])
}
