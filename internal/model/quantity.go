package model

import (
	"fmt"
	"strings"

	"github.com/docker/go-units"
	"github.com/dustin/go-humanize"
)

// ParseMemory parses memory quantities like "512m" or "2g" into bytes.
// A unit suffix is mandatory.
func ParseMemory(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("memory can't be empty: %w", ErrNotValid)
	}
	unit := strings.TrimSuffix(s, "b")
	if unit == "" || !strings.ContainsAny(unit[len(unit)-1:], "kmgt") {
		return 0, fmt.Errorf("memory %q must end with a k, m or g unit: %w", s, ErrNotValid)
	}
	b, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid memory %q: %w", s, ErrNotValid)
	}
	if b <= 0 {
		return 0, fmt.Errorf("memory must be positive: %w", ErrNotValid)
	}
	return b, nil
}

// ParseSize parses disk sizes like "10GB" into bytes.
func ParseSize(s string) (int64, error) {
	b, err := units.FromHumanSize(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, ErrNotValid)
	}
	return b, nil
}

// HumanBytes formats a byte amount for humans.
func HumanBytes(b int64) string {
	if b <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(b))
}
