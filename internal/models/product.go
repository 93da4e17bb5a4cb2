package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Platform identifies the store that issued a receipt
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// Level is the subscription tier encoded in a product id
type Level string

const (
	LevelBasic    Level = "basic"
	LevelStandard Level = "standard"
	LevelPremium  Level = "premium"
)

// Duration is the billing period encoded in a product id
type Duration string

const (
	DurationWeekly    Duration = "weekly"
	DurationMonthly   Duration = "monthly"
	DurationQuarterly Duration = "quarterly"
	DurationYearly    Duration = "yearly"
)

var (
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrInvalidProductID    = errors.New("invalid product id")
)

var (
	knownLevels    = map[Level]bool{LevelBasic: true, LevelStandard: true, LevelPremium: true}
	knownDurations = map[Duration]bool{DurationWeekly: true, DurationMonthly: true, DurationQuarterly: true, DurationYearly: true}
)

// ParsePlatform accepts the two platform tags used on the wire
func ParsePlatform(value string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(value))); p {
	case PlatformIOS, PlatformAndroid:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedPlatform, value)
	}
}

// ProductInfo is a product id split into its structured parts
type ProductInfo struct {
	ID        string
	Namespace string
	Level     Level
	Duration  Duration
}

// ParseProductID splits "<namespace>.<level>.<duration>". When namespace is
// not empty the id must live under it.
func ParseProductID(id, namespace string) (ProductInfo, error) {
	id = strings.TrimSpace(id)
	parts := strings.Split(id, ".")
	if len(parts) < 3 {
		return ProductInfo{}, fmt.Errorf("%w: %q does not match <namespace>.<level>.<duration>", ErrInvalidProductID, id)
	}
	for _, part := range parts {
		if part == "" {
			return ProductInfo{}, fmt.Errorf("%w: %q has an empty segment", ErrInvalidProductID, id)
		}
	}

	info := ProductInfo{
		ID:        id,
		Namespace: strings.Join(parts[:len(parts)-2], "."),
		Level:     Level(strings.ToLower(parts[len(parts)-2])),
		Duration:  Duration(strings.ToLower(parts[len(parts)-1])),
	}
	if namespace != "" && info.Namespace != namespace {
		return ProductInfo{}, fmt.Errorf("%w: %q is outside namespace %q", ErrInvalidProductID, id, namespace)
	}
	if !knownLevels[info.Level] {
		return ProductInfo{}, fmt.Errorf("%w: unknown level %q", ErrInvalidProductID, info.Level)
	}
	if !knownDurations[info.Duration] {
		return ProductInfo{}, fmt.Errorf("%w: unknown duration %q", ErrInvalidProductID, info.Duration)
	}
	return info, nil
}

// Period returns the nominal billing period of d
func (d Duration) Period() time.Duration {
	const day = 24 * time.Hour
	switch d {
	case DurationWeekly:
		return 7 * day
	case DurationMonthly:
		return 30 * day
	case DurationQuarterly:
		return 91 * day
	case DurationYearly:
		return 365 * day
	default:
		return 0
	}
}
