package provider

import (
	"math"
	"strconv"
	"strings"
)

const aspectTolerance = 0.1

type aspectRatio struct {
	label string
	value float64
}

var supportedAspectRatios = []aspectRatio{
	{"1:1", 1},
	{"16:9", 16.0 / 9.0},
	{"9:16", 9.0 / 16.0},
	{"4:3", 4.0 / 3.0},
	{"3:4", 3.0 / 4.0},
	{"3:2", 3.0 / 2.0},
	{"2:3", 2.0 / 3.0},
}

// AspectRatioFor maps a WxH pixel size onto the nearest supported aspect ratio.
// It returns "" when the size cannot be parsed or no ratio is within tolerance.
// A size already written as a supported ratio such as "16:9" is returned as-is.
func AspectRatioFor(size string) string {
	size = strings.TrimSpace(strings.ToLower(size))
	for _, ratio := range supportedAspectRatios {
		if size == ratio.label {
			return ratio.label
		}
	}

	width, height, ok := parseSize(size)
	if !ok {
		return ""
	}

	target := width / height
	best := ""
	bestDiff := math.Inf(1)
	for _, ratio := range supportedAspectRatios {
		diff := math.Abs(ratio.value - target)
		if diff < bestDiff {
			best = ratio.label
			bestDiff = diff
		}
	}

	if bestDiff > aspectTolerance {
		return ""
	}
	return best
}

func parseSize(size string) (float64, float64, bool) {
	w, h, found := strings.Cut(size, "x")
	if !found {
		w, h, found = strings.Cut(size, "*")
	}
	if !found {
		return 0, 0, false
	}

	width, err := strconv.Atoi(strings.TrimSpace(w))
	if err != nil || width <= 0 {
		return 0, 0, false
	}

	height, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil || height <= 0 {
		return 0, 0, false
	}

	return float64(width), float64(height), true
}
