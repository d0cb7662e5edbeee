package session

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"meshbridge/pkg/types"
)

const (
	sectorCount = 36
	sectorWidth = 360.0 / sectorCount

	// below this the lens is effectively focused at infinity
	minDiopter = 0.01
)

// NormalizeAzimuth reduces degrees into [0, 360).
func NormalizeAzimuth(azimuth float64) float64 {
	a := math.Mod(azimuth, 360)
	if a < 0 {
		a += 360
	}
	if a >= 360 {
		a = 0
	}
	return a
}

// Sector buckets an azimuth into one of 36 ten degree sectors.
func Sector(azimuth float64) int {
	return int(math.Floor(NormalizeAzimuth(azimuth)/sectorWidth)) % sectorCount
}

// FocusDistance converts a diopter reading into meters, rounded to millimeters.
func FocusDistance(diopter float64) float64 {
	if diopter <= minDiopter {
		return 0
	}
	return math.Round(1000/diopter) / 1000
}

type readings struct {
	azimuth  float64
	altitude float64
	diopter  float64
}

// parseReadings turns the raw form values into numbers
// FUNCTIONAL DISCOVERY: Runs after the image is on disk, so a bad reading costs the
// coverage data of one frame and never the frame itself
func parseReadings(req *types.CaptureRequest) (readings, error) {
	var r readings
	var err error

	if r.azimuth, err = parseReading("azimuth", req.Azimuth); err != nil {
		return r, err
	}
	if r.diopter, err = parseReading("diopter", req.Diopter); err != nil {
		return r, err
	}

	altitude := req.Altitude
	if strings.TrimSpace(altitude) == "" {
		altitude = types.DefaultAltitude
	}
	if r.altitude, err = parseReading("altitude", altitude); err != nil {
		return r, err
	}
	return r, nil
}

func parseReading(name, raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not a number", ErrDerivation, name, raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s %q is not finite", ErrDerivation, name, raw)
	}
	return v, nil
}
