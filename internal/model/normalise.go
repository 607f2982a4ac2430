package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidHex is returned for ICAO24 codes that are not exactly six hex digits.
	ErrInvalidHex = errors.New("invalid icao24 address")

	// ErrImageSeq is returned for image sequence numbers outside [0, MaxImagesPerAircraft).
	ErrImageSeq = errors.New("image sequence out of range")
)

// NormaliseHex uppercases and trims an ICAO24 address and verifies it is six hex digits.
func NormaliseHex(hex string) (string, error) {
	h := strings.ToUpper(strings.TrimSpace(hex))
	if len(h) != 6 {
		return "", fmt.Errorf("%w: %q", ErrInvalidHex, hex)
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return "", fmt.Errorf("%w: %q", ErrInvalidHex, hex)
		}
	}
	return h, nil
}

// NormaliseCallsign uppercases a flight code and strips surrounding padding.
// Feeds pad callsigns to eight characters with trailing spaces.
func NormaliseCallsign(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormaliseRegistration strips hyphens and whitespace and uppercases, so that
// "PH-BXA" and "phbxa" compare equal.
func NormaliseRegistration(reg string) string {
	r := strings.ToUpper(strings.TrimSpace(reg))
	r = strings.ReplaceAll(r, "-", "")
	return strings.ReplaceAll(r, " ", "")
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// NormaliseDate returns the date in YYYY-MM-DD form, or "" when the input is
// blank, an all-zero placeholder, or not a recognisable date.
func NormaliseDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "0000") {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() <= 1 {
				return ""
			}
			return t.Format("2006-01-02")
		}
	}
	return ""
}

// ImageID derives the numeric id of an aircraft image: the ICAO24 address read
// as a hex integer, times 100, plus the sequence number.
func ImageID(hex string, seq int) (int64, error) {
	h, err := NormaliseHex(hex)
	if err != nil {
		return 0, err
	}
	if seq < 0 || seq >= MaxImagesPerAircraft {
		return 0, fmt.Errorf("%w: %d", ErrImageSeq, seq)
	}
	n, err := strconv.ParseInt(h, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse hex %q: %w", h, err)
	}
	return n*MaxImagesPerAircraft + int64(seq), nil
}
