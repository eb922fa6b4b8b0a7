package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var localLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTime parses unix seconds, RFC3339, or a datetime without zone that is
// interpreted in loc. An empty input returns the zero time.
func ParseTime(input string, loc *time.Location) (time.Time, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return time.Time{}, nil
	}
	if loc == nil {
		loc = time.Local
	}

	if isNumeric(input) {
		val, err := strconv.ParseInt(input, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(val, 0), nil
	}

	if tm, err := time.Parse(time.RFC3339, input); err == nil {
		return tm, nil
	}
	for _, layout := range localLayouts {
		if tm, err := time.ParseInLocation(layout, input, loc); err == nil {
			return tm, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", input)
}

func isNumeric(input string) bool {
	for _, r := range input {
		if r < '0' || r > '9' {
			return false
		}
	}
	return input != ""
}
