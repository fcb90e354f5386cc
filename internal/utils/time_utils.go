package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var timeUnits = []struct {
	suffix string
	unit   time.Duration
}{
	// ms 必须先于 s 和 m 匹配
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseStringTime 解析 "500ms" "10s" "20M" "48h" "2d" 形式的时长，
// 其他格式交给 time.ParseDuration
func ParseStringTime(timeString string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(timeString))
	if s == "" {
		return 0, fmt.Errorf("invalid time format: empty string")
	}
	for _, u := range timeUnits {
		cutString, found := strings.CutSuffix(s, u.suffix)
		if !found {
			continue
		}
		number, err := strconv.Atoi(cutString)
		if err != nil {
			break
		}
		if number < 0 {
			return 0, fmt.Errorf("invalid time format: %s is negative", timeString)
		}
		return time.Duration(number) * u.unit, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid time format: %s", timeString)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid time format: %s is negative", timeString)
	}
	return d, nil
}

// MustParseStringTime 用于内置默认值
func MustParseStringTime(timeString string) time.Duration {
	d, err := ParseStringTime(timeString)
	if err != nil {
		panic(err)
	}
	return d
}
