package helpers

import "time"

func IntSecondDefault(x int, def time.Duration) time.Duration {
	if x <= 0 {
		return def
	}
	return time.Duration(x) * time.Second
}

func IntMillisecondDefault(x int, def time.Duration) time.Duration {
	if x <= 0 {
		return def
	}
	return time.Duration(x) * time.Millisecond
}

// UnixFloat is seconds since epoch with fractional part, wire timestamp format.
func UnixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func FromUnixFloat(f float64) time.Time {
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*float64(time.Second)))
}
