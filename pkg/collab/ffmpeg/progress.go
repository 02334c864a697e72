package ffmpeg

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	reFFBr = regexp.MustCompile(`^([0-9.]+)\s*([kKmMgG])bits/s$`)
)

// progressState accumulates ffmpeg's "-progress" key=value blocks. One block
// ends with a progress=continue or progress=end line.
type progressState struct {
	duration float64
	outSec   float64
	speed    string
	bitrate  string
}

// feed consumes one line and reports whether a block just completed.
func (s *progressState) feed(line string) (done bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return false
	}
	value = strings.TrimSpace(value)
	switch key {
	case "out_time_us", "out_time_ms":
		// Both keys carry microseconds.
		if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
			s.outSec = float64(us) / 1e6
		}
	case "speed":
		if value != "N/A" {
			s.speed = value
		}
	case "bitrate":
		if m := reFFBr.FindStringSubmatch(value); len(m) > 2 {
			s.bitrate = m[1] + strings.ToLower(m[2]) + "bit/s"
		}
	case "progress":
		if value == "end" {
			s.outSec = s.duration
		}
		return true
	}
	return false
}

func (s *progressState) percent() float64 {
	if s.duration <= 0 {
		return 0
	}
	p := s.outSec / s.duration * 100
	if p > 100 {
		p = 100
	}
	return p
}

func (s *progressState) meta() map[string]any {
	meta := map[string]any{"out_time_seconds": s.outSec}
	if s.speed != "" {
		meta["speed"] = s.speed
	}
	if s.bitrate != "" {
		meta["bitrate"] = s.bitrate
	}
	return meta
}

// isProgressKey matches the bare key=value lines of "-progress" output.
func isProgressKey(line string) bool {
	key, _, ok := strings.Cut(strings.TrimSpace(line), "=")
	return ok && key != "" && !strings.ContainsAny(key, " \t[]:")
}
