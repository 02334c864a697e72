package audible

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	rePct   = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)%\|`)
	reSpeed = regexp.MustCompile(`([0-9.]+\s*[kMG]?i?B/s)`)
	reETA   = regexp.MustCompile(`<([0-9:]+)`)
	reSize  = regexp.MustCompile(`\|\s*([0-9.]+[kMG]?i?B?)/([0-9.]+[kMG]?i?B?)`)
)

// Progress is one parsed progress-bar line of audible-cli.
type Progress struct {
	Percent float64
	Speed   string
	ETA     string
	Done    string
	Total   string
}

// ParseProgress extracts the tqdm-style progress bar fields audible-cli
// prints while downloading, e.g.
//
//	B0036I54I6.aaxc:  45%|████▌     | 12.3M/27.1M [00:03<00:04, 3.20MB/s]
func ParseProgress(line string) (Progress, bool) {
	l := strings.TrimSpace(line)
	m := rePct.FindStringSubmatch(l)
	if len(m) < 2 {
		return Progress{}, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Progress{}, false
	}
	p := Progress{Percent: pct}
	if m := reSpeed.FindStringSubmatch(l); len(m) > 1 {
		p.Speed = strings.ReplaceAll(m[1], " ", "")
	}
	if m := reETA.FindStringSubmatch(l); len(m) > 1 {
		p.ETA = m[1]
	}
	if m := reSize.FindStringSubmatch(l); len(m) > 2 {
		p.Done, p.Total = m[1], m[2]
	}
	return p, true
}

// Meta renders the non-empty fields for telemetry.
func (p Progress) Meta() map[string]any {
	meta := map[string]any{}
	if p.Speed != "" {
		meta["speed"] = p.Speed
	}
	if p.ETA != "" {
		meta["eta"] = p.ETA
	}
	if p.Done != "" {
		meta["downloaded"] = p.Done
	}
	if p.Total != "" {
		meta["total"] = p.Total
	}
	return meta
}
