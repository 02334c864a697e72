package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/audioshelf/pkg/collab"
)

// DefaultPatterns match the audio files a library directory holds.
var DefaultPatterns = []string{"**/*.{m4b,m4a,mp3,aax,aaxc}"}

var reASIN = regexp.MustCompile(`(?:^|[^A-Z0-9])(B0[0-9A-Z]{8}|[0-9]{9}[0-9X])(?:[^A-Z0-9]|$)`)

// ASINFromPath extracts an ASIN from a file name.
func ASINFromPath(path string) (string, bool) {
	base := strings.ToUpper(filepath.Base(path))
	m := reASIN.FindStringSubmatch(base)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

// Repairer reconciles the catalog with the library directory. It implements
// collab.Repairer.
type Repairer struct {
	Catalog    *Store
	LibraryDir string
	Patterns   []string
	ReportDir  string

	now func() time.Time
}

var _ collab.Repairer = (*Repairer)(nil)

// NewRepairer returns a repairer. Empty patterns use DefaultPatterns.
func NewRepairer(cat *Store, libraryDir string, patterns []string, reportDir string) *Repairer {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	return &Repairer{Catalog: cat, LibraryDir: libraryDir, Patterns: patterns, ReportDir: reportDir, now: time.Now}
}

// Report is the YAML document written after a repair.
type Report struct {
	GeneratedAt time.Time            `yaml:"generated_at"`
	LibraryDir  string               `yaml:"library_dir"`
	Patterns    []string             `yaml:"patterns"`
	Summary     collab.RepairSummary `yaml:"summary"`
	Inserted    []string             `yaml:"inserted,omitempty"`
	Updated     []string             `yaml:"updated,omitempty"`
	Unmatched   []string             `yaml:"unmatched_files,omitempty"`
}

// ApplyRepair dedupes catalog entries, matches library files to entries by
// ASIN, inserts entries for files the catalog does not know, and writes a
// report.
func (r *Repairer) ApplyRepair(ctx context.Context, s collab.Session) (collab.RepairSummary, error) {
	var summary collab.RepairSummary
	now := r.now().UTC()

	snap, err := r.Catalog.Load()
	if err != nil {
		return summary, err
	}

	summary.Deduped, summary.DuplicateASINs = dedupe(snap)
	if summary.Deduped > 0 {
		_ = s.Log(ctx, fmt.Sprintf("removed %d duplicate catalog entries", summary.Deduped))
	}

	files, err := r.scan()
	if err != nil {
		return summary, err
	}
	_ = s.Log(ctx, fmt.Sprintf("found %d library files under %s", len(files), r.LibraryDir))

	found := map[string][]string{}
	var unmatched []string
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if asin, ok := ASINFromPath(f); ok {
			found[asin] = append(found[asin], f)
		} else {
			unmatched = append(unmatched, f)
		}
		pct := float64(i+1) / float64(len(files)) * 90
		if err := s.Report(ctx, pct, "scanned "+f, map[string]any{"files_scanned": i + 1, "files_total": len(files)}); err != nil {
			return summary, err
		}
	}

	report := Report{GeneratedAt: now, LibraryDir: r.LibraryDir, Patterns: r.Patterns, Unmatched: unmatched}
	asins := make([]string, 0, len(found))
	for a := range found {
		asins = append(asins, a)
	}
	sort.Strings(asins)
	for _, asin := range asins {
		paths := found[asin]
		sort.Strings(paths)
		if i := snap.Index(asin); i >= 0 {
			if !equalStrings(snap.Items[i].Files, paths) {
				snap.Items[i].Files = paths
				snap.Items[i].UpdatedAt = now
				summary.Updated++
				report.Updated = append(report.Updated, asin)
			}
			continue
		}
		snap.Items = append(snap.Items, Entry{
			LibraryItem: collab.LibraryItem{ASIN: asin, Title: titleFromPath(paths[0])},
			Files:       paths,
			UpdatedAt:   now,
		})
		summary.Inserted++
		report.Inserted = append(report.Inserted, asin)
	}

	if err := r.Catalog.Save(snap); err != nil {
		return summary, err
	}

	if r.ReportDir != "" {
		path, err := r.writeReport(report, summary, now)
		if err != nil {
			return summary, err
		}
		summary.ReportPath = path
	}
	if err := s.Report(ctx, 100, "repair complete", nil); err != nil {
		return summary, err
	}
	return summary, nil
}

func (r *Repairer) scan() ([]string, error) {
	if strings.TrimSpace(r.LibraryDir) == "" {
		return nil, fmt.Errorf("library dir is not configured")
	}
	fsys := os.DirFS(r.LibraryDir)
	seen := map[string]struct{}{}
	var out []string
	for _, pattern := range r.Patterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid library pattern %q", pattern)
		}
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("scan library: %w", err)
		}
		for _, m := range matches {
			p := filepath.Join(r.LibraryDir, filepath.FromSlash(m))
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *Repairer) writeReport(report Report, summary collab.RepairSummary, now time.Time) (string, error) {
	if err := os.MkdirAll(r.ReportDir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(r.ReportDir, "repair-"+now.Format("20060102T150405Z")+".yaml")
	summary.ReportPath = path
	report.Summary = summary

	b, err := yaml.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("marshal repair report: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", fmt.Errorf("write repair report: %w", err)
	}
	return path, nil
}

// dedupe keeps the first entry per ASIN and folds the file lists of later
// duplicates into it.
func dedupe(snap *Snapshot) (int, []string) {
	first := map[string]int{}
	dupSet := map[string]struct{}{}
	kept := snap.Items[:0]
	removed := 0
	for _, e := range snap.Items {
		if i, ok := first[e.ASIN]; ok {
			kept[i].Files = mergeFiles(kept[i].Files, e.Files)
			dupSet[e.ASIN] = struct{}{}
			removed++
			continue
		}
		first[e.ASIN] = len(kept)
		kept = append(kept, e)
	}
	snap.Items = kept

	var dups []string
	for a := range dupSet {
		dups = append(dups, a)
	}
	sort.Strings(dups)
	return removed, dups
}

func mergeFiles(a, b []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, f := range append(append([]string(nil), a...), b...) {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func titleFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
