package sessions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/gateway-go/internal/model"
)

type Mode string

const (
	ModeDryRun  Mode = "dry-run"
	ModeWarn    Mode = "warn"
	ModeEnforce Mode = "enforce"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDryRun, ModeWarn, ModeEnforce:
		return Mode(s), nil
	case "":
		return ModeDryRun, nil
	}
	return "", fmt.Errorf("unknown maintenance mode %q", s)
}

// Policy bounds the store. Zero values disable the matching pass.
type Policy struct {
	PruneAfter     time.Duration
	MaxEntries     int
	MaxDiskBytes   int64
	HighWaterBytes int64
}

type Options struct {
	Mode Mode
	// ActiveKeys are never evicted by any pass.
	ActiveKeys []string
}

type DiskBudgetReport struct {
	MaxBytes         int64 `json:"maxBytes"`
	HighWaterBytes   int64 `json:"highWaterBytes"`
	TotalBytesBefore int64 `json:"totalBytesBefore"`
	TotalBytesAfter  int64 `json:"totalBytesAfter"`
	RemovedFiles     int   `json:"removedFiles"`
	RemovedEntries   int   `json:"removedEntries"`
	FreedBytes       int64 `json:"freedBytes"`
	OverBudget       bool  `json:"overBudget"`
}

// Report describes one maintenance cycle. For dry-run and warn the
// counts are what enforce would have done.
type Report struct {
	Mode         Mode             `json:"mode"`
	BeforeCount  int              `json:"beforeCount"`
	AppliedCount int              `json:"appliedCount"`
	Pruned       int              `json:"pruned"`
	Capped       int              `json:"capped"`
	RemovedKeys  []string         `json:"removedKeys,omitempty"`
	DiskBudget   DiskBudgetReport `json:"diskBudget"`
}

// Changed reports whether the cycle removed (or would remove) anything.
func (r Report) Changed() bool {
	return len(r.RemovedKeys) > 0 || r.DiskBudget.RemovedFiles > 0
}

type candidate struct {
	key             string
	updatedAt       int64
	bytes           int64
	transcript      string
	transcriptBytes int64
}

type orphan struct {
	path    string
	bytes   int64
	modTime time.Time
}

type plan struct {
	report        Report
	removeKeys    map[string]bool
	removeFiles   []string
	removeOrphans []string
}

// Maintain runs the prune, count-cap and disk-budget passes in one cycle.
// Every mode holds the store lock for the whole cycle, so a scheduled
// enforce sweep and an on-demand dry run never interleave with each
// other or with patches.
func (s *Store) Maintain(ctx context.Context, policy Policy, opts Options) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	if opts.Mode == "" {
		opts.Mode = ModeDryRun
	}

	s.mu.Lock()
	entries := s.load()
	candidates := make([]candidate, 0, len(entries))
	for key, entry := range entries {
		transcript := s.TranscriptPath(entry.SessionID)
		transcriptBytes := fileSize(transcript)
		candidates = append(candidates, candidate{
			key:             key,
			updatedAt:       entry.UpdatedAt,
			bytes:           entryBytes(entry) + transcriptBytes,
			transcript:      transcript,
			transcriptBytes: transcriptBytes,
		})
	}
	orphans := s.findOrphans(entries)

	p := planMaintenance(candidates, orphans, policy, opts, s.now())

	if opts.Mode == ModeEnforce && p.report.Changed() {
		for key := range p.removeKeys {
			delete(entries, key)
		}
		if len(p.removeKeys) > 0 {
			if err := s.save(entries); err != nil {
				s.mu.Unlock()
				return p.report, fmt.Errorf("session maintenance: %w", err)
			}
		}
		for _, path := range append(p.removeFiles, p.removeOrphans...) {
			if err := removeFile(path); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("session maintenance: failed to remove file")
			}
		}
	}
	s.mu.Unlock()

	s.logReport(p.report, policy)
	if opts.Mode == ModeEnforce {
		s.notify("maintenance", p.report.RemovedKeys)
	}
	return p.report, nil
}

func (s *Store) logReport(r Report, policy Policy) {
	event := log.Debug()
	if r.Mode == ModeWarn && (r.Changed() || r.DiskBudget.OverBudget) {
		event = log.Warn()
	} else if r.Mode == ModeEnforce && r.Changed() {
		event = log.Info()
	}
	event.
		Str("mode", string(r.Mode)).
		Int("beforeCount", r.BeforeCount).
		Int("appliedCount", r.AppliedCount).
		Int("pruned", r.Pruned).
		Int("capped", r.Capped).
		Int64("totalBytesBefore", r.DiskBudget.TotalBytesBefore).
		Int64("totalBytesAfter", r.DiskBudget.TotalBytesAfter).
		Int64("maxDiskBytes", policy.MaxDiskBytes).
		Bool("overBudget", r.DiskBudget.OverBudget).
		Msg("session maintenance")
}

// findOrphans lists transcript files no entry refers to. Must be called
// with mu held.
func (s *Store) findOrphans(entries map[string]model.SessionEntry) []orphan {
	known := make(map[string]bool, len(entries))
	for _, entry := range entries {
		known[entry.SessionID+transcriptExt] = true
	}

	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}

	var out []orphan
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, transcriptExt) || known[name] {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, orphan{
			path:    filepath.Join(s.dir, name),
			bytes:   info.Size(),
			modTime: info.ModTime(),
		})
	}
	return out
}

func planMaintenance(candidates []candidate, orphans []orphan, policy Policy, opts Options, now time.Time) plan {
	active := make(map[string]bool, len(opts.ActiveKeys))
	for _, key := range opts.ActiveKeys {
		active[key] = true
	}

	// Oldest first, key as tiebreak so runs are deterministic.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].updatedAt != candidates[j].updatedAt {
			return candidates[i].updatedAt < candidates[j].updatedAt
		}
		return candidates[i].key < candidates[j].key
	})
	sort.Slice(orphans, func(i, j int) bool {
		return orphans[i].modTime.Before(orphans[j].modTime)
	})

	p := plan{
		report: Report{
			Mode:        opts.Mode,
			BeforeCount: len(candidates),
		},
		removeKeys: make(map[string]bool),
	}
	remove := func(c candidate) {
		p.removeKeys[c.key] = true
		p.removeFiles = append(p.removeFiles, c.transcript)
		p.report.RemovedKeys = append(p.report.RemovedKeys, c.key)
	}

	// Pass 1: staleness.
	if policy.PruneAfter > 0 {
		cutoff := now.Add(-policy.PruneAfter).UnixMilli()
		for _, c := range candidates {
			if c.updatedAt < cutoff && !active[c.key] {
				remove(c)
				p.report.Pruned++
			}
		}
	}

	remaining := len(candidates) - len(p.removeKeys)

	// Pass 2: count cap.
	if policy.MaxEntries > 0 && remaining > policy.MaxEntries {
		for _, c := range candidates {
			if remaining <= policy.MaxEntries {
				break
			}
			if p.removeKeys[c.key] || active[c.key] {
				continue
			}
			remove(c)
			p.report.Capped++
			remaining--
		}
	}

	// Pass 3: disk budget with hysteresis.
	var total int64
	for _, c := range candidates {
		if !p.removeKeys[c.key] {
			total += c.bytes
		}
	}
	for _, o := range orphans {
		total += o.bytes
	}

	budget := &p.report.DiskBudget
	budget.MaxBytes = policy.MaxDiskBytes
	budget.HighWaterBytes = policy.HighWaterBytes
	budget.TotalBytesBefore = total

	if policy.MaxDiskBytes > 0 && total > policy.MaxDiskBytes {
		budget.OverBudget = true
		target := policy.HighWaterBytes
		if target <= 0 || target > policy.MaxDiskBytes {
			target = policy.MaxDiskBytes
		}

		for _, o := range orphans {
			if total <= target {
				break
			}
			p.removeOrphans = append(p.removeOrphans, o.path)
			total -= o.bytes
			budget.RemovedFiles++
		}
		for _, c := range candidates {
			if total <= target {
				break
			}
			if p.removeKeys[c.key] || active[c.key] {
				continue
			}
			remove(c)
			total -= c.bytes
			budget.RemovedEntries++
			if c.transcriptBytes > 0 {
				budget.RemovedFiles++
			}
			remaining--
		}
	}

	budget.TotalBytesAfter = total
	budget.FreedBytes = budget.TotalBytesBefore - budget.TotalBytesAfter
	p.report.AppliedCount = remaining
	return p
}
