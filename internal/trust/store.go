// Package trust tracks per-identity reputation and derives effective limits
// from it. Tiers promote progressively as an identity accumulates completed
// tasks over time.
package trust

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Tier is a reputation band.
type Tier string

const (
	TierNew         Tier = "NEW"
	TierFamiliar    Tier = "FAMILIAR"
	TierEstablished Tier = "ESTABLISHED"
	TierTrusted     Tier = "TRUSTED"
)

// Profile is the persisted per-identity record. JSON field names are the
// on-disk contract.
type Profile struct {
	FirstSeen    int64 `json:"firstSeen"`
	Completed    int   `json:"completedTasks"`
	Failed       int   `json:"failedTasks"`
	LastActivity int64 `json:"lastActivity"`
	Tier         Tier  `json:"tier"`
}

// Limits are the effective per-identity caps derived from the tier.
// OutputCap of 0 means unlimited.
type Limits struct {
	Tier       Tier
	DailyTasks int
	OutputCap  int
}

var tierLimits = map[Tier]Limits{
	TierNew:         {Tier: TierNew, DailyTasks: 10, OutputCap: 2000},
	TierFamiliar:    {Tier: TierFamiliar, DailyTasks: 25, OutputCap: 5000},
	TierEstablished: {Tier: TierEstablished, DailyTasks: 50, OutputCap: 0},
	TierTrusted:     {Tier: TierTrusted, DailyTasks: 100, OutputCap: 0},
}

// DefaultMaxProfiles bounds the store; least-recently-active profiles are
// evicted past it.
const DefaultMaxProfiles = 10_000

// Store holds the profiles and persists them as a single keyed JSON object.
type Store struct {
	mu          sync.Mutex
	profiles    map[string]*Profile
	path        string
	maxProfiles int
	now         func() time.Time
}

// NewStore loads the profile file at path (empty path disables persistence).
// A corrupt or missing file degrades silently to an empty store.
func NewStore(path string, maxProfiles int) *Store {
	if maxProfiles <= 0 {
		maxProfiles = DefaultMaxProfiles
	}
	s := &Store{
		profiles:    make(map[string]*Profile),
		path:        path,
		maxProfiles: maxProfiles,
		now:         time.Now,
	}
	s.load()
	return s
}

func (s *Store) load() {
	if s.path == "" {
		return
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("trust store unreadable, starting empty", "path", s.path, "error", err)
		}
		return
	}
	var profiles map[string]*Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		slog.Warn("trust store corrupt, starting empty", "path", s.path, "error", err)
		return
	}
	s.profiles = profiles
	if s.profiles == nil {
		s.profiles = make(map[string]*Profile)
	}
}

// tierFor re-derives the tier from the raw counters. Promotion is evaluated
// on every read so a profile that qualifies never reports a lower tier.
func (s *Store) tierFor(p *Profile) Tier {
	ageDays := float64(s.now().Unix()-p.FirstSeen) / 86400
	failureRate := 0.0
	if total := p.Completed + p.Failed; total >= 1 {
		failureRate = float64(p.Failed) / float64(total)
	}

	switch {
	case p.Completed >= 50 && ageDays >= 90 && failureRate < 0.10:
		return TierTrusted
	case p.Completed >= 20 && ageDays >= 30 && failureRate < 0.20:
		return TierEstablished
	case p.Completed >= 5 && ageDays >= 7:
		return TierFamiliar
	default:
		return TierNew
	}
}

// LimitsFor returns the identity's effective limits, creating a NEW profile
// on first sight.
func (s *Store) LimitsFor(identity string) Limits {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.profileLocked(identity)
	p.Tier = s.tierFor(p)
	return tierLimits[p.Tier]
}

// ProfileFor returns a copy of the identity's profile with its tier
// re-evaluated, or nil when unknown.
func (s *Store) ProfileFor(identity string) *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[identity]
	if !ok {
		return nil
	}
	cp := *p
	cp.Tier = s.tierFor(p)
	return &cp
}

// RecordOutcome counts a terminal task against the identity and persists the
// store. Failed, timed-out and cancelled tasks all count as failures.
func (s *Store) RecordOutcome(identity string, completed bool) {
	s.mu.Lock()
	p := s.profileLocked(identity)
	if completed {
		p.Completed++
	} else {
		p.Failed++
	}
	p.LastActivity = s.now().Unix()
	p.Tier = s.tierFor(p)
	s.evictLocked()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snapshot)
}

func (s *Store) profileLocked(identity string) *Profile {
	p, ok := s.profiles[identity]
	if !ok {
		now := s.now().Unix()
		p = &Profile{FirstSeen: now, LastActivity: now, Tier: TierNew}
		s.profiles[identity] = p
		// Reads insert too, so the cap is enforced here rather than only on
		// recorded outcomes.
		s.evictLocked()
	}
	return p
}

// evictLocked drops least-recently-active profiles past the cap.
func (s *Store) evictLocked() {
	for len(s.profiles) > s.maxProfiles {
		var lruID string
		var lruAt int64
		for id, p := range s.profiles {
			at := p.LastActivity
			if at == 0 {
				at = p.FirstSeen
			}
			if lruID == "" || at < lruAt {
				lruID = id
				lruAt = at
			}
		}
		delete(s.profiles, lruID)
	}
}

func (s *Store) snapshotLocked() []byte {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.profiles, "", "  ")
	if err != nil {
		slog.Warn("trust store marshal failed", "error", err)
		return nil
	}
	return data
}

func (s *Store) persist(data []byte) {
	if data == nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		slog.Warn("trust store mkdir failed", "error", err)
		return
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		slog.Warn("trust store write failed", "error", err)
	}
}

// Len reports the number of stored profiles.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.profiles)
}

// TruncateOutput applies the tier output cap (in characters) to an executor
// result.
func (l Limits) TruncateOutput(out string) string {
	if l.OutputCap <= 0 || len(out) <= l.OutputCap {
		return out
	}
	runes := []rune(out)
	if len(runes) <= l.OutputCap {
		return out
	}
	return string(runes[:l.OutputCap])
}
