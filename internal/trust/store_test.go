package trust

import (
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seeded creates a store whose clock is controllable and seeds one profile.
func seeded(t *testing.T, completed, failed int, age time.Duration) *Store {
	t.Helper()
	s := NewStore("", 0)
	now := time.Now()
	s.now = func() time.Time { return now }
	s.profiles["id"] = &Profile{
		FirstSeen:    now.Add(-age).Unix(),
		Completed:    completed,
		Failed:       failed,
		LastActivity: now.Unix(),
	}
	return s
}

func TestTierProgression(t *testing.T) {
	cases := []struct {
		name      string
		completed int
		failed    int
		age       time.Duration
		want      Tier
	}{
		{"brand new", 0, 0, 0, TierNew},
		{"tasks without tenure", 30, 0, 2 * 24 * time.Hour, TierNew},
		{"tenure without tasks", 2, 0, 100 * 24 * time.Hour, TierNew},
		{"familiar", 5, 0, 8 * 24 * time.Hour, TierFamiliar},
		{"established", 20, 2, 31 * 24 * time.Hour, TierEstablished},
		{"trusted", 50, 4, 91 * 24 * time.Hour, TierTrusted},
		{"trusted blocked by failures", 50, 6, 91 * 24 * time.Hour, TierEstablished},
		{"established blocked by failures", 20, 6, 31 * 24 * time.Hour, TierFamiliar},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := seeded(t, tc.completed, tc.failed, tc.age)
			limits := s.LimitsFor("id")
			assert.Equal(t, tc.want, limits.Tier)
		})
	}
}

func TestLimitsPerTier(t *testing.T) {
	assert.Equal(t, 10, tierLimits[TierNew].DailyTasks)
	assert.Equal(t, 2000, tierLimits[TierNew].OutputCap)
	assert.Equal(t, 25, tierLimits[TierFamiliar].DailyTasks)
	assert.Equal(t, 5000, tierLimits[TierFamiliar].OutputCap)
	assert.Equal(t, 50, tierLimits[TierEstablished].DailyTasks)
	assert.Equal(t, 0, tierLimits[TierEstablished].OutputCap)
	assert.Equal(t, 100, tierLimits[TierTrusted].DailyTasks)
}

func TestLimitsForCreatesProfile(t *testing.T) {
	s := NewStore("", 0)
	limits := s.LimitsFor("fresh")
	assert.Equal(t, TierNew, limits.Tier)
	assert.Equal(t, 1, s.Len())
}

func TestProfileForUnknownIsNil(t *testing.T) {
	s := NewStore("", 0)
	assert.Nil(t, s.ProfileFor("ghost"))
}

func TestProfileForReturnsCopy(t *testing.T) {
	s := seeded(t, 5, 0, 8*24*time.Hour)
	p := s.ProfileFor("id")
	require.NotNil(t, p)
	p.Completed = 999
	assert.Equal(t, 5, s.ProfileFor("id").Completed)
}

func TestRecordOutcomeCounts(t *testing.T) {
	s := NewStore("", 0)
	s.RecordOutcome("id", true)
	s.RecordOutcome("id", true)
	s.RecordOutcome("id", false)

	p := s.ProfileFor("id")
	require.NotNil(t, p)
	assert.Equal(t, 2, p.Completed)
	assert.Equal(t, 1, p.Failed)
}

func TestPersistenceRoundtrip(t *testing.T) {
	path := t.TempDir() + "/trust.json"

	s := NewStore(path, 0)
	s.RecordOutcome("alice", true)
	s.RecordOutcome("bob", false)

	// File permissions are private to the operator.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reloaded := NewStore(path, 0)
	assert.Equal(t, 2, reloaded.Len())
	assert.Equal(t, 1, reloaded.ProfileFor("alice").Completed)
	assert.Equal(t, 1, reloaded.ProfileFor("bob").Failed)
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	path := t.TempDir() + "/trust.json"
	require.NoError(t, os.WriteFile(path, []byte("][nonsense"), 0o600))

	s := NewStore(path, 0)
	assert.Equal(t, 0, s.Len())
}

func TestPersistedFieldNames(t *testing.T) {
	path := t.TempDir() + "/trust.json"
	s := NewStore(path, 0)
	s.RecordOutcome("alice", true)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, field := range []string{"firstSeen", "completedTasks", "failedTasks", "lastActivity", "tier"} {
		assert.Contains(t, raw["alice"], field)
	}
}

func TestEvictionPastCap(t *testing.T) {
	s := NewStore("", 3)
	now := time.Now()
	s.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		now = now.Add(time.Second)
		s.RecordOutcome(fmt.Sprintf("id-%d", i), true)
	}

	assert.Equal(t, 3, s.Len())
	assert.Nil(t, s.ProfileFor("id-0")) // least recently active went first
	assert.NotNil(t, s.ProfileFor("id-3"))
}

func TestLimitsForEnforcesCap(t *testing.T) {
	// Reads insert profiles too, so a flood of never-dispatched identities
	// must not grow the map past the cap.
	s := NewStore("", 5)
	now := time.Now()
	s.now = func() time.Time { return now }

	for i := 0; i < 20; i++ {
		now = now.Add(time.Second)
		s.LimitsFor(fmt.Sprintf("flood-%d", i))
	}

	assert.Equal(t, 5, s.Len())
	assert.Nil(t, s.ProfileFor("flood-0"))
	assert.NotNil(t, s.ProfileFor("flood-19"))
}

func TestTruncateOutput(t *testing.T) {
	capped := Limits{OutputCap: 5}
	assert.Equal(t, "hello", capped.TruncateOutput("hello world"))
	assert.Equal(t, "hi", capped.TruncateOutput("hi"))

	unlimited := Limits{OutputCap: 0}
	long := string(make([]byte, 10_000))
	assert.Equal(t, long, unlimited.TruncateOutput(long))

	// Rune-safe: never cuts through a multibyte character.
	assert.Equal(t, "héllo", Limits{OutputCap: 5}.TruncateOutput("héllo wörld"))
}
