// Package conflict provides unit tests for conflict detection and resolution.
package conflict

import (
	"testing"
	"time"

	"github.com/legacyguard/stronghold/backend/internal/models"
)

var base = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func entity(t *testing.T, version int64, payload map[string]interface{}, modified time.Time) *models.SyncEntity {
	t.Helper()
	e := &models.SyncEntity{
		ID:             "item-1",
		Type:           "note",
		Payload:        payload,
		Version:        version,
		LastModified:   modified,
		OriginDeviceID: "device-a",
	}
	if err := e.Seal(); err != nil {
		t.Fatalf("Seal() failed: %v", err)
	}
	return e
}

func newTestResolver() *Resolver {
	r := NewResolver("device-local")
	r.now = func() time.Time { return base.Add(time.Hour) }
	return r
}

// =====================================================
// Detection Tests
// =====================================================

// TestDetect verifies the classification table.
func TestDetect(t *testing.T) {
	a := map[string]interface{}{"body": "A"}
	b := map[string]interface{}{"body": "B"}

	tests := []struct {
		name     string
		local    *models.SyncEntity
		remote   *models.SyncEntity
		want     models.ConflictType
		conflict bool
	}{
		{"no local", nil, entity(t, 1, a, base), "", false},
		{"identical", entity(t, 1, a, base), entity(t, 1, a, base.Add(time.Minute)), "", false},
		{"version", entity(t, 1, a, base), entity(t, 2, b, base), models.ConflictVersion, true},
		{"version same content", entity(t, 3, a, base), entity(t, 2, a, base), models.ConflictVersion, true},
		{"concurrent", entity(t, 1, a, base), entity(t, 1, b, base.Add(500*time.Millisecond)), models.ConflictConcurrent, true},
		{"schema", entity(t, 1, a, base), entity(t, 1, b, base.Add(10*time.Second)), models.ConflictSchema, true},
		{"window edge", entity(t, 1, a, base.Add(time.Second)), entity(t, 1, b, base), models.ConflictSchema, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Detect(tt.local, tt.remote)
			if ok != tt.conflict || got != tt.want {
				t.Errorf("Detect() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.conflict)
			}
		})
	}
}

// TestSelectStrategy verifies manual policies and schema conflicts are gated.
func TestSelectStrategy(t *testing.T) {
	auto := entity(t, 1, nil, base)
	manual := entity(t, 1, nil, base)
	manual.Metadata.ConflictPolicy = models.PolicyManual

	tests := []struct {
		name   string
		local  *models.SyncEntity
		remote *models.SyncEntity
		ctype  models.ConflictType
		want   models.ResolutionStrategy
	}{
		{"default", auto, auto, models.ConflictVersion, models.StrategyServer},
		{"local manual", manual, auto, models.ConflictVersion, models.StrategyManual},
		{"remote manual", auto, manual, models.ConflictConcurrent, models.StrategyManual},
		{"schema", auto, auto, models.ConflictSchema, models.StrategyManual},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectStrategy(tt.local, tt.remote, tt.ctype, models.StrategyServer); got != tt.want {
				t.Errorf("SelectStrategy() = %q, want %q", got, tt.want)
			}
		})
	}

	if got := SelectStrategy(auto, auto, models.ConflictVersion, ""); got != models.StrategyMerge {
		t.Errorf("invalid default should fall back to merge, got %q", got)
	}
}

// =====================================================
// Resolution Tests
// =====================================================

// TestResolveMerge verifies local keys win and the version is max+1.
func TestResolveMerge(t *testing.T) {
	local := entity(t, 2, map[string]interface{}{"a": 1.0, "b": 2.0}, base)
	local.Metadata.Tags = []string{"x"}
	remote := entity(t, 5, map[string]interface{}{"b": 3.0, "c": 4.0}, base)
	remote.Metadata.Tags = []string{"y", "x"}

	c := NewConflict(local, remote, models.ConflictVersion, models.StrategyMerge, base)
	res, err := newTestResolver().Resolve(c, models.StrategyMerge)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}

	got := res.Entity
	want := map[string]interface{}{"a": 1.0, "b": 2.0, "c": 4.0}
	if len(got.Payload) != len(want) {
		t.Fatalf("Payload = %v, want %v", got.Payload, want)
	}
	for k, v := range want {
		if got.Payload[k] != v {
			t.Errorf("Payload[%q] = %v, want %v", k, got.Payload[k], v)
		}
	}
	if got.Version != 6 {
		t.Errorf("Version = %d, want 6", got.Version)
	}
	if !got.VerifyChecksum() {
		t.Error("checksum not recomputed")
	}
	if !got.LastModified.Equal(base.Add(time.Hour)) {
		t.Errorf("LastModified = %v, want resolver clock", got.LastModified)
	}
	if got.OriginDeviceID != "device-local" {
		t.Errorf("OriginDeviceID = %q", got.OriginDeviceID)
	}
	if len(got.Metadata.Tags) != 2 {
		t.Errorf("Tags = %v, want union", got.Metadata.Tags)
	}
	if !res.Requeue {
		t.Error("merge result must be re-queued")
	}
	if res.ConflictLog == nil || res.ConflictLog.ResultVersion != 6 {
		t.Errorf("ConflictLog = %+v", res.ConflictLog)
	}

	// Inputs are untouched.
	if _, ok := local.Payload["c"]; ok {
		t.Error("merge mutated the local copy")
	}
}

// TestResolveClient verifies the local copy wins with a version above remote.
func TestResolveClient(t *testing.T) {
	r := newTestResolver()
	a := map[string]interface{}{"v": "local"}
	b := map[string]interface{}{"v": "remote"}

	tests := []struct {
		name          string
		local, remote int64
		wantVersion   int64
	}{
		{"remote newer", 1, 3, 4},
		{"equal", 2, 2, 3},
		{"local newer", 5, 2, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConflict(entity(t, tt.local, a, base), entity(t, tt.remote, b, base), models.ConflictVersion, models.StrategyClient, base)
			res, err := r.Resolve(c, models.StrategyClient)
			if err != nil {
				t.Fatalf("Resolve() failed: %v", err)
			}
			if res.Entity.Payload["v"] != "local" {
				t.Errorf("payload = %v, want local", res.Entity.Payload)
			}
			if res.Entity.Version != tt.wantVersion {
				t.Errorf("Version = %d, want %d", res.Entity.Version, tt.wantVersion)
			}
			if !res.Requeue {
				t.Error("client result must be re-queued")
			}
		})
	}
}

// TestResolveServer verifies the remote copy wins without lowering versions.
func TestResolveServer(t *testing.T) {
	r := newTestResolver()
	a := map[string]interface{}{"v": "local"}
	b := map[string]interface{}{"v": "remote"}

	c := NewConflict(entity(t, 1, a, base), entity(t, 3, b, base), models.ConflictVersion, models.StrategyServer, base)
	res, err := r.Resolve(c, models.StrategyServer)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.Entity.Version != 3 || res.Entity.Payload["v"] != "remote" {
		t.Errorf("result = v%d %v", res.Entity.Version, res.Entity.Payload)
	}
	if res.Requeue {
		t.Error("unchanged remote copy should not be re-queued")
	}

	// Older remote: content kept, version lifted above local.
	c = NewConflict(entity(t, 4, a, base), entity(t, 2, b, base), models.ConflictVersion, models.StrategyServer, base)
	res, err = r.Resolve(c, models.StrategyServer)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.Entity.Version != 5 || res.Entity.Payload["v"] != "remote" {
		t.Errorf("result = v%d %v, want v5 remote", res.Entity.Version, res.Entity.Payload)
	}
	if !res.Requeue {
		t.Error("restamped result must be re-queued")
	}
}

// TestResolveErrors verifies invalid input and manual strategy are rejected.
func TestResolveErrors(t *testing.T) {
	r := newTestResolver()
	local := entity(t, 1, nil, base)
	other := entity(t, 2, nil, base)
	other.ID = "item-2"

	if _, err := r.Resolve(&models.SyncConflict{LocalVersion: local}, models.StrategyClient); err != ErrInvalidConflict {
		t.Errorf("nil remote: err = %v", err)
	}
	c := &models.SyncConflict{LocalVersion: local, RemoteVersion: other}
	if _, err := r.Resolve(c, models.StrategyClient); err != ErrItemIDMismatch {
		t.Errorf("id mismatch: err = %v", err)
	}
	c = NewConflict(local, entity(t, 2, nil, base), models.ConflictVersion, models.StrategyManual, base)
	_, err := r.Resolve(c, models.StrategyManual)
	if err != ErrManualRequired {
		t.Errorf("manual: err = %v", err)
	}
	if !IsConflictError(err) {
		t.Error("IsConflictError() = false")
	}
	if _, err := r.Resolve(c, "coinflip"); err != ErrUnknownStrategy {
		t.Errorf("unknown: err = %v", err)
	}
}

// TestResolve_versionMonotonic verifies no strategy returns a version below
// either input.
func TestResolve_versionMonotonic(t *testing.T) {
	r := newTestResolver()
	for _, strategy := range []models.ResolutionStrategy{models.StrategyClient, models.StrategyServer, models.StrategyMerge} {
		for lv := int64(1); lv <= 4; lv++ {
			for rv := int64(1); rv <= 4; rv++ {
				local := entity(t, lv, map[string]interface{}{"side": "l"}, base)
				remote := entity(t, rv, map[string]interface{}{"side": "r"}, base)
				res, err := r.Resolve(NewConflict(local, remote, models.ConflictVersion, strategy, base), strategy)
				if err != nil {
					t.Fatalf("%s l%d r%d: %v", strategy, lv, rv, err)
				}
				if res.Entity.Version < lv || res.Entity.Version < rv {
					t.Errorf("%s l%d r%d: result version %d", strategy, lv, rv, res.Entity.Version)
				}
			}
		}
	}
}
