package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kabili207/fota-go/core/firmware"
	"github.com/kabili207/fota-go/core/kvdb/memorydb"
)

func testArtifact(version string, size int64) firmware.Artifact {
	v, _ := firmware.ParseVersion(version)
	return firmware.Artifact{
		Name:       firmware.FileName("fw", v),
		Version:    v,
		Size:       size,
		MD5:        "md5-" + version,
		SHA256:     "sha-" + version,
		StorageRef: "/objects/" + version,
	}
}

func newTestRegistry(cfg Config) (*Registry, *time.Time) {
	r := NewRegistry(cfg)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	r.nowFn = func() time.Time { return now }
	var seq int
	r.newID = func() string {
		seq++
		return fmt.Sprintf("s%d", seq)
	}
	return r, &now
}

func TestRegistry_NewRegistry_Defaults(t *testing.T) {
	r := NewRegistry(Config{})

	lo, hi := r.ChunkBounds()
	if lo != DefaultMinChunk || hi != DefaultMaxChunk {
		t.Errorf("bounds = [%d, %d], want [%d, %d]", lo, hi, DefaultMinChunk, DefaultMaxChunk)
	}
	if r.DefaultChunkSize() != DefaultChunk {
		t.Errorf("DefaultChunkSize = %d, want %d", r.DefaultChunkSize(), DefaultChunk)
	}
	if r.cfg.InterruptedTimeout != DefaultInterruptedTimeout {
		t.Errorf("InterruptedTimeout = %v", r.cfg.InterruptedTimeout)
	}
	if r.Len() != 0 {
		t.Errorf("new registry should be empty, got %d", r.Len())
	}
}

func TestRegistry_DefaultChunkClamped(t *testing.T) {
	r := NewRegistry(Config{MinChunk: 128, MaxChunk: 512, DefaultChunk: 1024})
	if r.DefaultChunkSize() != 512 {
		t.Errorf("DefaultChunkSize = %d, want 512", r.DefaultChunkSize())
	}
}

func TestRegistry_CreateNewSession(t *testing.T) {
	r, now := newTestRegistry(Config{})

	s, resumed := r.CreateOrResume("dev1", testArtifact("1.1.0", 2000), 1)
	if resumed {
		t.Error("first check should create a session")
	}
	if s.ID == "" || s.DeviceID != "dev1" {
		t.Errorf("unexpected session %+v", s)
	}
	if s.ChunkSize != DefaultChunk || s.TotalChunks != 2 {
		t.Errorf("ChunkSize = %d, TotalChunks = %d; want %d, 2", s.ChunkSize, s.TotalChunks, DefaultChunk)
	}
	if s.LastOffset != 0 || s.State != StateActive || !s.StartedAt.Equal(*now) {
		t.Errorf("unexpected initial state %+v", s)
	}
}

func TestRegistry_CheckSameVersionResumes(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	a := testArtifact("1.1.0", 4096)

	s, _ := r.CreateOrResume("dev1", a, 1)
	r.RecordChunk(s.ID, 1024)
	r.RecordChunk(s.ID, 2048)
	r.MarkInterrupted(s.ID, 1)

	again, resumed := r.CreateOrResume("dev1", a, 2)
	if !resumed {
		t.Fatal("same device and version should resume")
	}
	if again.ID != s.ID {
		t.Errorf("resumed ID = %s, want %s", again.ID, s.ID)
	}
	if again.LastOffset != 2048 || again.DownloadedChunks != 2 {
		t.Errorf("progress lost: offset=%d chunks=%d", again.LastOffset, again.DownloadedChunks)
	}
	if again.State != StateActive || !again.InterruptedAt.IsZero() || again.Owner != 2 {
		t.Errorf("resume should reactivate and rebind: %+v", again)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistry_CheckDifferentVersionSupersedes(t *testing.T) {
	r, _ := newTestRegistry(Config{})

	old, _ := r.CreateOrResume("dev1", testArtifact("1.1.0", 4096), 1)
	r.RecordChunk(old.ID, 1024)
	other, _ := r.CreateOrResume("dev2", testArtifact("1.1.0", 4096), 2)

	s, resumed := r.CreateOrResume("dev1", testArtifact("1.2.0", 4096), 1)
	if resumed {
		t.Error("different version must not resume")
	}
	if s.ID == old.ID || s.LastOffset != 0 {
		t.Errorf("expected a fresh session, got %+v", s)
	}
	if _, err := r.Get(old.ID); err == nil {
		t.Error("superseded session should be removed")
	}
	if _, err := r.Get(other.ID); err != nil {
		t.Error("other devices' sessions must be untouched")
	}
	if _, ok := r.FindResumable("dev1", firmware.Version{Major: 1, Minor: 1}); ok {
		t.Error("old version should no longer be resumable")
	}
}

func TestRegistry_CompletedIsNotResumable(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	a := testArtifact("1.1.0", 100)

	s, _ := r.CreateOrResume("dev1", a, 1)
	r.Complete(s.ID)

	if _, ok := r.FindResumable("dev1", a.Version); ok {
		t.Error("completed session should not be resumable")
	}
	n, resumed := r.CreateOrResume("dev1", a, 1)
	if resumed || n.ID == s.ID {
		t.Error("check after completion should start a new session")
	}
}

func TestRegistry_LastOffsetMonotonic(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	s, _ := r.CreateOrResume("dev1", testArtifact("1.0.1", 2000), 1)

	steps := []struct {
		end        int64
		wantOffset int64
	}{
		{512, 512},
		{1024, 1024},
		{512, 1024}, // re-served earlier chunk
		{2000, 2000},
		{9999, 2000},
	}
	for i, st := range steps {
		got, err := r.RecordChunk(s.ID, st.end)
		if err != nil {
			t.Fatal(err)
		}
		if got.LastOffset != st.wantOffset {
			t.Errorf("step %d: LastOffset = %d, want %d", i, got.LastOffset, st.wantOffset)
		}
		if got.DownloadedChunks != i+1 {
			t.Errorf("step %d: DownloadedChunks = %d, want %d", i, got.DownloadedChunks, i+1)
		}
	}
}

func TestRegistry_SetChunkSizeClamped(t *testing.T) {
	r, _ := newTestRegistry(Config{MinChunk: 128, MaxChunk: 4096})
	s, _ := r.CreateOrResume("dev1", testArtifact("1.0.1", 10000), 1)

	tests := []struct {
		size int
		want int
	}{
		{512, 512},
		{64, 128},
		{0, 128},
		{100000, 4096},
	}
	for _, tt := range tests {
		got, err := r.SetChunkSize(s.ID, tt.size)
		if err != nil {
			t.Fatal(err)
		}
		if got.ChunkSize != tt.want {
			t.Errorf("SetChunkSize(%d) = %d, want %d", tt.size, got.ChunkSize, tt.want)
		}
	}

	r.RecordChunk(s.ID, 4096)
	got, _ := r.SetChunkSize(s.ID, 1000)
	if got.TotalChunks != 1+6 {
		t.Errorf("TotalChunks = %d, want 7", got.TotalChunks)
	}
}

func TestRegistry_UnknownSession(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	if _, err := r.Get("nope"); err == nil {
		t.Error("Get should fail")
	}
	if _, err := r.RecordChunk("nope", 1); err == nil {
		t.Error("RecordChunk should fail")
	}
	if _, err := r.Bind("nope", 1); err == nil {
		t.Error("Bind should fail")
	}
	if r.MarkInterrupted("nope", 1) {
		t.Error("MarkInterrupted should report false")
	}
}

func TestRegistry_RecordChunkRefusesCompleted(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	s, _ := r.CreateOrResume("dev1", testArtifact("1.0.1", 2000), 1)
	r.RecordChunk(s.ID, 512)
	r.Complete(s.ID)

	if _, err := r.RecordChunk(s.ID, 1024); !errors.Is(err, ErrCompleted) {
		t.Fatalf("RecordChunk on completed session = %v, want ErrCompleted", err)
	}
	got, _ := r.Get(s.ID)
	if got.LastOffset != 512 || got.DownloadedChunks != 1 {
		t.Errorf("completed session changed: offset=%d chunks=%d", got.LastOffset, got.DownloadedChunks)
	}
}

func TestRegistry_OnSweepOncePerPass(t *testing.T) {
	r, now := newTestRegistry(Config{})
	var passes [][]Session
	r.SetOnSweep(func(evicted []Session) { passes = append(passes, evicted) })

	// Nothing removed: no callback.
	a, _ := r.CreateOrResume("A", testArtifact("1.0.1", 100), 1)
	r.Sweep(*now)
	if len(passes) != 0 {
		t.Fatalf("sweep with nothing removed fired %d callbacks", len(passes))
	}

	// Two evictions in one pass: one callback.
	b, _ := r.CreateOrResume("B", testArtifact("1.0.1", 100), 2)
	r.Complete(a.ID)
	r.Complete(b.ID)
	r.Sweep(*now)
	if len(passes) != 1 || len(passes[0]) != 2 {
		t.Fatalf("passes = %v, want one pass with two sessions", passes)
	}

	// A superseded session triggers the next pass even without evictions.
	r.CreateOrResume("C", testArtifact("1.0.1", 100), 3)
	r.CreateOrResume("C", testArtifact("1.0.2", 100), 3)
	r.Sweep(*now)
	if len(passes) != 2 || len(passes[1]) != 0 {
		t.Fatalf("passes = %v, want a second pass with no evictions", passes)
	}
	r.Sweep(*now)
	if len(passes) != 2 {
		t.Errorf("quiet sweep fired a callback, passes = %d", len(passes))
	}
	if refs := r.StorageRefs(); len(refs) != 1 || refs[0] != "/objects/1.0.2" {
		t.Errorf("StorageRefs = %v", refs)
	}
}

func TestRegistry_MarkInterruptedRespectsOwner(t *testing.T) {
	r, now := newTestRegistry(Config{})
	s, _ := r.CreateOrResume("dev1", testArtifact("1.0.1", 2000), 1)

	// Device reconnected on connection 2 before connection 1's drop was
	// noticed.
	r.Bind(s.ID, 2)
	if r.MarkInterrupted(s.ID, 1) {
		t.Error("stale connection must not interrupt a rebound session")
	}

	if !r.MarkInterrupted(s.ID, 2) {
		t.Fatal("owner's drop should interrupt")
	}
	got, _ := r.Get(s.ID)
	if got.State != StateInterrupted || !got.InterruptedAt.Equal(*now) || got.Owner != 0 {
		t.Errorf("unexpected state after interrupt %+v", got)
	}
}

func TestRegistry_InterruptedResumeWithinTimeout(t *testing.T) {
	r, now := newTestRegistry(Config{InterruptedTimeout: 10 * time.Minute})
	s, _ := r.CreateOrResume("dev1", testArtifact("1.0.1", 4096), 1)
	r.RecordChunk(s.ID, 1024)
	r.RecordChunk(s.ID, 2048)
	r.RecordChunk(s.ID, 3072)

	r.MarkInterrupted(s.ID, 1)
	*now = now.Add(9 * time.Minute)
	r.Sweep(*now)

	got, err := r.Bind(s.ID, 7)
	if err != nil {
		t.Fatalf("session should survive the gap: %v", err)
	}
	if got.LastOffset != 3072 || got.DownloadedChunks != 3 {
		t.Errorf("progress changed across gap: offset=%d chunks=%d", got.LastOffset, got.DownloadedChunks)
	}
	if got.State != StateActive {
		t.Errorf("State = %v, want active", got.State)
	}
}

func TestRegistry_Sweep(t *testing.T) {
	r, now := newTestRegistry(Config{InterruptedTimeout: 10 * time.Minute, AbsoluteTimeout: 2 * time.Hour})
	start := *now

	a, _ := r.CreateOrResume("A", testArtifact("1.0.1", 100), 1)
	r.Complete(a.ID)

	*now = start.Add(-20 * time.Minute)
	b, _ := r.CreateOrResume("B", testArtifact("1.0.1", 100), 2)
	*now = start.Add(-11 * time.Minute)
	r.MarkInterrupted(b.ID, 2)

	*now = start.Add(-time.Minute)
	c, _ := r.CreateOrResume("C", testArtifact("1.0.1", 100), 3)

	*now = start
	var evictedIDs []string
	r.SetOnEvict(func(s Session) { evictedIDs = append(evictedIDs, s.ID) })

	evicted := r.Sweep(*now)
	if len(evicted) != 2 || len(evictedIDs) != 2 {
		t.Fatalf("evicted %d sessions, want 2", len(evicted))
	}
	if _, err := r.Get(a.ID); err == nil {
		t.Error("completed session A should be evicted")
	}
	if _, err := r.Get(b.ID); err == nil {
		t.Error("long-interrupted session B should be evicted")
	}
	if _, err := r.Get(c.ID); err != nil {
		t.Error("active session C should be retained")
	}
}

func TestRegistry_SweepAbsoluteTimeout(t *testing.T) {
	r, now := newTestRegistry(Config{AbsoluteTimeout: time.Hour})
	s, _ := r.CreateOrResume("dev1", testArtifact("1.0.1", 100), 1)

	*now = now.Add(59 * time.Minute)
	if len(r.Sweep(*now)) != 0 {
		t.Error("active session within absolute timeout should stay")
	}
	*now = now.Add(2 * time.Minute)
	if len(r.Sweep(*now)) != 1 {
		t.Error("active session past absolute timeout should be evicted")
	}
	if _, err := r.Get(s.ID); err == nil {
		t.Error("session should be gone")
	}
}

func TestRegistry_StorageRefs(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	r.CreateOrResume("dev1", testArtifact("1.0.1", 100), 1)
	r.CreateOrResume("dev2", testArtifact("1.0.1", 100), 2)
	r.CreateOrResume("dev3", testArtifact("1.0.2", 100), 3)

	refs := r.StorageRefs()
	if len(refs) != 2 {
		t.Errorf("StorageRefs = %v, want 2 distinct refs", refs)
	}
}

func TestRegistry_PersistAndRestore(t *testing.T) {
	store := memorydb.New()

	r1, now := newTestRegistry(Config{Store: store})
	open, _ := r1.CreateOrResume("dev1", testArtifact("1.0.1", 4096), 1)
	r1.RecordChunk(open.ID, 1024)
	r1.SetChunkSize(open.ID, 512)
	done, _ := r1.CreateOrResume("dev2", testArtifact("1.0.1", 4096), 2)
	r1.Complete(done.ID)

	r2 := NewRegistry(Config{Store: store})
	restartAt := now.Add(time.Minute)
	r2.nowFn = func() time.Time { return restartAt }

	n, err := r2.Restore()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("restored %d sessions, want 1", n)
	}
	got, err := r2.Get(open.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastOffset != 1024 || got.DownloadedChunks != 1 || got.ChunkSize != 512 {
		t.Errorf("progress not restored: %+v", got)
	}
	if got.State != StateInterrupted || !got.InterruptedAt.Equal(restartAt) {
		t.Errorf("restored session should be interrupted at restart: %+v", got)
	}
	if got.Firmware.Version != (firmware.Version{Major: 1, Patch: 1}) || got.Firmware.StorageRef != "/objects/1.0.1" {
		t.Errorf("artifact snapshot not restored: %+v", got.Firmware)
	}
	if _, err := r2.Get(done.ID); err == nil {
		t.Error("completed sessions should not be restored")
	}

	// Evicted sessions disappear from the store.
	r2.Complete(open.ID)
	r2.Sweep(restartAt)
	if store.Len() != 0 {
		t.Errorf("store should be empty after eviction, has %d records", store.Len())
	}
}

func TestRegistry_StartStop(t *testing.T) {
	r := NewRegistry(Config{SweepInterval: 10 * time.Millisecond})
	s, _ := r.CreateOrResume("dev1", testArtifact("1.0.1", 100), 1)
	r.Complete(s.ID)

	var evicted atomic.Int32
	r.SetOnEvict(func(Session) { evicted.Add(1) })

	done := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for evicted.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if evicted.Load() != 1 {
		t.Error("background sweep should evict the completed session")
	}

	r.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
