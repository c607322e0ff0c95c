package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/wickerworks/wren_player/internal/events"
	"github.com/wickerworks/wren_player/internal/models"
	"github.com/wickerworks/wren_player/internal/netmon"
)

type fakePlayer struct {
	mu       sync.Mutex
	loaded   []string
	seeks    []time.Duration
	stops    int
	position time.Duration
}

func (p *fakePlayer) Load(source string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = append(p.loaded, source)
	return nil
}

func (p *fakePlayer) Play() error  { return nil }
func (p *fakePlayer) Pause() error { return nil }

func (p *fakePlayer) Seek(position time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seeks = append(p.seeks, position)
	p.position = position
	return nil
}

func (p *fakePlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return nil
}

func (p *fakePlayer) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

func (p *fakePlayer) setPosition(d time.Duration) {
	p.mu.Lock()
	p.position = d
	p.mu.Unlock()
}

func (p *fakePlayer) loadedSources() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.loaded...)
}

func (p *fakePlayer) seekCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seeks)
}

type fakeRemote struct {
	played chan string
}

func (r *fakeRemote) StreamURL(itemID string) string { return "https://server/stream/" + itemID }

func (r *fakeRemote) ReportProgress(ctx context.Context, itemID string, positionTicks int64) error {
	return nil
}

func (r *fakeRemote) MarkPlayed(ctx context.Context, itemID string) error {
	select {
	case r.played <- itemID:
	default:
	}
	return nil
}

type fakeScreenTime struct {
	mu      sync.Mutex
	limited bool
	accrued int
}

func (s *fakeScreenTime) IsLimitReached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limited
}

func (s *fakeScreenTime) Tick(secondsWatched int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accrued += secondsWatched
	return nil
}

func (s *fakeScreenTime) setLimited(limited bool) {
	s.mu.Lock()
	s.limited = limited
	s.mu.Unlock()
}

type mutableNetwork struct {
	mu    sync.Mutex
	state netmon.State
}

func (n *mutableNetwork) Current() netmon.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *mutableNetwork) set(state netmon.State) {
	n.mu.Lock()
	n.state = state
	n.mu.Unlock()
}

type playbackEnv struct {
	manager    *Manager
	db         *gorm.DB
	player     *fakePlayer
	remote     *fakeRemote
	screenTime *fakeScreenTime
	network    *mutableNetwork
}

func newPlaybackEnv(t *testing.T) *playbackEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.CatalogEntry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &playbackEnv{
		db:         db,
		player:     &fakePlayer{},
		remote:     &fakeRemote{played: make(chan string, 4)},
		screenTime: &fakeScreenTime{},
		network:    &mutableNetwork{state: netmon.StateUnmetered},
	}
	env.manager = NewManager(db, env.player, env.remote, env.network, env.screenTime,
		func() string { return "user-1" }, events.NewBus(), zerolog.Nop())
	env.manager.countdown = 20 * time.Millisecond
	return env
}

func seedPlaybackEntry(t *testing.T, db *gorm.DB, id string, runtime time.Duration, localPath string, resumeTicks int64) {
	t.Helper()
	progress := 0.0
	if localPath != "" {
		progress = 1.0
	}
	entry := models.CatalogEntry{
		RemoteID:            id,
		UserScope:           "user-1",
		Title:               id,
		RunTimeTicks:        models.DurationToTicks(runtime),
		LocalPath:           localPath,
		Progress:            progress,
		ResumePositionTicks: resumeTicks,
	}
	if err := db.Create(&entry).Error; err != nil {
		t.Fatalf("seed entry: %v", err)
	}
}

func TestSelectPrefersLocalCopy(t *testing.T) {
	env := newPlaybackEnv(t)
	seedPlaybackEntry(t, env.db, "a", 100*time.Second, "/cache/a.mp4", 0)

	if err := env.manager.Select(context.Background(), "a"); err != nil {
		t.Fatalf("select: %v", err)
	}
	snap := env.manager.Snapshot()
	if snap.State != StatePlaying || snap.Source != SourceLocal {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if sources := env.player.loadedSources(); len(sources) != 1 || sources[0] != "/cache/a.mp4" {
		t.Fatalf("unexpected load: %v", sources)
	}
}

func TestSelectStreamsWithoutLocalCopy(t *testing.T) {
	env := newPlaybackEnv(t)
	seedPlaybackEntry(t, env.db, "a", 100*time.Second, "", 0)

	if err := env.manager.Select(context.Background(), "a"); err != nil {
		t.Fatalf("select: %v", err)
	}
	snap := env.manager.Snapshot()
	if snap.Source != SourceStream {
		t.Fatalf("expected streaming source: %+v", snap)
	}
	if sources := env.player.loadedSources(); sources[0] != "https://server/stream/a" {
		t.Fatalf("unexpected stream url: %v", sources)
	}
}

func TestSelectOfflineWithoutLocalCopy(t *testing.T) {
	env := newPlaybackEnv(t)
	env.network.set(netmon.StateNone)
	seedPlaybackEntry(t, env.db, "a", 100*time.Second, "", 0)

	err := env.manager.Select(context.Background(), "a")
	if !errors.Is(err, ErrNotAvailableOffline) {
		t.Fatalf("expected ErrNotAvailableOffline, got %v", err)
	}
	snap := env.manager.Snapshot()
	if snap.State != StateEnded || snap.Reason != ReasonNotAvailableOffline {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestSelectBlockedByScreenTimeLimit(t *testing.T) {
	env := newPlaybackEnv(t)
	env.screenTime.setLimited(true)
	seedPlaybackEntry(t, env.db, "a", 100*time.Second, "/cache/a.mp4", 0)

	if err := env.manager.Select(context.Background(), "a"); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("expected ErrLimitReached, got %v", err)
	}
}

func TestResumeAppliedOncePerLoad(t *testing.T) {
	env := newPlaybackEnv(t)
	seedPlaybackEntry(t, env.db, "a", 100*time.Second, "/cache/a.mp4", models.DurationToTicks(30*time.Second))

	if err := env.manager.Select(context.Background(), "a"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if env.player.seekCount() != 1 {
		t.Fatalf("expected one resume seek, got %d", env.player.seekCount())
	}
	env.player.mu.Lock()
	seek := env.player.seeks[0]
	env.player.mu.Unlock()
	if seek != 30*time.Second {
		t.Fatalf("wrong resume position: %v", seek)
	}
}

func TestNearlyFinishedRestartsFromStart(t *testing.T) {
	env := newPlaybackEnv(t)
	seedPlaybackEntry(t, env.db, "a", 100*time.Second, "/cache/a.mp4", models.DurationToTicks(96*time.Second))

	if err := env.manager.Select(context.Background(), "a"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if env.player.seekCount() != 0 {
		t.Fatalf("expected no resume seek past the threshold, got %d", env.player.seekCount())
	}
}

func TestTickAccruesScreenTime(t *testing.T) {
	env := newPlaybackEnv(t)
	seedPlaybackEntry(t, env.db, "a", 100*time.Second, "/cache/a.mp4", 0)
	if err := env.manager.Select(context.Background(), "a"); err != nil {
		t.Fatalf("select: %v", err)
	}

	env.manager.tick(5 * time.Second)
	env.manager.tick(5 * time.Second)

	env.screenTime.mu.Lock()
	accrued := env.screenTime.accrued
	env.screenTime.mu.Unlock()
	if accrued != 10 {
		t.Fatalf("expected 10 accrued seconds, got %d", accrued)
	}
}

func TestLimitTripsMidPlayback(t *testing.T) {
	env := newPlaybackEnv(t)
	seedPlaybackEntry(t, env.db, "a", 100*time.Second, "/cache/a.mp4", 0)
	if err := env.manager.Select(context.Background(), "a"); err != nil {
		t.Fatalf("select: %v", err)
	}

	env.screenTime.setLimited(true)
	env.manager.tick(30 * time.Second)

	snap := env.manager.Snapshot()
	if snap.State != StateEnded || snap.Reason != ReasonLimitReached {
		t.Fatalf("limit did not end playback: %+v", snap)
	}
}

func TestWatchedThresholdMarksPlayed(t *testing.T) {
	env := newPlaybackEnv(t)
	seedPlaybackEntry(t, env.db, "a", 100*time.Second, "/cache/a.mp4", 0)
	if err := env.manager.Select(context.Background(), "a"); err != nil {
		t.Fatalf("select: %v", err)
	}

	env.player.setPosition(95 * time.Second)
	env.manager.tick(5 * time.Second)

	var entry models.CatalogEntry
	if err := env.db.First(&entry, "remote_id = ?", "a").Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !entry.Watched || entry.LastWatchedAt == nil {
		t.Fatalf("entry not marked watched: %+v", entry)
	}

	select {
	case id := <-env.remote.played:
		if id != "a" {
			t.Fatalf("wrong item reported played: %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("remote played report never sent")
	}

	// The mark is once per session; another tick past the threshold stays
	// quiet.
	env.manager.tick(5 * time.Second)
	select {
	case <-env.remote.played:
		t.Fatal("duplicate played report")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCompletionAutoplaysNextInBrowseOrder(t *testing.T) {
	env := newPlaybackEnv(t)
	seedPlaybackEntry(t, env.db, "a", 100*time.Second, "/cache/a.mp4", 0)
	seedPlaybackEntry(t, env.db, "b", 100*time.Second, "/cache/b.mp4", 0)
	env.manager.SetBrowseOrder([]string{"a", "b"})

	if err := env.manager.Select(context.Background(), "a"); err != nil {
		t.Fatalf("select: %v", err)
	}
	env.player.setPosition(100 * time.Second)
	env.manager.tick(5 * time.Second)

	snap := env.manager.Snapshot()
	if snap.State != StateEnded || snap.Reason != ReasonCompleted {
		t.Fatalf("item did not end: %+v", snap)
	}

	deadline := time.After(2 * time.Second)
	for {
		snap = env.manager.Snapshot()
		if snap.State == StatePlaying && snap.EntryID == "b" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("autoplay never started next item: %+v", snap)
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Completion clears the finished item's resume position.
	var entry models.CatalogEntry
	if err := env.db.First(&entry, "remote_id = ?", "a").Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if entry.ResumePositionTicks != 0 {
		t.Fatalf("resume position not cleared: %d", entry.ResumePositionTicks)
	}
}

func TestCancelAutoplayStaysEnded(t *testing.T) {
	env := newPlaybackEnv(t)
	seedPlaybackEntry(t, env.db, "a", 100*time.Second, "/cache/a.mp4", 0)
	seedPlaybackEntry(t, env.db, "b", 100*time.Second, "/cache/b.mp4", 0)
	env.manager.SetBrowseOrder([]string{"a", "b"})

	if err := env.manager.Select(context.Background(), "a"); err != nil {
		t.Fatalf("select: %v", err)
	}
	env.player.setPosition(100 * time.Second)
	env.manager.tick(5 * time.Second)
	env.manager.CancelAutoplay()

	time.Sleep(100 * time.Millisecond)
	snap := env.manager.Snapshot()
	if snap.State != StateEnded {
		t.Fatalf("autoplay ran after cancel: %+v", snap)
	}
	if sources := env.player.loadedSources(); len(sources) != 1 {
		t.Fatalf("next item loaded after cancel: %v", sources)
	}
}

func TestSkipAdvancesAlongBrowseOrder(t *testing.T) {
	env := newPlaybackEnv(t)
	seedPlaybackEntry(t, env.db, "a", 100*time.Second, "/cache/a.mp4", 0)
	seedPlaybackEntry(t, env.db, "b", 100*time.Second, "/cache/b.mp4", 0)
	env.manager.SetBrowseOrder([]string{"a", "b"})

	if err := env.manager.Select(context.Background(), "a"); err != nil {
		t.Fatalf("select: %v", err)
	}
	env.player.setPosition(25 * time.Second)

	if err := env.manager.Skip(context.Background()); err != nil {
		t.Fatalf("skip: %v", err)
	}
	snap := env.manager.Snapshot()
	if snap.State != StatePlaying || snap.EntryID != "b" || snap.Source != SourceLocal {
		t.Fatalf("skip did not start next item: %+v", snap)
	}

	// The skipped item keeps its resume position.
	var entry models.CatalogEntry
	if err := env.db.First(&entry, "remote_id = ?", "a").Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if entry.ResumePositionTicks != models.DurationToTicks(25*time.Second) {
		t.Fatalf("resume position lost on skip: %d", entry.ResumePositionTicks)
	}
}

func TestSkipPastEndOfBrowseOrderStops(t *testing.T) {
	env := newPlaybackEnv(t)
	seedPlaybackEntry(t, env.db, "a", 100*time.Second, "/cache/a.mp4", 0)
	env.manager.SetBrowseOrder([]string{"a"})

	if err := env.manager.Select(context.Background(), "a"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := env.manager.Skip(context.Background()); err != nil {
		t.Fatalf("skip: %v", err)
	}
	snap := env.manager.Snapshot()
	if snap.State != StateIdle {
		t.Fatalf("skip at the end did not stop playback: %+v", snap)
	}
}

func TestSelectIgnoresOtherAccountEntries(t *testing.T) {
	env := newPlaybackEnv(t)
	entry := models.CatalogEntry{
		RemoteID:     "a",
		UserScope:    "user-2",
		Title:        "a",
		RunTimeTicks: models.DurationToTicks(100 * time.Second),
		LocalPath:    "/cache/a.mp4",
		Progress:     1.0,
	}
	if err := env.db.Create(&entry).Error; err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	if err := env.manager.Select(context.Background(), "a"); err == nil {
		t.Fatal("expected select to miss another account's entry")
	}
	if sources := env.player.loadedSources(); len(sources) != 0 {
		t.Fatalf("player loaded another account's entry: %v", sources)
	}
}

func TestNetworkLossSwitchesToLocalCopy(t *testing.T) {
	env := newPlaybackEnv(t)
	seedPlaybackEntry(t, env.db, "a", 100*time.Second, "", 0)

	if err := env.manager.Select(context.Background(), "a"); err != nil {
		t.Fatalf("select: %v", err)
	}
	// Download finishes while streaming.
	if err := env.db.Model(&models.CatalogEntry{}).
		Where("remote_id = ?", "a").
		Updates(map[string]any{"local_path": "/cache/a.mp4", "progress": 1.0, "local_size": 42}).Error; err != nil {
		t.Fatalf("mark downloaded: %v", err)
	}

	env.player.setPosition(40 * time.Second)
	env.network.set(netmon.StateNone)
	env.manager.handleNetworkChange()

	snap := env.manager.Snapshot()
	if snap.State != StatePlaying || snap.Source != SourceLocal {
		t.Fatalf("did not switch to local copy: %+v", snap)
	}
	sources := env.player.loadedSources()
	if sources[len(sources)-1] != "/cache/a.mp4" {
		t.Fatalf("local copy not loaded: %v", sources)
	}
	env.player.mu.Lock()
	lastSeek := env.player.seeks[len(env.player.seeks)-1]
	env.player.mu.Unlock()
	if lastSeek != 40*time.Second {
		t.Fatalf("position not preserved across switch: %v", lastSeek)
	}
}

func TestNetworkLossWithoutLocalCopyEnds(t *testing.T) {
	env := newPlaybackEnv(t)
	seedPlaybackEntry(t, env.db, "a", 100*time.Second, "", 0)

	if err := env.manager.Select(context.Background(), "a"); err != nil {
		t.Fatalf("select: %v", err)
	}
	env.network.set(netmon.StateNone)
	env.manager.handleNetworkChange()

	snap := env.manager.Snapshot()
	if snap.State != StateEnded || snap.Reason != ReasonNotAvailableOffline {
		t.Fatalf("expected offline ending: %+v", snap)
	}
}
