package download

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/wickerworks/wren_player/internal/events"
	"github.com/wickerworks/wren_player/internal/models"
	"github.com/wickerworks/wren_player/internal/netmon"
	"github.com/wickerworks/wren_player/internal/storage"
)

type fakeRemote struct {
	mu       sync.Mutex
	content  []byte
	failures int   // first N calls error
	calls    int
	total    int64 // overrides the announced size when set
}

func (f *fakeRemote) Download(ctx context.Context, itemID string, offset int64) (io.ReadCloser, int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, 0, false, errors.New("connection reset")
	}
	total := int64(len(f.content))
	if f.total > 0 {
		total = f.total
	}
	if offset > 0 {
		return io.NopCloser(bytes.NewReader(f.content[offset:])), total, true, nil
	}
	return io.NopCloser(bytes.NewReader(f.content)), total, false, nil
}

type fixedNetwork struct{ state netmon.State }

func (f *fixedNetwork) Current() netmon.State { return f.state }

type mutableNetwork struct {
	mu    sync.Mutex
	state netmon.State
}

func (m *mutableNetwork) Current() netmon.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mutableNetwork) set(state netmon.State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// blockingRemote serves a body whose reads block until the transfer context
// is cancelled, holding a transfer open indefinitely.
type blockingRemote struct {
	once    sync.Once
	started chan struct{}
}

func (b *blockingRemote) Download(ctx context.Context, itemID string, offset int64) (io.ReadCloser, int64, bool, error) {
	b.once.Do(func() { close(b.started) })
	return &blockedBody{ctx: ctx}, 1 << 20, false, nil
}

type blockedBody struct{ ctx context.Context }

func (b *blockedBody) Read(p []byte) (int, error) {
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

func (b *blockedBody) Close() error { return nil }

type fixedPower struct{ ok bool }

func (f *fixedPower) OK() bool { return f.ok }

func openDownloadTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.CatalogEntry{}, &models.DownloadTask{}, &models.Setting{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type testEnv struct {
	db     *gorm.DB
	orch   *Orchestrator
	bus    *events.Bus
	remote *fakeRemote
}

func newTestEnv(t *testing.T, remote *fakeRemote, limit int64) *testEnv {
	t.Helper()
	db := openDownloadTestDB(t)
	bus := events.NewBus()
	governor, err := storage.New(db, limit, 1<<20, bus, zerolog.Nop())
	if err != nil {
		t.Fatalf("governor: %v", err)
	}
	orch, err := New(db, remote, &fixedNetwork{state: netmon.StateUnmetered}, governor,
		&fixedPower{ok: true}, func() string { return "user-1" },
		t.TempDir(), 60*time.Minute, 120*time.Minute, 2, bus, zerolog.Nop())
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return &testEnv{db: db, orch: orch, bus: bus, remote: remote}
}

func seedEntry(t *testing.T, db *gorm.DB, id string, runtime time.Duration, watched bool, localPath string) {
	t.Helper()
	seedScopedEntry(t, db, id, "user-1", runtime, watched, localPath)
}

func seedScopedEntry(t *testing.T, db *gorm.DB, id, scope string, runtime time.Duration, watched bool, localPath string) {
	t.Helper()
	progress := 0.0
	if localPath != "" {
		progress = 1.0
	}
	entry := models.CatalogEntry{
		RemoteID:     id,
		UserScope:    scope,
		Title:        id,
		RunTimeTicks: models.DurationToTicks(runtime),
		AddedAt:      time.Now(),
		Watched:      watched,
		LocalPath:    localPath,
		Progress:     progress,
	}
	if err := db.Create(&entry).Error; err != nil {
		t.Fatalf("seed entry: %v", err)
	}
}

func TestPassDownloadsAndVerifies(t *testing.T) {
	content := []byte(strings.Repeat("wren", 1024))
	env := newTestEnv(t, &fakeRemote{content: content}, 100<<20)
	seedEntry(t, env.db, "ep-1", 10*time.Second, false, "")

	completed := env.bus.Subscribe(events.EventDownloadCompleted)

	if err := env.orch.Pass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}

	var entry models.CatalogEntry
	if err := env.db.First(&entry, "remote_id = ?", "ep-1").Error; err != nil {
		t.Fatalf("reload entry: %v", err)
	}
	if !entry.Downloaded() {
		t.Fatalf("entry not marked downloaded: %+v", entry)
	}
	sum := sha256.Sum256(content)
	if entry.Checksum != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum mismatch: %s", entry.Checksum)
	}
	data, err := os.ReadFile(entry.LocalPath)
	if err != nil {
		t.Fatalf("read cache file: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Fatal("cache file content mismatch")
	}

	var task models.DownloadTask
	if err := env.db.First(&task, "entry_id = ?", "ep-1").Error; err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if task.Status != models.TaskCompleted {
		t.Fatalf("task not completed: %+v", task)
	}

	select {
	case <-completed:
	default:
		t.Fatal("no completion event published")
	}
}

func TestSatisfiedWindowAdmitsNothing(t *testing.T) {
	env := newTestEnv(t, &fakeRemote{content: []byte("x")}, 100<<20)
	// 90 minutes of unwatched content already cached sits inside the window.
	seedEntry(t, env.db, "cached", 90*time.Minute, false, "/cache/cached.mp4")
	seedEntry(t, env.db, "fresh", 10*time.Minute, false, "")

	if err := env.orch.Pass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	var count int64
	env.db.Model(&models.DownloadTask{}).Count(&count)
	if count != 0 {
		t.Fatalf("task created while window satisfied: %d", count)
	}
}

func TestResumeContinuesPartialFile(t *testing.T) {
	content := []byte("0123456789abcdef")
	env := newTestEnv(t, &fakeRemote{content: content}, 100<<20)
	seedEntry(t, env.db, "ep-1", 10*time.Second, false, "")

	partPath := env.orch.partPath(&models.CatalogEntry{RemoteID: "ep-1"})
	if err := os.WriteFile(partPath, content[:10], 0o644); err != nil {
		t.Fatalf("write partial: %v", err)
	}

	if err := env.orch.Pass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}

	var entry models.CatalogEntry
	if err := env.db.First(&entry, "remote_id = ?", "ep-1").Error; err != nil {
		t.Fatalf("reload entry: %v", err)
	}
	data, err := os.ReadFile(entry.LocalPath)
	if err != nil {
		t.Fatalf("read cache file: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Fatalf("resumed file corrupt: %q", data)
	}
	// Digest covers the whole file, not just the resumed tail.
	sum := sha256.Sum256(content)
	if entry.Checksum != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum does not cover full file: %s", entry.Checksum)
	}
}

func TestFailureSchedulesRetryThenSucceeds(t *testing.T) {
	content := []byte("abcdef")
	remote := &fakeRemote{content: content, failures: 1}
	env := newTestEnv(t, remote, 100<<20)
	seedEntry(t, env.db, "ep-1", 10*time.Second, false, "")

	if err := env.orch.Pass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	var task models.DownloadTask
	if err := env.db.First(&task, "entry_id = ?", "ep-1").Error; err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if task.Status != models.TaskFailed || task.Terminal || task.Retries != 1 {
		t.Fatalf("unexpected task after failure: %+v", task)
	}
	if task.NextRetryAt == nil || !task.NextRetryAt.After(time.Now()) {
		t.Fatalf("no backoff scheduled: %+v", task.NextRetryAt)
	}

	// Jump past the backoff; the retry pass completes the transfer.
	env.orch.nowFunc = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if err := env.orch.Pass(context.Background()); err != nil {
		t.Fatalf("retry pass: %v", err)
	}
	if err := env.db.First(&task, "entry_id = ?", "ep-1").Error; err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if task.Status != models.TaskCompleted {
		t.Fatalf("retry did not complete: %+v", task)
	}
}

func TestRetriesExhaustedMarksTerminal(t *testing.T) {
	remote := &fakeRemote{content: []byte("x"), failures: 100}
	env := newTestEnv(t, remote, 100<<20)
	seedEntry(t, env.db, "ep-1", 10*time.Second, false, "")

	offset := time.Duration(0)
	for i := 0; i < 2; i++ {
		env.orch.nowFunc = func() time.Time { return time.Now().Add(offset) }
		if err := env.orch.Pass(context.Background()); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
		offset += 2 * time.Hour
	}

	var task models.DownloadTask
	if err := env.db.First(&task, "entry_id = ?", "ep-1").Error; err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if !task.Terminal || task.Retries != 2 {
		t.Fatalf("expected terminal after max retries: %+v", task)
	}
}

func TestIntegrityMismatchRequeuesFresh(t *testing.T) {
	content := []byte("short body")
	remote := &fakeRemote{content: content, total: int64(len(content)) + 5}
	env := newTestEnv(t, remote, 100<<20)
	seedEntry(t, env.db, "ep-1", 10*time.Second, false, "")

	if err := env.orch.Pass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}

	var tasks []models.DownloadTask
	if err := env.db.Order("created_at ASC").Find(&tasks, "entry_id = ?", "ep-1").Error; err != nil {
		t.Fatalf("load tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected corrupt task plus fresh task, got %d", len(tasks))
	}
	var terminal, queued int
	for _, task := range tasks {
		if task.Terminal {
			terminal++
		}
		if task.Status == models.TaskQueued {
			queued++
		}
	}
	if terminal != 1 || queued != 1 {
		t.Fatalf("unexpected task states: %+v", tasks)
	}

	if _, err := os.Stat(env.orch.partPath(&models.CatalogEntry{RemoteID: "ep-1"})); !os.IsNotExist(err) {
		t.Fatal("corrupt partial not discarded")
	}
}

func TestMeteredNetworkAdmitsNothing(t *testing.T) {
	env := newTestEnv(t, &fakeRemote{content: []byte("x")}, 100<<20)
	env.orch.network = &fixedNetwork{state: netmon.StateMetered}
	seedEntry(t, env.db, "ep-1", 10*time.Second, false, "")

	if err := env.orch.Pass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	var count int64
	env.db.Model(&models.DownloadTask{}).Count(&count)
	if count != 0 {
		t.Fatalf("task created on metered network: %d", count)
	}
}

func TestNetworkDowngradeCancelsActiveTransfer(t *testing.T) {
	db := openDownloadTestDB(t)
	bus := events.NewBus()
	governor, err := storage.New(db, 100<<20, 1<<20, bus, zerolog.Nop())
	if err != nil {
		t.Fatalf("governor: %v", err)
	}
	network := &mutableNetwork{state: netmon.StateUnmetered}
	remote := &blockingRemote{started: make(chan struct{})}
	orch, err := New(db, remote, network, governor,
		&fixedPower{ok: true}, func() string { return "user-1" },
		t.TempDir(), 60*time.Minute, 120*time.Minute, 2, bus, zerolog.Nop())
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	orch.poll = 10 * time.Millisecond
	seedEntry(t, db, "ep-1", 10*time.Second, false, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		orch.Run(ctx)
		close(done)
	}()

	select {
	case <-remote.started:
	case <-time.After(2 * time.Second):
		t.Fatal("transfer never started")
	}

	// The downgrade must interrupt the in-flight transfer, not wait for it.
	network.set(netmon.StateMetered)
	bus.Publish(events.EventNetworkChanged, events.Payload{"state": "metered"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		var task models.DownloadTask
		loadErr := db.First(&task, "entry_id = ?", "ep-1").Error
		if loadErr == nil && task.Status == models.TaskQueued {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transfer not paused after downgrade: %+v (err %v)", task, loadErr)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not stop")
	}
}

func TestQueueIgnoresOtherAccountRows(t *testing.T) {
	content := []byte("abc")
	env := newTestEnv(t, &fakeRemote{content: content}, 100<<20)
	// Another account's cached hoard would satisfy the window if the sums
	// were unscoped; its undownloaded entry must never be picked up either.
	seedScopedEntry(t, env.db, "their-cached", "user-2", 200*time.Minute, false, "/cache/their-cached.mp4")
	seedScopedEntry(t, env.db, "their-fresh", "user-2", 10*time.Minute, false, "")
	seedEntry(t, env.db, "ours", 10*time.Second, false, "")

	if err := env.orch.Pass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}

	var tasks []models.DownloadTask
	if err := env.db.Find(&tasks).Error; err != nil {
		t.Fatalf("load tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].EntryID != "ours" || tasks[0].UserScope != "user-1" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
	var entry models.CatalogEntry
	if err := env.db.First(&entry, "remote_id = ? AND user_scope = ?", "ours", "user-1").Error; err != nil {
		t.Fatalf("reload entry: %v", err)
	}
	if !entry.Downloaded() {
		t.Fatalf("own entry not downloaded: %+v", entry)
	}
}

func TestBlockedStorageNotifiesOnce(t *testing.T) {
	// 2MB ceiling with a 1MB floor leaves ~1MB headroom; a ten minute
	// episode can never fit and nothing is watched, so eviction blocks.
	env := newTestEnv(t, &fakeRemote{content: []byte("x")}, 2<<20)
	seedEntry(t, env.db, "ep-1", 10*time.Minute, false, "")

	blocked := env.bus.Subscribe(events.EventDownloadBlocked)

	for i := 0; i < 2; i++ {
		if err := env.orch.Pass(context.Background()); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}

	var got int
	for {
		select {
		case <-blocked:
			got++
			continue
		default:
		}
		break
	}
	if got != 1 {
		t.Fatalf("expected exactly one blocked notification, got %d", got)
	}
}
