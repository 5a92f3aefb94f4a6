package proc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizuhara/vcbot/sys"
)

// ===========================
// Fakes
// ===========================

type playCall struct {
	chatID int64
	source string
	video  bool
}

type fakeTransport struct {
	mu         sync.Mutex
	started    int
	plays      []playCall
	changes    []playCall
	leaves     []int64
	stopVideos []int64

	startErr  error
	playErr   error
	changeErr error
	// changeFailOnce makes exactly the next ChangeStream call fail.
	changeFailOnce bool

	onEnded func(int64)
	onNet   func(int64, bool)
}

func (f *fakeTransport) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	if f.started > 1 && f.startErr == nil {
		return errors.New("client is already running")
	}
	return f.startErr
}

func (f *fakeTransport) Play(ctx context.Context, chatID int64, source string, video bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		return f.playErr
	}
	f.plays = append(f.plays, playCall{chatID, source, video})
	return nil
}

func (f *fakeTransport) ChangeStream(ctx context.Context, chatID int64, source string, video bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.changeFailOnce {
		f.changeFailOnce = false
		return errors.New("stream switch rejected")
	}
	if f.changeErr != nil {
		return f.changeErr
	}
	f.changes = append(f.changes, playCall{chatID, source, video})
	return nil
}

func (f *fakeTransport) Leave(ctx context.Context, chatID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, chatID)
	return nil
}

func (f *fakeTransport) StopVideo(ctx context.Context, chatID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopVideos = append(f.stopVideos, chatID)
	return nil
}

func (f *fakeTransport) OnStreamEnded(fn func(int64))          { f.onEnded = fn }
func (f *fakeTransport) OnNetworkChanged(fn func(int64, bool)) { f.onNet = fn }

func (f *fakeTransport) changedSources(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.changes {
		if c.chatID == chatID {
			out = append(out, c.source)
		}
	}
	return out
}

type sentMsg struct {
	chatID int64
	html   string
	thumb  string
	id     int64
}

type fakeNotifier struct {
	mu      sync.Mutex
	sent    []sentMsg
	deleted []MessageRef
	nextID  int64
	// forbidThumb rejects any send carrying media, like a restricted chat.
	forbidThumb bool
}

func (f *fakeNotifier) SendMessage(ctx context.Context, chatID int64, html, thumb string) (MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forbidThumb && thumb != "" {
		return MessageRef{}, ErrMediaForbidden
	}
	f.nextID++
	f.sent = append(f.sent, sentMsg{chatID, html, thumb, f.nextID})
	return MessageRef{ChatID: chatID, MessageID: f.nextID}, nil
}

func (f *fakeNotifier) DeleteMessage(ctx context.Context, ref MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeNotifier) messagesContaining(sub string) []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMsg
	for _, m := range f.sent {
		if strings.Contains(m.html, sub) {
			out = append(out, m)
		}
	}
	return out
}

type engineFixture struct {
	cfg       *sys.Config
	transport *fakeTransport
	notifier  *fakeNotifier
	queue     *PlaybackQueue
	resolver  *Resolver
	registry  *Registry
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	cache, err := NewMediaCache(t.TempDir())
	require.NoError(t, err)

	cfg := &sys.Config{
		CacheDir:       cache.Dir(),
		PlaceholderURL: "http://placeholder.local/sintel.mp4",
	}
	transport := &fakeTransport{}
	notifier := &fakeNotifier{}
	queue := NewPlaybackQueue()
	resolver := NewResolver(cfg, cache)

	return &engineFixture{
		cfg:       cfg,
		transport: transport,
		notifier:  notifier,
		queue:     queue,
		resolver:  resolver,
		registry:  NewRegistry(cfg, transport, notifier, queue, resolver),
	}
}

// ===========================
// Session lifecycle
// ===========================

func TestJoinPlaysPlaceholderAndRegisters(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	sess, err := fx.registry.GetOrCreate(ctx, 42, 0, false)
	require.NoError(t, err)
	require.NotNil(t, sess)

	require.Len(t, fx.transport.plays, 1)
	assert.Equal(t, playCall{42, fx.cfg.PlaceholderURL, false}, fx.transport.plays[0])
	assert.Equal(t, StateActive, sess.State())
	assert.Equal(t, []int64{42}, fx.registry.ActiveCalls())
	assert.Len(t, fx.notifier.messagesContaining("Joined VC"), 1)

	got, ok := fx.registry.Get(42)
	require.True(t, ok)
	assert.Same(t, sess, got)
	_, ok = fx.registry.Get(99)
	assert.False(t, ok)
}

func TestJoinIsIdempotent(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	sess, err := fx.registry.GetOrCreate(ctx, 42, 0, false)
	require.NoError(t, err)

	again, err := fx.registry.GetOrCreate(ctx, 42, 0, false)
	require.NoError(t, err)
	assert.Same(t, sess, again)
	assert.Len(t, fx.transport.plays, 1, "second join must not replay the placeholder")

	ok, err := sess.Join(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "joining an active session is a no-op success")
	assert.Len(t, fx.transport.plays, 1)
}

func TestFailedPlaceholderLeavesNoPartialRegistration(t *testing.T) {
	fx := newEngineFixture(t)
	fx.transport.playErr = errors.New("call unavailable")

	_, err := fx.registry.GetOrCreate(context.Background(), 42, 0, false)
	require.Error(t, err)
	assert.Empty(t, fx.registry.ActiveCalls(), "failed join must not register the session")
}

func TestBenignStartRaceIsSwallowed(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	_, err := fx.registry.GetOrCreate(ctx, 1, 0, false)
	require.NoError(t, err)
	// Second chat races to start the shared transport; the fake reports
	// "already running", which must not fail the join.
	_, err = fx.registry.GetOrCreate(ctx, 2, 0, false)
	require.NoError(t, err)

	calls := fx.registry.ActiveCalls()
	sort.Slice(calls, func(i, j int) bool { return calls[i] < calls[j] })
	assert.Equal(t, []int64{1, 2}, calls)
}

// ===========================
// Video exclusivity
// ===========================

func TestSingleGlobalVideoChat(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	for _, chat := range []int64{1, 2, 3} {
		_, err := fx.registry.GetOrCreate(ctx, chat, 0, true)
		require.NoError(t, err)
	}

	assert.Equal(t, []int64{3}, fx.registry.VideoChats(),
		"only the most recent video chat may keep its claim")
	assert.Equal(t, []int64{1, 2}, fx.transport.stopVideos,
		"earlier video chats get their video stopped, audio untouched")
	assert.Len(t, fx.registry.ActiveCalls(), 3)
}

func TestFailedVideoJoinLeavesNoVideoClaim(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	_, err := fx.registry.GetOrCreate(ctx, 1, 0, true)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, fx.registry.VideoChats())

	fx.transport.playErr = errors.New("call unavailable")
	_, err = fx.registry.GetOrCreate(ctx, 42, 0, true)
	require.Error(t, err)

	assert.Equal(t, []int64{1}, fx.registry.ActiveCalls())
	assert.Equal(t, []int64{1}, fx.registry.VideoChats(),
		"failed video join must not claim video")
	assert.Empty(t, fx.transport.stopVideos,
		"failed video join must not evict the current video chat")
}

func TestAudioEntryReleasesOwnVideoClaim(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	sess, err := fx.registry.GetOrCreate(ctx, 7, 0, true)
	require.NoError(t, err)
	require.Equal(t, []int64{7}, fx.registry.VideoChats())

	fx.queue.Enqueue(7, &QueueEntry{SourceRef: "/tmp/a.m4a", Title: "a", Video: false})
	sess.HandleStreamEnded(ctx)

	assert.Empty(t, fx.registry.VideoChats())
	assert.Equal(t, []int64{7}, fx.transport.stopVideos)
}

// ===========================
// Playback advancement
// ===========================

func TestStreamEndedPlaysNextAndAnnounces(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	sess, err := fx.registry.GetOrCreate(ctx, 42, 42, false)
	require.NoError(t, err)

	fx.queue.Enqueue(42, &QueueEntry{SourceRef: "/tmp/a.m4a", Title: "song a", Link: "https://l/a", Thumb: "https://t/a", RequestedBy: "alice", Duration: "3:20"})
	sess.HandleStreamEnded(ctx)

	require.Equal(t, []string{"/tmp/a.m4a"}, fx.transport.changedSources(42))
	assert.Equal(t, 0, fx.queue.Count(42), "played entry is consumed")

	now := fx.notifier.messagesContaining("Now playing")
	require.Len(t, now, 1)
	assert.Contains(t, now[0].html, "song a")
	assert.Contains(t, now[0].html, "alice")
	assert.Equal(t, "https://t/a", now[0].thumb)
}

func TestNowPlayingSupersedesPrevious(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	sess, err := fx.registry.GetOrCreate(ctx, 42, 42, false)
	require.NoError(t, err)

	fx.queue.Enqueue(42, &QueueEntry{SourceRef: "/tmp/a.m4a", Title: "a"})
	fx.queue.Enqueue(42, &QueueEntry{SourceRef: "/tmp/b.m4a", Title: "b"})
	sess.HandleStreamEnded(ctx)
	sess.HandleStreamEnded(ctx)

	now := fx.notifier.messagesContaining("Now playing")
	require.Len(t, now, 2)
	require.Len(t, fx.notifier.deleted, 1, "second announcement deletes the first")
	assert.Equal(t, now[0].id, fx.notifier.deleted[0].MessageID)
}

func TestMediaForbiddenFallsBackToText(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	sess, err := fx.registry.GetOrCreate(ctx, 42, 42, false)
	require.NoError(t, err)
	fx.notifier.forbidThumb = true

	fx.queue.Enqueue(42, &QueueEntry{SourceRef: "/tmp/a.m4a", Title: "a", Thumb: "https://t/a"})
	sess.HandleStreamEnded(ctx)

	now := fx.notifier.messagesContaining("Now playing")
	require.Len(t, now, 1)
	assert.Equal(t, "", now[0].thumb, "forbidden media retried text-only")
}

func TestEmptyQueueLeavesCall(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	sess, err := fx.registry.GetOrCreate(ctx, 42, 42, false)
	require.NoError(t, err)

	sess.HandleStreamEnded(ctx)

	assert.Equal(t, []int64{42}, fx.transport.leaves)
	assert.Empty(t, fx.registry.ActiveCalls())
	assert.Len(t, fx.notifier.messagesContaining("Successfully Left Vc"), 1)
}

func TestStreamSwitchFailureTriggersOneRejoinRetry(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	sess, err := fx.registry.GetOrCreate(ctx, 42, 42, false)
	require.NoError(t, err)
	fx.transport.changeFailOnce = true

	fx.queue.Enqueue(42, &QueueEntry{SourceRef: "/tmp/a.m4a", Title: "a"})
	sess.HandleStreamEnded(ctx)

	// Rejoin replays the placeholder, then the retry succeeds.
	require.Len(t, fx.transport.plays, 2)
	assert.Equal(t, []string{"/tmp/a.m4a"}, fx.transport.changedSources(42))
	assert.Len(t, fx.notifier.messagesContaining("Now playing"), 1)
}

func TestPersistentSwitchFailureSurfacesError(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	sess, err := fx.registry.GetOrCreate(ctx, 42, 42, false)
	require.NoError(t, err)
	fx.transport.changeErr = errors.New("codec mismatch")

	fx.queue.Enqueue(42, &QueueEntry{SourceRef: "/tmp/a.m4a", Title: "a"})
	sess.HandleStreamEnded(ctx)

	errs := fx.notifier.messagesContaining("codec mismatch")
	require.Len(t, errs, 1, "switch errors are surfaced verbatim, never swallowed")
	assert.Equal(t, 0, fx.queue.Count(42), "failed entry is still consumed exactly once")
	assert.Equal(t, []int64{42}, fx.registry.ActiveCalls(), "call survives a failed switch")
}

func TestFailedResolutionSkipsToNextEntry(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	sess, err := fx.registry.GetOrCreate(ctx, 42, 42, false)
	require.NoError(t, err)
	fx.resolver.download = func(ctx context.Context, id string, video, relaxed bool) error {
		return errors.New("unavailable")
	}

	fx.queue.Enqueue(42, &QueueEntry{Title: "broken", Link: watchBase + "deadvideo00"})
	fx.queue.Enqueue(42, &QueueEntry{SourceRef: "/tmp/b.m4a", Title: "good"})
	sess.HandleStreamEnded(ctx)

	assert.Equal(t, []string{"/tmp/b.m4a"}, fx.transport.changedSources(42),
		"exhausted entry is dropped and playback advances")
	assert.Equal(t, 0, fx.queue.Count(42))
}

// ===========================
// End to end
// ===========================

func TestPlaybackLoopEndToEnd(t *testing.T) {
	var mu sync.Mutex
	var resolved []string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/stream/")
		mu.Lock()
		resolved = append(resolved, id)
		mu.Unlock()
		fmt.Fprintf(w, `{"url":"https://cdn.local/%s"}`, id)
	}))
	defer backend.Close()

	fx := newEngineFixture(t)
	fx.cfg.APIURL = backend.URL
	ctx := context.Background()

	sess, err := fx.registry.GetOrCreate(ctx, 42, 42, false)
	require.NoError(t, err)

	ids := []string{"aaaaaaaaaa1", "bbbbbbbbbb2", "cccccccccc3"}
	for i, id := range ids {
		fx.queue.Enqueue(42, &QueueEntry{Title: fmt.Sprintf("track %d", i+1), Link: watchBase + id})
	}

	for range ids {
		sess.HandleStreamEnded(ctx)
	}

	mu.Lock()
	assert.Equal(t, ids, resolved, "entries resolve in queue order, one call each")
	mu.Unlock()

	wantSources := []string{
		"https://cdn.local/aaaaaaaaaa1",
		"https://cdn.local/bbbbbbbbbb2",
		"https://cdn.local/cccccccccc3",
	}
	assert.Equal(t, wantSources, fx.transport.changedSources(42))

	now := fx.notifier.messagesContaining("Now playing")
	require.Len(t, now, 3)
	assert.Len(t, fx.notifier.deleted, 2, "each announcement supersedes the previous")

	// Fourth event: queue is empty, session leaves and deregisters.
	sess.HandleStreamEnded(ctx)
	assert.Empty(t, fx.registry.ActiveCalls())
	assert.Len(t, fx.notifier.messagesContaining("Successfully Left Vc"), 1)
	assert.Equal(t, 0, fx.queue.Count(42))
}

// ===========================
// Registry entry point
// ===========================

func TestPlayEnqueuesDirectURLWithoutResolution(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	// Pre-register the session so Play does not kick async playback.
	_, err := fx.registry.GetOrCreate(ctx, 42, 42, false)
	require.NoError(t, err)

	entry, err := fx.registry.Play(ctx, 42, 42, "https://example.com/radio.mp3", "alice", false)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/radio.mp3", entry.SourceRef, "direct URLs skip resolution")
	assert.Equal(t, 1, entry.Position)
	assert.Equal(t, 1, fx.queue.Count(42))
}

func TestPlayRecognizesWatchURL(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	_, err := fx.registry.GetOrCreate(ctx, 42, 42, false)
	require.NoError(t, err)

	entry, err := fx.registry.Play(ctx, 42, 42, watchBase+"dQw4w9WgXcQ", "bob", false)
	require.NoError(t, err)
	assert.Equal(t, "", entry.SourceRef, "platform URLs resolve lazily at playback")
	assert.Equal(t, watchBase+"dQw4w9WgXcQ", entry.Link)
	assert.Equal(t, defaultThumb("dQw4w9WgXcQ"), entry.Thumb)
}

func TestPlaySearchesPlainText(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":"vid00000001","title":"Found Track","duration":200}]`)
	}))
	defer backend.Close()

	fx := newEngineFixture(t)
	fx.cfg.APIURL = backend.URL
	ctx := context.Background()

	_, err := fx.registry.GetOrCreate(ctx, 42, 42, false)
	require.NoError(t, err)

	entry, err := fx.registry.Play(ctx, 42, 42, "some song title", "carol", false)
	require.NoError(t, err)
	assert.Equal(t, "Found Track", entry.Title)
	assert.Equal(t, watchBase+"vid00000001", entry.Link)
	assert.Equal(t, "3:20", entry.Duration)
}

func TestGetOrCreateReportsCreationOnce(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	sess, created, err := fx.registry.getOrCreate(ctx, 42, 0, false)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := fx.registry.getOrCreate(ctx, 42, 0, false)
	require.NoError(t, err)
	assert.False(t, created, "an existing session must not count as a creation")
	assert.Same(t, sess, again)
}

func TestPlayKicksPlaybackOnlyOnCreation(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	_, err := fx.registry.Play(ctx, 42, 42, "https://example.com/a.mp3", "alice", false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(fx.transport.changedSources(42)) == 1
	}, time.Second, 10*time.Millisecond, "first request kicks playback off the placeholder")

	_, err = fx.registry.Play(ctx, 42, 42, "https://example.com/b.mp3", "bob", false)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []string{"https://example.com/a.mp3"}, fx.transport.changedSources(42),
		"a request against a live session waits for its stream-ended event")
	assert.Equal(t, 1, fx.queue.Count(42))
}

func TestPlayRejectsEmptyQuery(t *testing.T) {
	fx := newEngineFixture(t)
	_, err := fx.registry.Play(context.Background(), 42, 42, "   ", "dave", false)
	require.Error(t, err)
	assert.Equal(t, 0, fx.queue.Count(42))
}

func TestNetworkChangedTracksActiveSet(t *testing.T) {
	fx := newEngineFixture(t)
	require.NotNil(t, fx.transport.onNet)

	fx.transport.onNet(42, true)
	fx.transport.onNet(43, true)
	fx.transport.onNet(42, false)

	fx.registry.mu.Lock()
	defer fx.registry.mu.Unlock()
	assert.False(t, fx.registry.active[42])
	assert.True(t, fx.registry.active[43])
}

func TestShutdownLeavesEveryCall(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	for _, chat := range []int64{1, 2, 3} {
		_, err := fx.registry.GetOrCreate(ctx, chat, 0, false)
		require.NoError(t, err)
	}

	fx.registry.Shutdown(ctx)

	assert.Empty(t, fx.registry.ActiveCalls())
	leaves := append([]int64(nil), fx.transport.leaves...)
	sort.Slice(leaves, func(i, j int) bool { return leaves[i] < leaves[j] })
	assert.Equal(t, []int64{1, 2, 3}, leaves)
}
