package proc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mizuhara/vcbot/sys"
)

// Registry is the engine's root: it owns the shared transport and notifier,
// tracks live sessions, and enforces the one-video-chat-at-a-time rule.
type Registry struct {
	cfg       *sys.Config
	transport CallTransport
	notifier  Notifier
	queue     *PlaybackQueue
	resolver  *Resolver

	mu       sync.Mutex
	sessions map[int64]*CallSession
	// videoOn holds the chats currently streaming video; the engine keeps
	// this down to at most one entry.
	videoOn map[int64]*CallSession
	// active mirrors the transport's per-chat connectivity reports.
	active map[int64]bool
}

// NewRegistry wires the engine together and hooks the transport's event
// callbacks into session dispatch.
func NewRegistry(cfg *sys.Config, transport CallTransport, notifier Notifier, queue *PlaybackQueue, resolver *Resolver) *Registry {
	r := &Registry{
		cfg:       cfg,
		transport: transport,
		notifier:  notifier,
		queue:     queue,
		resolver:  resolver,
		sessions:  make(map[int64]*CallSession),
		videoOn:   make(map[int64]*CallSession),
		active:    make(map[int64]bool),
	}

	transport.OnStreamEnded(func(chatID int64) {
		go r.dispatchStreamEnded(chatID)
	})
	transport.OnNetworkChanged(func(chatID int64, connected bool) {
		r.setActive(chatID, connected)
	})
	return r
}

func (r *Registry) dispatchStreamEnded(chatID int64) {
	r.mu.Lock()
	sess := r.sessions[chatID]
	r.mu.Unlock()
	if sess == nil {
		sys.LogVoice("Stream ended for chat %d with no session, ignoring", chatID)
		return
	}
	sess.HandleStreamEnded(context.Background())
}

func (r *Registry) setActive(chatID int64, connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if connected {
		r.active[chatID] = true
	} else {
		delete(r.active, chatID)
	}
}

// Get returns the chat's live session, if any.
func (r *Registry) Get(chatID int64) (*CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[chatID]
	return s, ok
}

// GetOrCreate returns the chat's session, joining the call first when the
// chat has none. A session is only registered after its placeholder stream
// is confirmed playing; a failed join leaves the registry untouched.
func (r *Registry) GetOrCreate(ctx context.Context, chatID, notifyChatID int64, video bool) (*CallSession, error) {
	s, _, err := r.getOrCreate(ctx, chatID, notifyChatID, video)
	return s, err
}

// getOrCreate additionally reports whether this call registered a fresh
// session, so callers can tell a real join from a lost registration race.
func (r *Registry) getOrCreate(ctx context.Context, chatID, notifyChatID int64, video bool) (*CallSession, bool, error) {
	r.mu.Lock()
	if s, ok := r.sessions[chatID]; ok {
		r.mu.Unlock()
		return s, false, nil
	}
	r.mu.Unlock()

	s := newCallSession(r, chatID, notifyChatID, video)
	if _, err := s.Join(ctx); err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	// Another caller may have registered while we were joining; keep theirs.
	if existing, ok := r.sessions[chatID]; ok {
		r.mu.Unlock()
		return existing, false, nil
	}
	r.sessions[chatID] = s
	r.mu.Unlock()

	s.notify(ctx, fmt.Sprintf("• Joined VC in <code>%d</code>", chatID))
	sys.LogVoice("Joined call in chat %d (video=%t)", chatID, video)
	return s, true, nil
}

// Remove drops the chat's session and video claim. Safe to call for chats
// that were never registered.
func (r *Registry) Remove(chatID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, chatID)
	delete(r.videoOn, chatID)
	delete(r.active, chatID)
}

// ActiveCalls lists chats with a live session.
func (r *Registry) ActiveCalls() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// VideoChats lists chats currently claiming video output. The engine keeps
// this to at most one.
func (r *Registry) VideoChats() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.videoOn))
	for id := range r.videoOn {
		out = append(out, id)
	}
	return out
}

// stopOtherVideo force-stops video in every chat except chatID. Failures are
// swallowed; the claim is released regardless so a flaky transport cannot
// wedge the video slot.
func (r *Registry) stopOtherVideo(ctx context.Context, chatID int64) {
	r.mu.Lock()
	var victims []int64
	for id := range r.videoOn {
		if id != chatID {
			victims = append(victims, id)
		}
	}
	for _, id := range victims {
		delete(r.videoOn, id)
	}
	r.mu.Unlock()

	for _, id := range victims {
		if err := r.transport.StopVideo(ctx, id); err != nil {
			sys.LogVoice("Stopping video in chat %d failed (ignored): %v", id, err)
		}
	}
}

// markVideo records chatID as the video chat.
func (r *Registry) markVideo(chatID int64, s *CallSession) {
	r.mu.Lock()
	r.videoOn[chatID] = s
	r.mu.Unlock()
}

// setVideoState reconciles the video claim with the entry about to play: a
// video entry evicts any other video chat, an audio entry in a previously
// video chat stops its own video output first.
func (r *Registry) setVideoState(ctx context.Context, chatID int64, s *CallSession, video bool) {
	if video {
		r.stopOtherVideo(ctx, chatID)
		r.markVideo(chatID, s)
		return
	}

	r.mu.Lock()
	_, hadVideo := r.videoOn[chatID]
	delete(r.videoOn, chatID)
	r.mu.Unlock()

	if hadVideo {
		if err := r.transport.StopVideo(ctx, chatID); err != nil {
			sys.LogVoice("Stopping video in chat %d failed (ignored): %v", chatID, err)
		}
	}
}

// Play is the engine's request entry point: turn query into a queue entry,
// enqueue it, and make sure the chat's call exists and is being fed. The
// returned entry carries the assigned position.
func (r *Registry) Play(ctx context.Context, chatID, notifyChatID int64, query, requestedBy string, video bool) (*QueueEntry, error) {
	entry, err := r.buildEntry(ctx, query, requestedBy, video)
	if err != nil {
		return nil, err
	}

	r.queue.Enqueue(chatID, entry)

	sess, created, err := r.getOrCreate(ctx, chatID, notifyChatID, video)
	if err != nil {
		r.queue.Remove(chatID, entry.Position)
		return nil, err
	}

	// A freshly joined call is idling on the placeholder; kick playback.
	// Requests that found a live session wait for its stream-ended event.
	if created {
		go sess.HandleStreamEnded(context.Background())
	}
	return entry, nil
}

func (r *Registry) buildEntry(ctx context.Context, query, requestedBy string, video bool) (*QueueEntry, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}

	if id := ExtractVideoID(query); id != "" {
		return &QueueEntry{
			Title:       id,
			Link:        watchBase + id,
			Thumb:       defaultThumb(id),
			RequestedBy: requestedBy,
			Duration:    "♾",
			Video:       video,
		}, nil
	}

	if strings.HasPrefix(query, "http://") || strings.HasPrefix(query, "https://") {
		// Non-platform URL: play it directly, no resolution pass.
		return &QueueEntry{
			SourceRef:   query,
			Title:       query,
			Link:        query,
			RequestedBy: requestedBy,
			Duration:    "♾",
			Video:       video,
		}, nil
	}

	results, err := r.resolver.Search(ctx, query, 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("no results for %q", query)
	}
	top := results[0]
	return &QueueEntry{
		Title:       top.Title,
		Link:        top.Link,
		Thumb:       top.Thumb,
		RequestedBy: requestedBy,
		Duration:    top.Duration,
		Video:       video,
	}, nil
}

// Shutdown leaves every live call concurrently and waits for all of them.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *CallSession) {
			defer wg.Done()
			s.Leave(ctx)
		}(s)
	}
	wg.Wait()
	sys.LogVoice("All calls shut down (%d sessions)", len(sessions))
}
