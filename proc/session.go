package proc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mizuhara/vcbot/sys"
)

// SessionState tracks where a chat's call is in its lifecycle. Terminal
// state is absence from the registry.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateJoining
	StateActive
	StateSwitching
	StateLeaving
)

// CallSession drives one chat's group call: join with a placeholder stream,
// react to stream-ended events by pulling the next queue entry through the
// resolver, and leave when the queue runs dry.
type CallSession struct {
	ChatID int64
	// NotifyChatID receives status messages; falls back to the log channel
	// when the session was not opened from within a chat.
	NotifyChatID int64
	Video        bool

	registry  *Registry
	transport CallTransport
	notifier  Notifier
	queue     *PlaybackQueue
	resolver  *Resolver
	cfg       *sys.Config

	// mu serializes stream-ended handling for this chat; a new event must
	// not be processed while a previous one is still resolving.
	mu sync.Mutex

	stateMu sync.Mutex
	state   SessionState

	cancelMu      sync.Mutex
	resolveCancel context.CancelFunc

	nowPlaying *MessageRef

	// Flood control on status sends.
	limiter *rate.Limiter
}

func newCallSession(reg *Registry, chatID, notifyChatID int64, video bool) *CallSession {
	if notifyChatID == 0 {
		notifyChatID = reg.cfg.LogChannel
	}
	return &CallSession{
		ChatID:       chatID,
		NotifyChatID: notifyChatID,
		Video:        video,
		registry:     reg,
		transport:    reg.transport,
		notifier:     reg.notifier,
		queue:        reg.queue,
		resolver:     reg.resolver,
		cfg:          reg.cfg,
		limiter:      rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

func (s *CallSession) State() SessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *CallSession) setState(st SessionState) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// Join connects the chat's call. Already joining/active sessions no-op with
// success. The join only counts once the placeholder stream is playing; a
// failed placeholder invalidates the whole join.
func (s *CallSession) Join(ctx context.Context) (bool, error) {
	s.stateMu.Lock()
	if s.state == StateActive || s.state == StateJoining {
		s.stateMu.Unlock()
		return true, nil
	}
	s.state = StateJoining
	s.stateMu.Unlock()

	if err := s.startCall(ctx); err != nil {
		s.setState(StateIdle)
		return false, err
	}
	s.setState(StateActive)
	return true, nil
}

// startCall boots the shared transport and plays the placeholder stream so
// the call endpoint is connectable before real content is ready.
func (s *CallSession) startCall(ctx context.Context) error {
	if err := s.transport.Start(ctx); err != nil {
		if IsBenignStateRace(err) {
			sys.LogVoice("Transport already running for chat %d (benign)", s.ChatID)
		} else {
			return err
		}
	}

	if err := s.transport.Play(ctx, s.ChatID, s.cfg.PlaceholderURL, s.Video); err != nil {
		return fmt.Errorf("placeholder stream failed: %w", err)
	}

	// Claim video only once the call is actually up. Activating it forcibly
	// stops video output everywhere else; other chats' audio keeps going.
	if s.Video {
		s.registry.stopOtherVideo(ctx, s.ChatID)
		s.registry.markVideo(s.ChatID, s)
	}
	return nil
}

// HandleStreamEnded reacts to the transport's "this chat's stream stopped"
// notification: advance the queue, resolve, switch streams. Events for the
// same chat are processed one at a time.
func (s *CallSession) HandleStreamEnded(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setState(StateSwitching)

	for {
		entry, ok := s.queue.PeekNext(s.ChatID)
		if !ok {
			// Queue exhausted: normal termination of the playback loop.
			s.leaveLocked(ctx)
			return
		}

		source := entry.SourceRef
		if source == "" {
			src, err := s.resolveEntry(ctx, entry)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					s.setState(StateIdle)
					return
				}
				sys.LogVoice("Dropping #%d in chat %d, resolution failed: %v", entry.Position, s.ChatID, err)
				s.queue.Remove(s.ChatID, entry.Position)
				continue
			}
			source = src.Ref
		}

		s.registry.setVideoState(ctx, s.ChatID, s, entry.Video)

		if err := s.changeStreamWithRejoin(ctx, source, entry.Video); err != nil {
			// Surfaced verbatim; never silently dropped.
			s.notify(ctx, fmt.Sprintf("<strong>ERROR:</strong> <code>%v</code>", err))
			s.queue.Remove(s.ChatID, entry.Position)
			s.setState(StateActive)
			return
		}

		sys.LogVoice("Playing in chat %d: #%d %s", s.ChatID, entry.Position, entry.Title)
		s.Video = entry.Video
		s.announceNowPlaying(ctx, entry)
		s.queue.Remove(s.ChatID, entry.Position)
		s.setState(StateActive)
		return
	}
}

// resolveEntry runs the resolver with a cancel hook so Leave can abort an
// in-flight resolution for this chat.
func (s *CallSession) resolveEntry(ctx context.Context, entry *QueueEntry) (*StreamSource, error) {
	id := ExtractVideoID(entry.Link)
	if id == "" {
		// Non-platform direct URL: hand it to the transport as-is.
		return &StreamSource{Ref: entry.Link}, nil
	}

	rctx, cancel := context.WithCancel(ctx)
	s.cancelMu.Lock()
	s.resolveCancel = cancel
	s.cancelMu.Unlock()
	defer func() {
		cancel()
		s.cancelMu.Lock()
		s.resolveCancel = nil
		s.cancelMu.Unlock()
	}()

	return s.resolver.Resolve(rctx, id, entry.Video)
}

// changeStreamWithRejoin switches the chat's stream, attempting one full
// rejoin cycle before retrying the switch once more.
func (s *CallSession) changeStreamWithRejoin(ctx context.Context, source string, video bool) error {
	err := s.transport.ChangeStream(ctx, s.ChatID, source, video)
	if err == nil {
		return nil
	}
	sys.LogVoice("Stream switch failed in chat %d, rejoining: %v", s.ChatID, err)

	if ok := s.rejoin(ctx); !ok {
		return err
	}
	return s.transport.ChangeStream(ctx, s.ChatID, source, video)
}

// rejoin runs a full startCall cycle and reports the outcome to the chat,
// mirroring the initial join messages.
func (s *CallSession) rejoin(ctx context.Context) bool {
	if err := s.startCall(ctx); err != nil {
		s.notify(ctx, fmt.Sprintf("<strong>ERROR while Joining Vc -</strong> <code>%d</code> :\n<code>%v</code>", s.ChatID, err))
		return false
	}
	s.notify(ctx, fmt.Sprintf("• Joined VC in <code>%d</code>", s.ChatID))
	return true
}

// announceNowPlaying replaces the previous status message with the new
// track's card. Media-forbidden chats get the text-only form.
func (s *CallSession) announceNowPlaying(ctx context.Context, e *QueueEntry) {
	if s.nowPlaying != nil {
		if err := s.notifier.DeleteMessage(ctx, *s.nowPlaying); err != nil {
			sys.LogVoice("Failed to delete previous status message in chat %d: %v", s.ChatID, err)
		}
		s.nowPlaying = nil
	}

	text := fmt.Sprintf(
		"<strong>🎧 Now playing #%d: <a href=%s>%s</a>\n⏰ Duration:</strong> <code>%s</code>\n👤 <strong>Requested by:</strong> %s",
		e.Position, e.Link, e.Title, e.Duration, e.RequestedBy,
	)

	_ = s.limiter.Wait(ctx)
	ref, err := s.notifier.SendMessage(ctx, s.NotifyChatID, text, e.Thumb)
	if errors.Is(err, ErrMediaForbidden) {
		ref, err = s.notifier.SendMessage(ctx, s.NotifyChatID, text, "")
	}
	if err != nil {
		sys.LogVoice("Failed to post now-playing in chat %d: %v", s.ChatID, err)
		return
	}
	s.nowPlaying = &ref
}

// Leave stops the chat's call: best-effort transport leave, deregistration,
// queue drop, goodbye message. Any in-flight resolution is cancelled first
// so a blocked handler cannot hold the call open.
func (s *CallSession) Leave(ctx context.Context) {
	s.cancelMu.Lock()
	if s.resolveCancel != nil {
		s.resolveCancel()
	}
	s.cancelMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaveLocked(ctx)
}

func (s *CallSession) leaveLocked(ctx context.Context) {
	s.setState(StateLeaving)

	if err := s.transport.Leave(ctx, s.ChatID); err != nil {
		sys.LogVoice("Transport leave failed for chat %d (ignored): %v", s.ChatID, err)
	}
	s.registry.Remove(s.ChatID)
	s.queue.Drop(s.ChatID)
	s.nowPlaying = nil

	s.notify(ctx, fmt.Sprintf("• Successfully Left Vc : <code>%d</code> •", s.ChatID))
	s.setState(StateIdle)
	sys.LogVoice("Left call in chat %d", s.ChatID)
}

func (s *CallSession) notify(ctx context.Context, html string) {
	_ = s.limiter.Wait(ctx)
	if _, err := s.notifier.SendMessage(ctx, s.NotifyChatID, html, ""); err != nil {
		sys.LogVoice("Failed to notify chat %d: %v", s.NotifyChatID, err)
	}
}
