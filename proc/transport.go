package proc

import (
	"context"
	"errors"
	"strings"

	"github.com/mizuhara/vcbot/sys"
)

var (
	// ErrNoTransport is returned when no call-transport adapter was
	// registered before the engine started.
	ErrNoTransport = errors.New("no call transport adapter registered")

	// ErrNoNotifier is returned when no chat-client adapter was registered.
	ErrNoNotifier = errors.New("no notifier adapter registered")

	// ErrMediaForbidden is reported by Notifier adapters when the platform
	// rejects a message with a media attachment. The engine retries text-only.
	ErrMediaForbidden = errors.New("sending media is forbidden in this chat")
)

// CallTransport is the narrow surface the engine needs from the underlying
// group-call client. One shared instance serves every chat; version
// differences between client libraries live in adapter implementations,
// selected once at construction.
type CallTransport interface {
	// Start boots the shared client. Starting an already-running client is
	// a benign race; adapters surface it as an error matched by
	// IsBenignStateRace.
	Start(ctx context.Context) error
	// Play joins the chat's group call and begins playing source.
	Play(ctx context.Context, chatID int64, source string, video bool) error
	// ChangeStream replaces the chat's current stream with source.
	ChangeStream(ctx context.Context, chatID int64, source string, video bool) error
	// Leave disconnects from the chat's group call.
	Leave(ctx context.Context, chatID int64) error
	// StopVideo stops the chat's video output; audio keeps playing.
	StopVideo(ctx context.Context, chatID int64) error
	// OnStreamEnded registers the callback invoked when a chat's current
	// stream finishes playing.
	OnStreamEnded(func(chatID int64))
	// OnNetworkChanged registers the callback invoked when a chat's call
	// connectivity changes.
	OnNetworkChanged(func(chatID int64, connected bool))
}

// MessageRef identifies a previously sent status message so it can be
// deleted when the next one supersedes it.
type MessageRef struct {
	ChatID    int64
	MessageID int64
}

// Notifier is the "send message, optionally replacing the previous one"
// contract the engine needs from the chat client.
type Notifier interface {
	// SendMessage posts an HTML-formatted message. A non-empty thumb is
	// attached as media; adapters return ErrMediaForbidden when the
	// platform rejects the attachment.
	SendMessage(ctx context.Context, chatID int64, html string, thumb string) (MessageRef, error)
	DeleteMessage(ctx context.Context, ref MessageRef) error
}

// IsBenignStateRace reports whether err is an "already running"/"already
// joined" class error from the transport, raised when two sessions race to
// start the shared client. These are swallowed.
func IsBenignStateRace(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already running") || strings.Contains(msg, "already joined")
}

type (
	TransportFactory func(cfg *sys.Config) (CallTransport, error)
	NotifierFactory  func(cfg *sys.Config) (Notifier, error)
)

var (
	transportFactory TransportFactory
	notifierFactory  NotifierFactory
)

// RegisterTransportAdapter installs the call-transport adapter factory.
// Adapter packages call this from init().
func RegisterTransportAdapter(f TransportFactory) {
	transportFactory = f
}

// RegisterNotifierAdapter installs the chat-client adapter factory.
func RegisterNotifierAdapter(f NotifierFactory) {
	notifierFactory = f
}

// NewTransport constructs the shared call transport. It fails fast with a
// clear configuration error when no adapter is registered, rather than
// degrading to a dummy client.
func NewTransport(cfg *sys.Config) (CallTransport, error) {
	if transportFactory == nil {
		return nil, ErrNoTransport
	}
	return transportFactory(cfg)
}

// NewNotifier constructs the chat-client notifier.
func NewNotifier(cfg *sys.Config) (Notifier, error) {
	if notifierFactory == nil {
		return nil, ErrNoNotifier
	}
	return notifierFactory(cfg)
}
