package proc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mizuhara/vcbot/sys"
)

// QueueEntry is one pending track in a chat's queue.
type QueueEntry struct {
	// Position is assigned at enqueue time, strictly increasing per chat,
	// never reused after removal.
	Position int
	// SourceRef is the playable source (local path or direct URL). Empty
	// until resolved; playback resolves it lazily from Link.
	SourceRef   string
	Title       string
	Link        string
	Thumb       string
	RequestedBy string
	Duration    string
	Video       bool
}

// PlaybackQueue holds the pending tracks of every chat. Absence of a chat
// key is the "empty queue" state; there is no empty-collection state.
type PlaybackQueue struct {
	mu    sync.Mutex
	chats map[int64]map[int]*QueueEntry
}

func NewPlaybackQueue() *PlaybackQueue {
	return &PlaybackQueue{chats: make(map[int64]map[int]*QueueEntry)}
}

// Enqueue appends entry to the chat's queue and returns its assigned
// position (max existing + 1, or 1 for a fresh queue).
func (q *PlaybackQueue) Enqueue(chatID int64, entry *QueueEntry) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.chats[chatID]
	if entries == nil {
		entries = make(map[int]*QueueEntry)
		q.chats[chatID] = entries
	}

	pos := 0
	for p := range entries {
		if p > pos {
			pos = p
		}
	}
	pos++

	entry.Position = pos
	entries[pos] = entry
	sys.LogQueue("Queued #%d in chat %d: %s", pos, chatID, entry.Title)
	return pos
}

// PeekNext returns the entry with the smallest position, without removing it.
func (q *PlaybackQueue) PeekNext(chatID int64) (*QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, ok := q.chats[chatID]
	if !ok {
		return nil, false
	}
	min := 0
	for p := range entries {
		if min == 0 || p < min {
			min = p
		}
	}
	return entries[min], true
}

// Remove deletes exactly the entry at pos. The chat key is dropped entirely
// when its last entry goes; removing an absent position reports false.
func (q *PlaybackQueue) Remove(chatID int64, pos int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, ok := q.chats[chatID]
	if !ok {
		return false
	}
	if _, ok := entries[pos]; !ok {
		return false
	}
	delete(entries, pos)
	if len(entries) == 0 {
		delete(q.chats, chatID)
	}
	return true
}

// Drop discards the chat's whole queue (call ended).
func (q *PlaybackQueue) Drop(chatID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n := len(q.chats[chatID]); n > 0 {
		sys.LogQueue("Dropped %d pending entries for chat %d", n, chatID)
	}
	delete(q.chats, chatID)
}

// Count returns the number of pending entries for the chat.
func (q *PlaybackQueue) Count(chatID int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chats[chatID])
}

const maxListedEntries = 18

// List renders an HTML preview of the first entries in position order.
// Purely presentational; returns "" for an empty queue.
func (q *PlaybackQueue) List(chatID int64) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, ok := q.chats[chatID]
	if !ok {
		return ""
	}

	positions := make([]int, 0, len(entries))
	for p := range entries {
		positions = append(positions, p)
	}
	sort.Ints(positions)
	if len(positions) > maxListedEntries {
		positions = positions[:maxListedEntries]
	}

	txt := ""
	for n, p := range positions {
		e := entries[p]
		txt += fmt.Sprintf("<strong>%d. <a href=%s>%s</a> :</strong> <i>By: %s</i>\n", n+1, e.Link, e.Title, e.RequestedBy)
	}
	txt += "\n\n....."
	return txt
}
