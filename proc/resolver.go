package proc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
	"golang.org/x/sync/singleflight"

	"github.com/mizuhara/vcbot/sys"
)

// ErrResolutionExhausted is returned once every tier failed for an id. The
// session treats it as a skip-this-entry signal, not a fatal error.
var ErrResolutionExhausted = errors.New("all resolution tiers exhausted")

const (
	watchBase = "https://www.youtube.com/watch?v="

	backendStreamTimeout = 10 * time.Second
	backendSearchTimeout = 8 * time.Second
	pipedTimeout         = 15 * time.Second
	cobaltTimeout        = 15 * time.Second
	extractTimeout       = 90 * time.Second
)

var (
	videoIDRegex  = regexp.MustCompile(`youtube\.com/watch\?(?:[^#\s]*&)?v=([A-Za-z0-9_-]{6,})`)
	shortURLRegex = regexp.MustCompile(`youtu\.be/([A-Za-z0-9_-]{6,})`)
	shortsRegex   = regexp.MustCompile(`youtube\.com/shorts/([A-Za-z0-9_-]{6,})`)
)

// StreamSource is the resolver's output: a local cached file (durable until
// evicted) or a remote URI (ephemeral, never cached).
type StreamSource struct {
	Ref   string
	Local bool
}

// SearchCandidate is a metadata-only search hit.
type SearchCandidate struct {
	ID       string
	Title    string
	Link     string
	Thumb    string
	Duration string
}

// Resolver turns a content id into a playable source by walking the tier
// chain: local cache, backend API, Piped pool, Cobalt pool, local yt-dlp
// extraction. Concurrent resolutions of the same id share one flight.
type Resolver struct {
	cfg   *sys.Config
	cache *MediaCache
	http  *http.Client

	flights singleflight.Group

	// download runs the tier-4 extraction; swapped out in tests.
	download func(ctx context.Context, id string, video, relaxed bool) error

	searchMu    sync.RWMutex
	searchCache map[string]cachedSearch
}

type cachedSearch struct {
	results   []SearchCandidate
	expiresAt time.Time
}

func NewResolver(cfg *sys.Config, cache *MediaCache) *Resolver {
	r := &Resolver{
		cfg:         cfg,
		cache:       cache,
		http:        &http.Client{},
		searchCache: make(map[string]cachedSearch),
	}
	r.download = r.ytdlpDownload
	return r
}

// ===========================
// ID Extraction
// ===========================

// ExtractVideoID recognizes canonical watch, short and shorts URL shapes.
// Plain search text yields "" (caller must search instead).
func ExtractVideoID(urlOrQuery string) string {
	for _, re := range []*regexp.Regexp{videoIDRegex, shortURLRegex, shortsRegex} {
		if m := re.FindStringSubmatch(urlOrQuery); m != nil {
			return m[1]
		}
	}
	return ""
}

// ===========================
// Stream Resolution
// ===========================

// Resolve walks the tier chain for id. Cache hits return immediately; the
// network tiers are deduplicated per id so two chats resolving the same
// content share one download.
func (r *Resolver) Resolve(ctx context.Context, id string, video bool) (*StreamSource, error) {
	// 1. Local cache, no coordination needed after completion.
	if path, ok := r.cache.Lookup(id, video); ok {
		sys.LogResolver("Cache hit for %s: %s", id, path)
		return &StreamSource{Ref: path, Local: true}, nil
	}

	key := fmt.Sprintf("%s|video=%t", id, video)
	v, err, _ := r.flights.Do(key, func() (interface{}, error) {
		return r.resolveMiss(ctx, id, video)
	})
	if err != nil {
		return nil, err
	}
	return v.(*StreamSource), nil
}

func (r *Resolver) resolveMiss(ctx context.Context, id string, video bool) (*StreamSource, error) {
	// 2. Backend API (single attempt, no in-place retry).
	if base := r.cfg.ResolveAPIURL(); base != "" {
		if u, err := r.backendStream(ctx, base, id); err == nil && u != "" {
			sys.LogResolver("Backend stream for %s", id)
			return &StreamSource{Ref: u}, nil
		} else if err != nil {
			sys.LogResolver("Backend stream failed for %s: %v", id, err)
		}
	}

	// 3. Piped pool, randomized order, one attempt per instance. Piped
	// serves audio-only streams, so video requests skip it.
	if !video {
		for _, inst := range shuffled(r.cfg.PipedInstances) {
			u, err := r.pipedStream(ctx, inst, id)
			if err != nil {
				sys.LogResolver("Piped %s failed for %s: %v", inst, id, err)
				continue
			}
			sys.LogResolver("Piped stream for %s via %s", id, inst)
			return &StreamSource{Ref: u}, nil
		}
	}

	// 4. Cobalt pool, randomized order.
	for _, inst := range shuffled(r.cfg.CobaltInstances) {
		u, err := r.cobaltStream(ctx, inst, id, video)
		if err != nil {
			sys.LogResolver("Cobalt %s failed for %s: %v", inst, id, err)
			continue
		}
		sys.LogResolver("Cobalt stream for %s via %s", id, inst)
		return &StreamSource{Ref: u}, nil
	}

	// 5. Local extraction into the cache; success means a file shows up
	// above the size threshold, not that the tool exited zero.
	if err := r.download(ctx, id, video, false); err != nil {
		sys.LogResolver("Extraction failed for %s: %v", id, err)
	}
	if path, ok := r.cache.LookupDownloaded(id, video); ok {
		return &StreamSource{Ref: path, Local: true}, nil
	}

	// One relaxed-format retry before giving up.
	if err := r.download(ctx, id, video, true); err != nil {
		sys.LogResolver("Relaxed extraction failed for %s: %v", id, err)
	}
	if path, ok := r.cache.LookupDownloaded(id, video); ok {
		return &StreamSource{Ref: path, Local: true}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrResolutionExhausted, id)
}

func (r *Resolver) backendStream(ctx context.Context, base, id string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, backendStreamTimeout)
	defer cancel()

	body, err := r.getJSON(ctx, base+"/api/stream/"+url.PathEscape(id))
	if err != nil {
		return "", err
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err == nil {
		for _, k := range []string{"url", "stream_url", "video_url"} {
			if s, ok := obj[k].(string); ok && s != "" {
				return s, nil
			}
		}
		return "", errors.New("no stream url in response")
	}
	// Some deployments answer with a bare string.
	var s string
	if err := json.Unmarshal(body, &s); err == nil && s != "" {
		return s, nil
	}
	return "", errors.New("unparseable stream response")
}

func (r *Resolver) pipedStream(ctx context.Context, instance, id string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, pipedTimeout)
	defer cancel()

	body, err := r.getJSON(ctx, instance+"/streams/"+url.PathEscape(id))
	if err != nil {
		return "", err
	}

	var payload struct {
		AudioStreams []struct {
			URL     string `json:"url"`
			Bitrate int    `json:"bitrate"`
		} `json:"audioStreams"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", err
	}
	best := ""
	bestRate := -1
	for _, s := range payload.AudioStreams {
		if s.URL != "" && s.Bitrate > bestRate {
			best, bestRate = s.URL, s.Bitrate
		}
	}
	if best == "" {
		return "", errors.New("no audio streams")
	}
	return best, nil
}

func (r *Resolver) cobaltStream(ctx context.Context, instance, id string, video bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cobaltTimeout)
	defer cancel()

	reqBody, _ := json.Marshal(map[string]interface{}{
		"url":          watchBase + id,
		"videoQuality": "720",
		"audioFormat":  "best",
		"isAudioOnly":  !video,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, instance, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var payload struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	if payload.URL == "" {
		return "", errors.New("no url in response")
	}
	return payload.URL, nil
}

// ===========================
// Search
// ===========================

// Search performs a tiered metadata-only lookup: backend API, Piped pool,
// then local library search. Results are cached for an hour per query.
func (r *Resolver) Search(ctx context.Context, query string, limit int) ([]SearchCandidate, error) {
	if limit <= 0 {
		limit = 10
	}

	r.searchMu.RLock()
	if c, ok := r.searchCache[query]; ok && time.Now().Before(c.expiresAt) {
		r.searchMu.RUnlock()
		return capped(c.results, limit), nil
	}
	r.searchMu.RUnlock()

	results := r.searchTiers(ctx, query, limit)
	if len(results) == 0 {
		return nil, fmt.Errorf("no results for %q", query)
	}

	r.searchMu.Lock()
	r.searchCache[query] = cachedSearch{results: results, expiresAt: time.Now().Add(1 * time.Hour)}
	r.searchMu.Unlock()

	return capped(results, limit), nil
}

func (r *Resolver) searchTiers(ctx context.Context, query string, limit int) []SearchCandidate {
	if base := r.cfg.ResolveAPIURL(); base != "" {
		if res, err := r.backendSearch(ctx, base, query, limit); err == nil && len(res) > 0 {
			return res
		} else if err != nil {
			sys.LogResolver("Backend search failed: %v", err)
		}
	}

	for _, inst := range shuffled(r.cfg.PipedInstances) {
		if res, err := r.pipedSearch(ctx, inst, query); err == nil && len(res) > 0 {
			return res
		} else if err != nil {
			sys.LogResolver("Piped search on %s failed: %v", inst, err)
		}
	}

	return r.localSearch(ctx, query)
}

func (r *Resolver) backendSearch(ctx context.Context, base, query string, limit int) ([]SearchCandidate, error) {
	ctx, cancel := context.WithTimeout(ctx, backendSearchTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/api/search?q=%s&limit=%d", base, url.QueryEscape(query), limit)
	body, err := r.getJSON(ctx, u)
	if err != nil {
		return nil, err
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		var wrapper struct {
			Results []json.RawMessage `json:"results"`
			Items   []json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(body, &wrapper); err != nil {
			return nil, err
		}
		items = wrapper.Results
		if len(items) == 0 {
			items = wrapper.Items
		}
	}

	out := make([]SearchCandidate, 0, len(items))
	for _, raw := range items {
		var it struct {
			ID             string          `json:"id"`
			VideoID        string          `json:"video_id"`
			Title          string          `json:"title"`
			Link           string          `json:"link"`
			Duration       json.RawMessage `json:"duration"`
			DurationString string          `json:"duration_string"`
			Thumbnail      string          `json:"thumbnail"`
			Thumb          string          `json:"thumb"`
		}
		if err := json.Unmarshal(raw, &it); err != nil {
			continue
		}
		id := it.ID
		if id == "" {
			id = it.VideoID
		}
		if id == "" && it.Link != "" {
			id = ExtractVideoID(it.Link)
		}
		if id == "" {
			continue
		}
		link := it.Link
		if link == "" {
			link = watchBase + id
		}
		thumb := it.Thumbnail
		if thumb == "" {
			thumb = it.Thumb
		}
		out = append(out, SearchCandidate{
			ID:       id,
			Title:    it.Title,
			Link:     link,
			Thumb:    thumb,
			Duration: flexibleDuration(it.Duration, it.DurationString),
		})
	}
	return out, nil
}

func (r *Resolver) pipedSearch(ctx context.Context, instance, query string) ([]SearchCandidate, error) {
	// Music filter first, generic retry after.
	for _, filter := range []string{"music_videos", ""} {
		u := instance + "/search?q=" + url.QueryEscape(query)
		if filter != "" {
			u += "&filter=" + filter
		}
		reqCtx, cancel := context.WithTimeout(ctx, pipedTimeout)
		body, err := r.getJSON(reqCtx, u)
		cancel()
		if err != nil {
			return nil, err
		}

		var payload struct {
			Items []struct {
				Type      string `json:"type"`
				Title     string `json:"title"`
				URL       string `json:"url"`
				Duration  int    `json:"duration"`
				Thumbnail string `json:"thumbnail"`
			} `json:"items"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, err
		}

		out := make([]SearchCandidate, 0, len(payload.Items))
		for _, it := range payload.Items {
			if it.Type != "video" {
				continue
			}
			// Piped returns instance-relative watch paths.
			itemURL := it.URL
			if strings.HasPrefix(itemURL, "/") {
				itemURL = "https://youtube.com" + itemURL
			}
			id := ExtractVideoID(itemURL)
			if id == "" {
				continue
			}
			out = append(out, SearchCandidate{
				ID:       id,
				Title:    it.Title,
				Link:     watchBase + id,
				Thumb:    it.Thumbnail,
				Duration: formatSeconds(it.Duration),
			})
		}
		if len(out) > 0 {
			return out, nil
		}
	}
	return nil, nil
}

// localSearch races the music and generic library clients, music hits first.
func (r *Resolver) localSearch(ctx context.Context, query string) []SearchCandidate {
	ctx, cancel := context.WithTimeout(ctx, backendSearchTimeout)
	defer cancel()

	var mu sync.Mutex
	var music, generic []SearchCandidate
	seen := make(map[string]bool)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(query)
		res, err := s.Next()
		if err != nil {
			return
		}
		for _, t := range res.Tracks {
			if t.VideoID == "" {
				continue
			}
			title := t.Title
			if len(t.Artists) > 0 {
				title += " - " + t.Artists[0].Name
			}
			mu.Lock()
			if !seen[t.VideoID] {
				seen[t.VideoID] = true
				music = append(music, SearchCandidate{
					ID:       t.VideoID,
					Title:    title,
					Link:     watchBase + t.VideoID,
					Thumb:    defaultThumb(t.VideoID),
					Duration: "♾",
				})
			}
			mu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		res, err := c.Search(ctx, query)
		if err != nil {
			return
		}
		for _, v := range res.Results {
			if v.VideoID == "" {
				continue
			}
			mu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				generic = append(generic, SearchCandidate{
					ID:       v.VideoID,
					Title:    v.Title,
					Link:     watchBase + v.VideoID,
					Thumb:    defaultThumb(v.VideoID),
					Duration: v.Duration,
				})
			}
			mu.Unlock()
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	return append(music, generic...)
}

// StartSearchCacheGC expires stale search cache entries until ctx ends.
func (r *Resolver) StartSearchCacheGC(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			r.searchMu.Lock()
			for q, item := range r.searchCache {
				if now.After(item.expiresAt) {
					delete(r.searchCache, q)
				}
			}
			r.searchMu.Unlock()
		}
	}
}

// ===========================
// yt-dlp low-level
// ===========================

// ytdlpDownload pulls the best matching stream for id straight into the
// cache directory. Client-emulation profiles reduce upstream blocking; the
// relaxed pass drops the picky format selector.
func (r *Resolver) ytdlpDownload(ctx context.Context, id string, video, relaxed bool) error {
	ctx, cancel := context.WithTimeout(ctx, extractTimeout)
	defer cancel()

	format := "bestaudio[ext=m4a]/bestaudio[ext=opus]/bestaudio[ext=webm]/bestaudio"
	if video {
		format = "bestvideo[height<=720]+bestaudio/best[height<=720]"
	}
	if relaxed {
		format = "bestaudio/best"
		if video {
			format = "best"
		}
	}

	cmd := ytdlp.New().
		Format(format).
		Output(r.cache.OutputTemplate()).
		NoPlaylist().
		NoWarnings().
		NoCheckCertificates().
		IgnoreConfig().
		Quiet()

	args := []string{
		"--geo-bypass",
		"--extractor-args", "youtube:player_client=android_web,web_embedded",
	}
	if video {
		args = append(args, "--merge-output-format", "mp4")
	}
	if r.cfg.CookiesFile != "" {
		if _, err := os.Stat(r.cfg.CookiesFile); err == nil {
			args = append(args, "--cookies", r.cfg.CookiesFile)
		}
	}
	if r.cfg.SourceAddress != "" {
		args = append(args, "--source-address", r.cfg.SourceAddress)
	}

	_, err := cmd.Run(ctx, append(args, watchBase+id)...)
	return err
}

// ===========================
// Helpers
// ===========================

func (r *Resolver) getJSON(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

func shuffled(in []string) []string {
	out := append([]string(nil), in...)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func capped(in []SearchCandidate, limit int) []SearchCandidate {
	if len(in) > limit {
		return in[:limit]
	}
	return in
}

func defaultThumb(id string) string {
	return "https://i.ytimg.com/vi/" + id + "/hqdefault.jpg"
}

func formatSeconds(total int) string {
	if total <= 0 {
		return "♾"
	}
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// flexibleDuration accepts both numeric seconds and preformatted strings.
func flexibleDuration(raw json.RawMessage, durationString string) string {
	if durationString != "" {
		return durationString
	}
	if len(raw) == 0 {
		return "♾"
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return formatSeconds(n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	return "♾"
}
