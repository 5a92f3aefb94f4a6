package proc

import (
	"os"
	"path/filepath"

	"github.com/mizuhara/vcbot/sys"
)

var (
	audioExts = []string{"m4a", "opus", "webm", "mp3"}
	videoExts = []string{"mp4"}
)

const (
	// Files below this are treated as corrupt/partial on lookup.
	minCachedSize = 100 * 1024
	// Fresh downloads must clear a higher bar before being accepted.
	minDownloadSize = 200 * 1024
)

// MediaCache is the flat directory of previously downloaded media, keyed
// {video_id}.{ext}. Files persist across calls; eviction is external
// housekeeping. Filesystem errors are never fatal, only cache misses.
type MediaCache struct {
	dir string
}

func NewMediaCache(dir string) (*MediaCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &MediaCache{dir: dir}, nil
}

func (c *MediaCache) Dir() string { return c.dir }

// Lookup returns the cached file for id, if one exists above the corruption
// threshold. No network involved.
func (c *MediaCache) Lookup(id string, video bool) (string, bool) {
	return c.scan(id, video, minCachedSize)
}

// LookupDownloaded re-checks the cache after an extraction run, requiring
// the stricter fresh-download size. The external tool's exit status is not
// trusted; presence of a large-enough file is the success signal.
func (c *MediaCache) LookupDownloaded(id string, video bool) (string, bool) {
	return c.scan(id, video, minDownloadSize)
}

func (c *MediaCache) scan(id string, video bool, minSize int64) (string, bool) {
	exts := audioExts
	if video {
		exts = videoExts
	}
	for _, ext := range exts {
		path := filepath.Join(c.dir, id+"."+ext)
		st, err := os.Stat(path)
		if err != nil {
			if !os.IsNotExist(err) {
				sys.LogDebug("Cache stat failed for %s: %v", path, err)
			}
			continue
		}
		if st.Size() < minSize {
			sys.LogDebug("Cache entry %s below size threshold (%d bytes), ignoring", path, st.Size())
			continue
		}
		return path, true
	}
	return "", false
}

// OutputTemplate returns the yt-dlp output template that lands files in the
// cache under the content id.
func (c *MediaCache) OutputTemplate() string {
	return filepath.Join(c.dir, "%(id)s.%(ext)s")
}
