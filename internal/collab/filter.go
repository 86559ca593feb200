package collab

import (
	"bytes"
	"fmt"
	"path"
	"strings"
)

const (
	defaultMaxUpdateBytes = 1 << 20 // 1 MiB
	nullByteScanWindow    = 1 << 10 // first KiB
)

// binaryExtensions lists origin-file extensions whose diffs are never text
// edits. Feeding binary content into the merge path corrupts the replicated
// state for every participant, so these are dropped up front.
var binaryExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".bmp": {}, ".ico": {}, ".webp": {},
	".zip": {}, ".tar": {}, ".gz": {}, ".rar": {}, ".7z": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {},
	".exe": {}, ".dll": {}, ".so": {}, ".bin": {}, ".wasm": {},
	".mp3": {}, ".wav": {}, ".ogg": {}, ".mp4": {}, ".avi": {}, ".mov": {}, ".webm": {},
	".pdf": {},
}

// SafetyFilterConfig configures the update safety filter.
type SafetyFilterConfig struct {
	MaxUpdateBytes int
}

// SafetyFilter rejects updates that are too large, look binary, or originate
// from a binary file path, before they reach the document store.
type SafetyFilter struct {
	maxUpdateBytes int
}

// NewSafetyFilter returns a SafetyFilter with defaults applied.
func NewSafetyFilter(cfg SafetyFilterConfig) *SafetyFilter {
	maxBytes := cfg.MaxUpdateBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxUpdateBytes
	}
	return &SafetyFilter{maxUpdateBytes: maxBytes}
}

// Check returns an error wrapping ErrUpdateRejected when the update must not
// reach the document store. Callers drop rejected updates silently with a
// warning log; rejection is never surfaced to peers.
func (f *SafetyFilter) Check(update []byte, originPath string) error {
	if len(update) > f.maxUpdateBytes {
		return fmt.Errorf("%w: %d bytes exceeds ceiling of %d", ErrUpdateRejected, len(update), f.maxUpdateBytes)
	}
	window := update
	if len(window) > nullByteScanWindow {
		window = window[:nullByteScanWindow]
	}
	if bytes.IndexByte(window, 0x00) >= 0 {
		return fmt.Errorf("%w: null byte in leading %d bytes", ErrUpdateRejected, nullByteScanWindow)
	}
	if originPath != "" {
		ext := strings.ToLower(path.Ext(originPath))
		if _, binary := binaryExtensions[ext]; binary {
			return fmt.Errorf("%w: binary origin extension %s", ErrUpdateRejected, ext)
		}
	}
	return nil
}
