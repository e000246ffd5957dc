// Package export names the downloadable narrated video.
package export

import (
	"strings"
	"time"
)

const (
	// Suffix sits between the original base name and the timestamp.
	Suffix = "_ai_narration_"
	// TimeLayout is YYYY-MM-DD_HH-MM-SS.
	TimeLayout = "2006-01-02_15-04-05"

	fallbackBase = "video"
	fallbackExt  = "mp4"
	maxBaseLen   = 120
)

// FileName returns {base}_ai_narration_{timestamp}.{ext}. base is the
// original name without its last extension. now is the moment of download.
func FileName(originalName, ext string, now time.Time) string {
	base := SanitizeBase(stripExt(originalName), maxBaseLen)
	if base == "" {
		base = fallbackBase
	}
	ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
	if !plainExt(ext) {
		ext = fallbackExt
	}
	return base + Suffix + now.Format(TimeLayout) + "." + ext
}

func stripExt(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i]
	}
	return name
}
