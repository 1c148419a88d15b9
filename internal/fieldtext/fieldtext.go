// Package fieldtext normalizes raw flashcard field content: stripping HTML
// markup from text fields and reducing media fields to bare filenames.
// Every function here is pure; all I/O-side encoding stays in the clients.
package fieldtext

import (
	"path"
	"regexp"
	"strings"
)

var (
	imgSrcPattern = regexp.MustCompile(`(?i)<img[^>]+src=["']([^"']+)["'][^>]*>`)
	brPattern     = regexp.MustCompile(`(?i)<br\s*/?>`)
	tagPattern    = regexp.MustCompile(`<[^>]*>`)
)

const (
	soundPrefix = "[sound:"
	soundSuffix = "]"
)

// StripMarkup removes all HTML tags from a source-language field, leaving
// plain text suitable for submission to the tokenizer.
func StripMarkup(s string) string {
	return tagPattern.ReplaceAllString(s, "")
}

// StripGlossMarkup removes HTML from a gloss field, converting line breaks
// to spaces so multi-line glosses stay readable as one line.
func StripGlossMarkup(s string) string {
	return tagPattern.ReplaceAllString(brPattern.ReplaceAllString(s, " "), "")
}

// ImageRef extracts the filename from an image field. If the field embeds
// an <img> tag the src attribute wins; otherwise the whole field is taken
// as a literal filename. Idempotent: a bare filename passes through.
func ImageRef(raw string) string {
	if raw == "" {
		return ""
	}
	if m := imgSrcPattern.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return raw
}

// AudioRef unwraps the [sound:NAME] convention from an audio field,
// passing anything else through unchanged. Idempotent.
func AudioRef(raw string) string {
	if strings.HasPrefix(raw, soundPrefix) && strings.HasSuffix(raw, soundSuffix) {
		return raw[len(soundPrefix) : len(raw)-len(soundSuffix)]
	}
	return raw
}

// MimeType derives a content type purely from the filename extension.
func MimeType(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".mp3":
		return "audio/mpeg"
	case ".ogg":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}

// Chunk splits items into consecutive slices of at most size elements,
// preserving order. A nil or empty input yields no chunks.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	var chunks [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
