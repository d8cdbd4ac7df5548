// Package probe extracts descriptive tags from stored assets so they can be
// merged into item metadata.
package probe

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/bogem/id3v2/v2"
)

// MetadataKey is the item metadata key probe results are stored under.
const MetadataKey = "probe"

// Tags are the descriptive fields read from an audio asset.
type Tags struct {
	Title  string `json:"title,omitempty"`
	Artist string `json:"artist,omitempty"`
	Album  string `json:"album,omitempty"`
	Year   string `json:"year,omitempty"`
	Genre  string `json:"genre,omitempty"`
	Track  string `json:"track,omitempty"`
}

// Empty reports whether no field was found.
func (t *Tags) Empty() bool {
	return *t == Tags{}
}

// Map converts the tags to a metadata document, omitting empty fields.
func (t *Tags) Map() map[string]any {
	out := make(map[string]any)
	add := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	add("title", t.Title)
	add("artist", t.Artist)
	add("album", t.Album)
	add("year", t.Year)
	add("genre", t.Genre)
	add("track", t.Track)
	return out
}

// Supported reports whether assets of this content type can be probed.
func Supported(contentType string) bool {
	ct, _, _ := strings.Cut(contentType, ";")
	switch strings.TrimSpace(strings.ToLower(ct)) {
	case "audio/mpeg", "audio/mp3":
		return true
	}
	return false
}

// Audio reads ID3v2 tags from an MP3 payload. It returns nil tags when the
// payload carries no ID3v2 tag.
func Audio(data []byte) (*Tags, error) {
	tag, err := id3v2.ParseReader(bytes.NewReader(data), id3v2.Options{Parse: true})
	if err != nil {
		if errors.Is(err, id3v2.ErrUnsupportedVersion) {
			return nil, nil
		}
		return nil, fmt.Errorf("parsing id3v2 tag: %w", err)
	}
	defer func() { _ = tag.Close() }()

	if !tag.HasFrames() {
		return nil, nil
	}

	t := &Tags{
		Title:  clean(tag.Title()),
		Artist: clean(tag.Artist()),
		Album:  clean(tag.Album()),
		Year:   clean(tag.Year()),
		Genre:  clean(tag.Genre()),
	}
	if f, ok := tag.GetLastFrame(tag.CommonID("Track number/Position in set")).(id3v2.TextFrame); ok {
		t.Track = clean(f.Text)
	}
	if t.Empty() {
		return nil, nil
	}
	return t, nil
}

func clean(s string) string {
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}
