package graph

import (
	"net/url"
	"strings"
)

var cssExtensions = []string{".css", ".scss", ".sass", ".less", ".styl", ".pcss"}

func isCSSRequest(rawURL string) bool {
	clean := rawURL
	if i := strings.IndexByte(clean, '?'); i >= 0 {
		clean = clean[:i]
	}
	for _, ext := range cssExtensions {
		if strings.HasSuffix(clean, ext) {
			return true
		}
	}
	return false
}

// removeTimestampQuery strips the client-appended t parameter so hot-update
// URLs map onto the same node as the plain URL.
func removeTimestampQuery(rawURL string) string {
	i := strings.IndexByte(rawURL, '?')
	if i < 0 {
		return rawURL
	}
	values, err := url.ParseQuery(rawURL[i+1:])
	if err != nil {
		return rawURL
	}
	if !values.Has("t") {
		return rawURL
	}
	values.Del("t")
	if len(values) == 0 {
		return rawURL[:i]
	}
	return rawURL[:i] + "?" + values.Encode()
}

// cleanPath strips both query and fragment from an id, yielding the on-disk
// file path.
func cleanPath(id string) string {
	if i := strings.IndexAny(id, "?#"); i >= 0 {
		return id[:i]
	}
	return id
}
