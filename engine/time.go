package engine

import (
	"fmt"
	"time"

	xerrors "github.com/omalloc/originfetch/pkg/errors"
)

// formatMTime renders t (epoch seconds UTC) using the primary (first)
// configured time format, for emitting If-Modified-Since.
func formatMTime(t int64, formats []string) string {
	layout := "Mon, 02 Jan 2006 15:04:05 GMT"
	if len(formats) > 0 {
		layout = formats[0]
	}
	return time.Unix(t, 0).UTC().Format(layout)
}

// parseMTime tries every configured format in order, returning epoch
// seconds UTC from the first that parses. It fails only if none do.
func parseMTime(s string, formats []string) (int64, error) {
	var lastErr error
	for _, layout := range formats {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC().Unix(), nil
		}
		lastErr = err
	}
	return 0, xerrors.NewEngineError(xerrors.KindTimeParseFailure, fmt.Errorf("no configured format parsed %q: %w", s, lastErr))
}
