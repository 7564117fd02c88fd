// Package transcode normalizes provider attachments before storage:
// provider-specific payloads run through an optional converter, then the
// final media type is sniffed from content rather than trusted from the
// provider.
package transcode

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ErrSkip tells the caller an update carries no storable content. It is not
// a failure; the surrounding message (if any) is still posted.
var ErrSkip = errors.New("attachment skipped")

// Converter rewrites a provider-specific payload into a storable format.
// Returning an error fails the whole conversion; there is no silent
// pass-through of payloads the converter could not handle.
type Converter func(name string, data []byte) (string, []byte, error)

// Result is a normalized attachment ready for storage.
type Result struct {
	Name string
	Mime string
	Data []byte
}

// Convert normalizes one attachment. When conv is non-nil it runs first and
// its output replaces the input. The resulting media type always comes from
// sniffing the bytes, and the filename is given the sniffed extension when
// it has none or a mismatched one.
func Convert(name string, data []byte, conv Converter) (Result, error) {
	if conv != nil {
		var err error
		name, data, err = conv(name, data)
		if err != nil {
			return Result{}, fmt.Errorf("convert attachment %q: %w", name, err)
		}
	}
	if len(data) == 0 {
		return Result{}, fmt.Errorf("attachment %q: %w", name, ErrSkip)
	}
	mt := mimetype.Detect(data)
	return Result{
		Name: withExtension(name, mt.Extension()),
		Mime: mt.String(),
		Data: data,
	}, nil
}

// withExtension appends ext unless the name already ends with it.
func withExtension(name, ext string) string {
	if ext == "" {
		return name
	}
	if name == "" {
		return "attachment" + ext
	}
	if strings.HasSuffix(strings.ToLower(name), ext) {
		return name
	}
	return name + ext
}
