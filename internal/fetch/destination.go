package fetch

import (
	"net/http"
	"path"
	"strings"
)

var extDestinations = map[string]Destination{
	".png":   DestImage,
	".jpg":   DestImage,
	".jpeg":  DestImage,
	".gif":   DestImage,
	".webp":  DestImage,
	".avif":  DestImage,
	".svg":   DestImage,
	".ico":   DestImage,
	".bmp":   DestImage,
	".woff":  DestFont,
	".woff2": DestFont,
	".ttf":   DestFont,
	".otf":   DestFont,
	".eot":   DestFont,
	".css":   DestStyle,
	".js":    DestScript,
	".mjs":   DestScript,
	".html":  DestDocument,
	".htm":   DestDocument,

	".webmanifest": DestManifest,
}

// DestinationFromPath guesses the destination from the file extension.
func DestinationFromPath(p string) Destination {
	return extDestinations[strings.ToLower(path.Ext(p))]
}

// Describe fills Destination and Mode from the Sec-Fetch-* headers of an
// incoming request, falling back to the path extension and Accept header
// for clients that do not send them.
func (r *Request) Describe(h http.Header) {
	r.Destination = Destination(strings.ToLower(h.Get("Sec-Fetch-Dest")))
	if r.Destination == DestEmpty || r.Destination == "empty" {
		r.Destination = DestinationFromPath(r.URL.Path)
	}
	r.Mode = Mode(strings.ToLower(h.Get("Sec-Fetch-Mode")))
	if r.Mode == "" && r.Destination == DestEmpty && strings.Contains(h.Get("Accept"), "text/html") {
		r.Mode = ModeNavigate
	}
}
