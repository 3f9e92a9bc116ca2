package engine

// Config is the read-only configuration every engine is constructed
// with.
type Config struct {
	// Online gates all outbound connects; false fails connect with
	// KindOffline.
	Online bool
	// Static, when true, makes HttpEngine serve any complete cache entry
	// without contacting the origin. FtpEngine does not read it: it
	// always opens the control channel and checks SIZE/MDTM.
	Static bool
	// MaxChunk bounds how many bytes a single recv attempt requests.
	MaxChunk int
	// TimeFormats is tried in order to parse Last-Modified values; the
	// first entry is used to format If-Modified-Since. FTP MDTM replies
	// use their own fixed layout.
	TimeFormats []string
}

// DefaultTimeFormats mirrors the format net/http uses for HTTP dates,
// which is also what the literal scenarios in this package's tests use
// ("Mon, 01 Jan 2024 00:00:00 GMT").
var DefaultTimeFormats = []string{
	"Mon, 02 Jan 2006 15:04:05 GMT",
	"Monday, 02-Jan-06 15:04:05 GMT",
	"Mon Jan _2 15:04:05 2006",
}
