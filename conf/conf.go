package conf

import (
	"time"

	"github.com/omalloc/originfetch/pkg/mapstruct"
)

// Bootstrap is the top-level configuration document, loaded via
// contrib/config and hot-reloadable on SIGHUP.
type Bootstrap struct {
	Strict   bool    `json:"strict" yaml:"strict"`
	Hostname string  `json:"hostname" yaml:"hostname"`
	PidFile  string  `json:"pidfile" yaml:"pidfile"`
	Logger   *Logger `json:"logger" yaml:"logger"`
	Server   *Server `json:"server" yaml:"server"`
	Engine   *Engine `json:"engine" yaml:"engine"`
	Cache    *Cache  `json:"cache" yaml:"cache"`
}

type Logger struct {
	Level      string `json:"level" yaml:"level"`
	Path       string `json:"path" yaml:"path"`
	Caller     bool   `json:"caller" yaml:"caller"`
	TraceID    bool   `json:"traceid" yaml:"traceid"`
	MaxSize    int    `json:"max_size" yaml:"max_size"`
	MaxAge     int    `json:"max_age" yaml:"max_age"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	Compress   bool   `json:"compress" yaml:"compress"`
	NoPid      bool   `json:"nopid" yaml:"nopid"`
}

type Server struct {
	Addr              string        `json:"addr" yaml:"addr"`
	ReadTimeout       time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout       time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `json:"max_header_bytes" yaml:"max_header_bytes"`
	PProf             *ServerPProf  `json:"pprof" yaml:"pprof"`
}

type ServerPProf struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// Engine configures the protocol engines (HttpEngine/FtpEngine/BlindEngine).
type Engine struct {
	// Online gates every outbound connect attempt.
	Online bool `json:"online" yaml:"online"`
	// Static makes HttpEngine serve any complete cache entry without
	// contacting the origin, even if a client request arrives for it.
	// FtpEngine does not read it.
	Static bool `json:"static" yaml:"static"`
	// MaxChunk bounds how many bytes a single recv attempt requests.
	MaxChunk int `json:"max_chunk" yaml:"max_chunk"`
	// TimeFormats is tried in order when parsing Last-Modified; the
	// first entry is used to format outgoing conditional requests.
	TimeFormats []string `json:"time_formats" yaml:"time_formats"`
}

// Cache configures the on-disk cache store.
type Cache struct {
	Dir    string `json:"dir" yaml:"dir"`
	DBType string `json:"db_type" yaml:"db_type"`
	// Codec selects the metadata serialization format: "cbor" (default)
	// or "json".
	Codec string `json:"codec" yaml:"codec"`
	// Options holds free-form, db-type-specific tuning knobs (currently
	// the pebble memtable size, mem_table_size_mb) decoded on demand
	// via DecodeOptions rather than given a fixed struct shape here.
	Options map[string]any `json:"options" yaml:"options"`
}

// DecodeOptions decodes c.Options into v, used by the cache package to
// pull out db-type-specific tuning without conf needing to know the
// shape of every backend's options struct.
func (c *Cache) DecodeOptions(v any) error {
	if c.Options == nil {
		return nil
	}
	return mapstruct.Decode(c.Options, v)
}
