package bootloader

import (
	"sort"
	"strconv"
	"sync"

	"flashkit/tinycompress"
)

// Dictionary describes the link to the host: firmware version, constants
// and every message with its id. It is served zlib-compressed.
type Dictionary struct {
	mu        sync.Mutex
	reg       *Registry
	version   string
	build     string
	constants map[string]string
	cached    []byte
}

func NewDictionary(reg *Registry, version string) *Dictionary {
	return &Dictionary{
		reg:       reg,
		version:   version,
		build:     "go",
		constants: make(map[string]string),
	}
}

// SetBuildVersions records the toolchain string reported to the host.
func (d *Dictionary) SetBuildVersions(build string) {
	d.mu.Lock()
	d.build = build
	d.cached = nil
	d.mu.Unlock()
}

// AddConstant publishes a named value. Integers are stored in decimal.
func (d *Dictionary) AddConstant(name string, value interface{}) {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case int:
		s = strconv.Itoa(v)
	case uint32:
		s = strconv.FormatUint(uint64(v), 10)
	case bool:
		s = strconv.FormatBool(v)
	default:
		s = "?"
	}
	d.mu.Lock()
	d.constants[name] = s
	d.cached = nil
	d.mu.Unlock()
}

// JSON renders the uncompressed dictionary.
func (d *Dictionary) JSON() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.jsonLocked()
}

func (d *Dictionary) jsonLocked() []byte {
	out := make([]byte, 0, 1024)
	out = append(out, `{"version":`...)
	out = strconv.AppendQuote(out, d.version)
	out = append(out, `,"build_versions":`...)
	out = strconv.AppendQuote(out, d.build)

	out = append(out, `,"config":{`...)
	names := make([]string, 0, len(d.constants))
	for name := range d.constants {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendQuote(out, name)
		out = append(out, ':')
		out = strconv.AppendQuote(out, d.constants[name])
	}

	var commands, responses []byte
	d.reg.Each(func(cmd *Command) {
		entry := &commands
		if cmd.Response {
			entry = &responses
		}
		if len(*entry) > 0 {
			*entry = append(*entry, ',')
		}
		*entry = strconv.AppendQuote(*entry, cmd.Spec())
		*entry = append(*entry, ':')
		*entry = strconv.AppendUint(*entry, uint64(cmd.ID), 10)
	})
	out = append(out, `},"commands":{`...)
	out = append(out, commands...)
	out = append(out, `},"responses":{`...)
	out = append(out, responses...)
	out = append(out, "}}"...)
	return out
}

// Compressed returns the zlib dictionary, building it on first use.
func (d *Dictionary) Compressed() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached == nil {
		d.cached = tinycompress.Compress(d.jsonLocked())
	}
	return d.cached
}

// Chunk returns up to count bytes of the compressed dictionary from
// offset. Past the end it returns an empty chunk, which tells the host it
// has everything.
func (d *Dictionary) Chunk(offset uint32, count uint8) []byte {
	data := d.Compressed()
	if offset >= uint32(len(data)) {
		return nil
	}
	end := offset + uint32(count)
	if end > uint32(len(data)) {
		end = uint32(len(data))
	}
	return data[offset:end]
}
