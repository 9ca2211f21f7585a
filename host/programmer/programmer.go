// Package programmer is the host side of the bootloader link: it reads
// the device dictionary, sends flash commands by name and turns images
// into link-sized writes.
package programmer

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"flashkit/core"
	"flashkit/host/serial"
	"flashkit/protocol"
)

// Bootstrap ids every bootloader assigns before reading the dictionary.
const (
	identifyResponseID = 0
	identifyID         = 1
)

// IdentifyChunk is how much dictionary each identify asks for.
const IdentifyChunk = 40

// Dictionary is the parsed device dictionary.
type Dictionary struct {
	Version       string            `json:"version"`
	BuildVersions string            `json:"build_versions"`
	Config        map[string]string `json:"config"`
	Commands      map[string]int    `json:"commands"`
	Responses     map[string]int    `json:"responses"`
}

type message struct {
	id   uint16
	name string
	args []protocol.Arg
}

// Programmer talks to one bootloader.
type Programmer struct {
	transport *protocol.HostTransport

	dict      *Dictionary
	raw       []byte
	commands  map[string]*message
	responses map[string]*message

	// Timeout bounds the wait for each response.
	Timeout time.Duration
	// Retries is how many times a command is resent after a link timeout
	// or a transient device status.
	Retries int
}

// New takes ownership of port.
func New(port io.ReadWriteCloser) *Programmer {
	return &Programmer{
		transport: protocol.NewHostTransport(port),
		Timeout:   5 * time.Second,
		Retries:   2,
	}
}

// Connect opens a serial port and reads the dictionary.
func Connect(cfg *serial.Config) (*Programmer, error) {
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	p := New(port)
	// A freshly enumerated USB device may still be starting.
	time.Sleep(100 * time.Millisecond)
	if err := p.RetrieveDictionary(); err != nil {
		p.Close()
		return nil, errors.Trace(err)
	}
	return p, nil
}

func (p *Programmer) Close() error {
	return errors.Trace(p.transport.Close())
}

// RetrieveDictionary reads the compressed dictionary with identify and
// indexes its messages.
func (p *Programmer) RetrieveDictionary() error {
	var z bytes.Buffer
	for {
		chunk, err := p.identify(uint32(z.Len()))
		if err != nil {
			return errors.Annotatef(err, "dictionary at offset %d", z.Len())
		}
		if len(chunk) == 0 {
			break
		}
		z.Write(chunk)
	}
	glog.V(1).Infof("dictionary: %d bytes compressed", z.Len())

	r, err := zlib.NewReader(&z)
	if err != nil {
		return errors.Annotate(err, "dictionary header")
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return errors.Annotate(err, "inflate dictionary")
	}
	return errors.Trace(p.loadDictionary(raw))
}

func (p *Programmer) identify(offset uint32) ([]byte, error) {
	err := p.transport.SendCommand(identifyID, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQUint(output, IdentifyChunk)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	for {
		msg, err := p.transport.ReceiveResponse(p.Timeout)
		if err != nil {
			return nil, errors.Trace(err)
		}
		body := msg.Payload
		id, err := protocol.DecodeVLQUint(&body)
		if err != nil || id != identifyResponseID {
			glog.V(2).Infof("ignoring message %d while identifying", id)
			continue
		}
		got, err := protocol.DecodeVLQUint(&body)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if got != offset {
			return nil, errors.Errorf("identify offset %d, asked for %d", got, offset)
		}
		data, err := protocol.DecodeVLQBytes(&body)
		return append([]byte(nil), data...), errors.Trace(err)
	}
}

func (p *Programmer) loadDictionary(raw []byte) error {
	dict := &Dictionary{}
	if err := json.Unmarshal(raw, dict); err != nil {
		return errors.Annotate(err, "parse dictionary")
	}
	commands, err := index(dict.Commands)
	if err != nil {
		return errors.Trace(err)
	}
	responses, err := index(dict.Responses)
	if err != nil {
		return errors.Trace(err)
	}
	p.dict, p.raw = dict, raw
	p.commands, p.responses = commands, responses
	return nil
}

// index splits "name arg=%fmt ..." keys into messages by name.
func index(specs map[string]int) (map[string]*message, error) {
	out := make(map[string]*message, len(specs))
	for spec, id := range specs {
		name, format := spec, ""
		if i := strings.IndexByte(spec, ' '); i >= 0 {
			name, format = spec[:i], spec[i+1:]
		}
		args, err := protocol.ParseFormat(format)
		if err != nil {
			return nil, errors.Annotatef(err, "message %q", spec)
		}
		out[name] = &message{id: uint16(id), name: name, args: args}
	}
	return out, nil
}

// Dictionary returns the parsed dictionary, nil before RetrieveDictionary.
func (p *Programmer) Dictionary() *Dictionary {
	return p.dict
}

// RawDictionary returns the inflated dictionary JSON.
func (p *Programmer) RawDictionary() []byte {
	return p.raw
}

// Args carries command arguments by name.
type Args struct {
	Ints map[string]uint32
	Data map[string][]byte
}

// Call sends command name and waits for response resp, discarding
// anything else that arrives first.
func (p *Programmer) Call(name string, args Args, resp string) (protocol.Values, error) {
	if p.dict == nil {
		return protocol.Values{}, errors.New("dictionary not loaded")
	}
	cmd, ok := p.commands[name]
	if !ok {
		return protocol.Values{}, errors.NotSupportedf("command %s", name)
	}
	want, ok := p.responses[resp]
	if !ok {
		return protocol.Values{}, errors.NotSupportedf("response %s", resp)
	}

	err := p.transport.SendCommand(cmd.id, func(output protocol.OutputBuffer) {
		protocol.EncodeArgs(output, cmd.args, args.Ints, args.Data)
	})
	if err != nil {
		return protocol.Values{}, errors.Annotate(err, name)
	}
	deadline := time.Now().Add(p.Timeout)
	for {
		msg, err := p.transport.ReceiveResponse(time.Until(deadline))
		if err != nil {
			return protocol.Values{}, errors.Annotatef(err, "%s: waiting for %s", name, resp)
		}
		body := msg.Payload
		id, err := protocol.DecodeVLQUint(&body)
		if err != nil || uint16(id) != want.id {
			glog.V(2).Infof("%s: skipping message %d", name, id)
			continue
		}
		v, err := protocol.DecodeArgs(&body, want.args)
		return v, errors.Annotatef(err, "decode %s", resp)
	}
}

// call is Call with the retry policy. Link timeouts and the transient
// device statuses are retried; other failures return at once.
func (p *Programmer) call(name string, args Args, resp string) (protocol.Values, error) {
	var v protocol.Values
	var err error
	for attempt := 0; attempt <= p.Retries; attempt++ {
		if attempt > 0 {
			glog.Warningf("%s: retry %d after %v", name, attempt, err)
		}
		v, err = p.Call(name, args, resp)
		if err != nil {
			if errors.Is(err, errors.Timeout) {
				continue
			}
			return v, err
		}
		err = statusErr(v)
		if !transient(err) {
			return v, err
		}
	}
	return v, err
}

// statusErr converts the status argument of a response.
func statusErr(v protocol.Values) error {
	return core.ErrorKind(v.Uint("status")).Err()
}

func transient(err error) bool {
	switch core.KindOf(err) {
	case core.ErrDeviceBusy, core.ErrHardwareTimeout:
		return true
	}
	return false
}

func dev(id uint8, ints map[string]uint32) Args {
	if ints == nil {
		ints = make(map[string]uint32)
	}
	ints["dev"] = uint32(id)
	return Args{Ints: ints}
}
