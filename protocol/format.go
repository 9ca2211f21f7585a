package protocol

import (
	"errors"
	"strings"
)

// ArgKind is the wire type of a command argument.
type ArgKind uint8

const (
	ArgUint ArgKind = iota
	ArgInt
	ArgByte
	ArgHalf
	ArgBytes
)

// Arg is one "name=%fmt" entry of a command format.
type Arg struct {
	Name string
	Kind ArgKind
}

var ErrFormat = errors.New("bad argument format")

// ParseFormat splits a format such as "dev=%c addr=%u data=%*s".
func ParseFormat(format string) ([]Arg, error) {
	var args []Arg
	for _, field := range strings.Fields(format) {
		eq := strings.IndexByte(field, '=')
		if eq <= 0 {
			return nil, ErrFormat
		}
		var kind ArgKind
		switch field[eq+1:] {
		case "%u":
			kind = ArgUint
		case "%i":
			kind = ArgInt
		case "%c":
			kind = ArgByte
		case "%hu":
			kind = ArgHalf
		case "%*s", "%.*s":
			kind = ArgBytes
		default:
			return nil, ErrFormat
		}
		args = append(args, Arg{Name: field[:eq], Kind: kind})
	}
	return args, nil
}

// Values holds decoded arguments by name.
type Values struct {
	Ints  map[string]uint32
	Bytes map[string][]byte
}

// Uint returns an integer argument, zero if absent.
func (v Values) Uint(name string) uint32 {
	return v.Ints[name]
}

// Int returns a signed argument.
func (v Values) Int(name string) int32 {
	return int32(v.Ints[name])
}

// Data returns a byte string argument.
func (v Values) Data(name string) []byte {
	return v.Bytes[name]
}

// DecodeArgs reads args from data in order. Byte strings are copied.
func DecodeArgs(data *[]byte, args []Arg) (Values, error) {
	v := Values{Ints: make(map[string]uint32), Bytes: make(map[string][]byte)}
	for _, a := range args {
		if a.Kind == ArgBytes {
			b, err := DecodeVLQBytes(data)
			if err != nil {
				return v, err
			}
			v.Bytes[a.Name] = append([]byte(nil), b...)
			continue
		}
		n, err := DecodeVLQUint(data)
		if err != nil {
			return v, err
		}
		switch a.Kind {
		case ArgByte:
			n &= 0xFF
		case ArgHalf:
			n &= 0xFFFF
		}
		v.Ints[a.Name] = n
	}
	return v, nil
}

// EncodeArgs writes values in the order args lists them. Missing
// integers encode as zero and missing byte strings as empty.
func EncodeArgs(output OutputBuffer, args []Arg, ints map[string]uint32, data map[string][]byte) {
	for _, a := range args {
		if a.Kind == ArgBytes {
			EncodeVLQBytes(output, data[a.Name])
			continue
		}
		EncodeVLQUint(output, ints[a.Name])
	}
}
