//go:build js && wasm
// +build js,wasm

// Command wasm exposes the link codec to a browser page so captured
// bootloader traffic can be decoded by hand.
package main

import (
	"encoding/hex"
	"syscall/js"

	"flashkit/protocol"
)

func main() {
	js.Global().Set("flashkitWasm", js.ValueOf(map[string]interface{}{
		"encodeVLQ":    js.FuncOf(encodeVLQWrapper),
		"decodeVLQ":    js.FuncOf(decodeVLQWrapper),
		"crc16":        js.FuncOf(crc16Wrapper),
		"encodeFrame":  js.FuncOf(encodeFrameWrapper),
		"decodeFrame":  js.FuncOf(decodeFrameWrapper),
		"decodeArgs":   js.FuncOf(decodeArgsWrapper),
		"version":      protocol.Version,
		"maxPayload":   protocol.MaxPayload,
		"frameMaxSize": protocol.MessageLengthMax,
	}))

	select {}
}

func hexArg(args []js.Value, i int) ([]byte, string) {
	if len(args) <= i {
		return nil, "missing argument"
	}
	data, err := hex.DecodeString(args[i].String())
	if err != nil {
		return nil, "invalid hex string: " + err.Error()
	}
	return data, ""
}

// encodeVLQWrapper encodes a signed integer.
// Args: value (int32). Returns: hex string
func encodeVLQWrapper(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return js.ValueOf("error: missing value argument")
	}
	output := protocol.NewScratchOutput()
	protocol.EncodeVLQInt(output, int32(args[0].Int()))
	return js.ValueOf(hex.EncodeToString(output.Result()))
}

// decodeVLQWrapper decodes the first value of a hex string.
// Returns: {value, consumed, error}
func decodeVLQWrapper(this js.Value, args []js.Value) interface{} {
	data, msg := hexArg(args, 0)
	if msg != "" {
		return result(map[string]interface{}{"value": 0, "consumed": 0}, msg)
	}
	rest := data
	v, err := protocol.DecodeVLQInt(&rest)
	if err != nil {
		return result(map[string]interface{}{"value": 0, "consumed": 0}, err.Error())
	}
	return result(map[string]interface{}{"value": int(v), "consumed": len(data) - len(rest)}, "")
}

func crc16Wrapper(this js.Value, args []js.Value) interface{} {
	data, msg := hexArg(args, 0)
	if msg != "" {
		return js.ValueOf(0)
	}
	return js.ValueOf(int(protocol.CRC16(data)))
}

// encodeFrameWrapper builds a command frame.
// Args: seq (number), cmdID (number), argsHex (string). Returns: hex string
func encodeFrameWrapper(this js.Value, args []js.Value) interface{} {
	if len(args) < 3 {
		return js.ValueOf("error: missing arguments")
	}
	body, msg := hexArg(args, 2)
	if msg != "" {
		return js.ValueOf("error: " + msg)
	}
	frame, err := protocol.BuildFrame(uint8(args[0].Int()), uint16(args[1].Int()), func(output protocol.OutputBuffer) {
		output.Output(body)
	})
	if err != nil {
		return js.ValueOf("error: " + err.Error())
	}
	return js.ValueOf(hex.EncodeToString(frame))
}

// decodeFrameWrapper splits one frame.
// Returns: {length, sequence, ack, cmdID, body (hex), crc, crcValid, error}
func decodeFrameWrapper(this js.Value, args []js.Value) interface{} {
	out := map[string]interface{}{"length": 0, "sequence": 0, "ack": false, "cmdID": 0, "body": "", "crc": 0, "crcValid": false}
	data, msg := hexArg(args, 0)
	if msg != "" {
		return result(out, msg)
	}
	if len(data) < protocol.MessageLengthMin {
		return result(out, "message too short")
	}
	n := int(data[protocol.MessagePositionLen])
	if n < protocol.MessageLengthMin || n > len(data) {
		return result(out, "bad length byte")
	}
	if data[n-protocol.MessageTrailerSync] != protocol.MessageValueSync {
		return result(out, "missing sync byte")
	}
	crc := uint16(data[n-protocol.MessageTrailerCRC])<<8 | uint16(data[n-protocol.MessageTrailerCRC+1])
	out["length"] = n
	out["sequence"] = int(data[protocol.MessagePositionSeq])
	out["crc"] = int(crc)
	out["crcValid"] = crc == protocol.CRC16(data[:n-protocol.MessageTrailerSize])

	body := data[protocol.MessageHeaderSize : n-protocol.MessageTrailerSize]
	if len(body) == 0 {
		out["ack"] = true
		return result(out, "")
	}
	id, err := protocol.DecodeVLQUint(&body)
	if err != nil {
		return result(out, "bad command id: "+err.Error())
	}
	out["cmdID"] = int(id)
	out["body"] = hex.EncodeToString(body)
	return result(out, "")
}

// decodeArgsWrapper decodes a frame body against a dictionary format.
// Args: format ("addr=%u data=%*s"), bodyHex. Returns: {name: value}
func decodeArgsWrapper(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 {
		return result(map[string]interface{}{}, "missing arguments")
	}
	spec, err := protocol.ParseFormat(args[0].String())
	if err != nil {
		return result(map[string]interface{}{}, err.Error())
	}
	body, msg := hexArg(args, 1)
	if msg != "" {
		return result(map[string]interface{}{}, msg)
	}
	v, err := protocol.DecodeArgs(&body, spec)
	out := make(map[string]interface{})
	for name, n := range v.Ints {
		out[name] = int(n)
	}
	for name, b := range v.Bytes {
		out[name] = hex.EncodeToString(b)
	}
	if err != nil {
		return result(out, err.Error())
	}
	return result(out, "")
}

func result(m map[string]interface{}, errMsg string) js.Value {
	if errMsg != "" {
		m["error"] = errMsg
	}
	return js.ValueOf(m)
}
