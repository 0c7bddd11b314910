// Package wire implements the blacknet sensor/master wire protocol: a
// stream of msgpack-encoded (opcode, payload) tuples sent over a TCP or
// UNIX socket connection, usually wrapped in mutual TLS.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgType identifies the kind of message carried by a frame.
type MsgType int8

// Message types, matching the values the reference sensors and masters in
// the wild already use on the wire. Do not renumber these.
const (
	Hello         MsgType = 0
	ClientName    MsgType = 1
	SSHCredential MsgType = 2
	SSHPublicKey  MsgType = 3
	Ping          MsgType = 10
	Pong          MsgType = 11
	Goodbye       MsgType = 16
)

func (t MsgType) String() string {
	switch t {
	case Hello:
		return "HELLO"
	case ClientName:
		return "CLIENT_NAME"
	case SSHCredential:
		return "SSH_CREDENTIAL"
	case SSHPublicKey:
		return "SSH_PUBLICKEY"
	case Ping:
		return "PING"
	case Pong:
		return "PONG"
	case Goodbye:
		return "GOODBYE"
	default:
		return fmt.Sprintf("MsgType(%d)", int8(t))
	}
}

// HelloToken is the fixed payload the sensor must send as the first message
// on a new connection. A master which receives anything else terminates the
// connection as a protocol violation.
const HelloToken = "CPE1704TKS"

// Credential is the payload of a SSH_CREDENTIAL message: a single password
// authentication attempt observed by a sensor.
type Credential struct {
	Client   string `msgpack:"client"`
	Version  string `msgpack:"version"`
	User     string `msgpack:"user"`
	Time     int64  `msgpack:"time"`
	Password string `msgpack:"passwd"`
}

// PublicKey is the payload of a SSH_PUBLICKEY message: a single public key
// authentication attempt observed by a sensor.
type PublicKey struct {
	Client      string `msgpack:"client"`
	Version     string `msgpack:"version"`
	User        string `msgpack:"user"`
	Time        int64  `msgpack:"time"`
	KeyBase64   string `msgpack:"k64"`
	KeySize     int    `msgpack:"ksize"`
	Fingerprint string `msgpack:"kfp"`
	KeyType     string `msgpack:"ktype"`
}

// Frame is a single decoded (opcode, payload) tuple read off the wire. Data
// is nil for messages with no payload (PING, PONG, GOODBYE).
type Frame struct {
	Type MsgType
	Data any
}

// Pack encodes a single frame as a 2-element msgpack array, matching the
// [msgtype, payload] tuples the reference implementation packs. Integers
// use their smallest msgpack encoding, as the reference packer does.
func Pack(t MsgType, payload any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode([2]any{int8(t), payload}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Feeder incrementally decodes frames from a byte stream that may deliver
// partial messages across multiple reads, mirroring the streaming
// msgpack.Unpacker the sensors and master feed from their socket reads.
type Feeder struct {
	buf []byte
}

// Feed appends newly read bytes to the internal buffer.
func (f *Feeder) Feed(p []byte) {
	f.buf = append(f.buf, p...)
}

// Next decodes and removes a single complete frame from the buffer. It
// returns ok=false (with no error) if the buffer doesn't yet contain a
// complete frame.
func (f *Feeder) Next() (fr Frame, ok bool, err error) {
	if len(f.buf) == 0 {
		return Frame{}, false, nil
	}

	r := bytes.NewReader(f.buf)
	dec := msgpack.NewDecoder(r)

	n, err := dec.DecodeArrayLen()
	if err != nil {
		if isShortBuf(err) {
			return Frame{}, false, nil
		}
		return Frame{}, false, fmt.Errorf("decode frame: %w", err)
	}
	if n != 2 {
		return Frame{}, false, fmt.Errorf("decode frame: expected 2-element array, got %d", n)
	}

	var mt int8
	if err := dec.Decode(&mt); err != nil {
		if isShortBuf(err) {
			return Frame{}, false, nil
		}
		return Frame{}, false, fmt.Errorf("decode frame: msgtype: %w", err)
	}

	var payload any
	if err := dec.Decode(&payload); err != nil {
		if isShortBuf(err) {
			return Frame{}, false, nil
		}
		return Frame{}, false, fmt.Errorf("decode frame: payload: %w", err)
	}

	consumed := len(f.buf) - r.Len()
	if consumed <= 0 || consumed > len(f.buf) {
		return Frame{}, false, fmt.Errorf("decode frame: bad consumed length %d", consumed)
	}
	f.buf = f.buf[consumed:]

	return Frame{Type: MsgType(mt), Data: payload}, true, nil
}

func isShortBuf(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// DecodeCredential converts a generically-decoded payload map into a
// Credential, as sent by the SSH_CREDENTIAL message.
func DecodeCredential(data any) (Credential, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return Credential{}, fmt.Errorf("credential payload is not a map")
	}
	var c Credential
	c.Client, _ = m["client"].(string)
	c.Version, _ = m["version"].(string)
	c.User, _ = m["user"].(string)
	c.Time = toInt64(m["time"])
	c.Password, _ = m["passwd"].(string)
	return c, nil
}

// DecodePublicKey converts a generically-decoded payload map into a
// PublicKey, as sent by the SSH_PUBLICKEY message.
func DecodePublicKey(data any) (PublicKey, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return PublicKey{}, fmt.Errorf("publickey payload is not a map")
	}
	var k PublicKey
	k.Client, _ = m["client"].(string)
	k.Version, _ = m["version"].(string)
	k.User, _ = m["user"].(string)
	k.Time = toInt64(m["time"])
	k.KeyBase64, _ = m["k64"].(string)
	k.KeySize = int(toInt64(m["ksize"]))
	k.Fingerprint, _ = m["kfp"].(string)
	k.KeyType, _ = m["ktype"].(string)
	return k, nil
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float64:
		return int64(x)
	default:
		return 0
	}
}
