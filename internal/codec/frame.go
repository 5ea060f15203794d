package codec

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic bytes distinguishing request and response frames.
const (
	MagicRequest  byte = 0x80
	MagicResponse byte = 0x81
)

// HeaderSize is the fixed 24-byte binary protocol header length.
const HeaderSize = 24

// ErrProtocol is returned for magic/opcode mismatches and truncated frames.
type ErrProtocol struct {
	Reason string
}

func (e *ErrProtocol) Error() string { return "codec: protocol error: " + e.Reason }

// Request is the request envelope
type Request struct {
	Opcode Opcode
	Key    []byte
	Value  []byte
	Extras []byte
	CAS    uint64
	Opaque uint32
	Quiet  bool
}

// Response is the response envelope
type Response struct {
	Status Status
	Opcode Opcode
	Opaque uint32
	CAS    uint64
	Extras []byte
	Key    []byte
	Value  []byte
}

// Encode writes req to w using the 24-byte binary protocol header followed
// by extras, key, and value's frame layout.
func Encode(w io.Writer, req *Request) error {
	totalBody := len(req.Extras) + len(req.Key) + len(req.Value)
	header := make([]byte, HeaderSize, HeaderSize+totalBody)
	header[0] = MagicRequest
	header[1] = byte(req.Opcode)
	binary.BigEndian.PutUint16(header[2:4], uint16(len(req.Key)))
	header[4] = byte(len(req.Extras))
	header[5] = 0 // data type, always 0
	binary.BigEndian.PutUint16(header[6:8], 0)
	binary.BigEndian.PutUint32(header[8:12], uint32(totalBody))
	binary.BigEndian.PutUint32(header[12:16], req.Opaque)
	binary.BigEndian.PutUint64(header[16:24], req.CAS)

	buf := append(header, req.Extras...)
	buf = append(buf, req.Key...)
	buf = append(buf, req.Value...)

	_, err := w.Write(buf)
	return err
}

// Decode reads one full response frame from r.
func Decode(r io.Reader) (*Response, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	if header[0] != MagicResponse {
		return nil, &ErrProtocol{Reason: fmt.Sprintf("bad magic byte 0x%02x", header[0])}
	}

	opcode := Opcode(header[1])
	keyLen := binary.BigEndian.Uint16(header[2:4])
	extrasLen := header[4]
	status := Status(binary.BigEndian.Uint16(header[6:8]))
	totalBody := binary.BigEndian.Uint32(header[8:12])
	opaque := binary.BigEndian.Uint32(header[12:16])
	cas := binary.BigEndian.Uint64(header[16:24])

	if uint32(extrasLen)+uint32(keyLen) > totalBody {
		return nil, &ErrProtocol{Reason: "extras+key length exceeds total body length"}
	}

	body := make([]byte, totalBody)
	if totalBody > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}

	extras := body[:extrasLen]
	key := body[extrasLen : uint32(extrasLen)+uint32(keyLen)]
	value := body[uint32(extrasLen)+uint32(keyLen):]

	if !status.known() {
		return nil, &ErrProtocol{Reason: fmt.Sprintf("unknown status code 0x%04x", uint16(status))}
	}

	return &Response{
		Status: status,
		Opcode: opcode,
		Opaque: opaque,
		CAS:    cas,
		Extras: extras,
		Key:    key,
		Value:  value,
	}, nil
}

// DecodeRequest reads one full request frame from r. It exists alongside
// Decode so test doubles standing in for a memcached server can parse
// client requests without duplicating header-layout knowledge.
func DecodeRequest(r io.Reader) (*Request, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if header[0] != MagicRequest {
		return nil, &ErrProtocol{Reason: fmt.Sprintf("bad magic byte 0x%02x", header[0])}
	}

	opcode := Opcode(header[1])
	keyLen := binary.BigEndian.Uint16(header[2:4])
	extrasLen := header[4]
	totalBody := binary.BigEndian.Uint32(header[8:12])
	opaque := binary.BigEndian.Uint32(header[12:16])
	cas := binary.BigEndian.Uint64(header[16:24])

	if uint32(extrasLen)+uint32(keyLen) > totalBody {
		return nil, &ErrProtocol{Reason: "extras+key length exceeds total body length"}
	}

	body := make([]byte, totalBody)
	if totalBody > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}

	return &Request{
		Opcode: opcode,
		Extras: body[:extrasLen],
		Key:    body[extrasLen : uint32(extrasLen)+uint32(keyLen)],
		Value:  body[uint32(extrasLen)+uint32(keyLen):],
		CAS:    cas,
		Opaque: opaque,
	}, nil
}

// EncodeResponse writes resp to w using the 24-byte binary protocol header,
// the response-side counterpart to Encode. Test doubles standing in for a
// memcached server use this to answer decoded requests.
func EncodeResponse(w io.Writer, resp *Response) error {
	totalBody := len(resp.Extras) + len(resp.Key) + len(resp.Value)
	header := make([]byte, HeaderSize, HeaderSize+totalBody)
	header[0] = MagicResponse
	header[1] = byte(resp.Opcode)
	binary.BigEndian.PutUint16(header[2:4], uint16(len(resp.Key)))
	header[4] = byte(len(resp.Extras))
	binary.BigEndian.PutUint16(header[6:8], uint16(resp.Status))
	binary.BigEndian.PutUint32(header[8:12], uint32(totalBody))
	binary.BigEndian.PutUint32(header[12:16], resp.Opaque)
	binary.BigEndian.PutUint64(header[16:24], resp.CAS)

	buf := append(header, resp.Extras...)
	buf = append(buf, resp.Key...)
	buf = append(buf, resp.Value...)

	_, err := w.Write(buf)
	return err
}

// StorageExtras builds the 8-byte extras field for SET/ADD/REPLACE: 4 bytes
// of opaque flags, 4 bytes of expiration (seconds, or an absolute unix time
// for values over 30 days, a server-side convention the client passes
// through unmodified).
func StorageExtras(flags uint32, expiration uint32) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], flags)
	binary.BigEndian.PutUint32(b[4:8], expiration)
	return b
}

// IncrDecrExtras builds the 20-byte extras field for INCREMENT/DECREMENT:
// delta, initial value, and expiration (0xFFFFFFFF means "do not create if
// missing").
func IncrDecrExtras(delta, initial uint64, expiration uint32) []byte {
	b := make([]byte, 20)
	binary.BigEndian.PutUint64(b[0:8], delta)
	binary.BigEndian.PutUint64(b[8:16], initial)
	binary.BigEndian.PutUint32(b[16:20], expiration)
	return b
}

// TouchExtras builds the 4-byte extras field for TOUCH/GAT.
func TouchExtras(expiration uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, expiration)
	return b
}

// ParseStorageExtras decodes the flags from a GET/GETS response's 4-byte
// extras field (the GET family carries only flags, no expiration, in the
// response).
func ParseStorageExtras(extras []byte) (flags uint32, ok bool) {
	if len(extras) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(extras[0:4]), true
}

// ParseIncrDecrValue decodes the 8-byte big-endian value body of an
// INCREMENT/DECREMENT response.
func ParseIncrDecrValue(value []byte) (uint64, bool) {
	if len(value) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(value[:8]), true
}
