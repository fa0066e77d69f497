package packet

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"mix-remailer/internal/errs"
)

const (
	addrFieldSize  = 80
	payloadLenSize = 4
	maxAddrFields  = 255
)

// FinalPayload is the decoded framing of a final-hop (Type-1) payload: a
// length-prefixed recipient list, header-line list, and body, padded with
// random bytes to PayloadSize.
type FinalPayload struct {
	Recipients  []string
	HeaderLines []string
	Body        []byte
}

// IsDummy reports whether this payload is the null dummy marker: no
// recipients, no header lines, and an empty body.
func (p FinalPayload) IsDummy() bool {
	return len(p.Recipients) == 0 && len(p.HeaderLines) == 0 && len(p.Body) == 0
}

func encodeAddrList(fields []string) ([]byte, error) {
	if len(fields) > maxAddrFields {
		return nil, fmt.Errorf("packet: %d fields exceeds max %d", len(fields), maxAddrFields)
	}
	out := make([]byte, 1+len(fields)*addrFieldSize)
	out[0] = byte(len(fields))
	for i, f := range fields {
		if len(f) > addrFieldSize {
			return nil, fmt.Errorf("packet: field %q exceeds %d bytes", f, addrFieldSize)
		}
		off := 1 + i*addrFieldSize
		copy(out[off:off+addrFieldSize], f)
	}
	return out, nil
}

func decodeAddrList(raw []byte) ([]string, int, error) {
	if len(raw) < 1 {
		return nil, 0, errs.New(errs.LenMismatch, fmt.Errorf("truncated address list"))
	}
	count := int(raw[0])
	need := 1 + count*addrFieldSize
	if len(raw) < need {
		return nil, 0, errs.New(errs.LenMismatch, fmt.Errorf("address list needs %d bytes, have %d", need, len(raw)))
	}
	fields := make([]string, count)
	for i := 0; i < count; i++ {
		off := 1 + i*addrFieldSize
		fields[i] = trimNul(raw[off : off+addrFieldSize])
	}
	return fields, need, nil
}

func trimNul(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Encode serializes p into the fixed PayloadSize-byte final-hop payload,
// padding the remainder with CSPRNG bytes.
func (p FinalPayload) Encode() ([PayloadSize]byte, error) {
	var out [PayloadSize]byte

	recipients, err := encodeAddrList(p.Recipients)
	if err != nil {
		return out, err
	}
	headers, err := encodeAddrList(p.HeaderLines)
	if err != nil {
		return out, err
	}

	total := payloadLenSize + len(recipients) + len(headers) + len(p.Body)
	if total > PayloadSize {
		return out, fmt.Errorf("packet: payload body too large (%d bytes over budget)", total-PayloadSize)
	}

	binary.LittleEndian.PutUint32(out[0:4], uint32(total))
	off := payloadLenSize
	copy(out[off:], recipients)
	off += len(recipients)
	copy(out[off:], headers)
	off += len(headers)
	copy(out[off:], p.Body)
	off += len(p.Body)

	if _, err := rand.Read(out[off:]); err != nil {
		return out, fmt.Errorf("packet: random padding: %w", err)
	}
	return out, nil
}

// DecodeFinalPayload parses a PayloadSize-byte final-hop payload.
func DecodeFinalPayload(raw [PayloadSize]byte) (FinalPayload, error) {
	return DecodeFinalPayloadBytes(raw[:])
}

// DecodeFinalPayloadBytes parses final-hop payload framing from an
// arbitrary-length buffer: the single-packet case passes exactly
// PayloadSize bytes, while a reassembled partial-type message passes the
// full concatenation of every chunk's payload, which the length prefix
// bounds the same way.
func DecodeFinalPayloadBytes(raw []byte) (FinalPayload, error) {
	var p FinalPayload
	if len(raw) < payloadLenSize {
		return p, errs.New(errs.LenMismatch, fmt.Errorf("payload shorter than length prefix: %d bytes", len(raw)))
	}
	total := binary.LittleEndian.Uint32(raw[0:4])
	if int(total) > len(raw) || total < payloadLenSize {
		return p, errs.New(errs.LenMismatch, fmt.Errorf("payload declares length %d, capacity %d", total, len(raw)))
	}

	body := raw[payloadLenSize:total]
	recipients, n, err := decodeAddrList(body)
	if err != nil {
		return p, err
	}
	body = body[n:]

	headerLines, n, err := decodeAddrList(body)
	if err != nil {
		return p, err
	}
	body = body[n:]

	p.Recipients = recipients
	p.HeaderLines = headerLines
	p.Body = append([]byte(nil), body...)
	return p, nil
}
