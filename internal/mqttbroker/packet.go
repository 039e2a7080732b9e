package mqttbroker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// MQTT 3.1.1 control packet types.
const (
	packetConnect     = 1
	packetPublish     = 3
	packetPubAck      = 4
	packetSubscribe   = 8
	packetUnsubscribe = 10
	packetUnsubAck    = 11
	packetPingReq     = 12
	packetDisconnect  = 14
)

const maxRemainingLength = 268435455

var errMalformedLength = errors.New("malformed remaining length")

type fieldReader []byte

func (f *fieldReader) readByte() (byte, error) {
	if len(*f) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	v := (*f)[0]
	*f = (*f)[1:]
	return v, nil
}

func (f *fieldReader) readUint16() (uint16, error) {
	if len(*f) < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := uint16((*f)[0])<<8 | uint16((*f)[1])
	*f = (*f)[2:]
	return v, nil
}

func (f *fieldReader) readString() (string, error) {
	n, err := f.readUint16()
	if err != nil {
		return "", err
	}
	if len(*f) < int(n) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*f)[:n])
	*f = (*f)[n:]
	return s, nil
}

func (f *fieldReader) rest() []byte {
	out := append([]byte(nil), (*f)...)
	*f = nil
	return out
}

// readPacket reads one fixed header and its body.
func readPacket(r *bufio.Reader) (header byte, body []byte, err error) {
	header, err = r.ReadByte()
	if err != nil {
		return 0, nil, err
	}

	length, err := readRemainingLength(r)
	if err != nil {
		return 0, nil, err
	}

	body = make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("read packet body: %w", err)
	}
	return header, body, nil
}

func readRemainingLength(r io.ByteReader) (int, error) {
	value, shift := 0, 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value |= int(digit&0x7f) << shift
		if digit&0x80 == 0 {
			return value, nil
		}
		shift += 7
	}
	return 0, errMalformedLength
}

func appendRemainingLength(dst []byte, n int) []byte {
	for {
		digit := byte(n & 0x7f)
		n >>= 7
		if n > 0 {
			digit |= 0x80
		}
		dst = append(dst, digit)
		if n == 0 {
			return dst
		}
	}
}

type publishPacket struct {
	topic    string
	qos      byte
	packetID uint16
	payload  []byte
}

func parsePublish(header byte, body []byte) (publishPacket, error) {
	p := publishPacket{qos: (header >> 1) & 0x03}
	if p.qos > 1 {
		return publishPacket{}, fmt.Errorf("unsupported qos %d", p.qos)
	}

	rd := fieldReader(body)
	topic, err := rd.readString()
	if err != nil {
		return publishPacket{}, fmt.Errorf("read topic: %w", err)
	}
	p.topic = topic

	if p.qos > 0 {
		if p.packetID, err = rd.readUint16(); err != nil {
			return publishPacket{}, fmt.Errorf("read packet id: %w", err)
		}
	}
	p.payload = rd.rest()
	return p, nil
}

// encodePublish builds a QoS 0 publish for delivery to subscribers.
func encodePublish(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 0xffff {
		return nil, fmt.Errorf("topic too long: %d bytes", len(topic))
	}
	remaining := 2 + len(topic) + len(payload)
	if remaining > maxRemainingLength {
		return nil, fmt.Errorf("payload too large: %d bytes", len(payload))
	}

	out := make([]byte, 0, 5+remaining)
	out = append(out, packetPublish<<4)
	out = appendRemainingLength(out, remaining)
	out = append(out, byte(len(topic)>>8), byte(len(topic)))
	out = append(out, topic...)
	out = append(out, payload...)
	return out, nil
}

func encodeAck(kind byte, packetID uint16) []byte {
	return []byte{kind << 4, 0x02, byte(packetID >> 8), byte(packetID)}
}

func encodeSubAck(packetID uint16, granted []byte) []byte {
	out := make([]byte, 0, 4+len(granted))
	out = append(out, 0x90)
	out = appendRemainingLength(out, 2+len(granted))
	out = append(out, byte(packetID>>8), byte(packetID))
	return append(out, granted...)
}
