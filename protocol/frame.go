package protocol

import "errors"

var (
	// ErrBadFrame is returned when bytes are discarded while resynchronizing
	ErrBadFrame = errors.New("bad message block")
)

// Block is a decoded message block
type Block struct {
	Sequence uint8
	Payload  []byte // Valid until the next Decoder call
}

// IsAck reports whether the block carries no payload
func (b Block) IsAck() bool {
	return len(b.Payload) == 0
}

// EncodeBlock writes one message block whose payload is produced by body.
// seq is masked into the low nibble; the destination bits are added here.
func EncodeBlock(output OutputBuffer, seq uint8, body func(output OutputBuffer)) {
	cursor := output.CurPosition()

	// Header (length placeholder and sequence)
	output.Output([]byte{0, MessageDest | (seq & MessageSeqMask)})

	if body != nil {
		body(output)
	}

	// Update length field
	changed := len(output.DataSince(cursor))
	output.Update(cursor, uint8(changed+MessageTrailerSize))

	crc := CRC16(output.DataSince(cursor))
	output.Output([]byte{
		uint8((crc & 0xFF00) >> 8),
		uint8(crc & 0xFF),
		MessageValueSync,
	})
}

// EncodeCommandBlock writes a block holding a single command
func EncodeCommandBlock(output OutputBuffer, seq uint8, cmdID uint16, args func(output OutputBuffer)) {
	EncodeBlock(output, seq, func(output OutputBuffer) {
		EncodeVLQUint(output, uint32(cmdID))
		if args != nil {
			args(output)
		}
	})
}

// Decoder accumulates received bytes and splits them into blocks.
// After a corrupt block it discards input up to the next sync byte.
type Decoder struct {
	buf     [MessageMax]byte
	n       int
	payload [MessagePayloadMax]byte
}

// Write appends received bytes and returns how many fit
func (d *Decoder) Write(data []byte) int {
	c := copy(d.buf[d.n:], data)
	d.n += c
	return c
}

// Buffered returns the number of undecoded bytes
func (d *Decoder) Buffered() int {
	return d.n
}

// Reset drops all buffered bytes
func (d *Decoder) Reset() {
	d.n = 0
}

// Next returns the next complete block. ok is false when more input is
// needed. A non-nil error means bytes were dropped; call Next again.
func (d *Decoder) Next() (block Block, ok bool, err error) {
	// Skip leading sync bytes
	skip := 0
	for skip < d.n && d.buf[skip] == MessageValueSync {
		skip++
	}
	d.consume(skip)

	if d.n == 0 {
		return Block{}, false, nil
	}

	msgLen := int(d.buf[MessagePositionLen])
	if msgLen < MessageLengthMin || msgLen > MessageLengthMax {
		d.resync()
		return Block{}, false, ErrBadFrame
	}
	if d.n > MessagePositionSeq && d.buf[MessagePositionSeq]&^MessageSeqMask != MessageDest {
		d.resync()
		return Block{}, false, ErrBadFrame
	}
	if d.n < msgLen {
		return Block{}, false, nil
	}
	if d.buf[msgLen-MessageTrailerSync] != MessageValueSync {
		d.resync()
		return Block{}, false, ErrBadFrame
	}

	frameCRC := uint16(d.buf[msgLen-MessageTrailerCRC])<<8 |
		uint16(d.buf[msgLen-MessageTrailerCRC+1])
	if frameCRC != CRC16(d.buf[:msgLen-MessageTrailerSize]) {
		d.resync()
		return Block{}, false, ErrBadFrame
	}

	seq := d.buf[MessagePositionSeq] & MessageSeqMask
	size := copy(d.payload[:], d.buf[MessageHeaderSize:msgLen-MessageTrailerSize])
	d.consume(msgLen)
	return Block{Sequence: seq, Payload: d.payload[:size]}, true, nil
}

// resync drops the first byte and everything up to the next sync byte
func (d *Decoder) resync() {
	i := 1
	for i < d.n && d.buf[i] != MessageValueSync {
		i++
	}
	d.consume(i)
}

func (d *Decoder) consume(n int) {
	if n <= 0 {
		return
	}
	if n >= d.n {
		d.n = 0
		return
	}
	copy(d.buf[:], d.buf[n:d.n])
	d.n -= n
}
