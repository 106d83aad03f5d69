package protocol

// CommandHandler is a function type for handling decoded commands
type CommandHandler func(cmdID uint16, data *[]byte) error

// Transport is the firmware side of the link. Every received block is
// dispatched command by command, then acknowledged with an empty block.
// Responses emitted while dispatching are written before the ack.
type Transport struct {
	dec     Decoder
	output  OutputBuffer
	handler CommandHandler
	nextSeq uint8

	badBlocks     uint32
	handlerErrors uint32
}

// NewTransport creates a new Transport instance
func NewTransport(output OutputBuffer, handler CommandHandler) *Transport {
	return &Transport{
		output:  output,
		handler: handler,
	}
}

// Receive feeds received bytes and processes every complete block.
// It returns the number of bytes consumed; the rest must be offered again.
func (t *Transport) Receive(data []byte) int {
	consumed := 0
	for {
		consumed += t.dec.Write(data[consumed:])
		if !t.drain() || consumed == len(data) {
			return consumed
		}
	}
}

// drain handles all complete blocks and reports whether the decoder has room
func (t *Transport) drain() bool {
	for {
		block, ok, err := t.dec.Next()
		if err != nil {
			t.badBlocks++
			continue
		}
		if !ok {
			return t.dec.Buffered() < MessageMax
		}
		t.nextSeq = (block.Sequence + 1) & MessageSeqMask
		t.parseBlock(block.Payload)
		t.encodeAck()
	}
}

// parseBlock extracts and dispatches commands from a block payload
func (t *Transport) parseBlock(payload []byte) {
	for len(payload) > 0 {
		cmdID, err := DecodeVLQUint(&payload)
		if err != nil {
			t.badBlocks++
			return
		}
		if t.handler == nil {
			return
		}
		if err := t.handler(uint16(cmdID), &payload); err != nil {
			// Remaining commands depend on argument positions we lost
			t.handlerErrors++
			return
		}
	}
}

func (t *Transport) encodeAck() {
	EncodeBlock(t.output, t.nextSeq, nil)
}

// SendCommand encodes a response block
func (t *Transport) SendCommand(cmdID uint16, args func(output OutputBuffer)) {
	EncodeCommandBlock(t.output, t.nextSeq, cmdID, args)
}

// Reset drops partial input and restarts sequencing
func (t *Transport) Reset() {
	t.dec.Reset()
	t.nextSeq = 0
}

// Stats returns counts of discarded blocks and failed commands
func (t *Transport) Stats() (badBlocks, handlerErrors uint32) {
	return t.badBlocks, t.handlerErrors
}
