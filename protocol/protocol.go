// Package protocol implements the framed command protocol between the host
// and the PWM firmware: VLQ-encoded integers carried in CRC-checked message
// blocks.
package protocol

// Version is the protocol revision, printed by pwmctl version
const Version = "0.1.0"

// Message block layout:
//
//	len | seq | payload... | crc_hi | crc_lo | sync
//
// len counts the whole block. seq carries MessageDest in the high nibble.
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePayloadMax  = MessageLengthMax - MessageLengthMin
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10
	MessageSeqMask     = 0x0F

	// MessageMax is the output scratch size (several blocks per flush)
	MessageMax = 512
)
