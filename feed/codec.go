// feed/codec.go
package feed

import (
	"encoding/binary"
	"math"
	"strconv"
)

// Wire protocol constants for the 20-level depth feed.
//
// Each frame: 12-byte little-endian header
//   msgLen:u16 feedCode:u8 exchangeSegment:u8 securityId:u32 reserved:u32
// followed by (msgLen-12) bytes of 16-byte level records
//   price:f64 qty:u32 orders:u32
const (
	headerSize = 12
	levelSize  = 16

	feedDepthBid = 41
	feedDepthAsk = 51

	reqSubscribe   = 23
	reqUnsubscribe = 24
	reqDisconnect  = 12

	// The feed rejects subscription requests above this size.
	subscriptionChunkSize = 50
)

// Side identifies which half of the book a snapshot replaces.
type Side string

const (
	Bid Side = "bid"
	Ask Side = "ask"
)

// Level is a single parsed depth level. Immutable once parsed.
type Level struct {
	Price  float64
	Qty    uint32
	Orders uint32
}

// Snapshot is one decoded bid or ask snapshot for a security.
type Snapshot struct {
	SecurityID      string
	ExchangeSegment int
	Side            Side
	Levels          []Level
}

// decodeFrames parses a binary buffer that may contain several depth
// messages back to back. A declared length that overruns the buffer
// terminates parsing of the remainder; everything decoded up to that
// point is still returned.
func decodeFrames(data []byte) []Snapshot {
	var out []Snapshot
	offset := 0

	for offset+headerSize <= len(data) {
		msgLen := int(binary.LittleEndian.Uint16(data[offset:]))
		feedCode := data[offset+2]
		exchSeg := data[offset+3]
		secID := binary.LittleEndian.Uint32(data[offset+4:])

		end := offset + msgLen
		if msgLen < headerSize || end > len(data) {
			// Malformed frame: drop the rest of this buffer.
			break
		}

		payload := data[offset+headerSize : end]
		offset = end

		if feedCode != feedDepthBid && feedCode != feedDepthAsk {
			continue
		}

		levels := decodeLevels(payload)
		if len(levels) == 0 {
			continue
		}

		side := Bid
		if feedCode == feedDepthAsk {
			side = Ask
		}

		out = append(out, Snapshot{
			SecurityID:      strconv.FormatUint(uint64(secID), 10),
			ExchangeSegment: int(exchSeg),
			Side:            side,
			Levels:          levels,
		})
	}

	return out
}

// decodeLevels parses packed 16-byte level records. A trailing partial
// record is ignored.
func decodeLevels(payload []byte) []Level {
	n := len(payload) / levelSize
	if n == 0 {
		return nil
	}

	levels := make([]Level, 0, n)
	for i := 0; i+levelSize <= len(payload); i += levelSize {
		price := math.Float64frombits(binary.LittleEndian.Uint64(payload[i:]))
		qty := binary.LittleEndian.Uint32(payload[i+8:])
		orders := binary.LittleEndian.Uint32(payload[i+12:])
		levels = append(levels, Level{Price: price, Qty: qty, Orders: orders})
	}
	return levels
}
