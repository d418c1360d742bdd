package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Frame layout: [u32 body length][u64 xxhash64(body)][msgpack body].
const frameHeaderSize = 12

var msgpackHandle = &codec.MsgpackHandle{}

func appendFrame(buf *bytes.Buffer, e Entry) (int, error) {
	var body []byte
	if err := codec.NewEncoderBytes(&body, msgpackHandle).Encode(&e); err != nil {
		return 0, fmt.Errorf("journal: encode entry %d: %w", e.Index, err)
	}
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(body)))
	binary.BigEndian.PutUint64(hdr[4:12], xxhash.Sum64(body))
	buf.Write(hdr[:])
	buf.Write(body)
	return frameHeaderSize + len(body), nil
}

func parseFrameHeader(hdr []byte) (length uint32, sum uint64) {
	return binary.BigEndian.Uint32(hdr[0:4]), binary.BigEndian.Uint64(hdr[4:12])
}

func decodeBody(body []byte, sum uint64) (Entry, error) {
	var e Entry
	if xxhash.Sum64(body) != sum {
		return e, ErrCorrupt
	}
	if err := codec.NewDecoderBytes(body, msgpackHandle).Decode(&e); err != nil {
		return e, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return e, nil
}
