package blockqueue

import (
	"encoding/binary"
	"errors"
	"time"
)

const headerSize = 18

var errInvalidPackedData = errors.New("invalid packed data")

type packArgs struct {
	data           []byte
	minTargetBlock uint64
	maxTargetBlock uint64
	timestamp      time.Time
	iteration      uint16
}

// packData returns the score and the member stored in the sorted set.
// The score is the minTargetBlock, the member is
// iteration(2 bytes):timestamp(8 bytes):maxblock(8 bytes):data
//
// Members with the same score are sorted lexicographically, so items that were retried less
// and were queued earlier come first.
func packData(a packArgs) (float64, []byte) {
	score := float64(a.minTargetBlock)
	value := make([]byte, headerSize+len(a.data))
	binary.BigEndian.PutUint16(value[0:2], a.iteration)
	binary.BigEndian.PutUint64(value[2:10], uint64(a.timestamp.UnixNano()))
	binary.BigEndian.PutUint64(value[10:18], a.maxTargetBlock)
	copy(value[headerSize:], a.data)
	return score, value
}

func unpackData(score float64, packedData []byte) (packArgs, error) {
	if len(packedData) < headerSize {
		return packArgs{}, errInvalidPackedData
	}
	return packArgs{
		data:           packedData[headerSize:],
		minTargetBlock: uint64(score),
		maxTargetBlock: binary.BigEndian.Uint64(packedData[10:18]),
		timestamp:      time.Unix(0, int64(binary.BigEndian.Uint64(packedData[2:10]))),
		iteration:      binary.BigEndian.Uint16(packedData[0:2]),
	}, nil
}
