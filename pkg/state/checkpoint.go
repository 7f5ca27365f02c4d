package state

import (
	"fmt"

	"github.com/cuemby/snops/pkg/wire"
)

// CheckpointVersion is the header byte every checkpoint file is tagged
// with; readers reject any other value outright rather than attempting to
// interpret an older/newer layout.
const CheckpointVersion uint8 = 2

// CheckpointHeader is the fixed-size prefix of a checkpoint file: 1 version
// byte + 4 (height) + 8 (timestamp) + 32 (block hash) + 32 (genesis hash)
// + 8 (content length) = 85 bytes, all integers little-endian. Grounded on
// the source's manual write_bytes/read_bytes (not the general DataFormat
// codec): checkpoints are read by streaming tools that need a fixed byte
// offset to the content, so the layout is hand-written rather than routed
// through packed-uint framing.
type CheckpointHeader struct {
	BlockHeight uint32
	Timestamp   int64
	BlockHash   [32]byte
	GenesisHash [32]byte
	ContentLen  uint64
}

const checkpointHeaderSize = 1 + 4 + 8 + 32 + 32 + 8

func (h CheckpointHeader) WriteTo(w *wire.Writer) (int, error) {
	total := 0
	n, err := w.PutUint8(CheckpointVersion)
	total += n
	if err != nil {
		return total, err
	}
	n, err = w.PutUint32(h.BlockHeight)
	total += n
	if err != nil {
		return total, err
	}
	n, err = w.PutInt64(h.Timestamp)
	total += n
	if err != nil {
		return total, err
	}
	n, err = w.PutRaw(h.BlockHash[:])
	total += n
	if err != nil {
		return total, err
	}
	n, err = w.PutRaw(h.GenesisHash[:])
	total += n
	if err != nil {
		return total, err
	}
	n, err = w.PutUint64(h.ContentLen)
	total += n
	return total, err
}

func ReadCheckpointHeader(r *wire.Reader) (CheckpointHeader, error) {
	version, err := r.GetUint8()
	if err != nil {
		return CheckpointHeader{}, err
	}
	if version != CheckpointVersion {
		return CheckpointHeader{}, fmt.Errorf("state: unsupported checkpoint version %d (want %d)", version, CheckpointVersion)
	}
	var h CheckpointHeader
	if h.BlockHeight, err = r.GetUint32(); err != nil {
		return CheckpointHeader{}, err
	}
	if h.Timestamp, err = r.GetInt64(); err != nil {
		return CheckpointHeader{}, err
	}
	blockHash, err := r.GetRaw(32)
	if err != nil {
		return CheckpointHeader{}, err
	}
	copy(h.BlockHash[:], blockHash)
	genesisHash, err := r.GetRaw(32)
	if err != nil {
		return CheckpointHeader{}, err
	}
	copy(h.GenesisHash[:], genesisHash)
	if h.ContentLen, err = r.GetUint64(); err != nil {
		return CheckpointHeader{}, err
	}
	return h, nil
}

// Size returns the fixed on-disk size of a checkpoint header.
func (CheckpointHeader) Size() int { return checkpointHeaderSize }
