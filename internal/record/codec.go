package record

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zstd"
)

// File layout:
//
//	magic   [4]byte "FFRS"
//	version uint32  container format version
//	crc     uint32  CRC32 (IEEE) of payload
//	length  uint64  payload length in bytes
//	payload         zstd(gob(snapshot))
var fileMagic = [4]byte{'F', 'F', 'R', 'S'}

const formatVersion uint32 = 1

var (
	errBadMagic  = errors.New("not a record store file")
	errChecksum  = errors.New("record store checksum mismatch")
	errTruncated = errors.New("record store file truncated")
)

type fileHeader struct {
	Magic   [4]byte
	Version uint32
	CRC     uint32
	Length  uint64
}

func encodeSnapshot(w io.Writer, s *snapshot) error {
	var payload bytes.Buffer
	enc, err := zstd.NewWriter(&payload, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	if err := gob.NewEncoder(enc).Encode(s); err != nil {
		_ = enc.Close()
		return fmt.Errorf("encoding records: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("compressing records: %w", err)
	}

	h := fileHeader{
		Magic:   fileMagic,
		Version: formatVersion,
		CRC:     crc32.ChecksumIEEE(payload.Bytes()),
		Length:  uint64(payload.Len()),
	}
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := w.Write(payload.Bytes()); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	return nil
}

func decodeSnapshot(r io.Reader) (*snapshot, error) {
	var h fileHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errTruncated
		}
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if h.Magic != fileMagic {
		return nil, errBadMagic
	}
	if h.Version != formatVersion {
		return nil, fmt.Errorf("unsupported record store format version %d", h.Version)
	}

	payload := make([]byte, 0, min(h.Length, 64<<20))
	buf := bytes.NewBuffer(payload)
	n, err := io.Copy(buf, io.LimitReader(r, int64(h.Length))) //nolint:gosec // length checked below
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	if uint64(n) != h.Length {
		return nil, errTruncated
	}
	if crc32.ChecksumIEEE(buf.Bytes()) != h.CRC {
		return nil, errChecksum
	}

	dec, err := zstd.NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()

	var s snapshot
	if err := gob.NewDecoder(dec).Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding records: %w", err)
	}
	if s.SchemaVersion == 0 {
		s.SchemaVersion = schemaLegacy
	}
	return &s, nil
}
