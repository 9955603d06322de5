package arraystore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/strataforge/strata/fault"
)

// Payload layout: 8-byte magic, 4-byte little-endian header length, CBOR
// header, then the chunk data section. Chunks cover the raw element bytes
// in order; each records its own compression tag so incompressible chunks
// degrade to raw storage individually.
const payloadVersion = 1

// payloadMagic is the 8-byte payload signature: "STRATA" + version byte +
// reserved byte.
var payloadMagic = [8]byte{'S', 'T', 'R', 'A', 'T', 'A', payloadVersion, 0}

// payloadHeader is the CBOR-encoded descriptor preceding the data section.
// Encoded with deterministic options so identical arrays produce identical
// payload bytes.
type payloadHeader struct {
	DType  string       `cbor:"dtype"`
	Shape  []int64      `cbor:"shape"`
	Digest [32]byte     `cbor:"digest"` // BLAKE3 of the full raw payload
	Chunks []chunkEntry `cbor:"chunks"`
}

// chunkEntry describes one chunk in the data section.
type chunkEntry struct {
	Compression string   `cbor:"c"`
	Offset      int64    `cbor:"o"` // byte offset into the data section
	Size        int64    `cbor:"s"` // compressed byte length
	RawSize     int64    `cbor:"r"` // uncompressed byte length
	Sum         [32]byte `cbor:"h"` // BLAKE3 of the raw chunk
}

// cborEnc uses Core Deterministic Encoding: sorted map keys, smallest
// integer encoding. Same header always produces identical bytes.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("arraystore: cbor encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("arraystore: cbor decoder initialization failed: " + err.Error())
	}
}

// encodePayload writes the full payload for data (raw little-endian element
// bytes) to w. chunkBytes bounds the raw size of each chunk.
func encodePayload(w io.Writer, h Handle, data []byte, chunkBytes int) error {
	if chunkBytes <= 0 {
		chunkBytes = DefaultChunkBytes
	}
	hdr := payloadHeader{
		DType:  string(h.DType),
		Shape:  shapeToInt64(h.Shape),
		Digest: blake3.Sum256(data),
	}
	var body bytes.Buffer
	for off := 0; off < len(data) || off == 0; off += chunkBytes {
		end := min(off+chunkBytes, len(data))
		raw := data[off:end]
		tag := h.Compression
		comp, err := compressChunk(raw, tag)
		if err == errIncompressible {
			tag, comp = CompressionNone, raw
		} else if err != nil {
			return err
		}
		hdr.Chunks = append(hdr.Chunks, chunkEntry{
			Compression: string(tag),
			Offset:      int64(body.Len()),
			Size:        int64(len(comp)),
			RawSize:     int64(len(raw)),
			Sum:         blake3.Sum256(raw),
		})
		body.Write(comp)
		if end == len(data) {
			break
		}
	}
	hdrBytes, err := cborEnc.Marshal(&hdr)
	if err != nil {
		return fmt.Errorf("encoding payload header: %w", err)
	}
	if _, err := w.Write(payloadMagic[:]); err != nil {
		return fmt.Errorf("writing payload magic: %w", err)
	}
	var lenBytes [4]byte
	binary.LittleEndian.PutUint32(lenBytes[:], uint32(len(hdrBytes)))
	if _, err := w.Write(lenBytes[:]); err != nil {
		return fmt.Errorf("writing payload header length: %w", err)
	}
	if _, err := w.Write(hdrBytes); err != nil {
		return fmt.Errorf("writing payload header: %w", err)
	}
	if _, err := io.Copy(w, &body); err != nil {
		return fmt.Errorf("writing payload data: %w", err)
	}
	return nil
}

// readPayloadHeader consumes and validates the magic and header from r,
// leaving r positioned at the start of the data section.
func readPayloadHeader(r io.Reader, h Handle) (*payloadHeader, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, corrupt(h, "reading payload magic").Wrap(err)
	}
	if magic != payloadMagic {
		return nil, corrupt(h, fmt.Sprintf("bad payload magic %x", magic))
	}
	var lenBytes [4]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return nil, corrupt(h, "reading payload header length").Wrap(err)
	}
	hdrLen := binary.LittleEndian.Uint32(lenBytes[:])
	if hdrLen > 1<<24 {
		return nil, corrupt(h, fmt.Sprintf("implausible payload header length %d", hdrLen))
	}
	hdrBytes := make([]byte, hdrLen)
	if _, err := io.ReadFull(r, hdrBytes); err != nil {
		return nil, corrupt(h, "reading payload header").Wrap(err)
	}
	var hdr payloadHeader
	if err := cborDec.Unmarshal(hdrBytes, &hdr); err != nil {
		return nil, corrupt(h, "decoding payload header").Wrap(err)
	}
	// The declared shape and dtype in the payload must match the handle,
	// which was declared by the owning document. Disagreement means the
	// container was assembled inconsistently.
	if DType(hdr.DType) != h.DType || !int64ToShape(hdr.Shape).Equal(h.Shape) {
		return nil, fault.Newf(fault.ShapeMismatch,
			"payload declares %s %v, handle declares %s %s",
			hdr.DType, hdr.Shape, h.DType, h.Shape).
			WithOID(h.Owner).WithField(h.Name)
	}
	return &hdr, nil
}

// decodePayload reads and verifies the complete payload from r.
func decodePayload(r io.Reader, h Handle) ([]byte, error) {
	hdr, err := readPayloadHeader(r, h)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, h.Shape.Elems()*int64(h.DType.Size()))
	for i, ch := range hdr.Chunks {
		raw, err := readChunkAt(r, h, i, ch)
		if err != nil {
			return nil, err
		}
		data = append(data, raw...)
	}
	if blake3.Sum256(data) != hdr.Digest {
		return nil, corrupt(h, "payload digest mismatch")
	}
	return data, nil
}

// verifyPayload streams the whole payload, checking per-chunk checksums and
// the whole-payload digest, without retaining any data. Memory use is one
// chunk at a time regardless of payload size.
func verifyPayload(r io.Reader, h Handle) error {
	hdr, err := readPayloadHeader(r, h)
	if err != nil {
		return err
	}
	hasher := blake3.New()
	var total int64
	for i, ch := range hdr.Chunks {
		raw, err := readChunkAt(r, h, i, ch)
		if err != nil {
			return err
		}
		hasher.Write(raw)
		total += int64(len(raw))
	}
	if want := h.ByteLen(); total != want {
		return corrupt(h, fmt.Sprintf("payload is %d bytes, handle requires %d", total, want))
	}
	var digest [32]byte
	hasher.Sum(digest[:0])
	if digest != hdr.Digest {
		return corrupt(h, "payload digest mismatch")
	}
	return nil
}

// decodePayloadRange reads only the chunks covering the byte range
// [start, start+length) of the raw payload, skipping everything before and
// after. Whole-payload digest verification is skipped; per-chunk checksums
// still apply.
func decodePayloadRange(r io.Reader, h Handle, start, length int64) ([]byte, error) {
	hdr, err := readPayloadHeader(r, h)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, length)
	var rawPos, filePos int64
	for i, ch := range hdr.Chunks {
		chunkStart, chunkEnd := rawPos, rawPos+ch.RawSize
		rawPos = chunkEnd
		if chunkEnd <= start {
			continue
		}
		if chunkStart >= start+length {
			break
		}
		// Skip the data-section gap before this chunk.
		if ch.Offset > filePos {
			if _, err := io.CopyN(io.Discard, r, ch.Offset-filePos); err != nil {
				return nil, corrupt(h, "seeking payload chunk").Wrap(err)
			}
			filePos = ch.Offset
		}
		raw, err := readChunkAt(r, h, i, ch)
		if err != nil {
			return nil, err
		}
		filePos += ch.Size
		lo := max(start-chunkStart, 0)
		hi := min(start+length-chunkStart, ch.RawSize)
		out = append(out, raw[lo:hi]...)
	}
	if int64(len(out)) != length {
		return nil, corrupt(h, fmt.Sprintf("range read returned %d of %d bytes", len(out), length))
	}
	return out, nil
}

// readChunkAt reads one chunk's compressed bytes from r (already positioned
// at the chunk), decompresses, and verifies the chunk checksum.
func readChunkAt(r io.Reader, h Handle, idx int, ch chunkEntry) ([]byte, error) {
	comp, err := ParseCompression(ch.Compression)
	if err != nil {
		return nil, corrupt(h, fmt.Sprintf("chunk %d: %v", idx, err))
	}
	buf := make([]byte, ch.Size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, corrupt(h, fmt.Sprintf("reading chunk %d", idx)).Wrap(err)
	}
	raw, err := decompressChunk(buf, comp, int(ch.RawSize))
	if err != nil {
		return nil, corrupt(h, fmt.Sprintf("chunk %d", idx)).Wrap(err)
	}
	if blake3.Sum256(raw) != ch.Sum {
		return nil, corrupt(h, fmt.Sprintf("chunk %d checksum mismatch", idx))
	}
	return raw, nil
}

func corrupt(h Handle, msg string) *fault.Error {
	return fault.New(fault.Corruption, msg).WithOID(h.Owner).WithField(h.Name)
}

func shapeToInt64(s Shape) []int64 {
	out := make([]int64, len(s))
	for i, d := range s {
		out[i] = int64(d)
	}
	return out
}

func int64ToShape(s []int64) Shape {
	out := make(Shape, len(s))
	for i, d := range s {
		out[i] = int(d)
	}
	return out
}
