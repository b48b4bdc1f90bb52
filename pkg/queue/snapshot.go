package queue

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Snapshot file layout (forward compatible):
//
//	magic "HEPHQ" | u16 version
//	record*: u8 kind | u16 idLen | id | i64 priority | i64 enqueuedAt(unixnano)
//	         u32 attempts | u32 maxAttempts | u32 payloadLen | payload | u32 crc
//
// crc is IEEE CRC-32 over the record bytes preceding it. A record that fails
// to parse or checksum marks the corrupt tail: everything before it is kept,
// the rest is discarded with a warning.
const (
	snapshotMagic    = "HEPHQ"
	snapshotVersion  = uint16(1)
	deadLetterSuffix = ".dead"

	recordKindHeap     = uint8(1)
	recordKindInFlight = uint8(2)

	// maxPayloadLen caps one record's payload so a corrupted length field
	// cannot trigger a multi-gigabyte allocation during recovery. Enqueue
	// enforces the same bound.
	maxPayloadLen = 16 << 20
)

// ErrCorruptSnapshot is returned when the snapshot header itself is invalid.
// Recovery is not possible; the operator must move the file aside.
var ErrCorruptSnapshot = errors.New("queue snapshot is corrupt beyond recovery")

func encodeRecord(buf *bytes.Buffer, kind uint8, obj *Objective) {
	var rec bytes.Buffer
	rec.WriteByte(kind)
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(obj.ID)))
	rec.Write(u16[:])
	rec.WriteString(obj.ID)
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], uint64(int64(obj.Priority)))
	rec.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], uint64(obj.EnqueuedAt.UnixNano()))
	rec.Write(u64[:])
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], obj.Attempts)
	rec.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], obj.MaxAttempts)
	rec.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], uint32(len(obj.Payload)))
	rec.Write(u32[:])
	rec.Write(obj.Payload)

	buf.Write(rec.Bytes())
	binary.BigEndian.PutUint32(u32[:], crc32.ChecksumIEEE(rec.Bytes()))
	buf.Write(u32[:])
}

func decodeRecord(r *bufio.Reader) (uint8, *Objective, error) {
	crc := crc32.NewIEEE()
	tee := io.TeeReader(r, crc)

	var kind uint8
	if err := binary.Read(tee, binary.BigEndian, &kind); err != nil {
		return 0, nil, err
	}
	if kind != recordKindHeap && kind != recordKindInFlight {
		return 0, nil, fmt.Errorf("invalid record kind %d", kind)
	}
	var idLen uint16
	if err := binary.Read(tee, binary.BigEndian, &idLen); err != nil {
		return 0, nil, err
	}
	id := make([]byte, idLen)
	if _, err := io.ReadFull(tee, id); err != nil {
		return 0, nil, err
	}
	var priority, enqueuedNano int64
	if err := binary.Read(tee, binary.BigEndian, &priority); err != nil {
		return 0, nil, err
	}
	if err := binary.Read(tee, binary.BigEndian, &enqueuedNano); err != nil {
		return 0, nil, err
	}
	var attempts, maxAttempts, payloadLen uint32
	if err := binary.Read(tee, binary.BigEndian, &attempts); err != nil {
		return 0, nil, err
	}
	if err := binary.Read(tee, binary.BigEndian, &maxAttempts); err != nil {
		return 0, nil, err
	}
	if err := binary.Read(tee, binary.BigEndian, &payloadLen); err != nil {
		return 0, nil, err
	}
	if payloadLen > maxPayloadLen {
		return 0, nil, fmt.Errorf("payload length %d exceeds limit for %q", payloadLen, id)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(tee, payload); err != nil {
		return 0, nil, err
	}
	want := crc.Sum32()
	var got uint32
	if err := binary.Read(r, binary.BigEndian, &got); err != nil {
		return 0, nil, err
	}
	if got != want {
		return 0, nil, fmt.Errorf("record checksum mismatch for %q", id)
	}

	return kind, &Objective{
		ID:          string(id),
		Payload:     payload,
		Priority:    int(priority),
		EnqueuedAt:  time.Unix(0, enqueuedNano),
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
	}, nil
}

// writeSnapshot serializes the heap and in-flight set via write-to-temp plus
// atomic rename.
func writeSnapshot(path string, heapItems, inflightItems []*Objective) error {
	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], snapshotVersion)
	buf.Write(u16[:])
	for _, obj := range heapItems {
		encodeRecord(&buf, recordKindHeap, obj)
	}
	for _, obj := range inflightItems {
		encodeRecord(&buf, recordKindInFlight, obj)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// loadSnapshot reads the snapshot at path. A missing file yields empty sets.
// A corrupt tail is dropped with a warning; a corrupt header is fatal.
func loadSnapshot(path string) (heapItems, inflightItems []*Objective, err error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("opening snapshot: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	header := make([]byte, len(snapshotMagic)+2)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, nil, fmt.Errorf("%w: short header: %v", ErrCorruptSnapshot, err)
	}
	if string(header[:len(snapshotMagic)]) != snapshotMagic {
		return nil, nil, fmt.Errorf("%w: bad magic", ErrCorruptSnapshot)
	}
	version := binary.BigEndian.Uint16(header[len(snapshotMagic):])
	if version == 0 || version > snapshotVersion {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, version)
	}

	for {
		kind, obj, err := decodeRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			slog.Warn("Truncating queue snapshot at corrupt record",
				"path", path, "loaded_heap", len(heapItems),
				"loaded_inflight", len(inflightItems), "error", err)
			break
		}
		switch kind {
		case recordKindHeap:
			heapItems = append(heapItems, obj)
		case recordKindInFlight:
			inflightItems = append(inflightItems, obj)
		}
	}
	return heapItems, inflightItems, nil
}

type deadLetterRecord struct {
	ID         string    `json:"id"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   uint32    `json:"attempts"`
	Reason     string    `json:"reason"`
	DeadAt     time.Time `json:"dead_at"`
	PayloadB64 string    `json:"payload_b64"`
}

// appendDeadLetter writes one JSON line per exhausted objective, fsynced so a
// crash immediately after cannot lose the record.
func appendDeadLetter(path string, obj *Objective, reason string, now time.Time) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening dead-letter log: %w", err)
	}
	defer func() { _ = f.Close() }()

	rec := deadLetterRecord{
		ID:         obj.ID,
		Priority:   obj.Priority,
		EnqueuedAt: obj.EnqueuedAt,
		Attempts:   obj.Attempts,
		Reason:     reason,
		DeadAt:     now,
		PayloadB64: base64.StdEncoding.EncodeToString(obj.Payload),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding dead letter: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending dead letter: %w", err)
	}
	return f.Sync()
}
