package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	// WAL file settings
	walFilePerm       = 0600
	walDirPerm        = 0700
	maxMsgSize        = 10 * 1024 * 1024 // 10MB max message size
	defaultBufSize    = 64 * 1024        // 64KB buffer
	defaultMaxSegSize = 64 * 1024 * 1024 // 64MB default segment size

	// Default pool buffer size for decoder
	defaultPoolBufSize = 4096
)

// Byte pool to reduce GC pressure in WAL decoder.
// Buffers are reused for reading message data, then copied for the final Message.
var decoderPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 0, defaultPoolBufSize)
		return &buf
	},
}

// FileWAL is a file-based WAL implementation
type FileWAL struct {
	mu   sync.Mutex
	dir  string
	file *os.File
	buf  *bufio.Writer
	enc  *encoder

	group        *segmentGroup
	started      bool
	segmentIndex int   // Current segment index
	segmentSize  int64 // Current segment size in bytes
	maxSegSize   int64 // Maximum segment size before rotation

	// Newest checkpoint record and the segment it was written to
	checkpoint checkpointPos
}

// segmentGroup is the range of segment files making up the WAL
type segmentGroup struct {
	Dir      string
	Prefix   string
	MaxSize  int64
	MinIndex int
	MaxIndex int
}

// checkpointPos locates the newest checkpoint record
type checkpointPos struct {
	found   bool
	round   uint64
	segment int
}

// NewFileWAL creates a new file-based WAL
func NewFileWAL(dir string) (*FileWAL, error) {
	return NewFileWALWithOptions(dir, defaultMaxSegSize)
}

// NewFileWALWithOptions creates a new file-based WAL with custom max segment size
func NewFileWALWithOptions(dir string, maxSegSize int64) (*FileWAL, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(dir, walDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	if maxSegSize <= 0 {
		maxSegSize = defaultMaxSegSize
	}

	return &FileWAL{
		dir:        dir,
		maxSegSize: maxSegSize,
		group: &segmentGroup{
			Dir:     dir,
			Prefix:  "wal",
			MaxSize: maxSegSize,
		},
	}, nil
}

// Start opens the WAL file for writing
func (w *FileWAL) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}

	// Find existing segments and determine the highest index
	w.segmentIndex = w.findHighestSegmentIndex()
	w.group.MinIndex = w.findLowestSegmentIndex()
	w.group.MaxIndex = w.segmentIndex

	// Locate the newest checkpoint record in existing segments
	if err := w.findCheckpoint(); err != nil {
		return fmt.Errorf("failed to index WAL checkpoints: %w", err)
	}

	// Open or create current segment
	if err := w.openSegment(w.segmentIndex); err != nil {
		return err
	}

	w.started = true
	return nil
}

// findCheckpoint scans all segments for the newest checkpoint record
func (w *FileWAL) findCheckpoint() error {
	w.checkpoint = checkpointPos{}
	for idx := w.group.MinIndex; idx <= w.group.MaxIndex; idx++ {
		path := w.segmentPath(idx)
		file, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}

		dec := newDecoder(bufio.NewReader(file))
		for {
			msg, err := dec.Decode()
			if err == io.EOF {
				break
			}
			if err != nil {
				// Corrupted segment - stop indexing this segment
				break
			}

			if msg.Type == MsgTypeCheckpoint {
				w.checkpoint = checkpointPos{found: true, round: msg.Round, segment: idx}
			}
		}
		file.Close()
	}
	return nil
}

// findHighestSegmentIndex finds the highest segment index in the WAL directory
func (w *FileWAL) findHighestSegmentIndex() int {
	segments := findSegments(w.dir)
	if len(segments) == 0 {
		return 0
	}
	return segments[len(segments)-1]
}

// findLowestSegmentIndex finds the lowest segment index in the WAL directory
func (w *FileWAL) findLowestSegmentIndex() int {
	segments := findSegments(w.dir)
	if len(segments) == 0 {
		return 0
	}
	return segments[0]
}

// segmentPath returns the file path for a segment index
func (w *FileWAL) segmentPath(index int) string {
	return filepath.Join(w.dir, fmt.Sprintf("wal-%05d", index))
}

// openSegment opens a segment file for writing
func (w *FileWAL) openSegment(index int) error {
	path := w.segmentPath(index)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, walFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open WAL segment %d: %w", index, err)
	}

	// Get current file size
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat WAL segment: %w", err)
	}

	w.file = file
	w.buf = bufio.NewWriterSize(file, defaultBufSize)
	w.enc = newEncoder(w.buf)
	w.segmentSize = info.Size()

	return nil
}

// Stop closes the WAL file
func (w *FileWAL) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil
	}

	w.started = false

	// Flush buffer
	if err := w.buf.Flush(); err != nil {
		return err
	}

	// Sync and close file
	if err := w.file.Sync(); err != nil {
		return err
	}

	return w.file.Close()
}

// Write writes a message to the WAL (buffered)
func (w *FileWAL) Write(msg *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}

	// Check if rotation is needed before writing
	if w.segmentSize >= w.maxSegSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("failed to rotate WAL: %w", err)
		}
	}

	n, err := w.enc.Encode(msg)
	if err != nil {
		return err
	}
	w.segmentSize += int64(n)

	if msg.Type == MsgTypeCheckpoint {
		w.checkpoint = checkpointPos{found: true, round: msg.Round, segment: w.segmentIndex}
	}

	return nil
}

// rotate closes the current segment and opens a new one
func (w *FileWAL) rotate() error {
	// Flush and sync current segment
	if err := w.flushAndSync(); err != nil {
		return err
	}

	// Close current file
	if err := w.file.Close(); err != nil {
		return err
	}

	// Increment segment index
	w.segmentIndex++
	w.group.MaxIndex = w.segmentIndex

	// Open new segment
	return w.openSegment(w.segmentIndex)
}

// WriteSync writes a message and syncs to disk
func (w *FileWAL) WriteSync(msg *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}

	// Check if rotation is needed before writing
	if w.segmentSize >= w.maxSegSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("failed to rotate WAL: %w", err)
		}
	}

	n, err := w.enc.Encode(msg)
	if err != nil {
		return err
	}
	w.segmentSize += int64(n)

	if msg.Type == MsgTypeCheckpoint {
		w.checkpoint = checkpointPos{found: true, round: msg.Round, segment: w.segmentIndex}
	}

	return w.flushAndSync()
}

// FlushAndSync flushes the buffer and syncs to disk.
// Safe for concurrent use.
func (w *FileWAL) FlushAndSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}

	return w.flushAndSync()
}

// flushAndSync is the internal version that assumes lock is held
func (w *FileWAL) flushAndSync() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Checkpoint deletes WAL segments that only contain rounds <= checkpointRound.
// This should be called after decisions up to checkpointRound have been
// safely applied by the commit layer, and after a checkpoint record for at
// least that round was written. Only segments before the one holding the
// newest checkpoint record are deleted, so replay always finds it.
func (w *FileWAL) Checkpoint(checkpointRound uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}
	if !w.checkpoint.found || w.checkpoint.round < checkpointRound {
		return fmt.Errorf("%w: round %d", ErrNoCheckpoint, checkpointRound)
	}

	// Find segments that can be deleted
	// A segment can be deleted if all its messages have round <= checkpointRound
	segmentsToDelete := []int{}

	for idx := w.group.MinIndex; idx < w.checkpoint.segment; idx++ {
		canDelete, err := w.canDeleteSegment(idx, checkpointRound)
		if err != nil {
			// If we can't read the segment, skip it
			continue
		}
		if canDelete {
			segmentsToDelete = append(segmentsToDelete, idx)
		} else {
			// Stop at first segment we can't delete
			break
		}
	}

	// Delete segments
	for _, idx := range segmentsToDelete {
		path := w.segmentPath(idx)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete segment %d: %w", idx, err)
		}
	}

	// Update MinIndex
	if len(segmentsToDelete) > 0 {
		w.group.MinIndex = segmentsToDelete[len(segmentsToDelete)-1] + 1
	}

	return nil
}

// canDeleteSegment checks if a segment can be deleted (all rounds <= checkpointRound)
func (w *FileWAL) canDeleteSegment(segmentIndex int, checkpointRound uint64) (bool, error) {
	path := w.segmentPath(segmentIndex)
	file, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer file.Close()

	dec := newDecoder(bufio.NewReader(file))
	maxRound := uint64(0)

	for {
		msg, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Corrupted segment - don't delete
			return false, err
		}
		if msg.Round > maxRound {
			maxRound = msg.Round
		}
	}

	return maxRound <= checkpointRound, nil
}

// Ensure FileWAL implements WAL
var _ WAL = (*FileWAL)(nil)

// encoder encodes messages to the WAL
type encoder struct {
	w   io.Writer
	buf []byte
}

func newEncoder(w io.Writer) *encoder {
	return &encoder{
		w:   w,
		buf: make([]byte, 8),
	}
}

// Encode writes a message to the WAL and returns the number of bytes written.
func (e *encoder) Encode(msg *Message) (int, error) {
	// Serialize message
	data, err := msg.Marshal()
	if err != nil {
		return 0, err
	}

	// Calculate CRC32 checksum
	checksum := crc32.ChecksumIEEE(data)

	// Write length prefix (4 bytes, big endian)
	binary.BigEndian.PutUint32(e.buf[:4], uint32(len(data)))
	if _, err := e.w.Write(e.buf[:4]); err != nil {
		return 0, err
	}

	// Write data
	if _, err := e.w.Write(data); err != nil {
		return 0, err
	}

	// Write CRC32 checksum (4 bytes, big endian)
	binary.BigEndian.PutUint32(e.buf[:4], checksum)
	if _, err := e.w.Write(e.buf[:4]); err != nil {
		return 0, err
	}

	// Total bytes: 4 (length) + data + 4 (crc)
	return 4 + len(data) + 4, nil
}

// decoder decodes messages from the WAL
type decoder struct {
	r   io.Reader
	buf []byte

	// Bytes consumed by successfully decoded records
	offset int64
}

func newDecoder(r io.Reader) *decoder {
	return &decoder{
		r:   r,
		buf: make([]byte, 4),
	}
}

func (d *decoder) Decode() (*Message, error) {
	// Read length prefix
	if _, err := io.ReadFull(d.r, d.buf[:4]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(d.buf[:4])
	if length > maxMsgSize {
		return nil, ErrWALCorrupted
	}

	// Get buffer from pool to reduce GC pressure
	poolBufPtr := decoderPool.Get().(*[]byte)
	poolBuf := *poolBufPtr

	// Ensure buffer is large enough
	if cap(poolBuf) < int(length) {
		// Need a larger buffer - allocate new one
		poolBuf = make([]byte, length)
	} else {
		poolBuf = poolBuf[:length]
	}

	// Read data into pooled buffer
	if _, err := io.ReadFull(d.r, poolBuf); err != nil {
		// Return buffer to pool before returning error
		*poolBufPtr = poolBuf[:0]
		decoderPool.Put(poolBufPtr)
		return nil, err
	}

	// Read and verify CRC32 checksum
	if _, err := io.ReadFull(d.r, d.buf[:4]); err != nil {
		*poolBufPtr = poolBuf[:0]
		decoderPool.Put(poolBufPtr)
		return nil, err
	}
	expectedCRC := binary.BigEndian.Uint32(d.buf[:4])
	actualCRC := crc32.ChecksumIEEE(poolBuf)
	if expectedCRC != actualCRC {
		*poolBufPtr = poolBuf[:0]
		decoderPool.Put(poolBufPtr)
		return nil, fmt.Errorf("%w: CRC mismatch (expected %08x, got %08x)", ErrWALCorrupted, expectedCRC, actualCRC)
	}

	// Make a copy for the message (message takes ownership)
	data := make([]byte, length)
	copy(data, poolBuf)

	// Return buffer to pool
	*poolBufPtr = poolBuf[:0]
	decoderPool.Put(poolBufPtr)

	// Deserialize message
	msg := &Message{}
	if err := msg.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWALCorrupted, err)
	}
	d.offset += 4 + int64(length) + 4

	return msg, nil
}

// fileReader reads messages from a WAL file
type fileReader struct {
	file *os.File
	dec  *decoder
}

func (r *fileReader) Read() (*Message, error) {
	return r.dec.Decode()
}

func (r *fileReader) Close() error {
	return r.file.Close()
}

var _ Reader = (*fileReader)(nil)

// OpenWALForReading opens a WAL for reading from the beginning.
// The WAL may be open for writing; only flushed records are visible.
func OpenWALForReading(dir string) (Reader, error) {
	// Find all segment files
	segments := findSegments(dir)
	if len(segments) == 0 {
		return nil, ErrWALNotFound
	}

	return &multiSegmentReader{
		dir:      dir,
		segments: segments,
		current:  -1, // Will be incremented to 0 on first read
	}, nil
}

// findSegments finds all WAL segment files in a directory and returns their indices
func findSegments(dir string) []int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var segments []int
	for _, entry := range entries {
		var idx int
		if n, _ := fmt.Sscanf(entry.Name(), "wal-%05d", &idx); n == 1 {
			segments = append(segments, idx)
		}
	}

	sort.Ints(segments)

	return segments
}

// multiSegmentReader reads through multiple WAL segments
type multiSegmentReader struct {
	dir      string
	segments []int
	current  int
	reader   *fileReader
}

func (r *multiSegmentReader) Read() (*Message, error) {
	for {
		// If no current reader, open next segment
		if r.reader == nil {
			r.current++
			if r.current >= len(r.segments) {
				return nil, io.EOF
			}

			path := filepath.Join(r.dir, fmt.Sprintf("wal-%05d", r.segments[r.current]))
			file, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			r.reader = &fileReader{
				file: file,
				dec:  newDecoder(bufio.NewReader(file)),
			}
		}

		// Try to read from current segment
		msg, err := r.reader.Read()
		if err == io.EOF {
			// End of this segment, move to next
			r.reader.Close()
			r.reader = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		return msg, nil
	}
}

func (r *multiSegmentReader) Close() error {
	if r.reader != nil {
		return r.reader.Close()
	}
	return nil
}

var _ Reader = (*multiSegmentReader)(nil)

// ReadAll reads every record of the WAL in dir, oldest first.
func ReadAll(dir string) ([]*Message, error) {
	reader, err := OpenWALForReading(dir)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var msgs []*Message
	for {
		msg, err := reader.Read()
		if err == io.EOF {
			return msgs, nil
		}
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
}

// RepairTail truncates a partially written record at the end of the newest
// segment, as left behind by a crash mid-write. It returns the number of
// bytes removed. Checksum failures are not repaired.
func RepairTail(dir string) (int64, error) {
	segments := findSegments(dir)
	if len(segments) == 0 {
		return 0, nil
	}

	path := filepath.Join(dir, fmt.Sprintf("wal-%05d", segments[len(segments)-1]))
	file, err := os.OpenFile(path, os.O_RDWR, walFilePerm)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, err
	}

	dec := newDecoder(bufio.NewReader(file))
	for {
		_, err := dec.Decode()
		if err == io.EOF {
			return 0, nil
		}
		if err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}

	if err := file.Truncate(dec.offset); err != nil {
		return 0, fmt.Errorf("failed to truncate WAL segment: %w", err)
	}
	if err := file.Sync(); err != nil {
		return 0, err
	}
	return info.Size() - dec.offset, nil
}
