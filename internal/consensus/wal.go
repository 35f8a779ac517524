package consensus

import (
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bftlabs/tmcore/internal/autofile"
	"github.com/bftlabs/tmcore/libs/log"
	"github.com/bftlabs/tmcore/libs/service"
	"github.com/bftlabs/tmcore/libs/wire"
	"github.com/bftlabs/tmcore/types"
	cmttime "github.com/bftlabs/tmcore/types/time"
)

const (
	// maxMsgSizeBytes bounds the encoded size of a single WAL entry.
	maxMsgSizeBytes = 1024 * 1024 // 1MB

	// walDefaultFlushInterval governs how often the WAL flushes buffered
	// writes to disk on its own, independent of WriteSync calls.
	walDefaultFlushInterval = 2 * time.Second

	endHeightMarkerPrefix = "#ENDHEIGHT: "
)

var crc32c = crc32.MakeTable(crc32.Castagnoli)

func init() {
	gob.Register(EndHeightMessage{})
	gob.Register(msgInfo{})
	gob.Register(timeoutInfo{})
	gob.Register(types.EventDataRoundState{})
	gob.Register(&NewRoundStepMessage{})
	gob.Register(&NewValidBlockMessage{})
	gob.Register(&ProposalMessage{})
	gob.Register(&ProposalPOLMessage{})
	gob.Register(&BlockPartMessage{})
	gob.Register(&VoteMessage{})
	gob.Register(&HasVoteMessage{})
	gob.Register(&VoteSetMaj23Message{})
	gob.Register(&VoteSetBitsMessage{})
	gob.Register(&HasProposalBlockPartMessage{})
}

// WALMessage is anything that can be written to and read back from the
// consensus write-ahead log: a peer/internal msgInfo, a timeoutInfo, a
// round-state snapshot for crash recovery bookkeeping, or an
// EndHeightMessage.
type WALMessage any

// TimedWALMessage wraps a WALMessage with the time it was written.
type TimedWALMessage struct {
	Time time.Time  `json:"time"`
	Msg  WALMessage `json:"msg"`
}

// EndHeightMessage marks that ApplyBlock has completed for Height and the
// block has been saved, so replay can pick up at Height+1 without
// re-applying it.
type EndHeightMessage struct {
	Height int64
}

// WAL is the interface consensus State writes state transitions and
// incoming messages to for deterministic crash recovery.
type WAL interface {
	Write(WALMessage) error
	WriteSync(WALMessage) error
	FlushAndSync() error

	SearchForEndHeight(height int64, options *WALSearchOptions) (rd io.ReadCloser, found bool, err error)

	// service methods
	Start() error
	Stop() error
	Wait()
}

// WALSearchOptions are optional arguments to SearchForEndHeight.
type WALSearchOptions struct {
	// IgnoreDataCorruptionErrors set to true will result in skipping data
	// corruption errors instead of returning them.
	IgnoreDataCorruptionErrors bool
}

// baseWAL is the standard WAL implementation: a CRC-framed, length-prefixed
// record stream written to an autofile.Group, so old segments can be
// dropped without truncating a single unbounded file.
type baseWAL struct {
	service.BaseService

	group *autofile.Group
	enc   *WALEncoder

	flushTicker   *time.Ticker
	flushInterval time.Duration
}

var _ WAL = (*baseWAL)(nil)

// NewWAL returns a new write-ahead log backed by an autofile.Group rooted
// at walFile.
func NewWAL(walFile string, groupOptions ...autofile.GroupOption) (*baseWAL, error) {
	if err := os.MkdirAll(filepath.Dir(walFile), 0o700); err != nil {
		return nil, fmt.Errorf("failed to ensure WAL directory is in place: %w", err)
	}

	group, err := autofile.OpenGroup(walFile, groupOptions...)
	if err != nil {
		return nil, err
	}

	wal := &baseWAL{
		group:         group,
		enc:           NewWALEncoder(group),
		flushInterval: walDefaultFlushInterval,
	}
	wal.BaseService = *service.NewBaseService(nil, "baseWAL", wal)
	return wal, nil
}

// SetFlushInterval allows overriding the periodic flush interval, mainly
// for tests that want to observe the flush without waiting the default
// duration.
func (wal *baseWAL) SetFlushInterval(i time.Duration) {
	wal.flushInterval = i
}

// SetLogger propagates the logger to the underlying autofile.Group too, so
// rotation/search errors are attributed to the same component.
func (wal *baseWAL) SetLogger(l log.Logger) {
	wal.BaseService.Logger = l
	wal.group.SetLogger(l)
}

// Group gives tests direct access to the underlying autofile.Group so they
// can generate WAL content without going through Write.
func (wal *baseWAL) Group() *autofile.Group {
	return wal.group
}

// OnStart implements service.Service.
func (wal *baseWAL) OnStart() error {
	size, err := wal.group.HeadSize()
	if err != nil {
		return err
	} else if size == 0 {
		if err := wal.WriteSync(EndHeightMessage{0}); err != nil {
			return err
		}
	}
	err = wal.group.Start()
	if err != nil {
		return err
	}
	wal.flushTicker = time.NewTicker(wal.flushInterval)
	go wal.processFlushTicks()
	return nil
}

func (wal *baseWAL) processFlushTicks() {
	for {
		select {
		case <-wal.flushTicker.C:
			if err := wal.FlushAndSync(); err != nil {
				wal.Logger.Error("Periodic WAL flush failed", "err", err)
			}
		case <-wal.Quit():
			return
		}
	}
}

// FlushAndSync flushes and fsyncs the underlying autofile.Group.
func (wal *baseWAL) FlushAndSync() error {
	return wal.group.FlushAndSync()
}

// OnStop implements service.Service.
func (wal *baseWAL) OnStop() {
	if wal.flushTicker != nil {
		wal.flushTicker.Stop()
	}
	if err := wal.group.Stop(); err != nil {
		wal.Logger.Error("Error stopping WAL group", "err", err)
	}
}

// Wait blocks until both the WAL and the underlying group have signaled
// they are stopped.
func (wal *baseWAL) Wait() {
	wal.BaseService.Wait()
	wal.group.Wait()
}

// Write is called in newStep and for each incoming message.
func (wal *baseWAL) Write(msg WALMessage) error {
	if err := wal.enc.Encode(&TimedWALMessage{Time: cmttime.Now(), Msg: msg}); err != nil {
		wal.Logger.Error("Error writing msg to consensus WAL. WARNING: recover may not be possible for corrupt WAL", "err", err, "msg", msg)
		return err
	}
	return nil
}

// WriteSync is called when we receive a msg from ourselves so that we can
// recompute our state as if we crashed but re-processed the same message.
func (wal *baseWAL) WriteSync(msg WALMessage) error {
	if err := wal.Write(msg); err != nil {
		return err
	}
	if err := wal.FlushAndSync(); err != nil {
		wal.Logger.Error("WriteSync failed to flush consensus WAL. WARNING: may result in data loss", "err", err)
		return err
	}
	return nil
}

// SearchForEndHeight searches the WAL for the EndHeightMessage marker with
// the given height and returns a reader positioned right after it, i.e. at
// the start of the entries logged for height+1.
func (wal *baseWAL) SearchForEndHeight(height int64, options *WALSearchOptions) (rd io.ReadCloser, found bool, err error) {
	// The "#ENDHEIGHT: " text marker written alongside every
	// EndHeightMessage record lets Group.Search locate the right offset
	// without decoding every earlier record in the WAL.
	gr, match, err := wal.group.Search(endHeightMarkerPrefix, makeHeightSearchFunc(height))
	if errors.Is(err, io.EOF) {
		wal.Logger.Error("WAL does not contain height", "height", height)
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	if !match {
		if gr != nil {
			gr.Close()
		}
		return nil, false, nil
	}
	return gr, true, nil
}

func makeHeightSearchFunc(height int64) func(string) (int, error) {
	return func(marker string) (int, error) {
		parsed, err := parseWALHeight(marker)
		if err != nil {
			return -1, err
		}
		switch {
		case parsed < height:
			return -1, nil
		case parsed == height:
			return 0, nil
		default:
			return 1, nil
		}
	}
}

func parseWALHeight(s string) (int64, error) {
	var h int64
	if _, err := fmt.Sscanf(s, "%d", &h); err != nil {
		return 0, fmt.Errorf("failed to parse height from WAL marker %q: %w", s, err)
	}
	return h, nil
}

//-----------------------------------------------------------------------------

// nilWAL is used before a real WAL has been attached (e.g. while replaying
// with the WAL disabled), so callers don't need a nil check on every write.
type nilWAL struct{}

var _ WAL = nilWAL{}

func (nilWAL) Write(WALMessage) error     { return nil }
func (nilWAL) WriteSync(WALMessage) error { return nil }
func (nilWAL) FlushAndSync() error        { return nil }

func (nilWAL) SearchForEndHeight(int64, *WALSearchOptions) (io.ReadCloser, bool, error) {
	return nil, false, nil
}

func (nilWAL) Start() error { return nil }
func (nilWAL) Stop() error  { return nil }
func (nilWAL) Wait()        {}

//-----------------------------------------------------------------------------

// WALEncoder writes CRC-framed, length-prefixed TimedWALMessage records,
// followed by a human-searchable "#ENDHEIGHT: N" marker line whenever the
// message is an EndHeightMessage.
type WALEncoder struct {
	wr io.Writer
}

// NewWALEncoder returns a new encoder that writes to wr.
func NewWALEncoder(wr io.Writer) *WALEncoder {
	return &WALEncoder{wr}
}

// Encode writes the given TimedWALMessage to the underlying writer.
func (enc *WALEncoder) Encode(v *TimedWALMessage) error {
	data, err := wire.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding WAL message: %w", err)
	}

	crc := crc32.Checksum(data, crc32c)
	length := uint32(len(data))
	if length > maxMsgSizeBytes {
		return fmt.Errorf("msg is too big: %d bytes, max: %d bytes", length, maxMsgSizeBytes)
	}

	totalLength := 4 + 4 + len(data)
	msg := make([]byte, totalLength)
	binary.BigEndian.PutUint32(msg[0:4], crc)
	binary.BigEndian.PutUint32(msg[4:8], length)
	copy(msg[8:], data)

	if _, err := enc.wr.Write(msg); err != nil {
		return err
	}

	if endMsg, ok := v.Msg.(EndHeightMessage); ok {
		if _, err := io.WriteString(enc.wr, fmt.Sprintf("%s%d\n", endHeightMarkerPrefix, endMsg.Height)); err != nil {
			return err
		}
	}
	return nil
}

//-----------------------------------------------------------------------------

// DataCorruptionError is returned by WALDecoder.Decode when a record's
// checksum does not match its payload.
type DataCorruptionError struct {
	cause error
}

func (e DataCorruptionError) Error() string {
	return fmt.Sprintf("data has been corrupted (%v)", e.cause)
}

func (e DataCorruptionError) Cause() error {
	return e.cause
}

func (e DataCorruptionError) Unwrap() error {
	return e.cause
}

// WALDecoder reads CRC-framed TimedWALMessage records written by
// WALEncoder, transparently skipping the "#ENDHEIGHT: N" marker lines that
// follow EndHeightMessage records.
type WALDecoder struct {
	rd io.Reader
}

// NewWALDecoder returns a new decoder that reads from rd.
func NewWALDecoder(rd io.Reader) *WALDecoder {
	return &WALDecoder{rd}
}

// Decode reads the next TimedWALMessage from the stream.
func (dec *WALDecoder) Decode() (*TimedWALMessage, error) {
	b := make([]byte, 4)
	_, err := io.ReadFull(dec.rd, b)
	if errors.Is(err, io.EOF) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checksum: %w", err)
	}
	crc := binary.BigEndian.Uint32(b)

	b = make([]byte, 4)
	_, err = io.ReadFull(dec.rd, b)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read length: %w", err)
	}
	length := binary.BigEndian.Uint32(b)
	if length > maxMsgSizeBytes {
		return nil, DataCorruptionError{fmt.Errorf("length %d exceeded maximum possible value of %d bytes", length, maxMsgSizeBytes)}
	}

	data := make([]byte, length)
	_, err = io.ReadFull(dec.rd, data)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read data: %w", err)
	}

	actualCRC := crc32.Checksum(data, crc32c)
	if actualCRC != crc {
		return nil, DataCorruptionError{fmt.Errorf("checksum does not match: read %v, actual %v", crc, actualCRC)}
	}

	var msg TimedWALMessage
	if err := wire.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode data: %w", err)
	}
	msg.Time = msg.Time.UTC()

	if _, ok := msg.Msg.(EndHeightMessage); ok {
		if err := dec.skipLine(); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to skip #ENDHEIGHT marker: %w", err)
		}
	}

	return &msg, nil
}

func (dec *WALDecoder) skipLine() error {
	buf := make([]byte, 1)
	for {
		if _, err := io.ReadFull(dec.rd, buf); err != nil {
			return err
		}
		if buf[0] == '\n' {
			return nil
		}
	}
}
