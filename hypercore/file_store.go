package hypercore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/ionvm/substrate/codes"
)

// fileStore implements Store using a single POSIX append-only file,
// adapted from _examples/karasz-securelog/file_store.go's flock-guarded
// binary layout. Entry format in entries.dat:
//
//	[8]byte  seq
//	[32]byte hash
//	[32]byte prev_hash
//	[8]byte  timestamp (ms)
//	[4]byte  data length
//	[n]byte  data (canonical JSON)
type fileStore struct {
	path string
	f    *os.File
	mu   sync.RWMutex
}

const fsHeaderSize = 8 + 32 + 32 + 8 + 4

// OpenFileStore opens or creates a POSIX file-based store for one log
// under dir/<name>/entries.dat.
func OpenFileStore(dir, name string) (Store, error) {
	logDir := filepath.Join(dir, name)
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, codes.Wrap(codes.IOError, err, "create log directory")
	}
	path := filepath.Join(logDir, "entries.dat")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, codes.Wrap(codes.IOError, err, "open entries file")
	}
	return &fileStore{path: path, f: f}, nil
}

func (s *fileStore) Append(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.lengthLocked()
	if err != nil {
		return err
	}
	if n != e.Seq {
		return codes.New(codes.InvalidConfig, fmt.Sprintf("non-contiguous append: have %d, got %d", n, e.Seq))
	}

	if err := syscall.Flock(int(s.f.Fd()), syscall.LOCK_EX); err != nil {
		return codes.Wrap(codes.IOError, err, "lock entries file")
	}
	defer syscall.Flock(int(s.f.Fd()), syscall.LOCK_UN)

	buf := make([]byte, fsHeaderSize+len(e.Data))
	off := 0
	binary.BigEndian.PutUint64(buf[off:], e.Seq)
	off += 8
	copy(buf[off:], e.Hash[:])
	off += 32
	copy(buf[off:], e.PrevHash[:])
	off += 32
	binary.BigEndian.PutUint64(buf[off:], uint64(e.Timestamp))
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(len(e.Data)))
	off += 4
	copy(buf[off:], e.Data)

	if _, err := s.f.Write(buf); err != nil {
		return codes.Wrap(codes.IOError, err, "write entry")
	}
	if err := s.f.Sync(); err != nil {
		return codes.Wrap(codes.IOError, err, "sync entries file")
	}
	return nil
}

func (s *fileStore) lengthLocked() (uint64, error) {
	info, err := s.f.Stat()
	if err != nil {
		return 0, codes.Wrap(codes.IOError, err, "stat entries file")
	}
	if info.Size() == 0 {
		return 0, nil
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return 0, codes.Wrap(codes.IOError, err, "seek entries file")
	}
	r := bufio.NewReader(s.f)
	var count uint64
	for {
		if _, err := skipEntry(r); err != nil {
			if err == io.EOF {
				break
			}
			return 0, codes.Wrap(codes.IOError, err, "scan entries file")
		}
		count++
	}
	return count, nil
}

// skipEntry reads past one entry's header+body and returns its data
// length, used both for counting and for position-independent scans.
func skipEntry(r *bufio.Reader) (uint32, error) {
	head := make([]byte, fsHeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return 0, err
	}
	dataLen := binary.BigEndian.Uint32(head[8+32+32+8:])
	if _, err := io.CopyN(io.Discard, r, int64(dataLen)); err != nil {
		return 0, err
	}
	return dataLen, nil
}

func (s *fileStore) Length() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lengthLocked()
}

func (s *fileStore) Get(seq uint64) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return Entry{}, false, codes.Wrap(codes.IOError, err, "seek entries file")
	}
	r := bufio.NewReader(s.f)
	var idx uint64
	for {
		head := make([]byte, fsHeaderSize)
		if _, err := io.ReadFull(r, head); err != nil {
			if err == io.EOF {
				return Entry{}, false, nil
			}
			return Entry{}, false, codes.Wrap(codes.IOError, err, "read entry header")
		}
		dataLen := binary.BigEndian.Uint32(head[8+32+32+8:])
		if idx == seq {
			data := make([]byte, dataLen)
			if _, err := io.ReadFull(r, data); err != nil {
				return Entry{}, false, codes.Wrap(codes.IOError, err, "read entry data")
			}
			e := Entry{
				Seq:        binary.BigEndian.Uint64(head[0:8]),
				Timestamp:  int64(binary.BigEndian.Uint64(head[72:80])),
				ByteLength: dataLen,
				Data:       data,
			}
			copy(e.Hash[:], head[8:40])
			copy(e.PrevHash[:], head[40:72])
			return e, true, nil
		}
		if _, err := io.CopyN(io.Discard, r, int64(dataLen)); err != nil {
			return Entry{}, false, codes.Wrap(codes.IOError, err, "skip entry data")
		}
		idx++
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
