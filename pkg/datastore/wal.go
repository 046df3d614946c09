package datastore

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"corekv/pkg/dberrors"
)

// WALDirName is the Data Store subdirectory holding the write-ahead
// journal, exported so the Checkpoint Manager can exclude it from its
// hard-link walk: the journal is a live, continuously appended and
// rotated file, not the kind of immutable artifact hard-linking is
// safe for.
const WALDirName = "wal"

const walFileName = "wal.log"

const walTmpSuffix = ".tmp"

type walOpKind byte

const (
	walOpPut walOpKind = iota
	walOpDelete
)

type walOp struct {
	kind         walOpKind
	compositeKey []byte
	value        []byte
	expireAt     int64
}

// walWriter is the write-ahead durability journal for the data store's
// write_batch: every batch is appended and (optionally) fsynced here
// before any of its ops are applied to the memtable, so a crash between
// journal write and memtable apply never loses an acknowledged batch.
type walWriter struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
	sync     bool
}

func openWAL(dir string, sync bool) (*walWriter, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create data store wal dir: %w", err)
	}
	filePath := filepath.Join(dir, walFileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open data store wal: %w", err)
	}
	return &walWriter{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
		sync:     sync,
	}, nil
}

// appendBatch durably records ops as a single record before returning.
func (w *walWriter) appendBatch(ops []walOp) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := binary.Write(w.writer, binary.LittleEndian, uint32(len(ops))); err != nil {
		return fmt.Errorf("%w: write wal batch header: %v", dberrors.ErrStorageFatal, err)
	}
	for _, op := range ops {
		if err := writeWALOp(w.writer, op); err != nil {
			return fmt.Errorf("%w: write wal op: %v", dberrors.ErrStorageFatal, err)
		}
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("%w: flush wal: %v", dberrors.ErrStorageFatal, err)
	}
	if w.sync {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("%w: sync wal: %v", dberrors.ErrStorageFatal, err)
		}
	}
	return nil
}

func writeWALOp(w io.Writer, op walOp) error {
	header := make([]byte, 1+8+4+4)
	header[0] = byte(op.kind)
	binary.LittleEndian.PutUint64(header[1:9], uint64(op.expireAt))
	binary.LittleEndian.PutUint32(header[9:13], uint32(len(op.compositeKey)))
	binary.LittleEndian.PutUint32(header[13:17], uint32(len(op.value)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(op.compositeKey); err != nil {
		return err
	}
	if len(op.value) > 0 {
		if _, err := w.Write(op.value); err != nil {
			return err
		}
	}
	return nil
}

func readWALOp(r io.Reader) (walOp, error) {
	header := make([]byte, 17)
	if _, err := io.ReadFull(r, header); err != nil {
		return walOp{}, err
	}
	kind := walOpKind(header[0])
	expireAt := int64(binary.LittleEndian.Uint64(header[1:9]))
	keyLen := binary.LittleEndian.Uint32(header[9:13])
	valLen := binary.LittleEndian.Uint32(header[13:17])

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return walOp{}, io.ErrUnexpectedEOF
	}
	var value []byte
	if valLen > 0 {
		value = make([]byte, valLen)
		if _, err := io.ReadFull(r, value); err != nil {
			return walOp{}, io.ErrUnexpectedEOF
		}
	}
	return walOp{kind: kind, compositeKey: key, value: value, expireAt: expireAt}, nil
}

// replay invokes apply for every op recorded in every complete batch,
// in original order, stopping cleanly at the first torn (partially
// written) batch.
func (w *walWriter) replay(apply func(op walOp)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(w.file)

	for {
		var count uint32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		ops := make([]walOp, 0, count)
		torn := false
		for i := uint32(0); i < count; i++ {
			op, err := readWALOp(r)
			if err != nil {
				torn = true
				break
			}
			ops = append(ops, op)
		}
		if torn {
			break
		}
		for _, op := range ops {
			apply(op)
		}
	}

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	w.writer = bufio.NewWriter(w.file)
	return nil
}

// reset rotates the journal once its contents are durable in a flushed
// segment. It installs a brand new file under filePath via the same
// write-tmp-then-rename sequence manifest.save uses, rather than
// truncating the file in place: a checkpoint taken before this call may
// hold a hard link to the previous inode, and truncating that inode out
// from under it would corrupt the "frozen" copy. Renaming a fresh empty
// file over filePath leaves any such hard link pointing at an
// independent, untouched inode.
func (w *walWriter) reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	tmpPath := w.filePath + walTmpSuffix
	next, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("%w: create rotated wal: %v", dberrors.ErrStorageFatal, err)
	}
	if err := os.Rename(tmpPath, w.filePath); err != nil {
		next.Close()
		return fmt.Errorf("%w: install rotated wal: %v", dberrors.ErrStorageFatal, err)
	}

	if err := w.writer.Flush(); err != nil {
		next.Close()
		return fmt.Errorf("%w: flush previous wal: %v", dberrors.ErrStorageFatal, err)
	}
	if err := w.file.Close(); err != nil {
		next.Close()
		return fmt.Errorf("%w: close previous wal: %v", dberrors.ErrStorageFatal, err)
	}

	w.file = next
	w.writer = bufio.NewWriter(next)
	return nil
}

// snapshotTo copies the journal's current bytes to destPath as an
// independent file, for a caller (checkpoint creation) that needs a
// point-in-time copy rather than a link into a file this writer may
// still append to or rotate out from under it.
func (w *walWriter) snapshotTo(destPath string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("%w: flush wal before snapshot: %v", dberrors.ErrStorageFatal, err)
	}
	src, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("%w: open wal for snapshot: %v", dberrors.ErrStorageFatal, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
		return fmt.Errorf("%w: create wal snapshot dir: %v", dberrors.ErrStorageFatal, err)
	}
	tmpPath := destPath + walTmpSuffix
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: create wal snapshot: %v", dberrors.ErrStorageFatal, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: copy wal snapshot: %v", dberrors.ErrStorageFatal, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: close wal snapshot: %v", dberrors.ErrStorageFatal, err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("%w: install wal snapshot: %v", dberrors.ErrStorageFatal, err)
	}
	return nil
}

func (w *walWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}
