//go:build unix

package lease

import (
	"LineDB/types"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	json "github.com/json-iterator/go"
	"golang.org/x/sys/unix"
)

/*
FileLeaseProvider locks <table>.lock with flock(LOCK_EX|LOCK_NB). The lock
belongs to the open file, so it disappears with the process that held it and
two opens inside one process exclude each other as well.

The lock file body is the JSON LeaseRecord of the holder. Release marks it
released before unlocking; a record found unreleased by the next holder means
the previous one died with the lease.
*/

type FileLeaseProvider struct {
	dir   string
	files map[string]*heldFile
	mu    sync.Mutex
}

type heldFile struct {
	file  *os.File
	token string
}

func NewFileLeaseProvider(dir string) (*FileLeaseProvider, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("NewFileLeaseProvider: %w", err)
	}
	return &FileLeaseProvider{dir: dir, files: make(map[string]*heldFile)}, nil
}

func (p *FileLeaseProvider) lockPath(table string) string {
	return filepath.Join(p.dir, table+".lock")
}

func (p *FileLeaseProvider) TryAcquire(table string, rec LeaseRecord) (*LeaseRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.files[table]; ok {
		prev, _ := readRecord(h.file)
		return nil, &types.LockError{Table: table, Holder: holderOf(prev), Err: types.ErrLeaseConflict}
	}

	f, err := os.OpenFile(p.lockPath(table), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("TryAcquire: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		prev, _ := readRecord(f)
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, &types.LockError{Table: table, Holder: holderOf(prev), Err: types.ErrLeaseConflict}
		}
		return nil, fmt.Errorf("TryAcquire: flock %s: %w", table, err)
	}

	prev, err := readRecord(f)
	if err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("TryAcquire: %w", err)
	}
	if err := writeRecord(f, rec); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("TryAcquire: %w", err)
	}

	p.files[table] = &heldFile{file: f, token: rec.Token}
	if prev != nil && !prev.Released {
		return prev, nil
	}
	return nil, nil
}

func (p *FileLeaseProvider) Release(table, token string) error {
	return p.drop(table, token, true)
}

func (p *FileLeaseProvider) Abandon(table, token string) error {
	return p.drop(table, token, false)
}

func (p *FileLeaseProvider) drop(table, token string, clean bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.files[table]
	if !ok || h.token != token {
		return &types.LockError{Table: table, Err: types.ErrLeaseExpired}
	}
	delete(p.files, table)

	var markErr error
	if clean {
		if rec, err := readRecord(h.file); err == nil && rec != nil {
			rec.Released = true
			markErr = writeRecord(h.file, *rec)
		}
	}
	unlockErr := unix.Flock(int(h.file.Fd()), unix.LOCK_UN)
	closeErr := h.file.Close()
	return errors.Join(markErr, unlockErr, closeErr)
}

func (p *FileLeaseProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for table, h := range p.files {
		errs = append(errs, unix.Flock(int(h.file.Fd()), unix.LOCK_UN), h.file.Close())
		delete(p.files, table)
	}
	return errors.Join(errs...)
}

func readRecord(f *os.File) (*LeaseRecord, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var rec LeaseRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// a holder died mid-write of the record; it still never released
		return &LeaseRecord{}, nil
	}
	return &rec, nil
}

func writeRecord(f *os.File, rec LeaseRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return err
	}
	return f.Sync()
}

func holderOf(rec *LeaseRecord) string {
	if rec == nil {
		return ""
	}
	return rec.Holder
}
