package wal_manager

import (
	"fmt"
	"os"
)

/*
WALSegment is the file under a table's WAL. It knows nothing about entries:

  Append   writes raw bytes at the end and tracks the size. No fsync, the
           bytes may still sit in the OS buffer.
  Sync     fsyncs the file; after it returns the bytes survive a crash.
  Truncate cuts the file back to drop a torn tail, an append whose fsync
           failed, or the entries a checkpoint folded into a delta.
*/

func InitializeWALSegment(filePath string) *WALSegment {
	return &WALSegment{FilePath: filePath}
}

// Open opens or creates the log file for appending.
func (ws *WALSegment) Open() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.File != nil {
		return nil
	}

	file, err := os.OpenFile(ws.FilePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}

	ws.File = file
	ws.Size = stat.Size()
	return nil
}

// Append writes data at the end of the file. A short write is cut back off.
func (ws *WALSegment) Append(data []byte) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.File == nil {
		return fmt.Errorf("WALSegment: %s not open", ws.FilePath)
	}

	n, err := ws.File.Write(data)
	if err != nil {
		if n > 0 {
			_ = ws.File.Truncate(ws.Size)
		}
		return err
	}

	ws.Size += int64(n)
	return nil
}

func (ws *WALSegment) Sync() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.File == nil {
		return fmt.Errorf("WALSegment: %s not open", ws.FilePath)
	}

	return ws.File.Sync()
}

// Truncate cuts the file to size bytes.
func (ws *WALSegment) Truncate(size int64) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.File == nil {
		return fmt.Errorf("WALSegment: %s not open", ws.FilePath)
	}
	if err := ws.File.Truncate(size); err != nil {
		return err
	}
	ws.Size = size
	return nil
}

func (ws *WALSegment) CurrentSize() int64 {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.Size
}

// Close fsyncs and closes the file.
func (ws *WALSegment) Close() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.File != nil {
		syncErr := ws.File.Sync()
		err := ws.File.Close()
		ws.File = nil
		if syncErr != nil {
			return syncErr
		}
		return err
	}
	return nil
}
