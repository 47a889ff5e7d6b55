package fileio

import (
	"fmt"
	"os"
	"path/filepath"
)

/*
Atomic write pattern used for every small metadata file
(checkpoint.json, indices/metadata.json, rewritten table files):

	write temp file → fsync temp → rename over target → fsync directory

On Unix, rename is atomic, so readers see either the old or the new file,
never a torn one.
*/

const FilePerm = 0644

// WriteFileAtomic replaces path with data.
func WriteFileAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, FilePerm)
	if err != nil {
		return fmt.Errorf("WriteFileAtomic: failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("WriteFileAtomic: failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("WriteFileAtomic: failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("WriteFileAtomic: %w", err)
	}

	return CommitRename(tempPath, path)
}

// CommitRename renames a fully synced temp file over path and makes the
// rename durable.
func CommitRename(tempPath, path string) error {
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("CommitRename: failed to rename %s: %w", filepath.Base(tempPath), err)
	}
	if err := SyncDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("CommitRename: %w", err)
	}
	return nil
}

// SyncDir fsyncs a directory so renames and creations inside it survive a crash.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
