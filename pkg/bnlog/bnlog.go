// Package bnlog configures zerolog the way the rest of the stack does:
// independent stdout/file sinks with their own minimum levels, and a
// SIGHUP-triggered log file reopen that gzip-compresses the outgoing file
// before rotating to a fresh one.
package bnlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// Config describes how to set up the logger for one binary (shared shape
// between MasterConfig and SensorConfig's logging fields).
type Config struct {
	Level          zerolog.Level
	Stdout         bool
	StdoutPretty   bool
	StdoutLevel    zerolog.Level
	File           string
	FileLevel      zerolog.Level
	FileChmod      os.FileMode
	FileChownUID   int
	FileChownGID   int
	FileChownSet   bool
	FileGzipOnOpen bool
}

// Configure builds a zerolog.Logger and a reopen function to be called on
// SIGHUP (and once at startup) to open or reopen the log file.
func Configure(c Config) (logger zerolog.Logger, reopen func(), err error) {
	reopen = func() {} // no log file: nothing to reopen
	var outputs []io.Writer
	if c.Stdout {
		if c.StdoutPretty {
			outputs = append(outputs, newLevelWriter(zerolog.ConsoleWriter{Out: os.Stdout}, c.StdoutLevel))
		} else {
			outputs = append(outputs, newLevelWriter(os.Stdout, c.StdoutLevel))
		}
	}

	if c.File != "" {
		fn, aerr := filepath.Abs(c.File)
		if aerr != nil {
			err = fmt.Errorf("resolve log file: %w", aerr)
			return
		}
		x := newLevelWriter(nil, c.FileLevel)
		reopen = func() {
			x.SwapWriter(func(old io.Writer) io.Writer {
				if o, ok := old.(io.Closer); ok {
					if c.FileGzipOnOpen {
						gzipAndClose(o, fn)
					} else {
						o.Close()
					}
				}
				f, oerr := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
				if oerr != nil {
					fmt.Fprintf(os.Stderr, "error: failed to open log file: %v\n", oerr)
					return nil
				}
				if c.FileChownSet {
					if cerr := f.Chown(c.FileChownUID, c.FileChownGID); cerr != nil {
						fmt.Fprintf(os.Stderr, "error: chown log file: %v\n", cerr)
					}
				}
				if c.FileChmod != 0 {
					if cerr := f.Chmod(c.FileChmod); cerr != nil {
						fmt.Fprintf(os.Stderr, "error: chmod log file: %v\n", cerr)
					}
				}
				return f
			})
		}
		outputs = append(outputs, x)
		reopen()
	}

	logger = zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(c.Level).
		With().
		Timestamp().
		Logger()
	return
}

// gzipAndClose compresses the file underlying o (expected to be an
// *os.File opened at path fn) to fn+".<unix-timestamp>.gz" before closing
// it, then truncates fn once the archive is complete, so a SIGHUP-triggered
// reopen starts a fresh file without discarding the previous log.
func gzipAndClose(o io.Closer, fn string) {
	defer o.Close()

	src, err := os.Open(fn)
	if err != nil {
		return
	}
	defer src.Close()

	dstPath := fmt.Sprintf("%s.%d.gz", fn, time.Now().Unix())
	dst, err := os.Create(dstPath)
	if err != nil {
		return
	}
	defer dst.Close()

	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		return
	}
	if err := gw.Close(); err != nil {
		return
	}
	os.Truncate(fn, 0)
}

// levelWriter is a mutex-guarded, level-filtered io.Writer whose underlying
// writer can be hot-swapped (used for log file reopen on SIGHUP).
type levelWriter struct {
	w io.Writer
	l zerolog.Level
	m sync.Mutex
}

var _ zerolog.LevelWriter = (*levelWriter)(nil)

func newLevelWriter(w io.Writer, l zerolog.Level) *levelWriter {
	return &levelWriter{w: w, l: l}
}

func (wl *levelWriter) Write(p []byte) (n int, err error) {
	wl.m.Lock()
	defer wl.m.Unlock()
	if wl.w != nil {
		return wl.w.Write(p)
	}
	return len(p), nil
}

func (wl *levelWriter) WriteLevel(l zerolog.Level, p []byte) (n int, err error) {
	if l >= wl.l {
		wl.m.Lock()
		defer wl.m.Unlock()
		if wl.w != nil {
			if lw, ok := wl.w.(zerolog.LevelWriter); ok {
				return lw.WriteLevel(l, p)
			}
			return wl.w.Write(p)
		}
	}
	return len(p), nil
}

func (wl *levelWriter) SwapWriter(fn func(io.Writer) io.Writer) {
	wl.m.Lock()
	defer wl.m.Unlock()
	wl.w = fn(wl.w)
}
