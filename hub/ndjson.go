package hub

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// tailBytes bounds how much of each file is read back on startup.
const tailBytes = 512 * 1024

// ndjsonMsg is either a line to append or, when line is nil, a flush
// barrier acknowledged through done.
type ndjsonMsg struct {
	line []byte
	done chan struct{}
}

// NDJSONWriter appends JSON lines to day-rotating files in one directory
// (<dir>/YYYY-MM-DD.ndjson, UTC days). Appends go through a single async
// queue; a failed write is reported and the queue keeps running.
type NDJSONWriter struct {
	dir   string
	queue chan ndjsonMsg
	wg    sync.WaitGroup

	file *os.File
	day  string

	closeOnce sync.Once
}

// NewNDJSONWriter creates the directory and starts the writer loop.
func NewNDJSONWriter(dir string) (*NDJSONWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w := &NDJSONWriter{
		dir:   dir,
		queue: make(chan ndjsonMsg, 4096),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Append marshals v and queues it for writing. Best effort: when the
// queue is full the line is dropped rather than blocking the caller.
func (w *NDJSONWriter) Append(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ndjson: marshal: %v\n", err)
		return
	}
	select {
	case w.queue <- ndjsonMsg{line: data}:
	default:
		fmt.Fprintf(os.Stderr, "ndjson: queue full, dropping line (%s)\n", w.dir)
	}
}

// Flush blocks until every line queued before the call has reached the
// file. Must not be called after Close.
func (w *NDJSONWriter) Flush() {
	done := make(chan struct{})
	w.queue <- ndjsonMsg{done: done}
	<-done
}

// Close drains the queue and closes the current file.
func (w *NDJSONWriter) Close() {
	w.closeOnce.Do(func() {
		close(w.queue)
		w.wg.Wait()
	})
}

func (w *NDJSONWriter) loop() {
	defer w.wg.Done()
	defer func() {
		if w.file != nil {
			w.file.Close()
		}
	}()

	for msg := range w.queue {
		if msg.line == nil {
			if msg.done != nil {
				close(msg.done)
			}
			continue
		}
		if err := w.writeLine(msg.line); err != nil {
			fmt.Fprintf(os.Stderr, "ndjson: append %s: %v\n", w.dir, err)
		}
	}
}

func (w *NDJSONWriter) writeLine(line []byte) error {
	day := time.Now().UTC().Format("2006-01-02")
	if w.file == nil || day != w.day {
		if w.file != nil {
			w.file.Close()
		}
		f, err := os.OpenFile(filepath.Join(w.dir, day+".ndjson"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		w.file = f
		w.day = day
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		// Reopen on the next line; the handle may have gone bad.
		w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

// TailNDJSON reads back the tails of the most recent day files (newest
// day last), decoding each line into a fresh T via decode. Lines that
// fail to decode are skipped. At most maxFiles files and tailBytes per
// file are read.
func TailNDJSON(dir string, maxFiles int, decode func([]byte) bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".ndjson") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) > maxFiles {
		names = names[len(names)-maxFiles:]
	}

	for _, name := range names {
		if err := tailFile(filepath.Join(dir, name), decode); err != nil {
			fmt.Fprintf(os.Stderr, "ndjson: tail %s: %v\n", name, err)
		}
	}
	return nil
}

func tailFile(path string, decode func([]byte) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	offset := int64(0)
	if info.Size() > tailBytes {
		offset = info.Size() - tailBytes
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	first := true
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if first {
			first = false
			// A mid-file seek may land inside a line; drop the fragment.
			if offset > 0 && !bytes.HasPrefix(line, []byte("{")) {
				continue
			}
		}
		if len(line) == 0 {
			continue
		}
		decode(line)
	}
	return sc.Err()
}
