// signal/tailer.go
package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"auto_dhan_go/logs"
)

// Tailer follows a JSONL signal file and hands each newly appended
// line to the callback. Lines present before startup are skipped so a
// restart never replays old signals; a truncated file restarts the
// tail from the beginning.
type Tailer struct {
	path     string
	interval time.Duration
	offset   int64
	onSignal func(*Signal)
}

// NewTailer creates a tailer for the given signal file.
func NewTailer(path string, interval time.Duration, onSignal func(*Signal)) *Tailer {
	return &Tailer{path: path, interval: interval, onSignal: onSignal}
}

// Run polls the file until the context ends. A missing file is not an
// error; the parser process may not have produced it yet.
func (t *Tailer) Run(ctx context.Context) {
	// Skip whatever is already there.
	if info, err := os.Stat(t.path); err == nil {
		t.offset = info.Size()
		if t.offset > 0 {
			logs.Infof("[Signals] Skipping %d bytes of pre-existing signals in %s.", t.offset, t.path)
		}
	}

	logs.Infof("[Signals] Tailing %s every %s.", t.path, t.interval)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		t.poll()
	}
}

func (t *Tailer) poll() {
	info, err := os.Stat(t.path)
	if err != nil {
		return
	}
	if info.Size() < t.offset {
		logs.Warnf("[Signals] %s truncated, re-reading from start.", t.path)
		t.offset = 0
	}
	if info.Size() == t.offset {
		return
	}

	f, err := os.Open(t.path)
	if err != nil {
		logs.Warnf("[Signals] Cannot open %s: %v", t.path, err)
		return
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		logs.Warnf("[Signals] Seek failed on %s: %v", t.path, err)
		return
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// A partial trailing line stays unconsumed until the writer
			// finishes it.
			break
		}
		t.offset += int64(len(line))

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var sig Signal
		if err := json.Unmarshal([]byte(line), &sig); err != nil {
			logs.Errorf("[Signals] Unparseable signal line, skipping: %v", err)
			continue
		}
		t.onSignal(&sig)
	}
}
