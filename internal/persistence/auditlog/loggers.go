package auditlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"realmgrid.dev/internal/multiverse"
	"realmgrid.dev/internal/realm"
)

// Writer appends JSON lines to hourly-rotated zstd files under baseDir.
type Writer struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewWriter(baseDir, prefix string) *Writer {
	return &Writer{baseDir: baseDir, prefix: prefix}
}

func (w *Writer) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Writer) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *Writer) closeLocked() error {
	var err error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err
}

func (w *Writer) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// ControlTickLogger writes one compressed JSONL entry per control-tick.
type ControlTickLogger struct{ w *Writer }

func NewControlTickLogger(dataDir string) *ControlTickLogger {
	return &ControlTickLogger{w: NewWriter(filepath.Join(dataDir, "control_ticks"), "control_ticks")}
}

func (l *ControlTickLogger) WriteControlTick(tr multiverse.ControlTickTrace) error {
	return l.w.Write(tr)
}
func (l *ControlTickLogger) Close() error { return l.w.Close() }

// cascadeRow wraps a cascade trace with the realm it belongs to; all realms
// share one log stream.
type cascadeRow struct {
	RealmID string             `json:"realm_id"`
	Trace   realm.CascadeTrace `json:"trace"`
}

// CascadeLogger writes cascade traces from every realm (compressed JSONL).
type CascadeLogger struct{ w *Writer }

func NewCascadeLogger(dataDir string) *CascadeLogger {
	return &CascadeLogger{w: NewWriter(filepath.Join(dataDir, "cascades"), "cascades")}
}

func (l *CascadeLogger) WriteCascade(realmID string, tr realm.CascadeTrace) error {
	return l.w.Write(cascadeRow{RealmID: realmID, Trace: tr})
}
func (l *CascadeLogger) Close() error { return l.w.Close() }
