package gateway

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/mesabot/internal/bus"
)

const (
	msglogFlushEvery    = 10
	msglogFlushInterval = 5 * time.Second
	msglogDirName       = "messages"
)

var (
	msglogSeparator = strings.Repeat("=", 80)
	msglogBOM       = []byte{0xEF, 0xBB, 0xBF}
)

// LogEntry is one human-readable record in the dated message log.
type LogEntry struct {
	At        time.Time
	Direction string // INBOUND or OUTBOUND
	Peer      string
	MessageID string
	Kind      string
	Priority  string
	Content   string
	MediaMime string
	Caption   string
	Status    string // sent, failed, queued
	Error     string
}

// MessageLog appends traffic records to one file per UTC date. Writes are
// buffered; the buffer reaches disk every ten entries or five seconds,
// whichever comes first, and always on Close.
type MessageLog struct {
	dir string
	now func() time.Time

	mu      sync.Mutex
	file    *os.File
	w       *bufio.Writer
	date    string
	pending int

	done chan struct{}
	wg   sync.WaitGroup
}

func NewMessageLog(logDir string) (*MessageLog, error) {
	dir := filepath.Join(logDir, msglogDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create message log dir: %w", err)
	}
	l := &MessageLog{
		dir:  dir,
		now:  time.Now,
		done: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.flushLoop()
	return l, nil
}

// Inbound records a received message.
func (l *MessageLog) Inbound(msg bus.InboundMessage) {
	entry := LogEntry{
		At:        msg.Timestamp,
		Direction: "INBOUND",
		Peer:      msg.Sender,
		MessageID: msg.ID,
		Kind:      string(msg.Kind),
		Priority:  string(msg.Priority),
		Content:   msg.Body(),
	}
	if msg.Media != nil {
		entry.MediaMime = msg.Media.Mime
		entry.Caption = msg.Caption
	}
	l.Append(entry)
}

// Outbound records one delivery attempt outcome.
func (l *MessageLog) Outbound(cmd bus.OutboundCommand, status, errMsg string) {
	entry := LogEntry{
		At:        l.now().UTC(),
		Direction: "OUTBOUND",
		Peer:      cmd.To,
		MessageID: cmd.ID,
		Kind:      "text",
		Priority:  string(cmd.Priority),
		Content:   cmd.Text,
		Status:    status,
		Error:     errMsg,
	}
	if cmd.Media != nil {
		entry.Kind = string(cmd.Media.Kind)
		entry.MediaMime = cmd.Media.Mime
		entry.Caption = cmd.Text
		entry.Content = ""
	}
	l.Append(entry)
}

// Append formats and buffers one record. Logging never fails the caller;
// write errors are reported once via slog and the entry dropped.
func (l *MessageLog) Append(entry LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rotateLocked(); err != nil {
		slog.Error("message log rotate failed", "error", err)
		return
	}
	if _, err := l.w.WriteString(formatEntry(entry)); err != nil {
		slog.Error("message log write failed", "error", err)
		return
	}
	l.pending++
	if l.pending >= msglogFlushEvery {
		l.flushLocked()
	}
}

// Flush forces buffered entries to disk.
func (l *MessageLog) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushLocked()
}

// Close flushes and releases the current file.
func (l *MessageLog) Close() error {
	close(l.done)
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushLocked()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file, l.w = nil, nil
	return err
}

func (l *MessageLog) flushLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(msglogFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Flush()
		case <-l.done:
			return
		}
	}
}

func (l *MessageLog) flushLocked() {
	if l.w == nil || l.pending == 0 {
		return
	}
	if err := l.w.Flush(); err != nil {
		slog.Error("message log flush failed", "error", err)
		return
	}
	l.pending = 0
}

// rotateLocked opens the file for the current UTC date, closing yesterday's
// on rollover. New files start with a UTF-8 BOM.
func (l *MessageLog) rotateLocked() error {
	date := l.now().UTC().Format("2006-01-02")
	if l.file != nil && l.date == date {
		return nil
	}
	if l.file != nil {
		l.flushLocked()
		if err := l.file.Close(); err != nil {
			slog.Warn("message log close failed", "error", err)
		}
		l.file, l.w = nil, nil
	}

	path := filepath.Join(l.dir, "messages_"+date+".txt")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open message log %s: %w", path, err)
	}
	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		if _, err := f.Write(msglogBOM); err != nil {
			f.Close()
			return fmt.Errorf("write message log header: %w", err)
		}
	}
	l.file = f
	l.w = bufio.NewWriter(f)
	l.date = date
	return nil
}

// formatEntry renders the fixed record layout. Optional lines appear only
// when their value is set.
func formatEntry(e LogEntry) string {
	var b strings.Builder
	b.WriteString(msglogSeparator)
	b.WriteByte('\n')
	fmt.Fprintf(&b, "[%s] %s\n", e.At.UTC().Format(time.RFC3339), e.Direction)
	b.WriteString(msglogSeparator)
	b.WriteByte('\n')

	label := "From"
	if e.Direction == "OUTBOUND" {
		label = "To"
	}
	fmt.Fprintf(&b, "%s: %s\n", label, e.Peer)
	fmt.Fprintf(&b, "Message ID: %s\n", e.MessageID)
	fmt.Fprintf(&b, "Type: %s\n", e.Kind)
	if e.Priority != "" {
		fmt.Fprintf(&b, "Priority: %s\n", e.Priority)
	}
	if e.Content != "" {
		fmt.Fprintf(&b, "Content: %s\n", e.Content)
	}
	if e.MediaMime != "" {
		fmt.Fprintf(&b, "Media Type: %s\n", e.MediaMime)
	}
	if e.Caption != "" {
		fmt.Fprintf(&b, "Media Caption: %s\n", e.Caption)
	}
	if e.Status != "" {
		fmt.Fprintf(&b, "Status: %s\n", e.Status)
	}
	if e.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", e.Error)
	}
	b.WriteString(msglogSeparator)
	b.WriteByte('\n')
	return b.String()
}
