package servchan

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// AuditRecord is one connection/exit audit line (spec.md §4.5): "a
// space-separated record: exit-code char, signon-time, signoff-time,
// username, hostname, ident, IP, port, server-side sockhost,
// sent-messages, sent-bytes, received-messages, received-bytes".
type AuditRecord struct {
	ExitCode byte
	SignOn   time.Time
	SignOff  time.Time
	Username string
	Hostname string
	Ident    string
	IP       string
	Port     int
	SockHost string

	SentMsgs  int64
	SentBytes int64
	RecvMsgs  int64
	RecvBytes int64
}

func (r AuditRecord) line() string {
	field := func(s string) string {
		if s == "" {
			return "*"
		}
		return s
	}
	return fmt.Sprintf("%c %d %d %s %s %s %s %d %s %d %d %d %d\n",
		r.ExitCode,
		r.SignOn.Unix(),
		r.SignOff.Unix(),
		field(r.Username),
		field(r.Hostname),
		field(r.Ident),
		field(r.IP),
		r.Port,
		field(r.SockHost),
		r.SentMsgs,
		r.SentBytes,
		r.RecvMsgs,
		r.RecvBytes,
	)
}

// AuditWriter appends exit records to one of two append-only files: the
// user log (registered clients) and the connection log (rejected or
// never-registered connections). Each record is built in memory and
// written with a single Write call so no partial line is ever visible to
// a reader of the file (spec.md §4.5 "no partial writes are reattempted").
type AuditWriter struct {
	mu      sync.Mutex
	userLog *os.File
	connLog *os.File
}

// NewAuditWriter opens (creating if needed) the two audit log files in
// append mode with owner-only permissions (spec.md §4.5).
func NewAuditWriter(userLogPath, connLogPath string) (*AuditWriter, error) {
	const flags = os.O_APPEND | os.O_CREATE | os.O_WRONLY
	userLog, err := os.OpenFile(userLogPath, flags, 0600)
	if err != nil {
		return nil, fmt.Errorf("servchan: open user audit log: %w", err)
	}
	connLog, err := os.OpenFile(connLogPath, flags, 0600)
	if err != nil {
		userLog.Close()
		return nil, fmt.Errorf("servchan: open connection audit log: %w", err)
	}
	return &AuditWriter{userLog: userLog, connLog: connLog}, nil
}

// WriteUser appends an exit record for a client that completed
// registration.
func (w *AuditWriter) WriteUser(rec AuditRecord) error {
	return w.writeTo(w.userLog, rec)
}

// WriteConn appends an exit record for a connection that never completed
// registration (rejected, timed out, or disconnected during the
// auth/DNS handshake).
func (w *AuditWriter) WriteConn(rec AuditRecord) error {
	return w.writeTo(w.connLog, rec)
}

func (w *AuditWriter) writeTo(f *os.File, rec AuditRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := f.WriteString(rec.line())
	return err
}

// Close closes both log files.
func (w *AuditWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err1 := w.userLog.Close()
	err2 := w.connLog.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
