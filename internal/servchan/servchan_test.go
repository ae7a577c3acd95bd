package servchan

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kofany/ircwars/internal/chantag"
	"github.com/kofany/ircwars/internal/link"
	"github.com/kofany/ircwars/internal/registry"
	"github.com/kofany/ircwars/internal/router"
)

// fakeConn is a minimal net.Conn recording writes, mirroring
// internal/router's package-local test double.
type fakeConn struct {
	written []byte
}

func (c *fakeConn) Read([]byte) (int, error)  { return 0, nil }
func (c *fakeConn) Write(p []byte) (int, error) {
	c.written = append(c.written, p...)
	return len(p), nil
}
func (c *fakeConn) Close() error                     { return nil }
func (c *fakeConn) LocalAddr() net.Addr              { return nil }
func (c *fakeConn) RemoteAddr() net.Addr              { return nil }
func (c *fakeConn) SetDeadline(time.Time) error       { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error  { return nil }

type fakeServices struct {
	delivered []string
	wants     map[chantag.Tag]bool
}

func (s *fakeServices) Wants(tag chantag.Tag) bool { return s.wants[tag] }
func (s *fakeServices) Deliver(tag chantag.Tag, text string) {
	s.delivered = append(s.delivered, string(tag)+": "+text)
}

func TestPostFansOutToLocalMembersAndEnsuresChannel(t *testing.T) {
	reg := registry.New()
	rt := router.New(reg)
	b := New(reg, rt, "irc.example.", nil)
	b.EnsureChannels()

	opConn := &fakeConn{}
	op := link.New(1, opConn, link.RoleClient, nil)
	op.Identity.Nick = "oper"
	reg.Register(op)
	reg.Join("&ERRORS", op)

	b.Post(chantag.Errors, "something broke")
	require.NoError(t, op.Flush())

	require.Equal(t, ":irc.example. NOTICE &ERRORS :something broke\r\n", string(opConn.written))
}

func TestPostDeliversToSubscribedServices(t *testing.T) {
	reg := registry.New()
	rt := router.New(reg)
	svc := &fakeServices{wants: map[chantag.Tag]bool{chantag.Errors: true}}
	b := New(reg, rt, "irc.example.", svc)
	b.EnsureChannels()

	b.Post(chantag.Errors, "disk full")
	b.Post(chantag.Notices, "ignored, not subscribed")

	require.Equal(t, []string{"ERRORS: disk full"}, svc.delivered)
}

func TestAuditWriterSingleLinePerRecord(t *testing.T) {
	dir := t.TempDir()
	w, err := NewAuditWriter(filepath.Join(dir, "users.log"), filepath.Join(dir, "conns.log"))
	require.NoError(t, err)
	defer w.Close()

	on := time.Unix(1000, 0)
	off := time.Unix(1090, 0)
	rec := AuditRecord{
		ExitCode: 'Q', SignOn: on, SignOff: off,
		Username: "alice", Hostname: "host.example.", Ident: "alice",
		IP: "192.0.2.1", Port: 6667, SockHost: "192.0.2.1",
		SentMsgs: 12, SentBytes: 480, RecvMsgs: 30, RecvBytes: 900,
	}
	require.NoError(t, w.WriteUser(rec))

	data, err := os.ReadFile(filepath.Join(dir, "users.log"))
	require.NoError(t, err)
	require.Equal(t, "Q 1000 1090 alice host.example. alice 192.0.2.1 6667 192.0.2.1 12 480 30 900\n", string(data))
}

func TestAuditWriterMissingFieldsBecomeAsterisk(t *testing.T) {
	dir := t.TempDir()
	w, err := NewAuditWriter(filepath.Join(dir, "users.log"), filepath.Join(dir, "conns.log"))
	require.NoError(t, err)
	defer w.Close()

	rec := AuditRecord{ExitCode: 'R', SignOn: time.Unix(0, 0), SignOff: time.Unix(1, 0)}
	require.NoError(t, w.WriteConn(rec))

	data, err := os.ReadFile(filepath.Join(dir, "conns.log"))
	require.NoError(t, err)
	require.Equal(t, "R 0 1 * * * * 0 * 0 0 0 0\n", string(data))
}

func TestAuditWriterUsesSeparateFilesForUserAndConn(t *testing.T) {
	dir := t.TempDir()
	w, err := NewAuditWriter(filepath.Join(dir, "users.log"), filepath.Join(dir, "conns.log"))
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteUser(AuditRecord{ExitCode: 'Q', SignOn: time.Unix(0, 0), SignOff: time.Unix(1, 0)}))
	require.NoError(t, w.WriteConn(AuditRecord{ExitCode: 'R', SignOn: time.Unix(0, 0), SignOff: time.Unix(1, 0)}))

	users, err := os.ReadFile(filepath.Join(dir, "users.log"))
	require.NoError(t, err)
	conns, err := os.ReadFile(filepath.Join(dir, "conns.log"))
	require.NoError(t, err)

	require.Contains(t, string(users), "Q 0 1")
	require.Contains(t, string(conns), "R 0 1")
}
