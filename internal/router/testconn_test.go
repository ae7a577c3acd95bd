package router

import (
	"errors"
	"net"
	"time"
)

// fakeConn is a minimal net.Conn recording every byte written to it, used
// to assert what the Router actually enqueued once flushed.
type fakeConn struct {
	written []byte
}

func (f *fakeConn) Read(p []byte) (int, error)       { return 0, errors.New("not implemented") }
func (f *fakeConn) Close() error                     { return nil }
func (f *fakeConn) LocalAddr() net.Addr              { return &net.TCPAddr{} }
func (f *fakeConn) RemoteAddr() net.Addr             { return &net.TCPAddr{} }
func (f *fakeConn) SetDeadline(time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Write(p []byte) (int, error) {
	f.written = append(f.written, p...)
	return len(p), nil
}
