package link

import (
	"fmt"

	"github.com/kofany/ircwars/internal/chantag"
	"github.com/kofany/ircwars/internal/ircdlog"
)

// notice is package-level so Enqueue/mark_dead can post diagnostics without
// every call site threading a NoticeFunc through. Set once at process
// start by the embedder (cmd/ircd); defaults to a log-only sink so tests
// and standalone use of this package never panic on a nil func.
var notice NoticeFunc = func(tag, text string) {
	ircdlog.Debug("[%s] %s", tag, text)
}

// SetNotifier installs the process-wide ServerChannel notice sink.
func SetNotifier(f NoticeFunc) {
	if f == nil {
		return
	}
	notice = f
}

// Enqueue appends b to the link's outbound queue, applying the SendQ cap
// and burst-expansion discipline of spec.md §4.1. It is a no-op on a dead
// link (spec.md §5 "Cancellation").
func (l *Link) Enqueue(b []byte) {
	l.mu.Lock()
	if l.Flags&FlagDead != 0 {
		l.mu.Unlock()
		return
	}

	target := l.out
	if l.Flags&FlagZip != 0 {
		if l.outbuf == nil {
			l.outbuf = newDbuf()
		}
		target = l.outbuf
	}

	cls := l.class
	l.mu.Unlock()

	n := len(b)

	if cls != nil {
		// already over cap before this write: kill outright, don't even
		// attempt the allocation.
		if cur := l.SendQLen(); cur > cls.cap() {
			l.killSendQOverflow(cur, cls.cap())
			return
		}

		if !cls.pool.reserve(n) {
			// allocator refusal: this write would push the pool past its
			// hard ceiling. Pool.Size is not checked here, so an exhausted
			// poolsize alone never refuses, in or out of a burst.
			l.MarkDead(ExitMBuf)
			return
		}
	}

	l.mu.Lock()
	target.Append(b)
	newLen := target.Len()
	if l.outbuf != nil {
		newLen += l.out.Len()
	}
	l.mu.Unlock()

	if cls != nil && newLen > cls.cap() {
		if l.hasFlag(FlagBurst) {
			newCap, newPool := cls.doubleCap()
			notice(string(chantag.Notices), fmt.Sprintf("New poolsize %d. (sendq adjusted)", newPool))
			ircdlog.Info("class %s cap doubled to %d (poolsize now %d)", cls.Name, newCap, newPool)
		} else {
			l.killSendQOverflow(newLen, cls.cap())
			return
		}
	}

	if cls != nil {
		if kb := newLen / 1024; kb > l.lastsq {
			l.Flush()
		}
	}
}

func (l *Link) killSendQOverflow(cur, cap int) {
	if l.Role == RoleServer || l.Role == RoleService {
		notice(string(chantag.Errors), fmt.Sprintf("Max SendQ limit exceeded for %s: %d > %d",
			l.Identity.Nick, cur, cap))
	}
	l.MarkDead(ExitSendQ)
}

// Flush repeatedly hands the dbuf's contiguous head to the socket write
// primitive until a short write or error occurs (spec.md §4.1 "Flushing").
func (l *Link) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Link) flushLocked() error {
	if l.Flags&FlagDead != 0 {
		return nil
	}

	if l.Flags&FlagZip != 0 && l.outbuf != nil {
		if l.out.Len() == 0 && l.outbuf.Len() > 0 {
			l.drainOutbufLocked()
		}
	}

	for {
		head := l.out.Peek()
		if len(head) == 0 {
			break
		}
		n, err := l.conn.Write(head)
		if n > 0 {
			l.out.Discard(n)
			if l.class != nil {
				l.class.pool.release(n)
			}
		}
		if err != nil {
			l.exitFatalLocked(ExitIO)
			return err
		}
		if n < len(head) {
			// short write: socket would block, remainder stays queued.
			break
		}
	}

	l.lastsq = l.out.Len() / 1024

	if l.Flags&FlagZip != 0 && l.out.Len() == 0 && l.outbuf != nil && l.outbuf.Len() > 0 {
		l.drainOutbufLocked()
	}

	return nil
}

// drainOutbufLocked pushes outbuf through the compressor and into out,
// preserving the joint dbuf+outbuf drain invariant of spec.md §4.1.
func (l *Link) drainOutbufLocked() {
	if l.zip == nil {
		l.zip = newZipStage()
	}
	raw := l.outbuf.Peek()
	if len(raw) == 0 {
		return
	}
	l.outbuf.Discard(len(raw))
	compressed := l.zip.compress(raw)
	l.out.Append(compressed)
}

// exitFatalLocked is the IO-error path of flushLocked; it additionally
// issues the courtesy notice for a server link that died mid-connect
// (spec.md §4.1 "Flushing").
func (l *Link) exitFatalLocked(code ExitCode) {
	wasConnecting := l.Role == RoleServer && (l.Flags&(FlagConnecting|FlagHandshake) != 0)
	byUID := l.ByUID
	l.markDeadLocked(code, "")
	if wasConnecting && byUID != "" {
		notice(string(chantag.Errors), fmt.Sprintf("Lost connection to %s during %s", l.Identity.Nick, "connect"))
	}
}

// MarkDead clears both dbufs, sets DEAD, and (unless the link is
// unregistered, an ordinary client, or already CLOSING) fans out a
// diagnostic to &ERRORS (spec.md §4.1 "Dead-link handling"). The buffers
// are cleared *before* the notice is emitted so that the notice's own
// enqueue elsewhere cannot be starved by this link's now-irrelevant queue,
// and so that this link cannot recursively retrigger overflow handling on
// itself (spec.md §9 first Open Question).
func (l *Link) MarkDead(reason ExitCode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.markDeadLocked(reason, "")
}

// MarkDeadWithDetail is MarkDead plus an explicit diagnostic string
// (used when the caller already knows the precise overflow magnitude or
// similar detail that killSendQOverflow/exitFatalLocked compute inline).
func (l *Link) MarkDeadWithDetail(reason ExitCode, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.markDeadLocked(reason, detail)
}

func (l *Link) markDeadLocked(reason ExitCode, detail string) {
	if l.Flags&FlagDead != 0 {
		return // monotonic: never revived, never re-announced
	}

	if l.class != nil {
		l.class.pool.release(l.out.Len())
		if l.outbuf != nil {
			l.class.pool.release(l.outbuf.Len())
		}
	}

	l.in.Clear()
	l.out.Clear()
	if l.outbuf != nil {
		l.outbuf.Clear()
	}

	l.Flags |= FlagDead
	l.ExitCode = reason

	hook := l.deadHook
	closing := l.Flags&FlagClosing != 0
	unregistered := l.Role == RoleUnknown
	ordinaryClient := l.Role == RoleClient

	if hook != nil {
		go hook(l, reason)
	}

	if !closing && !unregistered && !ordinaryClient {
		msg := fmt.Sprintf("Link %s closed: %s", l.Identity.Nick, reason)
		if detail != "" {
			msg = fmt.Sprintf("%s (%s)", msg, detail)
		}
		// Post without holding l.mu, so a notice sink may inspect this link.
		l.mu.Unlock()
		notice(string(chantag.Errors), msg)
		l.mu.Lock()
	}
}
