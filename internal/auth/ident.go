// Package auth implements the per-link authentication agent of spec.md
// §4.4: an RFC 1413 ident probe and an optional external iauth helper
// protocol spoken over a pipe, grounded on original_source/ircd/s_auth.c
// for wire semantics and minitunnel's transport-agnostic
// io.ReadWriteCloser framing idiom for the pipe side.
package auth

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// identPort is the RFC 1413 well-known port.
const identPort = 113

// IdentResult carries the outcome of a successful ident probe.
type IdentResult struct {
	Username  string
	Confirmed bool // GOT_IDENT: the reply was well-formed and trusted
}

// ProbeIdent dials peerAddr's port 113, binding the local endpoint to
// localAddr so a multi-homed server probes from the same address the peer
// connected to (spec.md §4.4 "binding the local endpoint to the IP address
// the peer connected to"). On any error — refused, timeout, malformed,
// mismatched ports — it returns a non-nil error; the caller must leave the
// link's username empty and GOT_IDENT unset, and must NOT kill the link.
func ProbeIdent(ctx context.Context, localAddr, peerAddr *net.TCPAddr, maxUserLen int) (IdentResult, error) {
	dialer := net.Dialer{
		LocalAddr: &net.TCPAddr{IP: localAddr.IP},
		Timeout:   4 * time.Second,
	}

	identAddr := &net.TCPAddr{IP: peerAddr.IP, Port: identPort}
	conn, err := dialer.DialContext(ctx, "tcp", identAddr.String())
	if err != nil {
		return IdentResult{}, fmt.Errorf("auth: dial ident at %s: %w", identAddr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(4 * time.Second))
	}

	query := fmt.Sprintf("%d , %d\r\n", peerAddr.Port, localAddr.Port)
	if _, err := conn.Write([]byte(query)); err != nil {
		return IdentResult{}, fmt.Errorf("auth: write ident query: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return IdentResult{}, fmt.Errorf("auth: read ident reply: %w", err)
	}

	return parseIdentReply(line, peerAddr.Port, localAddr.Port, maxUserLen)
}

// parseIdentReply parses "remp , locp : USERID : system : ruser" (spec.md
// §4.4). remp/locp must match the ports the probe was sent for, or the
// reply is rejected as mismatched.
func parseIdentReply(line string, wantRemp, wantLocp int, maxUserLen int) (IdentResult, error) {
	line = strings.TrimRight(line, "\r\n")

	fields := strings.SplitN(line, ":", 3)
	if len(fields) != 3 {
		return IdentResult{}, fmt.Errorf("auth: malformed ident reply %q", line)
	}

	var remp, locp int
	if _, err := fmt.Sscanf(fields[0], "%d , %d", &remp, &locp); err != nil {
		return IdentResult{}, fmt.Errorf("auth: malformed port pair in ident reply %q", line)
	}
	if remp != wantRemp || locp != wantLocp {
		return IdentResult{}, fmt.Errorf("auth: ident reply port mismatch: got %d,%d want %d,%d", remp, locp, wantRemp, wantLocp)
	}

	if strings.TrimSpace(fields[1]) != "USERID" {
		return IdentResult{}, fmt.Errorf("auth: ident reply is not a USERID response: %q", line)
	}

	system, ruser, ok := strings.Cut(fields[2], ":")
	if !ok {
		return IdentResult{}, fmt.Errorf("auth: malformed USERID field in ident reply %q", line)
	}
	system = strings.TrimSpace(system)
	ruser = cleanRuser(ruser)

	if ruser == "" {
		return IdentResult{}, fmt.Errorf("auth: empty username in ident reply %q", line)
	}

	if strings.HasPrefix(system, "OTHER") {
		username := "-" + truncate(ruser, maxUserLen-1)
		return IdentResult{Username: username, Confirmed: false}, nil
	}

	return IdentResult{Username: truncate(ruser, maxUserLen), Confirmed: true}, nil
}

// cleanRuser strips whitespace, ':' and '@' from the raw username field,
// matching the original's character-by-character copy loop that skips
// those three classes (original_source/ircd/s_auth.c read_authports).
func cleanRuser(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == ' ' || r == '\t' || r == ':' || r == '@' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if n < 0 {
		n = 0
	}
	if len(s) <= n {
		return s
	}
	return s[:n]
}
