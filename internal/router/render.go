package router

import (
	"fmt"
	"strings"
	"sync"

	"github.com/kofany/ircwars/internal/link"
	"github.com/kofany/ircwars/internal/registry"
)

// renderer computes, at most once each, the bare and prefix-injected wire
// renderings of a single message. It is shared across every recipient of
// one Router call so that only one render happens per distinct variant,
// regardless of how many recipients see that variant (spec.md §4.2
// "Formatting laziness", §8 "Round-trip / idempotence laws").
type renderer struct {
	format string
	args   []interface{}
	from   *link.Link
	anon   bool

	bareOnce sync.Once
	bareLine []byte

	injOnce sync.Once
	injLine []byte
}

func newRenderer(from *link.Link, anon bool, format string, args ...interface{}) *renderer {
	return &renderer{format: format, args: args, from: from, anon: anon}
}

// Bare renders the message with no prefix injection: the raw format/args
// as given by the caller (spec.md §8 scenario 1, the render delivered to
// remote/server recipients).
func (r *renderer) Bare() []byte {
	r.bareOnce.Do(func() {
		r.bareLine = link.RenderLine(r.format, r.args...)
	})
	return r.bareLine
}

// Injected renders the message with the §4.1 prefix-injection rule applied
// when the format begins with ":%s " and the first argument names the
// message's own source.
func (r *renderer) Injected() []byte {
	r.injOnce.Do(func() {
		format, args, ok := injectPrefix(r.format, r.args, r.from, r.anon)
		if !ok {
			r.injLine = r.Bare()
			return
		}
		r.injLine = link.RenderLine(format, args...)
	})
	return r.injLine
}

// injectPrefix implements spec.md §4.1 "Prefix injection": if format leads
// with ":%s" and the first format argument matches the source's
// identifying nickname, rewrite it into a full nick!user@host prefix
// drawn from the source's identity (sockhost in place of user-declared
// host when the source is locally connected), or from the canonical
// anonymous identity when anon is true. Otherwise it reports ok=false and
// the caller falls back to the bare rendering.
func injectPrefix(format string, args []interface{}, from *link.Link, anon bool) (string, []interface{}, bool) {
	const token = ":%s"
	if !strings.HasPrefix(format, token) || len(args) == 0 || from == nil {
		return "", nil, false
	}
	nick, ok := args[0].(string)
	if !ok || nick != from.Identity.Nick {
		return "", nil, false
	}

	var identity link.Identity
	if anon {
		identity = registry.AnonymousIdentity
	} else {
		identity = from.Identity
		if from.Conn() != nil && identity.SockHost != "" {
			identity.Host = identity.SockHost
		}
	}

	prefix := fullPrefix(identity)
	rest := strings.TrimPrefix(format, token)
	return ":" + prefix + rest, args[1:], true
}

func fullPrefix(id link.Identity) string {
	switch {
	case id.User != "" && id.Host != "":
		return fmt.Sprintf("%s!%s@%s", id.Nick, id.User, id.Host)
	case id.User != "":
		return fmt.Sprintf("%s!%s", id.Nick, id.User)
	default:
		return id.Nick
	}
}
