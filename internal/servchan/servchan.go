// Package servchan implements the ServerChannel broadcast fabric of
// spec.md §4.5: posting a diagnostic to a fixed internal channel (&ERRORS,
// &NOTICES, ...) fans it out as a NOTICE to every locally connected member
// and, optionally, to a subscribed services-protocol consumer.
//
// Grounded on original_source/common/send.c's sendto_flag/svchans table:
// one Channel per chantag.Tag, resolved once and reused, broadcast via the
// same channel-fan-out primitive ordinary channel traffic uses.
package servchan

import (
	"fmt"

	"github.com/kofany/ircwars/internal/chantag"
	"github.com/kofany/ircwars/internal/registry"
	"github.com/kofany/ircwars/internal/router"
)

// channelName is the "&TAG" channel name for a diagnostic tag.
func channelName(tag chantag.Tag) string {
	return "&" + string(tag)
}

// ServicesSubscriber receives a structured copy of a posted diagnostic, for
// a services-protocol consumer subscribed to that event class (spec.md
// §4.5 "if a services-protocol consumer is subscribed ... also delivers a
// structured copy"). Deliver must not block.
type ServicesSubscriber interface {
	Deliver(tag chantag.Tag, text string)
	Wants(tag chantag.Tag) bool
}

// Broadcaster resolves diagnostic tags to their ServerChannel and fans
// posted text out through the Router.
type Broadcaster struct {
	reg        *registry.Registry
	rt         *router.Router
	serverName string
	services   ServicesSubscriber
}

// New constructs a Broadcaster. serverName is used as the NOTICE's source
// prefix (the original's `ME`). services may be nil.
func New(reg *registry.Registry, rt *router.Router, serverName string, services ServicesSubscriber) *Broadcaster {
	return &Broadcaster{reg: reg, rt: rt, serverName: serverName, services: services}
}

// EnsureChannels pre-creates every fixed ServerChannel so that a post
// before any operator has joined one still has somewhere to fan out to
// (mirrors setup_svchans resolving every entry in svchans at startup).
func (b *Broadcaster) EnsureChannels() {
	for _, tag := range chantag.All() {
		b.reg.Channel(channelName(tag), true)
	}
}

// Post fans text out as a NOTICE to every local member of the channel tag
// names, and to the services subscriber if one is registered and wants
// this tag (spec.md §4.5 post_to_flag).
func (b *Broadcaster) Post(tag chantag.Tag, text string) {
	ch, ok := b.reg.Channel(channelName(tag), false)
	if ok {
		b.rt.SendChannelLocalOnly(ch, nil, ":%s NOTICE %s :%s", b.serverName, ch.Name, text)
	}
	if b.services != nil && b.services.Wants(tag) {
		b.services.Deliver(tag, text)
	}
}

// Postf is Post with fmt.Sprintf-style formatting, for the common case of a
// one-off diagnostic built from a format string and args.
func (b *Broadcaster) Postf(tag chantag.Tag, format string, args ...interface{}) {
	b.Post(tag, fmt.Sprintf(format, args...))
}
