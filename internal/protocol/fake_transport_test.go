package protocol

import (
	"sync"

	"github.com/samber/lo"
)

// fakeTransport delivers synchronously into per-connection inboxes.
type fakeTransport struct {
	mu       sync.Mutex
	conns    []string
	inbox    map[string][]Outbound
	channels map[string][]string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox:    make(map[string][]Outbound),
		channels: make(map[string][]string),
	}
}

func (f *fakeTransport) connect(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns = append(f.conns, connID)
}

func (f *fakeTransport) drop(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns = lo.Without(f.conns, connID)
}

func (f *fakeTransport) Send(connID string, ev Outbound) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox[connID] = append(f.inbox[connID], ev)
}

func (f *fakeTransport) Multicast(connIDs []string, ev Outbound) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range lo.Uniq(connIDs) {
		f.inbox[id] = append(f.inbox[id], ev)
	}
}

func (f *fakeTransport) Broadcast(ev Outbound, except ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.conns {
		if lo.Contains(except, id) {
			continue
		}
		f.inbox[id] = append(f.inbox[id], ev)
	}
}

func (f *fakeTransport) Subscribe(connID, channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !lo.Contains(f.channels[channel], connID) {
		f.channels[channel] = append(f.channels[channel], connID)
	}
}

func (f *fakeTransport) ChannelMembers(channel string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.channels[channel]...)
}

func (f *fakeTransport) UnsubscribeAll(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch, members := range f.channels {
		f.channels[ch] = lo.Without(members, connID)
	}
}

// events returns and clears everything delivered to connID.
func (f *fakeTransport) events(connID string) []Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	evs := f.inbox[connID]
	delete(f.inbox, connID)
	return evs
}

func (f *fakeTransport) named(connID, event string) []Outbound {
	return lo.Filter(f.events(connID), func(ev Outbound, _ int) bool {
		return ev.Event == event
	})
}
