// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package dedup suppresses repeated identical messages.
//
// Telegram delivers an update more than once when the bot is slow to
// acknowledge it, and users double-send the same number when a reply takes a
// moment. Both look identical: the same text from the same user in the same
// chat inside a short window.
package dedup

import (
	"fmt"
	"sync"
	"time"
)

// Guard tracks recently seen messages and rejects repeats inside the window.
type Guard struct {
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// New returns a Guard that suppresses repeats for the given window.
func New(window time.Duration) *Guard {
	return &Guard{
		window: window,
		seen:   make(map[string]time.Time),
	}
}

// Allow reports whether a message with this text from this user in this chat
// should be processed, recording it when allowed. Repeats after the window
// are allowed again and re-recorded.
func (g *Guard) Allow(chatID, userID int64, text string) bool {
	key := fmt.Sprintf("%d:%d:%s", chatID, userID, text)

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for k, at := range g.seen {
		if now.Sub(at) > g.window {
			delete(g.seen, k)
		}
	}

	if _, ok := g.seen[key]; ok {
		return false
	}
	g.seen[key] = now
	return true
}

// Len returns the number of currently tracked messages.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
