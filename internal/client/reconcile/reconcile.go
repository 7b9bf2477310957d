// Package reconcile merges server-confirmed messages with optimistic messages
// the client appended before the server acknowledged them.
package reconcile

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"wingman/internal/models"
)

const optimisticPrefix = "local-"

var optimisticSeq atomic.Uint64

// NewOptimisticID returns a client-side id for an unconfirmed message. It never collides with
// server ids, which are uuids.
func NewOptimisticID(sender models.Sender, now time.Time) string {
	return fmt.Sprintf("%s%s-%d-%d", optimisticPrefix, sender, now.UnixMilli(), optimisticSeq.Add(1))
}

// IsOptimisticID reports whether id was produced by NewOptimisticID.
func IsOptimisticID(id string) bool {
	return strings.HasPrefix(id, optimisticPrefix)
}

// Reconcile returns server followed by the optimistic entries of local that no server message
// supersedes. A server message supersedes an optimistic one when sender, content and the number
// of image urls agree. Matching is one-to-one, and server messages already held in local as
// confirmed entries are not candidates, so reconciling the result again with the same server
// list changes nothing.
func Reconcile(server, local []models.Message) []models.Message {
	out := make([]models.Message, len(server), len(server)+len(local))
	copy(out, server)

	known := make(map[string]struct{}, len(local))
	pending := 0
	for _, msg := range local {
		if msg.Optimistic {
			pending++
			continue
		}
		known[msg.ID] = struct{}{}
	}
	if pending == 0 {
		return out
	}

	used := make([]bool, len(server))
	for i, msg := range server {
		if _, ok := known[msg.ID]; ok {
			used[i] = true
		}
	}
	for _, msg := range local {
		if !msg.Optimistic {
			continue
		}
		matched := false
		for i := range server {
			if !used[i] && equivalent(server[i], msg) {
				used[i] = true
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, msg)
		}
	}
	return out
}

func equivalent(confirmed, optimistic models.Message) bool {
	return confirmed.Sender == optimistic.Sender &&
		confirmed.Text() == optimistic.Text() &&
		len(confirmed.ImageURLs) == len(optimistic.ImageURLs)
}
