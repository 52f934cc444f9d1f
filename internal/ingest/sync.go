package ingest

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashureev/wa-gateway/internal/domain"
	"github.com/ashureev/wa-gateway/internal/driver"
)

// SyncChats enumerates every chat of a freshly ready session, enriches groups
// with metadata, atomically replaces the session's chat collection and emits
// one chats_updated event. A metadata failure for one group is logged and
// that group is kept without metadata. Chats first seen in traffic during
// the sync survive the replace. Once ctx is done nothing is replaced.
func (p *Pipeline) SyncChats(ctx context.Context, userID string, h driver.Handle) error {
	began := time.Now()
	u := p.user(userID)
	u.mu.Lock()
	u.discovered = make(map[string]struct{})
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		u.discovered = nil
		u.mu.Unlock()
	}()

	raw, err := h.GetChats(ctx, driver.ChatOptions{})
	if err != nil {
		return fmt.Errorf("get chats: %w", err)
	}

	chats := make([]domain.ChatSummary, len(raw))
	var g errgroup.Group
	g.SetLimit(p.cfg.GroupFetchLimit)
	for i, rc := range raw {
		chats[i] = domain.ChatSummary{
			ID:               rc.ID,
			Name:             rc.Name,
			IsGroup:          rc.IsGroup || domain.IsGroupChat(rc.ID),
			ParticipantCount: rc.ParticipantCount,
			Description:      rc.Description,
			LastActivityAt:   rc.LastActivityAt,
		}
		if !chats[i].IsGroup || chats[i].ParticipantCount > 0 {
			continue
		}
		g.Go(func() error {
			meta, err := h.GroupMetadata(ctx, chats[i].ID)
			if err != nil {
				p.logger.Debug("Group metadata unavailable", "user_id", userID, "chat_id", chats[i].ID, "error", err)
				return nil
			}
			chats[i].ParticipantCount = meta.ParticipantCount
			if chats[i].Description == "" {
				chats[i].Description = meta.Description
			}
			return nil
		})
	}
	_ = g.Wait() // goroutines never fail

	next := make(map[string]domain.ChatSummary, len(chats))
	groups := 0
	for _, c := range chats {
		if domain.IsBroadcast(c.ID) {
			continue
		}
		if c.IsGroup {
			groups++
		}
		next[c.ID] = c
	}

	u.mu.Lock()
	if err := ctx.Err(); err != nil {
		u.mu.Unlock()
		return err
	}
	for id := range u.discovered {
		if _, ok := next[id]; ok {
			continue
		}
		if c, ok := u.chats[id]; ok {
			next[id] = c
			if c.IsGroup {
				groups++
			}
		}
	}
	for id, c := range next {
		if prev, ok := u.chats[id]; ok && prev.LastActivityAt.After(c.LastActivityAt) {
			c.LastActivityAt = prev.LastActivityAt
			next[id] = c
		}
	}
	u.chats = next
	u.mu.Unlock()

	for _, c := range next {
		p.persistChat(ctx, userID, c)
	}

	payload := domain.ChatsUpdatedPayload{Total: len(next), Groups: groups, Private: len(next) - groups}
	p.publisher.Publish(domain.Event{
		Type:    domain.EventChatsUpdated,
		UserID:  userID,
		Payload: payload,
		At:      time.Now(),
	})
	p.logger.Info("Chats synchronized",
		"user_id", userID,
		"total", payload.Total,
		"groups", payload.Groups,
		"duration", time.Since(began))

	return ctx.Err()
}
