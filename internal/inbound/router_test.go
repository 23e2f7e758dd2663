package inbound

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/relaydesk/go-relay-backend/internal/dedup"
	"github.com/relaydesk/go-relay-backend/internal/domain"
	"github.com/relaydesk/go-relay-backend/internal/fanout"
	"github.com/relaydesk/go-relay-backend/internal/repo"
	"github.com/relaydesk/go-relay-backend/internal/transport"
)

type fixture struct {
	db  *gorm.DB
	r   *Router
	pub *fanout.Memory
	acc *domain.Account
}

func newFixture(t *testing.T, name string, incognito bool) *fixture {
	t.Helper()
	db, err := repo.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	acc, err := repo.CreateAccount(context.Background(), db, "tenant-1", "loopback", incognito)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	pub := fanout.NewMemory()
	dd := dedup.New(0, func(ctx context.Context, accountID, channelMessageID string) (bool, error) {
		return repo.MessageExists(ctx, db, accountID, channelMessageID)
	})
	return &fixture{db: db, r: New(db, dd, pub, zerolog.Nop()), pub: pub, acc: acc}
}

func inboundMsg(id, peer, body string) transport.Message {
	return transport.Message{
		ChannelMessageID: id,
		From:             domain.Target{Kind: domain.TargetContact, ChannelID: peer, Channel: "loopback"},
		SenderName:       "ada lovelace",
		Kind:             "text",
		Body:             body,
		Timestamp:        time.Now().UTC(),
	}
}

func (f *fixture) messageCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	if err := f.db.Model(&domain.Message{}).Where("account_id = ?", f.acc.ID).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func (f *fixture) singleConversation(t *testing.T) *domain.Conversation {
	t.Helper()
	convs, err := repo.ListConversationsPage(context.Background(), f.db, f.acc.ID, 0, 10)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	return &convs[0]
}

func TestHandleInbound_StoresAndPublishes(t *testing.T) {
	f := newFixture(t, "inb_store", false)

	f.r.HandleInbound(context.Background(), f.acc.ID, inboundMsg("wa-1", "peer-1", "hello"))

	if n := f.messageCount(t); n != 1 {
		t.Fatalf("messages = %d, want 1", n)
	}
	conv := f.singleConversation(t)
	if conv.UnreadCount != 1 {
		t.Fatalf("unread = %d, want 1", conv.UnreadCount)
	}
	if conv.Contact == nil || conv.Contact.ChannelID != "peer-1" {
		t.Fatalf("contact = %+v", conv.Contact)
	}
	if conv.Contact.DisplayName != "Ada Lovelace" {
		t.Fatalf("display name = %q, want title-cased", conv.Contact.DisplayName)
	}

	evs := f.pub.ByType(fanout.EventMessageNew)
	if len(evs) != 1 {
		t.Fatalf("message.new events = %d, want 1", len(evs))
	}
	stored := evs[0].Payload.(*domain.Message)
	if stored.Body != "hello" || stored.Status != domain.StatusReceived || stored.Direction != domain.DirectionIn {
		t.Fatalf("published message = %+v", stored)
	}
}

func TestHandleInbound_DuplicateStoredOnce(t *testing.T) {
	f := newFixture(t, "inb_dup", false)
	msg := inboundMsg("wa-1", "peer-1", "hello")

	f.r.HandleInbound(context.Background(), f.acc.ID, msg)
	f.r.HandleInbound(context.Background(), f.acc.ID, msg)

	if n := f.messageCount(t); n != 1 {
		t.Fatalf("messages = %d, want 1", n)
	}
	if evs := f.pub.ByType(fanout.EventMessageNew); len(evs) != 1 {
		t.Fatalf("message.new events = %d, want 1", len(evs))
	}
	if conv := f.singleConversation(t); conv.UnreadCount != 1 {
		t.Fatalf("unread = %d, want 1 (duplicate must not double-count)", conv.UnreadCount)
	}
}

func TestHandleInbound_LiveHistoryRace(t *testing.T) {
	f := newFixture(t, "inb_race", false)
	live := inboundMsg("wa-1", "peer-1", "hello")
	history := live
	history.FromHistory = true

	var wg sync.WaitGroup
	for _, m := range []transport.Message{live, history} {
		wg.Add(1)
		go func(m transport.Message) {
			defer wg.Done()
			f.r.HandleInbound(context.Background(), f.acc.ID, m)
		}(m)
	}
	wg.Wait()

	if n := f.messageCount(t); n != 1 {
		t.Fatalf("messages = %d, want exactly 1 after the race", n)
	}
}

func TestHandleInbound_HistorySuppressed(t *testing.T) {
	f := newFixture(t, "inb_history", false)
	msg := inboundMsg("wa-1", "peer-1", "old news")
	msg.FromHistory = true

	f.r.HandleInbound(context.Background(), f.acc.ID, msg)

	if n := f.messageCount(t); n != 1 {
		t.Fatalf("messages = %d, want 1 (history is stored)", n)
	}
	if conv := f.singleConversation(t); conv.UnreadCount != 0 {
		t.Fatalf("unread = %d, want 0 for history", conv.UnreadCount)
	}
	if evs := f.pub.ByType(fanout.EventMessageNew); len(evs) != 0 {
		t.Fatalf("history published %d events, want 0", len(evs))
	}
}

func TestHandleInbound_HistoryKeepsInboxOrder(t *testing.T) {
	f := newFixture(t, "inb_history_order", false)

	f.r.HandleInbound(context.Background(), f.acc.ID, inboundMsg("wa-1", "peer-1", "hello"))
	liveConv := f.singleConversation(t)

	// Backfill an older message into the same conversation; its historical
	// timestamp must not move the conversation down the inbox.
	old := inboundMsg("wa-0", "peer-1", "from last week")
	old.FromHistory = true
	old.Timestamp = time.Now().UTC().Add(-7 * 24 * time.Hour)
	f.r.HandleInbound(context.Background(), f.acc.ID, old)

	if n := f.messageCount(t); n != 2 {
		t.Fatalf("messages = %d, want 2", n)
	}
	conv := f.singleConversation(t)
	if conv.LastActivityAt.Before(liveConv.LastActivityAt) {
		t.Fatalf("last_activity_at regressed: was %v, now %v", liveConv.LastActivityAt, conv.LastActivityAt)
	}
}

func TestHandleInbound_IncognitoSuppressesUnread(t *testing.T) {
	f := newFixture(t, "inb_incog", true)

	f.r.HandleInbound(context.Background(), f.acc.ID, inboundMsg("wa-1", "peer-1", "hello"))

	if n := f.messageCount(t); n != 1 {
		t.Fatalf("messages = %d, want 1 (incognito still stores)", n)
	}
	if conv := f.singleConversation(t); conv.UnreadCount != 0 {
		t.Fatalf("unread = %d, want 0 for incognito", conv.UnreadCount)
	}
	// Live traffic is still published for incognito accounts.
	if evs := f.pub.ByType(fanout.EventMessageNew); len(evs) != 1 {
		t.Fatalf("message.new events = %d, want 1", len(evs))
	}
}

func TestHandleInbound_GroupMessage(t *testing.T) {
	f := newFixture(t, "inb_group", false)
	msg := transport.Message{
		ChannelMessageID: "wa-g1",
		From:             domain.Target{Kind: domain.TargetGroup, ChannelID: "group-1", Channel: "loopback"},
		SenderID:         "peer-7",
		SenderName:       "grace hopper",
		Kind:             "text",
		Body:             "hi all",
		Timestamp:        time.Now().UTC(),
	}

	f.r.HandleInbound(context.Background(), f.acc.ID, msg)

	conv := f.singleConversation(t)
	if conv.Group == nil || conv.Group.ChannelID != "group-1" {
		t.Fatalf("group = %+v", conv.Group)
	}
	if conv.ContactID != nil {
		t.Fatalf("group conversation must not bind a contact")
	}

	// The group sender is tracked as a contact for later 1:1 traffic.
	contact, err := repo.GetOrCreateContact(context.Background(), f.db, f.acc.ID, "peer-7", "")
	if err != nil {
		t.Fatalf("contact lookup: %v", err)
	}
	if contact.DisplayName != "Grace Hopper" {
		t.Fatalf("sender display name = %q", contact.DisplayName)
	}
}

func TestHandleInbound_SameConversationReused(t *testing.T) {
	f := newFixture(t, "inb_reuse", false)

	f.r.HandleInbound(context.Background(), f.acc.ID, inboundMsg("wa-1", "peer-1", "first"))
	f.r.HandleInbound(context.Background(), f.acc.ID, inboundMsg("wa-2", "peer-1", "second"))

	conv := f.singleConversation(t)
	if conv.UnreadCount != 2 {
		t.Fatalf("unread = %d, want 2", conv.UnreadCount)
	}
	n, err := repo.CountMessages(context.Background(), f.db, conv.ID)
	if err != nil || n != 2 {
		t.Fatalf("messages in conversation = %d (%v), want 2", n, err)
	}
}

func TestPrettyName(t *testing.T) {
	r := New(nil, dedup.New(0, nil), fanout.NewMemory(), zerolog.Nop())
	cases := map[string]string{
		"ada lovelace":   "Ada Lovelace",
		"  ada   smith ": "Ada Smith",
		"ACME Sales":     "ACME Sales", // mixed case preserved
		"":               "",
	}
	for in, want := range cases {
		if got := r.prettyName(in); got != want {
			t.Fatalf("prettyName(%q) = %q, want %q", in, got, want)
		}
	}
}
