package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityOrder(t *testing.T) {
	order := []Status{
		StatusUnknown, StatusPending, StatusAuthorized, StatusApproved,
		StatusCanceled, StatusFailed, StatusCompleted,
	}
	for i := 1; i < len(order); i++ {
		assert.Less(t, order[i-1].Priority(), order[i].Priority(), "%s < %s", order[i-1], order[i])
	}
}

func TestParseStatus(t *testing.T) {
	assert.Equal(t, StatusCompleted, ParseStatus("COMPLETED"))
	assert.Equal(t, StatusApproved, ParseStatus(" Approved "))
	assert.Equal(t, StatusCanceled, ParseStatus("CANCELLED"))
	assert.Equal(t, StatusUnknown, ParseStatus("IN_PROGRESS"))
	assert.Equal(t, StatusUnknown, ParseStatus(""))
}

func TestMergePendingAfterCompletedKeepsCompleted(t *testing.T) {
	cur := Intent{ID: 1, Status: StatusPending, Channel: ChannelTerminal, CheckoutID: "chk"}

	done, changed := Merge(cur, Snapshot{GatewayPaymentID: "pay", Status: StatusCompleted, AmountCents: 300, Currency: "USD"})
	assert.True(t, changed)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "pay", done.GatewayPaymentID)
	assert.Equal(t, int64(300), done.AmountCents)

	stale, changed := Merge(done, Snapshot{GatewayPaymentID: "pay", Status: StatusPending, AmountCents: 999, ReceiptURL: "stale"})
	assert.False(t, changed)
	assert.Equal(t, StatusCompleted, stale.Status)
	assert.Equal(t, int64(300), stale.AmountCents)
	assert.Empty(t, stale.ReceiptURL)
}

func TestMergeIdempotent(t *testing.T) {
	cur := Intent{Status: StatusPending, Channel: ChannelOnline, OrderID: "ord"}
	snap := Snapshot{GatewayPaymentID: "pay", OrderID: "ord", Status: StatusCompleted, ReceiptURL: "r"}

	once, changed := Merge(cur, snap)
	assert.True(t, changed)
	twice, changed := Merge(once, snap)
	assert.False(t, changed)
	assert.Equal(t, once, twice)
}

func TestMergeNeverRewritesCorrelationKeys(t *testing.T) {
	cur := Intent{Status: StatusPending, OrderID: "ord-1"}
	next, _ := Merge(cur, Snapshot{OrderID: "ord-2", Status: StatusApproved})
	assert.Equal(t, "ord-1", next.OrderID)
	assert.Equal(t, StatusApproved, next.Status)
}

func TestMergeEqualPriorityApplies(t *testing.T) {
	cur := Intent{Status: StatusFailed}
	next, changed := Merge(cur, Snapshot{Status: StatusFailed, ReceiptURL: "r"})
	assert.True(t, changed)
	assert.Equal(t, "r", next.ReceiptURL)
}

func TestMergeClassifiesUnknownChannel(t *testing.T) {
	next, _ := Merge(Intent{Status: StatusUnknown}, Snapshot{Status: StatusPending, SourceType: "CARD", EntryMethod: "CONTACTLESS"})
	assert.Equal(t, ChannelTerminal, next.Channel)

	next, _ = Merge(Intent{Status: StatusUnknown}, Snapshot{Status: StatusPending, SourceType: "CARD", EntryMethod: "KEYED"})
	assert.Equal(t, ChannelOnline, next.Channel)

	kept, _ := Merge(Intent{Channel: ChannelOnline, Status: StatusPending}, Snapshot{Status: StatusPending, EntryMethod: "EMV"})
	assert.Equal(t, ChannelOnline, kept.Channel)
}

func TestAdoptLinksOrphan(t *testing.T) {
	orphan := Intent{ID: 7, Status: StatusCompleted, Channel: ChannelTerminal, CheckoutID: "chk", GatewayPaymentID: "pay"}
	sessionID := int64(42)

	next, changed := Adopt(orphan, Intent{
		SessionID: &sessionID, Channel: ChannelTerminal, Status: StatusPending,
		CheckoutID: "chk", OrderID: "ord", AmountCents: 300, Currency: "USD", DeviceID: "dev",
	})
	assert.True(t, changed)
	assert.Equal(t, StatusCompleted, next.Status)
	if assert.NotNil(t, next.SessionID) {
		assert.Equal(t, int64(42), *next.SessionID)
	}
	assert.Equal(t, "ord", next.OrderID)
	assert.Equal(t, "dev", next.DeviceID)
	assert.Equal(t, int64(300), next.AmountCents)

	again, changed := Adopt(next, Intent{SessionID: &sessionID, Channel: ChannelTerminal, Status: StatusPending, CheckoutID: "chk"})
	assert.False(t, changed)
	assert.Equal(t, next, again)
}

func TestFoldKeepsLinkAndTakesHigherStatus(t *testing.T) {
	sid := int64(7)
	linked := Intent{ID: 1, SessionID: &sid, Channel: ChannelTerminal, Status: StatusPending, AmountCents: 200, Currency: "USD", CheckoutID: "chk", DeviceID: "dev-1"}
	orphan := Intent{ID: 2, Channel: ChannelOnline, Status: StatusApproved, GatewayPaymentID: "pay", OrderID: "ord", AmountCents: 200, EntryMethod: "KEYED"}

	folded, changed := Fold(linked, orphan)
	assert.True(t, changed)
	assert.Equal(t, int64(1), folded.ID)
	assert.Equal(t, &sid, folded.SessionID)
	assert.Equal(t, ChannelTerminal, folded.Channel)
	assert.Equal(t, StatusApproved, folded.Status)
	assert.Equal(t, "chk", folded.CheckoutID)
	assert.Equal(t, "pay", folded.GatewayPaymentID)
	assert.Equal(t, "ord", folded.OrderID)
	assert.Equal(t, "dev-1", folded.DeviceID)

	again, changed := Fold(folded, orphan)
	assert.False(t, changed)
	assert.Equal(t, folded, again)
}

func TestFoldLowerStatusKeepsCurrent(t *testing.T) {
	cur := Intent{ID: 1, Status: StatusCompleted, GatewayPaymentID: "pay"}
	dup := Intent{ID: 2, Status: StatusPending, CheckoutID: "chk", ReceiptURL: "stale"}

	folded, changed := Fold(cur, dup)
	assert.True(t, changed)
	assert.Equal(t, StatusCompleted, folded.Status)
	assert.Equal(t, "chk", folded.CheckoutID)
	assert.Empty(t, folded.ReceiptURL)
}
