package payment

// Merge folds a gateway snapshot into an intent under the status priority order.
//
// Correlation keys are filled when empty and never rewritten. Status and the
// descriptive fields are taken from the snapshot only when its status has equal
// or higher priority than the current one, so stale notifications cannot
// downgrade or clobber newer data. The returned bool reports whether anything
// changed; merging the same snapshot twice yields false the second time.
func Merge(cur Intent, in Snapshot) (Intent, bool) {
	next := cur

	fill(&next.GatewayPaymentID, in.GatewayPaymentID)
	fill(&next.OrderID, in.OrderID)
	fill(&next.CheckoutID, in.CheckoutID)
	fill(&next.ReferenceID, in.ReferenceID)
	fill(&next.LocationID, in.LocationID)

	if cur.Status.Supersedes(in.Status) {
		next.Status = in.Status
		if in.AmountCents > 0 {
			next.AmountCents = in.AmountCents
		}
		set(&next.Currency, in.Currency)
		set(&next.ReceiptURL, in.ReceiptURL)
		set(&next.SourceType, in.SourceType)
		set(&next.EntryMethod, in.EntryMethod)
	}

	if next.Channel == "" || next.Channel == ChannelUnknown {
		next.Channel = in.ClassifyChannel()
	}

	return next, next != cur
}

// Adopt merges a freshly initiated intent into an existing record, typically an
// orphan created by a callback that arrived first.
func Adopt(cur Intent, initiated Intent) (Intent, bool) {
	next, _ := Merge(cur, Snapshot{
		GatewayPaymentID: initiated.GatewayPaymentID,
		OrderID:          initiated.OrderID,
		CheckoutID:       initiated.CheckoutID,
		ReferenceID:      initiated.ReferenceID,
		LocationID:       initiated.LocationID,
		Status:           initiated.Status,
	})
	if next.SessionID == nil && initiated.SessionID != nil {
		id := *initiated.SessionID
		next.SessionID = &id
	}
	if initiated.Channel != "" && initiated.Channel != ChannelUnknown {
		next.Channel = initiated.Channel
	}
	if next.AmountCents == 0 {
		next.AmountCents = initiated.AmountCents
	}
	fill(&next.Currency, initiated.Currency)
	fill(&next.PaymentLinkID, initiated.PaymentLinkID)
	fill(&next.PaymentURL, initiated.PaymentURL)
	fill(&next.DeviceID, initiated.DeviceID)
	return next, !sameIntent(next, cur)
}

// Fold absorbs dup, a second record of the same payment, into cur. Keys fill
// the way Merge fills them, the higher-priority status wins, and the session
// link and initiation details survive from whichever record carries them.
func Fold(cur, dup Intent) (Intent, bool) {
	next, _ := Merge(cur, Snapshot{
		GatewayPaymentID: dup.GatewayPaymentID,
		OrderID:          dup.OrderID,
		CheckoutID:       dup.CheckoutID,
		ReferenceID:      dup.ReferenceID,
		LocationID:       dup.LocationID,
		AmountCents:      dup.AmountCents,
		Currency:         dup.Currency,
		Status:           dup.Status,
		SourceType:       dup.SourceType,
		EntryMethod:      dup.EntryMethod,
		ReceiptURL:       dup.ReceiptURL,
	})
	if next.SessionID == nil && dup.SessionID != nil {
		id := *dup.SessionID
		next.SessionID = &id
	}
	if (next.Channel == "" || next.Channel == ChannelUnknown) && dup.Channel != "" {
		next.Channel = dup.Channel
	}
	if next.AmountCents == 0 {
		next.AmountCents = dup.AmountCents
	}
	fill(&next.Currency, dup.Currency)
	fill(&next.PaymentLinkID, dup.PaymentLinkID)
	fill(&next.PaymentURL, dup.PaymentURL)
	fill(&next.DeviceID, dup.DeviceID)
	return next, !sameIntent(next, cur)
}

func sameIntent(a, b Intent) bool {
	if (a.SessionID == nil) != (b.SessionID == nil) {
		return false
	}
	if a.SessionID != nil && *a.SessionID != *b.SessionID {
		return false
	}
	a.SessionID, b.SessionID = nil, nil
	return a == b
}

func fill(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

func set(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
