package orders

import (
	"context"
	"fmt"
	"time"
)

// DisplayState is the user-facing state derived from an order.
type DisplayState string

const (
	StateAwaitingPayment DisplayState = "awaiting_payment"
	StateExpired         DisplayState = "expired"
	StatePaid            DisplayState = "paid"
	StateCancelled       DisplayState = "cancelled"
	StateFailed          DisplayState = "failed"
	StateInProgress      DisplayState = "in_progress"
)

// Presentation is what the orders view renders for one order.
type Presentation struct {
	OrderCode        string        `json:"order_code"`
	State            DisplayState  `json:"state"`
	Remaining        time.Duration `json:"-"`
	SecondsRemaining int64         `json:"seconds_remaining"`
	Countdown        string        `json:"countdown,omitempty"`
	Label            string        `json:"label"`
	GrandTotal       string        `json:"grand_total"`
}

// Counting reports whether the presentation changes with time.
func (p Presentation) Counting() bool { return p.State == StateAwaitingPayment }

// Remaining is the unpaid time left: max(0, createdAt+window-now).
func Remaining(createdAt, now time.Time, window time.Duration) time.Duration {
	r := createdAt.Add(window).Sub(now)
	if r < 0 {
		return 0
	}
	return r
}

func (o Order) window() time.Duration {
	if !o.ExpiresAt.IsZero() && o.ExpiresAt.After(o.CreatedAt) {
		return o.ExpiresAt.Sub(o.CreatedAt)
	}
	return DefaultPaymentWindow
}

// Present maps an order and the current time to its display state. It never
// changes the stored order; expiry here is presentational only.
func Present(o Order, now time.Time) Presentation {
	p := Presentation{OrderCode: o.OrderCode, GrandTotal: FormatCents(o.GrandTotal)}
	switch {
	case o.PaymentStatus == PaymentPaid:
		p.State, p.Label = StatePaid, "Paid"
	case o.Status == StatusCancelled:
		p.State, p.Label = StateCancelled, "Cancelled"
	case o.Status == StatusFailed:
		p.State, p.Label = StateFailed, "Order failed"
	case o.Status == StatusPending:
		p.Remaining = Remaining(o.CreatedAt, now, o.window())
		secs := int64((p.Remaining + time.Second - 1) / time.Second)
		p.SecondsRemaining = secs
		p.Countdown = fmt.Sprintf("%02d:%02d", secs/60, secs%60)
		if p.Remaining > 0 {
			p.State, p.Label = StateAwaitingPayment, "Awaiting payment"
		} else {
			p.State, p.Label = StateExpired, "Payment window expired"
		}
	default:
		p.State = StateInProgress
		switch o.Status {
		case StatusShipped:
			p.Label = "Shipped"
		case StatusCompleted:
			p.Label = "Completed"
		default:
			p.Label = "Processing"
		}
	}
	return p
}

// Watch emits the order's presentation now and then once per interval,
// recomputed from absolute timestamps each time. The channel closes after a
// non-counting state is sent or when ctx is done.
func Watch(ctx context.Context, o Order, interval time.Duration) <-chan Presentation {
	return watch(ctx, o, interval, time.Now)
}

func watch(ctx context.Context, o Order, interval time.Duration, now func() time.Time) <-chan Presentation {
	if interval <= 0 {
		interval = time.Second
	}
	ch := make(chan Presentation)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			p := Present(o, now())
			select {
			case ch <- p:
			case <-ctx.Done():
				return
			}
			if !p.Counting() {
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
