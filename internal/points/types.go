package points

import (
	"fmt"
	"time"
)

// SourceType names the cause of a ledger entry.
type SourceType string

const (
	SourceOrderUse   SourceType = "order_use"
	SourceOrderEarn  SourceType = "order_earn"
	SourceRedemption SourceType = "redemption"
)

// LocalSuffix marks entries recorded only on the client side after a failed
// remote write. They need reconciliation.
const LocalSuffix = " (local)"

const (
	DefaultPageSize = 20
	DefaultLocalCap = 50
)

// Entry is one immutable ledger row.
type Entry struct {
	UserID      string     `dynamodbav:"user_id" json:"-"`
	EntryKey    string     `dynamodbav:"entry_key" json:"-"` // SK: entry#<ns>#<id>
	ID          string     `dynamodbav:"entry_id" json:"id"`
	Amount      int64      `dynamodbav:"amount" json:"amount"`
	SourceType  SourceType `dynamodbav:"source_type" json:"source_type"`
	SourceID    string     `dynamodbav:"source_id,omitempty" json:"source_id,omitempty"`
	Description string     `dynamodbav:"description,omitempty" json:"description"`
	CreatedAt   time.Time  `dynamodbav:"created_at" json:"created_at"`
	Local       bool       `dynamodbav:"-" json:"local,omitempty"`
}

// Adjustment is the input of Ledger.RecordAdjustment. DedupKey, when set,
// makes the adjustment apply at most once.
type Adjustment struct {
	UserID      string
	Amount      int64
	SourceType  SourceType
	SourceID    string
	Description string
	DedupKey    string
}

func (a Adjustment) description() string {
	if a.Description != "" {
		return a.Description
	}
	switch a.SourceType {
	case SourceOrderUse:
		return fmt.Sprintf("Points used on order %s", a.SourceID)
	case SourceOrderEarn:
		return fmt.Sprintf("Points earned on order %s", a.SourceID)
	case SourceRedemption:
		return fmt.Sprintf("Points redeemed for product %s", a.SourceID)
	default:
		return string(a.SourceType)
	}
}

// User is the row in the users table holding the running balance.
type User struct {
	UserID        string    `dynamodbav:"user_id"`
	Username      string    `dynamodbav:"username,omitempty"`
	PointsBalance int64     `dynamodbav:"points_balance"`
	CreatedAt     time.Time `dynamodbav:"created_at"`
	UpdatedAt     time.Time `dynamodbav:"updated_at"`
}

func entryKey(at time.Time, id string) string {
	return fmt.Sprintf("entry#%019d#%s", at.UnixNano(), id)
}

func dedupKey(key string) string { return "dedup#" + key }
