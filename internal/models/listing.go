package models

import "time"

// ListingLockState is the state of a listing lock row.
type ListingLockState string

const (
	ListingInFlight ListingLockState = "in_flight"
	ListingFilled   ListingLockState = "filled"
)

// ListingLock enforces "a listing in state in_flight must not be re-used
// to start a second trade" (§3 invariant I5).
type ListingLock struct {
	ListingKey  string           `json:"listing_key"`
	ListingType string           `json:"listing_type"`
	ListingID   string           `json:"listing_id"`
	TradeID     string           `json:"trade_id"`
	State       ListingLockState `json:"state"`
	Note        string           `json:"note,omitempty"`
	MetaJSON    string           `json:"meta_json,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// ListingLockPatch follows the same "nil leaves unchanged" rule as
// TradePatch; CreatedAt is deliberately not patchable — §4.4 says it
// "never changes on update."
type ListingLockPatch struct {
	ListingType *string
	ListingID   *string
	TradeID     *string
	State       *ListingLockState
	Note        *string
	MetaJSON    *string
}

func (p ListingLockPatch) Apply(l *ListingLock) {
	if p.ListingType != nil {
		l.ListingType = *p.ListingType
	}
	if p.ListingID != nil {
		l.ListingID = *p.ListingID
	}
	if p.TradeID != nil {
		l.TradeID = *p.TradeID
	}
	if p.State != nil {
		l.State = *p.State
	}
	if p.Note != nil {
		l.Note = *p.Note
	}
	if p.MetaJSON != nil {
		l.MetaJSON = *p.MetaJSON
	}
}

func ListingStatePtr(s ListingLockState) *ListingLockState { return &s }
