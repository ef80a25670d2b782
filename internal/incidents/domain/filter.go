package incidents

import "time"

// Ordering names accepted by ListFilter.OrderBy.
const (
	OrderFirstEventAsc  = "a_fe"
	OrderLastEventAsc   = "a_le"
	OrderCountAsc       = "a_count"
	OrderFirstEventDesc = "d_fe"
	OrderLastEventDesc  = "d_le"
	OrderCountDesc      = "d_count"
)

// ListFilter narrows incident listings. Element is an exact match;
// ElementContains is a case-insensitive substring match.
type ListFilter struct {
	Status          Status
	TeamID          int64
	EventID         int64
	Element         string
	ElementContains string
	OpenOnly        bool
	Since           time.Time
	OrderBy         string
	Limit           int
	Offset          int
}

// ValidOrder reports whether order is a known ordering name.
func ValidOrder(order string) bool {
	switch order {
	case OrderFirstEventAsc, OrderLastEventAsc, OrderCountAsc,
		OrderFirstEventDesc, OrderLastEventDesc, OrderCountDesc:
		return true
	default:
		return false
	}
}

// Stats summarizes incident counts for a dashboard.
type Stats struct {
	Active       int `json:"active"`
	Acknowledged int `json:"acknowledged"`
	Cleared      int `json:"cleared"`
}
