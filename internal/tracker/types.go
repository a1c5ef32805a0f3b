package tracker

import (
	"net/http"
	"strings"
	"time"
)

// VariantKey identifies one purchasable unit, formatted as
// "<source>:<id>" or "<source>:<id>:<variant>". Keys never change once assigned.
type VariantKey string

// NewVariantKey joins a source prefix and identifier parts into a key.
func NewVariantKey(source string, parts ...string) VariantKey {
	all := make([]string, 0, len(parts)+1)
	all = append(all, source)
	for _, p := range parts {
		if p != "" {
			all = append(all, p)
		}
	}
	return VariantKey(strings.Join(all, ":"))
}

// Source returns the key's source prefix.
func (k VariantKey) Source() string {
	source, _, _ := strings.Cut(string(k), ":")
	return source
}

// ID returns everything after the source prefix.
func (k VariantKey) ID() string {
	_, id, _ := strings.Cut(string(k), ":")
	return id
}

// ProductStatus is the last known state of a variant. LastChangedAt only moves
// when InStock flips and never exceeds LastCheckedAt.
type ProductStatus struct {
	InStock             bool      `json:"inStock"`
	LastCheckedAt       time.Time `json:"lastCheckedAt"`
	LastChangedAt       time.Time `json:"lastChangedAt"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Title               string    `json:"title,omitempty"`
	Quantity            *int      `json:"quantity,omitempty"`
	StatusText          string    `json:"statusText,omitempty"`
	URL                 string    `json:"url,omitempty"`
	Price               string    `json:"price,omitempty"`
}

// Clone returns a copy that shares no memory with s.
func (s ProductStatus) Clone() ProductStatus {
	cp := s
	cp.Quantity = cloneInt(s.Quantity)
	return cp
}

// Observation is a single normalized availability reading produced by a poll.
type Observation struct {
	Key        VariantKey
	InStock    bool
	Quantity   *int
	ObservedAt time.Time
	Title      string
	StatusText string
	URL        string
	Price      string
}

// Transition records a flip of a variant's InStock value between two polls.
type Transition struct {
	Key         VariantKey `json:"variantKey"`
	FromInStock bool       `json:"fromInStock"`
	ToInStock   bool       `json:"toInStock"`
	OccurredAt  time.Time  `json:"occurredAt"`
	Title       string     `json:"title,omitempty"`
	URL         string     `json:"url,omitempty"`
	Quantity    *int       `json:"quantity,omitempty"`
}

// Direction reports which way the transition went.
func (t Transition) Direction() Direction {
	return DirectionOf(t.ToInStock)
}

// Direction is the notification direction persisted with each record.
type Direction string

// Supported directions.
const (
	DirectionInStock    Direction = "to_in_stock"
	DirectionOutOfStock Direction = "to_out_of_stock"
)

// DirectionOf maps a target InStock value to its Direction.
func DirectionOf(toInStock bool) Direction {
	if toInStock {
		return DirectionInStock
	}
	return DirectionOutOfStock
}

// Subscriber is one row of the subscription query for a variant.
type Subscriber struct {
	UserID               string
	NotificationsEnabled bool
}

// NotificationRecord tracks the last successful alert for a (user, variant) pair.
type NotificationRecord struct {
	LastNotifiedAt        time.Time `json:"lastNotifiedAt"`
	LastNotifiedDirection Direction `json:"lastNotifiedDirection"`
}

// RecordKey builds the "userId:variantKey" key used by the record file.
func RecordKey(userID string, key VariantKey) string {
	return userID + ":" + string(key)
}

// VariantFailure is a soft failure for one variant inside an otherwise successful poll.
type VariantFailure struct {
	Key VariantKey
	Err error
}

// PollResult is what a Source returns from a successful run.
type PollResult struct {
	Observations []Observation
	Failures     []VariantFailure
}

// DispatchReport counts per-user outcomes for a single transition.
// LookupFailures is set when the subscriber list itself could not be read,
// so no user was evaluated.
type DispatchReport struct {
	Sent           int `json:"sent"`
	Skipped        int `json:"skipped"`
	Failed         int `json:"failed"`
	LookupFailures int `json:"lookupFailures"`
}

// HistoryKind labels a history log line.
type HistoryKind string

// History kinds written by the poll worker.
const (
	HistoryInStock        HistoryKind = "in_stock"
	HistoryOutOfStock     HistoryKind = "out_of_stock"
	HistoryFetchFailure   HistoryKind = "fetch_failure"
	HistoryParseFailure   HistoryKind = "parse_failure"
	HistoryVariantFailure HistoryKind = "variant_failure"
	HistoryStoreFailure   HistoryKind = "store_failure"
)

// HistoryEntry is one append-only history line.
type HistoryEntry struct {
	Timestamp  time.Time   `json:"timestamp"`
	VariantKey VariantKey  `json:"variantKey"`
	Kind       HistoryKind `json:"kind"`
	Detail     string      `json:"detail"`
}

// FetchRequest captures everything needed to fetch a URL. Only semantic
// headers belong here; transport fingerprinting is the fetcher's concern.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}
