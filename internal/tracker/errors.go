package tracker

import (
	"errors"
	"fmt"
)

// Fetch failure kinds. Match with errors.Is against a *FetchFailure.
var (
	ErrChallengeDetected = errors.New("challenge detected")
	ErrEmptyResponse     = errors.New("empty response")
	ErrTransient         = errors.New("transient error")
)

// ErrSnapshotNotFound is returned by a state mirror that holds no copy of the
// requested object.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// FetchFailure reports a network or anti-bot failure for a single request.
type FetchFailure struct {
	Kind error
	URL  string
	Err  error
}

// NewFetchFailure builds a FetchFailure of the given kind.
func NewFetchFailure(kind error, url string, err error) *FetchFailure {
	return &FetchFailure{Kind: kind, URL: url, Err: err}
}

func (e *FetchFailure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Kind)
	}
	return fmt.Sprintf("fetch %s: %v: %v", e.URL, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *FetchFailure) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ParseFailure reports a vendor payload whose shape could not be normalized.
type ParseFailure struct {
	Source string
	Err    error
}

func (e *ParseFailure) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Source, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ParseFailure) Unwrap() error {
	return e.Err
}

// DeliveryFailure reports a notification send that did not reach the gateway.
type DeliveryFailure struct {
	UserID string
	Err    error
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.UserID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DeliveryFailure) Unwrap() error {
	return e.Err
}

// StoreIOFailure reports a disk write or lock failure. In-memory state is
// still valid when this is returned.
type StoreIOFailure struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreIOFailure) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *StoreIOFailure) Unwrap() error {
	return e.Err
}

// HistoryKindFor classifies a hard run error for the history log.
func HistoryKindFor(err error) HistoryKind {
	var parseErr *ParseFailure
	if errors.As(err, &parseErr) {
		return HistoryParseFailure
	}
	var storeErr *StoreIOFailure
	if errors.As(err, &storeErr) {
		return HistoryStoreFailure
	}
	return HistoryFetchFailure
}
