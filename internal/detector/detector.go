// Package detector folds availability observations into product status and
// decides when a stock transition occurred.
package detector

import (
	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

// Fold applies obs to prev and returns the new status plus a Transition when
// InStock flipped. A nil prev is a first sighting: it establishes the baseline
// and never yields a Transition.
func Fold(prev *tracker.ProductStatus, obs tracker.Observation) (tracker.ProductStatus, *tracker.Transition) {
	next := tracker.ProductStatus{
		InStock:       obs.InStock,
		LastCheckedAt: obs.ObservedAt,
		LastChangedAt: obs.ObservedAt,
	}
	if prev != nil {
		next = prev.Clone()
		if obs.ObservedAt.After(next.LastCheckedAt) {
			next.LastCheckedAt = obs.ObservedAt
		}
		next.ConsecutiveFailures = 0
	}
	mergeMetadata(&next, obs)

	if prev == nil || prev.InStock == obs.InStock {
		return next, nil
	}

	next.InStock = obs.InStock
	next.LastChangedAt = next.LastCheckedAt
	return next, &tracker.Transition{
		Key:         obs.Key,
		FromInStock: prev.InStock,
		ToInStock:   obs.InStock,
		OccurredAt:  next.LastChangedAt,
		Title:       next.Title,
		URL:         next.URL,
		Quantity:    next.Quantity,
	}
}

// MarkFailure increments the failure counter of a known status.
func MarkFailure(prev tracker.ProductStatus) tracker.ProductStatus {
	next := prev.Clone()
	next.ConsecutiveFailures++
	return next
}

// mergeMetadata copies display fields. Quantity is cleared when unknown or the
// variant is out of stock so a stale count never outlives its signal.
func mergeMetadata(status *tracker.ProductStatus, obs tracker.Observation) {
	if obs.Title != "" {
		status.Title = obs.Title
	}
	if obs.URL != "" {
		status.URL = obs.URL
	}
	if obs.Price != "" {
		status.Price = obs.Price
	}
	status.StatusText = obs.StatusText
	status.Quantity = nil
	if obs.Quantity != nil && obs.InStock {
		status.Quantity = tracker.IntPtr(*obs.Quantity)
	}
}
