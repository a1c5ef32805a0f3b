package notify

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

// FormatMessage renders the alert text for a transition. fallbackURL is used
// when the transition carries no product URL.
func FormatMessage(t tracker.Transition, fallbackURL string) string {
	title := strings.TrimSpace(t.Title)
	if title == "" {
		title = string(t.Key)
	}
	url := t.URL
	if url == "" {
		url = fallbackURL
	}

	var b strings.Builder
	b.WriteString(title)
	if t.ToInStock {
		b.WriteString(" is back in stock")
		if t.Quantity != nil && *t.Quantity > 0 {
			fmt.Fprintf(&b, " (%d available)", *t.Quantity)
		}
	} else {
		b.WriteString(" is out of stock")
	}
	b.WriteString(":")
	if url != "" {
		b.WriteString("\n")
		b.WriteString(url)
	}
	return b.String()
}

// maskUser hides all but the last four characters of a user identifier for logs.
func maskUser(userID string) string {
	if len(userID) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(userID)-4) + userID[len(userID)-4:]
}
