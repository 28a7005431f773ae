package telegram

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"listing_bot/internal/model"
)

// FormatListing formats a listing as a notification message. The same
// text is used for plain messages and for rich-message captions.
func FormatListing(l model.Listing, filterName string) string {
	var b strings.Builder
	if filterName != "" {
		fmt.Fprintf(&b, "[%s]\n\n", filterName)
	}
	b.WriteString(l.Title)

	var details []string
	if l.Price != nil {
		details = append(details, formatPrice(l))
	}
	if l.Bedrooms != nil {
		details = append(details, fmt.Sprintf("%d BR", *l.Bedrooms))
	}
	if loc := formatLocation(l); loc != "" {
		details = append(details, loc)
	}
	if len(details) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(details, " | "))
	}

	if l.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(truncate(l.Description, 300))
	}
	if len(l.Tags) > 0 {
		b.WriteString("\n\n")
		b.WriteString("#" + strings.Join(l.Tags, " #"))
	}
	if l.SourceURL != "" {
		b.WriteString("\n\n")
		b.WriteString(l.SourceURL)
	}
	return b.String()
}

// truncate shortens s to at most max bytes without cutting a rune in
// half, which would leave invalid UTF-8 the Bot API rejects.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func formatPrice(l model.Listing) string {
	s := fmt.Sprintf("%d", *l.Price)
	if l.Currency != "" {
		s += " " + l.Currency
	}
	if l.PricePeriod != "" {
		s += "/" + l.PricePeriod
	}
	return s
}

func formatLocation(l model.Listing) string {
	switch {
	case l.City != "" && l.Neighborhood != "":
		return l.Neighborhood + ", " + l.City
	case l.City != "":
		return l.City
	default:
		return l.Neighborhood
	}
}
