// Package match implements the listing-vs-filter matching predicate.
package match

import (
	"strings"

	"listing_bot/internal/model"
)

// Matches reports whether a listing satisfies every constraint of a filter.
// Constraints are AND-combined. An unset constraint (nil bound, empty set)
// never excludes a listing; a set constraint checked against an unknown
// listing field (nil price, nil bedrooms, empty city or neighborhood)
// always excludes it.
func Matches(l model.Listing, f model.Filter) bool {
	if f.MinPrice != nil && (l.Price == nil || *l.Price < *f.MinPrice) {
		return false
	}
	if f.MaxPrice != nil && (l.Price == nil || *l.Price > *f.MaxPrice) {
		return false
	}
	if f.MinBedrooms != nil && (l.Bedrooms == nil || *l.Bedrooms < *f.MinBedrooms) {
		return false
	}
	if f.MaxBedrooms != nil && (l.Bedrooms == nil || *l.Bedrooms > *f.MaxBedrooms) {
		return false
	}
	if len(f.Cities) > 0 && !containsFold(f.Cities, l.City) {
		return false
	}
	if len(f.Neighborhoods) > 0 && !containsFold(f.Neighborhoods, l.Neighborhood) {
		return false
	}
	if len(f.Keywords) > 0 && !anyKeyword(l, f.Keywords) {
		return false
	}
	if len(f.MustHaveTags) > 0 && !hasAllTags(l.Tags, f.MustHaveTags) {
		return false
	}
	if len(f.ExcludeTags) > 0 && hasAnyTag(l.Tags, f.ExcludeTags) {
		return false
	}
	return true
}

func containsFold(set []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// anyKeyword checks for a case-insensitive substring match of any keyword
// against the listing's title and description.
func anyKeyword(l model.Listing, keywords []string) bool {
	text := strings.ToLower(l.Title + " " + l.Description)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func hasAllTags(tags, wanted []string) bool {
	for _, w := range wanted {
		if !containsFold(tags, w) {
			return false
		}
	}
	return true
}

func hasAnyTag(tags, unwanted []string) bool {
	for _, u := range unwanted {
		if containsFold(tags, u) {
			return true
		}
	}
	return false
}
