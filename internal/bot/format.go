package bot

import (
	"fmt"
	"strings"

	"listing_bot/internal/dispatch"
	"listing_bot/internal/model"
)

const (
	statusActive = "active"
	statusPaused = "paused"
)

// FormatFilterList formats a user's filters for display.
func FormatFilterList(filters []model.Filter) string {
	if len(filters) == 0 {
		return "You have no filters yet. Use /add to create one, e.g.:\n/add maxprice=5000 city=\"Tel Aviv\""
	}
	var b strings.Builder
	b.WriteString("Your filters:\n")
	for _, f := range filters {
		status := statusActive
		if !f.Enabled {
			status = statusPaused
		}
		fmt.Fprintf(&b, "\n#%d %s [%s]\n", f.ID, filterTitle(f), status)
		fmt.Fprintf(&b, "   %s\n", summarizeCriteria(f))
	}
	return b.String()
}

// FormatFilterInfo formats detailed information about a single filter.
func FormatFilterInfo(f *model.Filter) string {
	var b strings.Builder
	status := statusActive
	if !f.Enabled {
		status = statusPaused
	}
	fmt.Fprintf(&b, "#%d %s [%s]\n", f.ID, filterTitle(*f), status)

	if f.MinPrice != nil || f.MaxPrice != nil {
		fmt.Fprintf(&b, "Price: %s\n", formatRange64(f.MinPrice, f.MaxPrice))
	}
	if f.MinBedrooms != nil || f.MaxBedrooms != nil {
		fmt.Fprintf(&b, "Bedrooms: %s\n", formatRange(f.MinBedrooms, f.MaxBedrooms))
	}
	if len(f.Cities) > 0 {
		fmt.Fprintf(&b, "Cities: %s\n", strings.Join(f.Cities, ", "))
	}
	if len(f.Neighborhoods) > 0 {
		fmt.Fprintf(&b, "Areas: %s\n", strings.Join(f.Neighborhoods, ", "))
	}
	if len(f.Keywords) > 0 {
		fmt.Fprintf(&b, "Keywords: %s\n", strings.Join(f.Keywords, ", "))
	}
	if len(f.MustHaveTags) > 0 {
		fmt.Fprintf(&b, "Required tags: %s\n", strings.Join(f.MustHaveTags, ", "))
	}
	if len(f.ExcludeTags) > 0 {
		fmt.Fprintf(&b, "Excluded tags: %s\n", strings.Join(f.ExcludeTags, ", "))
	}
	fmt.Fprintf(&b, "Created: %s\n", f.CreatedAt.Format("2006-01-02 15:04 UTC"))
	return b.String()
}

// FormatReport formats a batch report as a /check reply.
func FormatReport(r *dispatch.Report) string {
	if r.Sent == 0 && r.Failed == 0 && r.Skipped == 0 {
		return "Check complete: nothing new."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Check complete: %d sent, %d skipped as duplicates, %d failed.",
		r.Sent, r.Skipped, r.Failed)
	if r.RichSent > 0 || r.FallbackSent > 0 {
		fmt.Fprintf(&b, "\n%d with photo, %d fell back to text.", r.RichSent, r.FallbackSent)
	}
	return b.String()
}

func filterTitle(f model.Filter) string {
	if f.Name != "" {
		return fmt.Sprintf("%q", f.Name)
	}
	return "(unnamed)"
}

func summarizeCriteria(f model.Filter) string {
	var parts []string
	if f.MinPrice != nil || f.MaxPrice != nil {
		parts = append(parts, "price "+formatRange64(f.MinPrice, f.MaxPrice))
	}
	if f.MinBedrooms != nil || f.MaxBedrooms != nil {
		parts = append(parts, "rooms "+formatRange(f.MinBedrooms, f.MaxBedrooms))
	}
	if len(f.Cities) > 0 {
		parts = append(parts, "in "+strings.Join(f.Cities, "/"))
	}
	if len(f.Neighborhoods) > 0 {
		parts = append(parts, "areas "+strings.Join(f.Neighborhoods, "/"))
	}
	if len(f.Keywords) > 0 {
		parts = append(parts, fmt.Sprintf("%d keyword(s)", len(f.Keywords)))
	}
	if len(f.MustHaveTags) > 0 {
		parts = append(parts, "+"+strings.Join(f.MustHaveTags, " +"))
	}
	if len(f.ExcludeTags) > 0 {
		parts = append(parts, "-"+strings.Join(f.ExcludeTags, " -"))
	}
	if len(parts) == 0 {
		return "matches everything"
	}
	return strings.Join(parts, ", ")
}

func formatRange64(min, max *int64) string {
	switch {
	case min != nil && max != nil:
		return fmt.Sprintf("%d-%d", *min, *max)
	case min != nil:
		return fmt.Sprintf("from %d", *min)
	case max != nil:
		return fmt.Sprintf("up to %d", *max)
	default:
		return "any"
	}
}

func formatRange(min, max *int) string {
	switch {
	case min != nil && max != nil:
		return fmt.Sprintf("%d-%d", *min, *max)
	case min != nil:
		return fmt.Sprintf("from %d", *min)
	case max != nil:
		return fmt.Sprintf("up to %d", *max)
	default:
		return "any"
	}
}
