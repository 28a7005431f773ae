package match

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"listing_bot/internal/model"
)

func price(v int64) *int64 { return &v }
func rooms(v int) *int     { return &v }

func TestMatches(t *testing.T) {
	tests := []struct {
		name    string
		listing model.Listing
		filter  model.Filter
		want    bool
	}{
		{
			name:    "empty filter matches everything",
			listing: model.Listing{Title: "anything"},
			filter:  model.Filter{},
			want:    true,
		},
		{
			name:    "price within bounds",
			listing: model.Listing{Price: price(4500)},
			filter:  model.Filter{MinPrice: price(3000), MaxPrice: price(5000)},
			want:    true,
		},
		{
			name:    "price below min",
			listing: model.Listing{Price: price(2500)},
			filter:  model.Filter{MinPrice: price(3000)},
			want:    false,
		},
		{
			name:    "price above max",
			listing: model.Listing{Price: price(6000)},
			filter:  model.Filter{MaxPrice: price(5000)},
			want:    false,
		},
		{
			name:    "price bound at boundary is inclusive",
			listing: model.Listing{Price: price(5000)},
			filter:  model.Filter{MaxPrice: price(5000)},
			want:    true,
		},
		{
			name:    "min price never matches unknown price",
			listing: model.Listing{Title: "no price given"},
			filter:  model.Filter{MinPrice: price(2000)},
			want:    false,
		},
		{
			name:    "max price never matches unknown price",
			listing: model.Listing{Title: "no price given"},
			filter:  model.Filter{MaxPrice: price(9000)},
			want:    false,
		},
		{
			name:    "bedroom bounds",
			listing: model.Listing{Bedrooms: rooms(3)},
			filter:  model.Filter{MinBedrooms: rooms(2), MaxBedrooms: rooms(4)},
			want:    true,
		},
		{
			name:    "bedroom bound never matches unknown count",
			listing: model.Listing{Price: price(4000)},
			filter:  model.Filter{MinBedrooms: rooms(1)},
			want:    false,
		},
		{
			name:    "city in allowed set",
			listing: model.Listing{City: "Tel Aviv"},
			filter:  model.Filter{Cities: []string{"Tel Aviv", "Ramat Gan"}},
			want:    true,
		},
		{
			name:    "city match is case insensitive",
			listing: model.Listing{City: "tel aviv"},
			filter:  model.Filter{Cities: []string{"Tel Aviv"}},
			want:    true,
		},
		{
			name:    "city not in allowed set",
			listing: model.Listing{City: "Haifa"},
			filter:  model.Filter{Cities: []string{"Tel Aviv"}},
			want:    false,
		},
		{
			name:    "city constraint never matches unknown city",
			listing: model.Listing{Title: "somewhere"},
			filter:  model.Filter{Cities: []string{"Tel Aviv"}},
			want:    false,
		},
		{
			name:    "neighborhood in allowed set",
			listing: model.Listing{City: "Tel Aviv", Neighborhood: "Florentin"},
			filter:  model.Filter{Neighborhoods: []string{"Florentin", "Neve Tzedek"}},
			want:    true,
		},
		{
			name:    "neighborhood constraint never matches unknown neighborhood",
			listing: model.Listing{City: "Tel Aviv"},
			filter:  model.Filter{Neighborhoods: []string{"Florentin"}},
			want:    false,
		},
		{
			name:    "keyword in title",
			listing: model.Listing{Title: "Sunny balcony apartment"},
			filter:  model.Filter{Keywords: []string{"balcony"}},
			want:    true,
		},
		{
			name:    "keyword in description",
			listing: model.Listing{Title: "3 rooms", Description: "Renovated, close to the beach"},
			filter:  model.Filter{Keywords: []string{"renovated"}},
			want:    true,
		},
		{
			name:    "keywords are OR-matched",
			listing: model.Listing{Title: "Has elevator"},
			filter:  model.Filter{Keywords: []string{"balcony", "elevator"}},
			want:    true,
		},
		{
			name:    "no keyword present",
			listing: model.Listing{Title: "Basic studio", Description: "Ground floor"},
			filter:  model.Filter{Keywords: []string{"balcony", "elevator"}},
			want:    false,
		},
		{
			name:    "all required tags present",
			listing: model.Listing{Tags: []string{"parking", "pets", "balcony"}},
			filter:  model.Filter{MustHaveTags: []string{"parking", "pets"}},
			want:    true,
		},
		{
			name:    "one required tag missing",
			listing: model.Listing{Tags: []string{"parking"}},
			filter:  model.Filter{MustHaveTags: []string{"parking", "pets"}},
			want:    false,
		},
		{
			name:    "excluded tag present",
			listing: model.Listing{Price: price(4500), City: "Tel Aviv", Tags: []string{"smoking"}},
			filter:  model.Filter{MaxPrice: price(5000), Cities: []string{"Tel Aviv"}, ExcludeTags: []string{"smoking"}},
			want:    false,
		},
		{
			name:    "excluded tag absent",
			listing: model.Listing{Tags: []string{"parking"}},
			filter:  model.Filter{ExcludeTags: []string{"smoking"}},
			want:    true,
		},
		{
			name:    "all criteria combined",
			listing: model.Listing{Price: price(4500), Bedrooms: rooms(3), City: "Tel Aviv", Title: "With balcony", Tags: []string{"parking"}},
			filter: model.Filter{
				MinPrice:     price(3000),
				MaxPrice:     price(5000),
				MinBedrooms:  rooms(2),
				Cities:       []string{"Tel Aviv"},
				Keywords:     []string{"balcony"},
				MustHaveTags: []string{"parking"},
				ExcludeTags:  []string{"smoking"},
			},
			want: true,
		},
		{
			name:    "one failing check short-circuits the rest",
			listing: model.Listing{Price: price(9000), Bedrooms: rooms(3), City: "Tel Aviv"},
			filter:  model.Filter{MaxPrice: price(5000), Cities: []string{"Tel Aviv"}},
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Matches(tt.listing, tt.filter)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Matches mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
