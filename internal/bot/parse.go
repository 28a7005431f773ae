package bot

import (
	"fmt"
	"strconv"
	"strings"

	"listing_bot/internal/model"
)

// ParseFilterSpec parses the key=value arguments of /add into a filter.
// Repeatable keys accumulate: city, area, keyword, tag, -tag. Values with
// spaces can be double-quoted, e.g. city="Tel Aviv".
func ParseFilterSpec(args string) (model.Filter, error) {
	f := model.Filter{Enabled: true}

	tokens, err := tokenize(args)
	if err != nil {
		return f, err
	}
	if len(tokens) == 0 {
		return f, fmt.Errorf("at least one criterion is required")
	}

	for _, tok := range tokens {
		key, value, ok := strings.Cut(tok, "=")
		if !ok || value == "" {
			return f, fmt.Errorf("expected key=value, got %q", tok)
		}

		switch strings.ToLower(key) {
		case "name":
			f.Name = value
		case "minprice":
			p, err := parsePrice(value)
			if err != nil {
				return f, err
			}
			f.MinPrice = p
		case "maxprice":
			p, err := parsePrice(value)
			if err != nil {
				return f, err
			}
			f.MaxPrice = p
		case "minrooms":
			n, err := parseRooms(value)
			if err != nil {
				return f, err
			}
			f.MinBedrooms = n
		case "maxrooms":
			n, err := parseRooms(value)
			if err != nil {
				return f, err
			}
			f.MaxBedrooms = n
		case "city":
			f.Cities = append(f.Cities, value)
		case "area":
			f.Neighborhoods = append(f.Neighborhoods, value)
		case "keyword":
			f.Keywords = append(f.Keywords, value)
		case "tag":
			f.MustHaveTags = append(f.MustHaveTags, strings.ToLower(value))
		case "-tag":
			f.ExcludeTags = append(f.ExcludeTags, strings.ToLower(value))
		default:
			return f, fmt.Errorf("unknown criterion %q", key)
		}
	}

	if f.MinPrice != nil && f.MaxPrice != nil && *f.MinPrice > *f.MaxPrice {
		return f, fmt.Errorf("minprice is greater than maxprice")
	}
	if f.MinBedrooms != nil && f.MaxBedrooms != nil && *f.MinBedrooms > *f.MaxBedrooms {
		return f, fmt.Errorf("minrooms is greater than maxrooms")
	}
	return f, nil
}

// tokenize splits on whitespace while keeping double-quoted spans intact.
func tokenize(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuotes := false

	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case !inQuotes && (r == ' ' || r == '\t' || r == '\n'):
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unclosed quote")
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

func parsePrice(s string) (*int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return nil, fmt.Errorf("invalid price %q", s)
	}
	return &v, nil
}

func parseRooms(s string) (*int, error) {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 || v > 50 {
		return nil, fmt.Errorf("invalid room count %q", s)
	}
	return &v, nil
}

// ParseIDArg extracts a numeric ID from a command argument string.
func ParseIDArg(args string) (int64, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, fmt.Errorf("filter ID is required")
	}
	id, err := strconv.ParseInt(strings.Fields(s)[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid filter ID %q", s)
	}
	return id, nil
}
