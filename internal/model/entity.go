package model

import (
	"net/url"
	"strings"
)

// EntityType identifies a kind of canonical record.
type EntityType string

const (
	EntityBuilder        EntityType = "builder"
	EntityCommunity      EntityType = "community"
	EntityProperty       EntityType = "property"
	EntityRepresentative EntityType = "representative"
)

// EntityTypes lists every canonical entity type.
var EntityTypes = []EntityType{EntityBuilder, EntityCommunity, EntityProperty, EntityRepresentative}

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	_, ok := entitySchemas[e]
	return ok
}

// ParseEntityType validates s as an entity type.
func ParseEntityType(s string) (EntityType, error) {
	e := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if !e.Valid() {
		return "", Invalidf("unknown entity type %q", s)
	}
	return e, nil
}

// EntitySchema describes the canonical table behind an entity type.
type EntitySchema struct {
	Table      string
	Identifier string
	Fields     []string
}

var entitySchemas = map[EntityType]EntitySchema{
	EntityBuilder: {
		Table:      "builders",
		Identifier: "website",
		Fields: []string{
			"name", "website", "phone", "email", "address", "city", "state", "zip",
			"description", "logo_url", "facebook_url", "instagram_url", "twitter_url",
			"linkedin_url", "youtube_url",
		},
	},
	EntityCommunity: {
		Table:      "communities",
		Identifier: "website",
		Fields: []string{
			"name", "website", "phone", "email", "address", "city", "state", "zip",
			"description", "price_min", "price_max", "hoa_fee", "amenities", "status",
			"facebook_url", "instagram_url",
		},
	},
	EntityProperty: {
		Table:      "properties",
		Identifier: "listing_id",
		Fields: []string{
			"name", "listing_id", "address", "city", "state", "zip", "price", "status",
			"beds", "baths", "sqft", "lot_size", "description", "url",
		},
	},
	EntityRepresentative: {
		Table:      "representatives",
		Identifier: "email",
		Fields: []string{
			"name", "email", "phone", "title", "photo_url", "city", "state", "linkedin_url",
		},
	},
}

// Schema returns the schema for e. The second result is false for unknown types.
func (e EntityType) Schema() (EntitySchema, bool) {
	s, ok := entitySchemas[e]
	return s, ok
}

// HasField reports whether field is a canonical column of e.
func (e EntityType) HasField(field string) bool {
	s, ok := entitySchemas[e]
	if !ok {
		return false
	}
	for _, f := range s.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// IdentifierKey returns the normalized identifier used for exact-key
// matching, or "" when the value carries no usable identifier.
func (e EntityType) IdentifierKey(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	switch e {
	case EntityBuilder, EntityCommunity:
		return NormalizeDomain(value)
	case EntityRepresentative:
		return strings.ToLower(value)
	default:
		return value
	}
}

// Entity is a canonical record with its current field values. Empty fields
// are represented by "".
type Entity struct {
	Type   EntityType        `json:"type"`
	ID     int64             `json:"id"`
	Fields map[string]string `json:"fields"`
}

// Name returns the entity's name field.
func (e *Entity) Name() string { return e.Fields["name"] }

// NormalizeDomain reduces a URL or bare host to its lower-cased host without
// scheme, "www." prefix or port.
func NormalizeDomain(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	return strings.TrimPrefix(host, "www.")
}
