package products

import (
	"errors"
	"strings"
	"time"

	"github.com/taphoa39/taphoa-backend/internal/checksum"
	"github.com/taphoa39/taphoa-backend/pkg/types"
)

const (
	Collection       = "products"
	MarkerCollection = "product_updates_processed"

	FieldOnHand = "OnHand"
)

var ErrMissingID = errors.New("product Id is required")

// Product is the canonical shape of a mirrored product. Remote and frontend
// payloads are normalized into it once; stored documents are rendered from it.
type Product struct {
	// Key is the document id. ID is its numeric form, zero when the remote id
	// is not an integer.
	Key               string
	ID                int64
	Code              *string
	Name              *string
	FullName          *string
	CategoryID        *int64
	IsActive          bool
	IsDeleted         bool
	Cost              float64
	BasePrice         float64
	OnHand            float64
	OnHandNV          float64
	Unit              *string
	MasterUnitID      *int64
	MasterProductID   *int64
	ConversionValue   float64
	Description       *string
	IsRewardPoint     bool
	ModifiedDate      *time.Time
	Image             *string
	CreatedDate       *time.Time
	ProductAttributes []any
	NormalizedName    *string
	NormalizedCode    *string
	OrderTemplate     *string

	// Extra carries fields outside the canonical schema untouched.
	Extra map[string]any
}

var aliases = map[string][]string{
	"Id":              {"Id", "id"},
	"OnHand":          {"OnHand", "onHand", "onhand"},
	"ConversionValue": {"ConversionValue", "conversionValue"},
	"MasterUnitId":    {"MasterUnitId", "masterUnitId"},
	"MasterProductId": {"MasterProductId", "masterProductId"},
	"isActive":        {"isActive", "IsActive"},
	"isDeleted":       {"isDeleted", "IsDeleted"},
}

var canonicalFields = map[string]struct{}{
	"Code": {}, "Name": {}, "FullName": {}, "CategoryId": {}, "Cost": {}, "BasePrice": {},
	"OnHandNV": {}, "Unit": {}, "Description": {}, "IsRewardPoint": {}, "ModifiedDate": {},
	"Image": {}, "CreatedDate": {}, "ProductAttributes": {}, "NormalizedName": {},
	"NormalizedCode": {}, "OrderTemplate": {},
}

// FromRecord normalizes a loosely typed record. Only a missing, empty or zero
// Id is an error.
func FromRecord(raw map[string]any) (Product, error) {
	pick := func(field string) any {
		for _, k := range aliases[field] {
			if v, ok := raw[k]; ok {
				return v
			}
		}
		return nil
	}
	rawID := pick("Id")
	key := types.ToID(rawID)
	if key == "" || key == "0" {
		return Product{}, ErrMissingID
	}
	p := Product{
		Key:               key,
		ID:                types.ToInt(rawID),
		Code:              optString(raw["Code"]),
		Name:              optString(raw["Name"]),
		FullName:          optString(raw["FullName"]),
		CategoryID:        optInt(raw["CategoryId"]),
		IsActive:          types.ToBool(pick("isActive"), true),
		IsDeleted:         types.ToBool(pick("isDeleted"), false),
		Cost:              types.ToFloat(raw["Cost"]),
		BasePrice:         types.ToFloat(raw["BasePrice"]),
		OnHand:            types.ToFloat(pick("OnHand")),
		OnHandNV:          types.ToFloat(raw["OnHandNV"]),
		Unit:              optString(raw["Unit"]),
		MasterUnitID:      optInt(pick("MasterUnitId")),
		MasterProductID:   optInt(pick("MasterProductId")),
		ConversionValue:   types.ToFloat(pick("ConversionValue")),
		Description:       optString(raw["Description"]),
		IsRewardPoint:     types.ToBool(raw["IsRewardPoint"], false),
		ModifiedDate:      optTime(raw["ModifiedDate"]),
		Image:             optString(raw["Image"]),
		CreatedDate:       optTime(raw["CreatedDate"]),
		ProductAttributes: optSlice(raw["ProductAttributes"]),
		NormalizedName:    optString(raw["NormalizedName"]),
		NormalizedCode:    optString(raw["NormalizedCode"]),
		OrderTemplate:     optString(raw["OrderTemplate"]),
	}
	for k, v := range raw {
		if _, ok := canonicalFields[k]; ok {
			continue
		}
		if isAlias(k) || k == checksum.FieldChecksum || k == checksum.FieldTimestamp {
			continue
		}
		if p.Extra == nil {
			p.Extra = map[string]any{}
		}
		p.Extra[k] = v
	}
	return p, nil
}

func isAlias(key string) bool {
	for _, names := range aliases {
		for _, n := range names {
			if n == key {
				return true
			}
		}
	}
	return false
}

// DocID is the mirror document id.
func (p Product) DocID() string {
	return p.Key
}

// IsMaster reports whether the product is its own stocking unit.
func (p Product) IsMaster() bool {
	return p.MasterUnitID == nil || *p.MasterUnitID == 0
}

// StockTarget is the document whose OnHand absorbs sales of this unit.
func (p Product) StockTarget() string {
	if p.IsMaster() {
		return p.DocID()
	}
	return types.ToID(*p.MasterUnitID)
}

// Conversion is the number of this unit per master unit, at least 1.
func (p Product) Conversion() float64 {
	if p.ConversionValue <= 0 {
		return 1
	}
	return p.ConversionValue
}

// Stored reports whether the product belongs in the mirror.
func (p Product) Stored() bool {
	return !p.IsDeleted
}

// Document renders the stored form with the remote field names.
func (p Product) Document() map[string]any {
	doc := make(map[string]any, 24+len(p.Extra))
	for k, v := range p.Extra {
		doc[k] = v
	}
	if types.ToID(p.ID) == p.Key {
		doc["Id"] = p.ID
	} else {
		doc["Id"] = p.Key
	}
	doc["Code"] = strOrNil(p.Code)
	doc["Name"] = strOrNil(p.Name)
	doc["FullName"] = strOrNil(p.FullName)
	doc["CategoryId"] = intOrNil(p.CategoryID)
	doc["isActive"] = p.IsActive
	doc["isDeleted"] = p.IsDeleted
	doc["Cost"] = p.Cost
	doc["BasePrice"] = p.BasePrice
	doc["OnHand"] = p.OnHand
	doc["OnHandNV"] = p.OnHandNV
	doc["Unit"] = strOrNil(p.Unit)
	doc["MasterUnitId"] = intOrNil(p.MasterUnitID)
	doc["MasterProductId"] = intOrNil(p.MasterProductID)
	doc["ConversionValue"] = p.ConversionValue
	doc["Description"] = strOrNil(p.Description)
	doc["IsRewardPoint"] = p.IsRewardPoint
	doc["ModifiedDate"] = timeOrNil(p.ModifiedDate)
	doc["Image"] = strOrNil(p.Image)
	doc["CreatedDate"] = timeOrNil(p.CreatedDate)
	attrs := p.ProductAttributes
	if attrs == nil {
		attrs = []any{}
	}
	doc["ProductAttributes"] = attrs
	doc["NormalizedName"] = strOrNil(p.NormalizedName)
	doc["NormalizedCode"] = strOrNil(p.NormalizedCode)
	doc["OrderTemplate"] = strOrNil(p.OrderTemplate)
	return doc
}

func optString(v any) *string {
	switch s := v.(type) {
	case nil:
		return nil
	case string:
		return &s
	default:
		id := types.ToID(s)
		if id == "" {
			return nil
		}
		return &id
	}
}

func optInt(v any) *int64 {
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil
	}
	n := types.ToInt(v)
	return &n
}

func optTime(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case *time.Time:
		return t
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.9999999", "2006-01-02T15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return &parsed
			}
		}
	}
	return nil
}

func optSlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	return []any{}
}

func strOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func intOrNil(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
