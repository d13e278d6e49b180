package customers

import (
	"errors"

	"github.com/taphoa39/taphoa-backend/pkg/types"
)

var ErrMissingID = errors.New("customer Id is required")

// Customer is the canonical shape of a mirrored customer. Identity, status and
// aggregates are typed; the remaining remote fields are carried in Extra.
type Customer struct {
	// Key is the document id. RemoteID is the Id value as the remote sent it.
	Key      string
	RemoteID any
	// CustomerID is the alternate reference some invoices carry.
	CustomerID string
	IsActive   bool
	IsDeleted  bool
	Totals     Totals

	Extra map[string]any
}

// FromRecord normalizes a remote or frontend record. A missing, empty or zero
// Id is an error.
func FromRecord(raw map[string]any) (Customer, error) {
	c := parse(raw)
	if c.Key == "" || c.Key == "0" {
		return Customer{}, ErrMissingID
	}
	return c, nil
}

// FromDocument reads a stored customer. The document id is the key even when
// the stored Id fields are missing.
func FromDocument(docID string, data map[string]any) Customer {
	c := parse(data)
	c.Key = docID
	if c.RemoteID == nil {
		c.RemoteID = docID
	}
	return c
}

func parse(raw map[string]any) Customer {
	c := Customer{
		Key:        types.FirstID(raw, "Id", "id"),
		RemoteID:   raw["Id"],
		CustomerID: types.ToID(raw["CustomerId"]),
		IsActive:   types.ToBool(raw["isActive"], types.ToBool(raw["IsActive"], true)),
		IsDeleted:  types.ToBool(raw["isDeleted"], types.ToBool(raw["IsDeleted"], false)),
		Totals:     totalsOf(raw),
	}
	if c.RemoteID == nil {
		c.RemoteID = raw["id"]
	}
	for k, v := range raw {
		if k == "Id" || k == "id" || isAggregate(k) {
			continue
		}
		if c.Extra == nil {
			c.Extra = map[string]any{}
		}
		c.Extra[k] = v
	}
	return c
}

func isAggregate(field string) bool {
	for _, f := range AggregateFields {
		if f == field {
			return true
		}
	}
	return false
}

// Document renders the mirrored form. Aggregates are left out so a merge write
// never overwrites them.
func (c Customer) Document() map[string]any {
	doc := make(map[string]any, len(c.Extra)+2)
	for k, v := range c.Extra {
		doc[k] = v
	}
	doc["Id"] = c.RemoteID
	doc["id"] = c.Key
	return doc
}

// LookupIDs are the ids invoices may reference this customer by, key first.
func (c Customer) LookupIDs() []string {
	ids := []string{}
	for _, id := range []string{c.Key, types.ToID(c.RemoteID), c.CustomerID} {
		if id != "" && !contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}
