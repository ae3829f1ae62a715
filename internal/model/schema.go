// Package model defines the entities persisted by the local and synced stores.
package model

// Schema names an object type in the stores. The values double as table
// discriminators, so renaming one orphans existing rows.
type Schema string

const (
	SchemaContact       Schema = "Contact"
	SchemaConversation  Schema = "Conversation"
	SchemaMessage       Schema = "Message"
	SchemaCustomer      Schema = "Customer"
	SchemaCredit        Schema = "Credit"
	SchemaPayment       Schema = "Payment"
	SchemaCreditPayment Schema = "CreditPayment"
	SchemaReceipt       Schema = "Receipt"
)

// Schemas lists every known schema in dependency order (owners before owned).
var Schemas = []Schema{
	SchemaContact,
	SchemaConversation,
	SchemaMessage,
	SchemaCustomer,
	SchemaCredit,
	SchemaPayment,
	SchemaCreditPayment,
	SchemaReceipt,
}

// Object is implemented by every persisted entity.
type Object interface {
	Schema() Schema
	PrimaryKey() string
}

// Localizer is implemented by entities whose synced representation carries
// fields the local schema does not store.
type Localizer interface {
	// Localize returns a copy with synced-only fields removed.
	Localize() Object
	// Restore re-attaches synced-only fields from the synced copy.
	Restore(synced Object) Object
}

// New returns an empty object for the schema, or nil for unknown schemas.
func New(s Schema) Object {
	switch s {
	case SchemaContact:
		return &Contact{}
	case SchemaConversation:
		return &Conversation{}
	case SchemaMessage:
		return &Message{}
	case SchemaCustomer:
		return &Customer{}
	case SchemaCredit:
		return &Credit{}
	case SchemaPayment:
		return &Payment{}
	case SchemaCreditPayment:
		return &CreditPayment{}
	case SchemaReceipt:
		return &Receipt{}
	default:
		return nil
	}
}
