package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Customer owns its credits. Credits holds credit ids in insertion order.
type Customer struct {
	ID      string   `json:"_id"`
	Name    string   `json:"name"`
	Mobile  string   `json:"mobile"`
	Credits []string `json:"credits"`
}

func (c *Customer) Schema() Schema     { return SchemaCustomer }
func (c *Customer) PrimaryKey() string { return c.ID }

// Credit is an outstanding balance owed by a customer.
// AmountLeft >= 0 and Fulfilled == AmountLeft.IsZero() hold after every write.
type Credit struct {
	ID         string          `json:"_id"`
	Customer   string          `json:"customer"`
	Receipt    string          `json:"receipt,omitempty"`
	AmountLeft decimal.Decimal `json:"amount_left"`
	AmountPaid decimal.Decimal `json:"amount_paid"`
	Fulfilled  bool            `json:"fulfilled"`
	DueDate    *time.Time      `json:"due_date,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (c *Credit) Schema() Schema     { return SchemaCredit }
func (c *Credit) PrimaryKey() string { return c.ID }

// PaymentType distinguishes payments taken at the till from credit repayments.
type PaymentType string

const (
	PaymentReceipt PaymentType = "receipt"
	PaymentCredit  PaymentType = "credit"
)

// Payment is money received from a customer.
type Payment struct {
	ID        string          `json:"_id"`
	Customer  string          `json:"customer,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
	Type      PaymentType     `json:"type"`
	Note      string          `json:"note,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (p *Payment) Schema() Schema     { return SchemaPayment }
func (p *Payment) PrimaryKey() string { return p.ID }

// CreditPayment records one allocation of a payment against one credit.
type CreditPayment struct {
	ID         string          `json:"_id"`
	Credit     string          `json:"credit"`
	Payment    string          `json:"payment"`
	AmountPaid decimal.Decimal `json:"amount_paid"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (p *CreditPayment) Schema() Schema     { return SchemaCreditPayment }
func (p *CreditPayment) PrimaryKey() string { return p.ID }

// ReceiptItem is a line on a receipt.
type ReceiptItem struct {
	Name      string          `json:"name"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Total is Quantity * UnitPrice.
func (i ReceiptItem) Total() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(i.Quantity))
}

// Receipt is a sale. CreditAmount is the part of TotalAmount not paid at the till.
type Receipt struct {
	ID                 string          `json:"_id"`
	Customer           string          `json:"customer,omitempty"`
	Items              []ReceiptItem   `json:"items"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	AmountPaid         decimal.Decimal `json:"amount_paid"`
	CreditAmount       decimal.Decimal `json:"credit_amount"`
	IsCancelled        bool            `json:"is_cancelled"`
	CancellationReason string          `json:"cancellation_reason,omitempty"`
	DueDate            *time.Time      `json:"due_date,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

func (r *Receipt) Schema() Schema     { return SchemaReceipt }
func (r *Receipt) PrimaryKey() string { return r.ID }
