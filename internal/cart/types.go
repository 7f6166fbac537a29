package cart

import (
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// Line is one row of the cart. ID identifies the row, not the product: the
// same product in two sizes is two lines.
type Line struct {
	ID        string
	ProductID string
	Name      string
	Price     decimal.Decimal
	Quantity  int
	Size      string
	// StockQuantity is the upper bound for Quantity when the server reports one.
	StockQuantity *int
	Image         string
}

// Subtotal is price × quantity, for display only.
func (l Line) Subtotal() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// StockKnown reports whether the server sent a stock bound for the line.
func (l Line) StockKnown() bool { return l.StockQuantity != nil }

// Stock returns the stock bound, or 0 when unknown.
func (l Line) Stock() int {
	if l.StockQuantity == nil {
		return 0
	}
	return *l.StockQuantity
}

// CanIncrease reports whether the plus control is enabled.
func (l Line) CanIncrease() bool {
	return !l.StockKnown() || l.Quantity < *l.StockQuantity
}

// CanDecrease reports whether the minus control is enabled.
func (l Line) CanDecrease() bool { return l.Quantity > 1 }

// State mirrors the server cart. Total is always the server's figure.
type State struct {
	Lines []Line
	Total decimal.Decimal
}

// ItemCount sums line quantities for the header badge.
func (s State) ItemCount() int {
	n := 0
	for _, l := range s.Lines {
		n += l.Quantity
	}
	return n
}

// Empty reports whether the cart has no lines.
func (s State) Empty() bool { return len(s.Lines) == 0 }

// Line looks up a line by id.
func (s State) Line(id string) (Line, bool) {
	for _, l := range s.Lines {
		if l.ID == id {
			return l, true
		}
	}
	return Line{}, false
}

func (s State) clone() State {
	out := State{Total: s.Total}
	if s.Lines != nil {
		out.Lines = make([]Line, len(s.Lines))
		for i, l := range s.Lines {
			if l.StockQuantity != nil {
				v := *l.StockQuantity
				l.StockQuantity = &v
			}
			out.Lines[i] = l
		}
	}
	return out
}

// CustomerData is the checkout payload.
type CustomerData struct {
	FullName        string `json:"full_name"`
	Email           string `json:"email"`
	ShippingAddress string `json:"shipping_address"`
	PaymentMethod   string `json:"payment_method"`
}

// CustomerFromForm reads the checkout form fields, trimming whitespace.
func CustomerFromForm(form url.Values) CustomerData {
	return CustomerData{
		FullName:        strings.TrimSpace(form.Get("full_name")),
		Email:           strings.TrimSpace(form.Get("email")),
		ShippingAddress: strings.TrimSpace(form.Get("shipping_address")),
		PaymentMethod:   strings.TrimSpace(form.Get("payment_method")),
	}
}

func (d CustomerData) missingFields() []string {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"full_name", d.FullName},
		{"email", d.Email},
		{"shipping_address", d.ShippingAddress},
		{"payment_method", d.PaymentMethod},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// CheckoutResult is what Checkout resolves to. It never carries a Go error:
// failures are described by Error for display.
type CheckoutResult struct {
	Success bool
	OrderID string
	Error   string
}

// AddRequest is the add-to-cart payload.
type AddRequest struct {
	ProductID string
	Quantity  int
	Size      string
}

// Order is the server's reply to a successful checkout.
type Order struct {
	ID string
}
