package cart

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// id accepts either a JSON string or a JSON number; the storefront API emits
// integer primary keys while other backends use opaque strings.
type id string

func (i *id) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*i = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*i = id(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*i = id(n.String())
	return nil
}

type cartPayload struct {
	Items *[]linePayload  `json:"items"`
	Total *decimal.Decimal `json:"total"`
}

type linePayload struct {
	ID            id               `json:"id"`
	ProductID     id               `json:"product_id"`
	Name          string           `json:"name"`
	Price         *decimal.Decimal `json:"price"`
	Quantity      *int             `json:"quantity"`
	Size          *string          `json:"size"`
	StockQuantity *int             `json:"stock_quantity"`
	Image         *string          `json:"image"`
}

type envelopePayload struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
	OrderID id     `json:"order_id"`
}

func decodeState(body []byte) (State, error) {
	var p cartPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return State{}, malformed("decode cart: %v", err)
	}
	if p.Items == nil {
		return State{}, malformed("cart: missing items")
	}
	if p.Total == nil {
		return State{}, malformed("cart: missing total")
	}
	if p.Total.IsNegative() {
		return State{}, malformed("cart: negative total %s", p.Total)
	}

	lines := make([]Line, 0, len(*p.Items))
	for idx, lp := range *p.Items {
		line, err := lp.toLine()
		if err != nil {
			return State{}, malformed("cart: item %d: %v", idx, err)
		}
		lines = append(lines, line)
	}
	return State{Lines: lines, Total: *p.Total}, nil
}

type fieldError string

func (e fieldError) Error() string { return string(e) }

func (lp linePayload) toLine() (Line, error) {
	if lp.ID == "" {
		return Line{}, fieldError("missing id")
	}
	if lp.Price == nil {
		return Line{}, fieldError("missing price")
	}
	if lp.Price.IsNegative() {
		return Line{}, fieldError("negative price")
	}
	if lp.Quantity == nil {
		return Line{}, fieldError("missing quantity")
	}
	if *lp.Quantity < 1 {
		return Line{}, fieldError("quantity below 1")
	}
	if lp.StockQuantity != nil && *lp.StockQuantity < 0 {
		return Line{}, fieldError("negative stock_quantity")
	}

	line := Line{
		ID:        string(lp.ID),
		ProductID: string(lp.ProductID),
		Name:      strings.TrimSpace(lp.Name),
		Price:     *lp.Price,
		Quantity:  *lp.Quantity,
	}
	if lp.Size != nil {
		line.Size = strings.TrimSpace(*lp.Size)
	}
	if lp.StockQuantity != nil {
		v := *lp.StockQuantity
		line.StockQuantity = &v
	}
	if lp.Image != nil {
		line.Image = strings.TrimSpace(*lp.Image)
	}
	return line, nil
}

func decodeEnvelope(body []byte) (envelopePayload, error) {
	var env envelopePayload
	if err := json.Unmarshal(body, &env); err != nil {
		return envelopePayload{}, malformed("decode result: %v", err)
	}
	if env.Success == nil {
		return envelopePayload{}, malformed("result: missing success")
	}
	return env, nil
}
