package cart

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// Product is a catalog entry served by MemoryStore.
type Product struct {
	ID    string
	Name  string
	Price decimal.Decimal
	Stock int
	Image string
}

// DefaultCatalog is the dev catalog used when no cart API is configured.
func DefaultCatalog() []Product {
	return []Product{
		{ID: "1", Name: "Classic Tee", Price: decimal.RequireFromString("20.00"), Stock: 10, Image: "classic-tee.jpg"},
		{ID: "2", Name: "Canvas Tote", Price: decimal.RequireFromString("14.50"), Stock: 3, Image: "canvas-tote.jpg"},
		{ID: "3", Name: "Wool Beanie", Price: decimal.RequireFromString("18.00"), Stock: 0, Image: "wool-beanie.jpg"},
		{ID: "4", Name: "Denim Jacket", Price: decimal.RequireFromString("89.99"), Stock: 5, Image: "denim-jacket.jpg"},
	}
}

// MemoryStore keeps a shared catalog and one cart per id. Stock is shared
// across carts and only decremented by checkout.
type MemoryStore struct {
	mu        sync.Mutex
	products  map[string]*Product
	order     []string
	carts     map[string][]*memoryLine
	nextOrder int
}

type memoryLine struct {
	id        string
	productID string
	size      string
	quantity  int
}

// NewMemoryStore seeds a store with products.
func NewMemoryStore(products []Product) *MemoryStore {
	s := &MemoryStore{
		products:  make(map[string]*Product, len(products)),
		carts:     make(map[string][]*memoryLine),
		nextOrder: 1000,
	}
	for _, p := range products {
		p := p
		s.products[p.ID] = &p
		s.order = append(s.order, p.ID)
	}
	return s
}

// Products lists the catalog in seed order.
func (s *MemoryStore) Products() []Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Product, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.products[id])
	}
	return out
}

// Cart returns an API bound to cartID.
func (s *MemoryStore) Cart(cartID string) *MemoryAPI {
	return &MemoryAPI{store: s, cartID: cartID}
}

// MemoryAPI is an in-process API for one cart.
type MemoryAPI struct {
	store  *MemoryStore
	cartID string
}

var _ API = (*MemoryAPI)(nil)

func rejected(op string, status int, format string, args ...any) error {
	return &ServerError{Op: op, Status: status, Message: fmt.Sprintf(format, args...)}
}

// FetchCart returns the cart with a server-computed total.
func (m *MemoryAPI) FetchCart(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()

	state := State{Lines: []Line{}, Total: decimal.Zero}
	for _, ml := range s.carts[m.cartID] {
		p := s.products[ml.productID]
		stock := p.Stock
		line := Line{
			ID:            ml.id,
			ProductID:     p.ID,
			Name:          p.Name,
			Price:         p.Price,
			Quantity:      ml.quantity,
			Size:          ml.size,
			StockQuantity: &stock,
			Image:         p.Image,
		}
		state.Lines = append(state.Lines, line)
		state.Total = state.Total.Add(line.Subtotal())
	}
	return state, nil
}

// AddItem merges into an existing line with the same product and size.
func (m *MemoryAPI) AddItem(ctx context.Context, req AddRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[strings.TrimSpace(req.ProductID)]
	if !ok {
		return rejected("add", http.StatusNotFound, "Product not found")
	}
	if req.Quantity < 1 {
		return rejected("add", http.StatusBadRequest, "Quantity must be at least 1")
	}
	if p.Stock <= 0 {
		return rejected("add", http.StatusBadRequest, "This product is out of stock")
	}
	if req.Quantity > p.Stock {
		return rejected("add", http.StatusBadRequest, "Only %d items available in stock", p.Stock)
	}

	size := strings.TrimSpace(req.Size)
	for _, ml := range s.carts[m.cartID] {
		if ml.productID != p.ID || ml.size != size {
			continue
		}
		if ml.quantity+req.Quantity > p.Stock {
			return rejected("add", http.StatusBadRequest,
				"Cannot add %d more items. Only %d more available", req.Quantity, p.Stock-ml.quantity)
		}
		ml.quantity += req.Quantity
		return nil
	}
	s.carts[m.cartID] = append(s.carts[m.cartID], &memoryLine{
		id:        ulid.Make().String(),
		productID: p.ID,
		size:      size,
		quantity:  req.Quantity,
	})
	return nil
}

// UpdateItem sets a line quantity; zero or less deletes the line.
func (m *MemoryAPI) UpdateItem(ctx context.Context, lineID string, quantity int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(m.cartID, lineID)
	if idx < 0 {
		return rejected("update", http.StatusNotFound, "Item not found")
	}
	if quantity <= 0 {
		s.deleteAt(m.cartID, idx)
		return nil
	}
	ml := s.carts[m.cartID][idx]
	if p := s.products[ml.productID]; quantity > p.Stock {
		return rejected("update", http.StatusBadRequest, "Only %d items available in stock", p.Stock)
	}
	ml.quantity = quantity
	return nil
}

// RemoveItem deletes a line.
func (m *MemoryAPI) RemoveItem(ctx context.Context, lineID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(m.cartID, lineID)
	if idx < 0 {
		return rejected("remove", http.StatusNotFound, "Item not found")
	}
	s.deleteAt(m.cartID, idx)
	return nil
}

// Checkout validates stock for every line, decrements it and empties the cart.
func (m *MemoryAPI) Checkout(ctx context.Context, data CustomerData) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	if missing := data.missingFields(); len(missing) > 0 {
		return Order{}, rejected("checkout", http.StatusBadRequest, "Missing required fields: %s", strings.Join(missing, ", "))
	}
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := s.carts[m.cartID]
	if len(lines) == 0 {
		return Order{}, rejected("checkout", http.StatusBadRequest, "Cart is empty")
	}
	for _, ml := range lines {
		if ml.quantity > s.products[ml.productID].Stock {
			return Order{}, rejected("checkout", http.StatusBadRequest, "Some items have insufficient stock")
		}
	}
	for _, ml := range lines {
		s.products[ml.productID].Stock -= ml.quantity
	}
	delete(s.carts, m.cartID)
	s.nextOrder++
	return Order{ID: strconv.Itoa(s.nextOrder)}, nil
}

func (s *MemoryStore) indexOf(cartID, lineID string) int {
	for i, ml := range s.carts[cartID] {
		if ml.id == lineID {
			return i
		}
	}
	return -1
}

func (s *MemoryStore) deleteAt(cartID string, idx int) {
	lines := s.carts[cartID]
	s.carts[cartID] = append(lines[:idx:idx], lines[idx+1:]...)
}
