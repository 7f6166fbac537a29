// Package cart mirrors the server-held shopping cart and renders it into the
// cart surfaces of a storefront page.
//
// The mirror is never patched locally. Every successful write is followed by a
// full reload, so after any operation settles the state equals the payload of
// the most recent successful load.
package cart

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/text/currency"

	"finitefield.org/storefront/internal/page"
	"finitefield.org/storefront/internal/toast"
)

const defaultLoginPath = "/login/"

// Manager owns the cart mirror for one visitor session. All operations that
// reach the API are serialised: a mutation and its reload finish before the
// next operation starts.
type Manager struct {
	api       API
	notifier  toast.Notifier
	logger    *zap.Logger
	loginPath string
	render    *renderer

	slot *semaphore.Weighted

	mu       sync.Mutex
	state    State
	loggedIn bool
	// checkoutForm holds the checkout surface markup replaced by the login
	// prompt. nil when nothing has been replaced.
	checkoutForm *string
	attached     map[*page.Page]struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier routes toasts to n.
func WithNotifier(n toast.Notifier) Option {
	return func(m *Manager) {
		if n != nil {
			m.notifier = n
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithLoginPath sets the login link used by the checkout prompt.
func WithLoginPath(path string) Option {
	return func(m *Manager) {
		if p := strings.TrimSpace(path); p != "" {
			m.loginPath = p
		}
	}
}

// WithCurrency sets the unit money is formatted in.
func WithCurrency(unit currency.Unit) Option {
	return func(m *Manager) {
		m.render = newRenderer(unit)
	}
}

// New builds a manager with an empty cart. The login state is read from pg,
// which may be nil. Callers load the cart with Load.
func New(api API, pg *page.Page, opts ...Option) *Manager {
	m := &Manager{
		api:       api,
		notifier:  toast.Discard,
		logger:    zap.NewNop(),
		loginPath: defaultLoginPath,
		slot:      semaphore.NewWeighted(1),
		state:     State{Lines: []Line{}},
		loggedIn:  pg.LoggedIn(),
		attached:  make(map[*page.Page]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.render == nil {
		m.render = newRenderer(currency.USD)
	}
	return m
}

// Snapshot returns a copy of the current mirror.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// LoggedIn reports the last derived login state.
func (m *Manager) LoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loggedIn
}

// Attach re-renders pg after every successful load until the returned func
// is called. pg must not be touched by the caller while attached.
func (m *Manager) Attach(pg *page.Page) (detach func()) {
	if pg == nil {
		return func() {}
	}
	m.mu.Lock()
	m.attached[pg] = struct{}{}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.attached, pg)
		m.mu.Unlock()
	}
}

// Load fetches the cart and replaces the mirror. On failure the previous
// state is kept and the error is returned for diagnostics only.
func (m *Manager) Load(ctx context.Context) error {
	if err := m.slot.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.slot.Release(1)
	return m.load(ctx)
}

func (m *Manager) load(ctx context.Context) error {
	state, err := m.api.FetchCart(ctx)
	if err != nil {
		m.logger.Warn("cart load failed", zap.Error(err))
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	for pg := range m.attached {
		m.renderLocked(pg)
	}
	return nil
}

// Add puts quantity units of a product in the cart. A non-positive quantity
// means one.
func (m *Manager) Add(ctx context.Context, productID string, quantity int, size string) bool {
	if quantity <= 0 {
		quantity = 1
	}
	if !m.acquire(ctx, "add", "Error adding to cart") {
		return false
	}
	defer m.slot.Release(1)

	err := m.api.AddItem(ctx, AddRequest{ProductID: productID, Quantity: quantity, Size: size})
	if err != nil {
		m.fail("add", err, "Error adding to cart")
		return false
	}
	m.resync(ctx)
	m.notifier.Notify(toast.Success("Item added to cart!"))
	return true
}

// Update sets a line quantity.
func (m *Manager) Update(ctx context.Context, lineID string, quantity int) bool {
	if !m.acquire(ctx, "update", "Error updating cart") {
		return false
	}
	defer m.slot.Release(1)
	return m.update(ctx, lineID, quantity)
}

func (m *Manager) update(ctx context.Context, lineID string, quantity int) bool {
	if err := m.api.UpdateItem(ctx, lineID, quantity); err != nil {
		m.fail("update", err, "Error updating cart")
		return false
	}
	m.resync(ctx)
	return true
}

// Remove deletes a line.
func (m *Manager) Remove(ctx context.Context, lineID string) bool {
	if !m.acquire(ctx, "remove", "Error removing item") {
		return false
	}
	defer m.slot.Release(1)

	if err := m.api.RemoveItem(ctx, lineID); err != nil {
		m.fail("remove", err, "Error removing item")
		return false
	}
	m.resync(ctx)
	m.notifier.Notify(toast.Success("Item removed from cart"))
	return true
}

// Increment adds one unit to a line unless it already sits at its stock bound.
func (m *Manager) Increment(ctx context.Context, lineID string) bool {
	if !m.acquire(ctx, "increment", "Error updating cart") {
		return false
	}
	defer m.slot.Release(1)

	line, ok := m.line(lineID)
	if !ok {
		return false
	}
	if !line.CanIncrease() {
		m.notifier.Notify(toast.Warning(maxQuantityMessage(line.Stock())))
		return false
	}
	return m.update(ctx, lineID, line.Quantity+1)
}

// Decrement removes one unit from a line. Lines at one are left alone.
func (m *Manager) Decrement(ctx context.Context, lineID string) bool {
	if !m.acquire(ctx, "decrement", "Error updating cart") {
		return false
	}
	defer m.slot.Release(1)

	line, ok := m.line(lineID)
	if !ok || !line.CanDecrease() {
		return false
	}
	return m.update(ctx, lineID, line.Quantity-1)
}

// SetQuantity applies a raw quantity input. Values are clamped into
// [1, stock] with a warning before the update is sent.
func (m *Manager) SetQuantity(ctx context.Context, lineID, raw string) bool {
	if !m.acquire(ctx, "update", "Error updating cart") {
		return false
	}
	defer m.slot.Release(1)

	line, ok := m.line(lineID)
	if !ok {
		return false
	}
	qty, err := strconv.Atoi(strings.TrimSpace(raw))
	switch {
	case err != nil || qty < 1:
		qty = 1
		m.notifier.Notify(toast.Warning("Minimum quantity is 1"))
	case line.StockKnown() && qty > line.Stock():
		qty = max(line.Stock(), 1)
		m.notifier.Notify(toast.Warning(maxQuantityMessage(line.Stock())))
	}
	return m.update(ctx, lineID, qty)
}

// Checkout submits the order. Anonymous visitors are refused without a
// request.
func (m *Manager) Checkout(ctx context.Context, data CustomerData) CheckoutResult {
	if !m.LoggedIn() {
		return CheckoutResult{Error: "Login required"}
	}
	if !m.acquire(ctx, "checkout", "Error processing checkout") {
		return CheckoutResult{Error: "Network error"}
	}
	defer m.slot.Release(1)

	order, err := m.api.Checkout(ctx, data)
	if err != nil {
		m.fail("checkout", err, "Error processing checkout")
		var serr *ServerError
		if errors.As(err, &serr) {
			return CheckoutResult{Error: serverMessage(serr, "Checkout failed")}
		}
		return CheckoutResult{Error: "Network error"}
	}
	m.resync(ctx)
	return CheckoutResult{Success: true, OrderID: order.ID}
}

// SubmitCheckout handles a checkout form post. pg receives the checkout
// surface updates and may be nil.
func (m *Manager) SubmitCheckout(ctx context.Context, form url.Values, pg *page.Page) CheckoutResult {
	if !m.LoggedIn() {
		m.mu.Lock()
		m.renderCheckoutLocked(pg)
		m.mu.Unlock()
		return CheckoutResult{Error: "Login required"}
	}

	data := CustomerFromForm(form)
	if err := validateCustomer(data); err != nil {
		m.logger.Info("checkout form rejected", zap.Error(err))
		m.notifier.Notify(toast.Error("Please complete all required fields"))
		return CheckoutResult{Error: err.Error()}
	}

	result := m.Checkout(ctx, data)
	if !result.Success {
		return result
	}
	m.CloseCheckout(pg)
	m.notifier.Notify(toast.Success(fmt.Sprintf("Order #%s placed successfully!", result.OrderID)))
	m.Render(pg)
	return result
}

func validateCustomer(d CustomerData) error {
	fields := d.missingFields()
	if d.Email != "" {
		if _, err := mail.ParseAddress(d.Email); err != nil {
			fields = append(fields, "email")
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// OpenCheckout shows the checkout surface and refreshes it.
func (m *Manager) OpenCheckout(pg *page.Page) {
	if pg == nil {
		return
	}
	modal := pg.Find(SelectorCheckout)
	if modal.Length() == 0 {
		return
	}
	modal.SetAttr("style", "display: block")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renderCheckoutLocked(pg)
}

// CloseCheckout hides the checkout surface.
func (m *Manager) CloseCheckout(pg *page.Page) {
	if pg == nil {
		return
	}
	pg.Find(SelectorCheckout).SetAttr("style", "display: none")
}

// PageContentUpdated re-reads the login marker from pg and refreshes the
// checkout surface when it changed.
func (m *Manager) PageContentUpdated(pg *page.Page) {
	if pg == nil {
		return
	}
	now := pg.LoggedIn()
	m.mu.Lock()
	defer m.mu.Unlock()
	if now == m.loggedIn {
		return
	}
	m.logger.Debug("cart login state changed", zap.Bool("logged_in", now))
	m.loggedIn = now
	m.renderCheckoutLocked(pg)
}

// Render writes every present surface of pg from one consistent snapshot.
func (m *Manager) Render(pg *page.Page) {
	if pg == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renderLocked(pg)
}

func (m *Manager) renderLocked(pg *page.Page) {
	s := m.state
	m.render.badge(pg, s)
	if err := m.render.dropdown(pg, s); err != nil {
		m.logger.Error("render dropdown", zap.Error(err))
	}
	if err := m.render.table(pg, s); err != nil {
		m.logger.Error("render cart table", zap.Error(err))
	}
	m.renderCheckoutLocked(pg)
}

func (m *Manager) renderCheckoutLocked(pg *page.Page) {
	if pg == nil {
		return
	}
	modal := pg.Find(SelectorCheckout)
	if modal.Length() == 0 {
		return
	}
	content := modal.Find(".modal-content").First()

	if !m.loggedIn {
		if content.Length() == 0 {
			return
		}
		if m.checkoutForm == nil {
			markup, err := content.Html()
			if err != nil {
				m.logger.Error("snapshot checkout form", zap.Error(err))
				return
			}
			m.checkoutForm = &markup
		}
		prompt, err := m.render.loginRequired(m.loginPath, pg.Path())
		if err != nil {
			m.logger.Error("render login prompt", zap.Error(err))
			return
		}
		content.SetHtml(prompt)
		return
	}

	if m.checkoutForm != nil && content.Length() > 0 {
		content.SetHtml(*m.checkoutForm)
		m.checkoutForm = nil
	}
	if err := m.render.orderSummary(modal, m.state); err != nil {
		m.logger.Error("render order summary", zap.Error(err))
	}
}

func (m *Manager) acquire(ctx context.Context, op, generic string) bool {
	if err := m.slot.Acquire(ctx, 1); err != nil {
		m.logger.Warn("cart operation abandoned", zap.String("op", op), zap.Error(err))
		m.notifier.Notify(toast.Error(generic))
		return false
	}
	return true
}

// resync reloads after a successful write. A failed reload keeps the last
// loaded state; the write itself still counts as done.
func (m *Manager) resync(ctx context.Context) {
	_ = m.load(ctx)
}

func (m *Manager) line(lineID string) (Line, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	line, ok := m.state.Line(lineID)
	if !ok {
		m.logger.Warn("cart control for unknown line", zap.String("line_id", lineID), zap.Error(ErrUnknownLine))
	}
	return line, ok
}

func (m *Manager) fail(op string, err error, generic string) {
	var serr *ServerError
	if errors.As(err, &serr) {
		m.logger.Info("cart request rejected", zap.String("op", op), zap.Int("status", serr.Status), zap.String("message", serr.Message))
		m.notifier.Notify(toast.Error("Error: " + serverMessage(serr, generic)))
		return
	}
	m.logger.Error("cart request failed", zap.String("op", op), zap.Error(err))
	m.notifier.Notify(toast.Error(generic))
}

func serverMessage(err *ServerError, fallback string) string {
	if msg := strings.TrimSpace(err.Message); msg != "" {
		return msg
	}
	return fallback
}

func maxQuantityMessage(stock int) string {
	return fmt.Sprintf("Maximum available quantity is %d", stock)
}
