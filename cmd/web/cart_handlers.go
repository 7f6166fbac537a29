package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"finitefield.org/storefront/internal/cart"
	mw "finitefield.org/storefront/internal/middleware"
	"finitefield.org/storefront/internal/observability"
	"finitefield.org/storefront/internal/page"
	"finitefield.org/storefront/internal/toast"
)

const eventCartChanged = "cart:changed"

// fragments maps fragment names to the surface root they serve and the page
// that carries it.
var fragments = map[string]struct {
	selector string
	page     string
}{
	"badge":    {cart.SelectorBadge, "home"},
	"dropdown": {cart.SelectorDropdown, "home"},
	"table":    {cart.SelectorPage, "cart"},
	"checkout": {cart.SelectorCheckout, "home"},
}

type mutationResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// cartFor returns the locked cart entry of the request's session. On failure
// the response is already written.
func (a *app) cartFor(w http.ResponseWriter, r *http.Request) (*cartEntry, bool) {
	sess := mw.GetSession(r)
	e, err := a.carts.acquire(sess.CartID)
	if err != nil {
		observability.FromContext(r.Context()).Error("cart backend", zap.Error(err))
		mw.WriteError(w, r, http.StatusServiceUnavailable, "cart unavailable")
		return nil, false
	}
	return e, true
}

// preparePage builds the layout for name and syncs the manager's login state
// and surfaces into it.
func (a *app) preparePage(w http.ResponseWriter, r *http.Request, m *cart.Manager, name, title string) (*page.Page, bool) {
	pg, err := a.buildPage(r, name, title)
	if err != nil {
		observability.FromContext(r.Context()).Error("build page", zap.String("page", name), zap.Error(err))
		mw.WriteError(w, r, http.StatusInternalServerError, "template error")
		return nil, false
	}
	m.PageContentUpdated(pg)
	m.Render(pg)
	return pg, true
}

// HomeHandler renders the catalog.
func (a *app) HomeHandler(w http.ResponseWriter, r *http.Request) {
	a.renderCartPage(w, r, "home", "Shop")
}

// CartPageHandler renders the cart page.
func (a *app) CartPageHandler(w http.ResponseWriter, r *http.Request) {
	a.renderCartPage(w, r, "cart", "Your cart")
}

// renderCartPage reloads the cart for every full page view.
func (a *app) renderCartPage(w http.ResponseWriter, r *http.Request, name, title string) {
	e, ok := a.cartFor(w, r)
	if !ok {
		return
	}
	defer e.release()

	pg, ok := a.preparePage(w, r, e.manager, name, title)
	if !ok {
		return
	}
	detach := e.manager.Attach(pg)
	if err := e.manager.Load(r.Context()); err == nil {
		e.loaded = true
	}
	detach()
	e.toasts.Drain()
	a.writePage(w, r, pg)
}

// CartFragmentHandler serves one surface root as an outerHTML swap target.
func (a *app) CartFragmentHandler(w http.ResponseWriter, r *http.Request) {
	frag, ok := fragments[chi.URLParam(r, "surface")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	e, ok := a.cartFor(w, r)
	if !ok {
		return
	}
	defer e.release()
	e.ensureLoaded(r.Context())

	pg, ok := a.preparePage(w, r, e.manager, frag.page, "")
	if !ok {
		return
	}
	e.toasts.Drain()
	a.writeFragment(w, r, pg, frag.selector, http.StatusOK)
}

// CartAddHandler adds a product. Quantity defaults to 1.
func (a *app) CartAddHandler(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	productID := strings.TrimSpace(r.PostForm.Get("product_id"))
	qty, err := strconv.Atoi(strings.TrimSpace(r.PostForm.Get("quantity")))
	if err != nil {
		qty = 1
	}
	size := strings.TrimSpace(r.PostForm.Get("size"))
	a.mutate(w, r, func(ctx context.Context, m *cart.Manager) bool {
		return m.Add(ctx, productID, qty, size)
	})
}

// CartIncrementHandler is the plus control of a line.
func (a *app) CartIncrementHandler(w http.ResponseWriter, r *http.Request) {
	lineID := chi.URLParam(r, "lineID")
	a.mutate(w, r, func(ctx context.Context, m *cart.Manager) bool {
		return m.Increment(ctx, lineID)
	})
}

// CartDecrementHandler is the minus control of a line.
func (a *app) CartDecrementHandler(w http.ResponseWriter, r *http.Request) {
	lineID := chi.URLParam(r, "lineID")
	a.mutate(w, r, func(ctx context.Context, m *cart.Manager) bool {
		return m.Decrement(ctx, lineID)
	})
}

// CartSetQuantityHandler applies the raw quantity input of a line.
func (a *app) CartSetQuantityHandler(w http.ResponseWriter, r *http.Request) {
	lineID := chi.URLParam(r, "lineID")
	_ = r.ParseForm()
	raw := r.PostForm.Get("quantity")
	a.mutate(w, r, func(ctx context.Context, m *cart.Manager) bool {
		return m.SetQuantity(ctx, lineID, raw)
	})
}

// CartRemoveHandler deletes a line.
func (a *app) CartRemoveHandler(w http.ResponseWriter, r *http.Request) {
	lineID := chi.URLParam(r, "lineID")
	a.mutate(w, r, func(ctx context.Context, m *cart.Manager) bool {
		return m.Remove(ctx, lineID)
	})
}

// mutate runs op against the session's manager and answers with the JSON
// envelope. Toasts ride in HX-Trigger; a successful write also fires
// cart:changed so every surface refetches.
func (a *app) mutate(w http.ResponseWriter, r *http.Request, op func(context.Context, *cart.Manager) bool) {
	e, ok := a.cartFor(w, r)
	if !ok {
		return
	}
	defer e.release()
	e.ensureLoaded(r.Context())

	done := op(r.Context(), e.manager)
	toasts := e.toasts.Drain()

	resp := mutationResponse{Success: done}
	status := http.StatusOK
	var events []string
	if done {
		events = append(events, eventCartChanged)
	} else {
		status = http.StatusUnprocessableEntity
		resp.Error = lastMessage(toasts, "Cart update failed")
	}
	setTrigger(w, r, toasts, events...)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// CheckoutOpenHandler shows the checkout surface, or the login prompt for
// anonymous visitors.
func (a *app) CheckoutOpenHandler(w http.ResponseWriter, r *http.Request) {
	a.checkoutSurface(w, r, func(m *cart.Manager, pg *page.Page) { m.OpenCheckout(pg) })
}

// CheckoutCloseHandler hides the checkout surface.
func (a *app) CheckoutCloseHandler(w http.ResponseWriter, r *http.Request) {
	a.checkoutSurface(w, r, func(m *cart.Manager, pg *page.Page) { m.CloseCheckout(pg) })
}

func (a *app) checkoutSurface(w http.ResponseWriter, r *http.Request, fn func(*cart.Manager, *page.Page)) {
	e, ok := a.cartFor(w, r)
	if !ok {
		return
	}
	defer e.release()
	e.ensureLoaded(r.Context())

	pg, ok := a.preparePage(w, r, e.manager, "home", "")
	if !ok {
		return
	}
	fn(e.manager, pg)
	setTrigger(w, r, e.toasts.Drain())
	a.writeFragment(w, r, pg, cart.SelectorCheckout, http.StatusOK)
}

// CheckoutSubmitHandler places the order from the checkout form and answers
// with the refreshed checkout surface.
func (a *app) CheckoutSubmitHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		mw.WriteError(w, r, http.StatusBadRequest, "invalid form")
		return
	}
	e, ok := a.cartFor(w, r)
	if !ok {
		return
	}
	defer e.release()
	e.ensureLoaded(r.Context())

	pg, ok := a.preparePage(w, r, e.manager, "home", "")
	if !ok {
		return
	}
	e.manager.OpenCheckout(pg)
	result := e.manager.SubmitCheckout(r.Context(), r.PostForm, pg)
	observability.FromContext(r.Context()).Info("checkout submitted",
		zap.Bool("success", result.Success),
		zap.String("order_id", result.OrderID),
		zap.String("error", result.Error),
	)

	var events []string
	if result.Success {
		events = append(events, eventCartChanged)
	}
	setTrigger(w, r, e.toasts.Drain(), events...)
	a.writeFragment(w, r, pg, cart.SelectorCheckout, http.StatusOK)
}

func (a *app) writeFragment(w http.ResponseWriter, r *http.Request, pg *page.Page, selector string, status int) {
	sel := pg.Find(selector).First()
	if sel.Length() == 0 {
		http.NotFound(w, r)
		return
	}
	markup, err := goquery.OuterHtml(sel)
	if err != nil {
		observability.FromContext(r.Context()).Error("serialise fragment", zap.String("selector", selector), zap.Error(err))
		mw.WriteError(w, r, http.StatusInternalServerError, "render error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(markup))
}

func setTrigger(w http.ResponseWriter, r *http.Request, toasts []toast.Toast, events ...string) {
	value, err := toast.HXTrigger(toasts, events...)
	if err != nil {
		observability.FromContext(r.Context()).Error("encode HX-Trigger", zap.Error(err))
		return
	}
	if value != "" {
		w.Header().Set("HX-Trigger", value)
	}
}

// lastMessage picks the toast that explains a failed mutation.
func lastMessage(toasts []toast.Toast, fallback string) string {
	for i := len(toasts) - 1; i >= 0; i-- {
		if toasts[i].Kind == toast.KindError && toasts[i].Message != "" {
			return toasts[i].Message
		}
	}
	if n := len(toasts); n > 0 && toasts[n-1].Message != "" {
		return toasts[n-1].Message
	}
	return fallback
}
