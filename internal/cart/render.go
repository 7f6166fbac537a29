package cart

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"finitefield.org/storefront/internal/format"
	"finitefield.org/storefront/internal/page"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Surface roots looked up on every render. A missing root is skipped.
const (
	SelectorBadge    = "#cart-count"
	SelectorDropdown = "#cart-dropdown"
	SelectorPage     = "#cart-page"
	SelectorCheckout = "#checkout-modal"
)

const itemsPath = "/cart/items/"

var baseTemplates = template.Must(template.New("cart").Funcs(template.FuncMap{
	"money":  func(decimal.Decimal) string { return "" },
	"action": lineAction,
}).ParseFS(templateFS, "templates/*.tmpl"))

func lineAction(lineID, verb string) string {
	p := itemsPath + url.PathEscape(lineID)
	if verb != "" {
		p += "/" + verb
	}
	return p
}

type renderer struct {
	tmpl *template.Template
	unit currency.Unit
}

func newRenderer(unit currency.Unit) *renderer {
	t := template.Must(baseTemplates.Clone())
	t.Funcs(template.FuncMap{
		"money": func(d decimal.Decimal) string { return format.Currency(d, unit) },
	})
	return &renderer{tmpl: t, unit: unit}
}

func (r *renderer) money(d decimal.Decimal) string { return format.Currency(d, r.unit) }

func (r *renderer) exec(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("cart: render %s: %w", name, err)
	}
	return buf.String(), nil
}

func (r *renderer) badge(pg *page.Page, s State) {
	pg.Find(SelectorBadge).SetText(strconv.Itoa(s.ItemCount()))
}

func (r *renderer) dropdown(pg *page.Page, s State) error {
	root := pg.Find(SelectorDropdown)
	if root.Length() == 0 {
		return nil
	}
	if list := root.Find(".cart-items"); list.Length() > 0 {
		name := "dropdown-items"
		if s.Empty() {
			name = "dropdown-empty"
		}
		markup, err := r.exec(name, s)
		if err != nil {
			return err
		}
		list.SetHtml(markup)
	}
	toggleCheckoutButton(root.Find(".checkout-btn"), !s.Empty())
	root.Find(".cart-total-amount").SetText(r.money(s.Total))
	return nil
}

func toggleCheckoutButton(btn *goquery.Selection, visible bool) {
	if btn.Length() == 0 {
		return
	}
	if visible {
		btn.SetAttr("style", "display: block")
		btn.RemoveAttr("disabled")
		return
	}
	btn.SetAttr("style", "display: none")
	btn.SetAttr("disabled", "")
}

func (r *renderer) table(pg *page.Page, s State) error {
	root := pg.Find(SelectorPage)
	if root.Length() == 0 {
		return nil
	}
	if body := root.Find("#cart-items-table"); body.Length() > 0 {
		name := "table-rows"
		if s.Empty() {
			name = "table-empty"
		}
		markup, err := r.exec(name, s)
		if err != nil {
			return err
		}
		body.SetHtml(markup)
	}
	toggleCheckoutButton(root.Find(".checkout-btn"), !s.Empty())
	root.Find("#cart-total").SetText(r.money(s.Total))
	return nil
}

// orderSummary fills #order-items and #order-total-amount. Both must exist.
func (r *renderer) orderSummary(modal *goquery.Selection, s State) error {
	items := modal.Find("#order-items")
	total := modal.Find("#order-total-amount")
	if items.Length() == 0 || total.Length() == 0 {
		return nil
	}
	markup, err := r.exec("order-items", s)
	if err != nil {
		return err
	}
	items.SetHtml(markup)
	total.SetText(r.money(s.Total))
	return nil
}

func (r *renderer) loginRequired(loginPath, next string) (string, error) {
	u := loginPath
	if next != "" {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + "next=" + url.QueryEscape(next)
	}
	return r.exec("login-required", struct{ LoginURL string }{LoginURL: u})
}
