package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"finitefield.org/storefront/internal/config"
	"finitefield.org/storefront/internal/testutil"
	"finitefield.org/storefront/internal/toast"
)

// newTestServer builds the app the way main() does, serving carts from memory.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg, err := config.Load(context.Background(),
		config.WithoutSystemEnv(),
		config.WithEnvFile(""),
		config.WithEnvMap(map[string]string{
			"STOREFRONT_WEB_TEMPLATES_DIR":   "../../templates",
			"STOREFRONT_WEB_DEV_MODE":        "true",
			"STOREFRONT_SESSION_SECURE":      "false",
			"STOREFRONT_SESSION_SIGNING_KEY": "0123456789abcdef0123456789abcdef",
		}),
	)
	require.NoError(t, err)

	a, err := newApp(cfg, zap.NewNop())
	require.NoError(t, err)
	srv := httptest.NewServer(a.routes())
	t.Cleanup(srv.Close)
	return srv
}

// shopper is a browser stand-in: it keeps cookies and echoes the CSRF cookie
// in the header htmx would send.
type shopper struct {
	t    *testing.T
	base *url.URL
	http *http.Client
}

func newShopper(t *testing.T, srv *httptest.Server) *shopper {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	base, err := url.Parse(srv.URL)
	require.NoError(t, err)
	client := srv.Client()
	client.Jar = jar
	return &shopper{t: t, base: base, http: client}
}

func (s *shopper) csrf() string {
	for _, c := range s.http.Jar.Cookies(s.base) {
		if c.Name == "csrf_token" {
			return c.Value
		}
	}
	return ""
}

func (s *shopper) do(method, path string, form url.Values, htmx bool) (*http.Response, []byte) {
	s.t.Helper()
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequest(method, s.base.String()+path, body)
	require.NoError(s.t, err)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if htmx {
		req.Header.Set("HX-Request", "true")
		req.Header.Set("HX-Current-URL", s.base.String()+"/cart")
	}
	if method != http.MethodGet {
		req.Header.Set("X-CSRF-Token", s.csrf())
	}
	res, err := s.http.Do(req)
	require.NoError(s.t, err)
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	require.NoError(s.t, err)
	return res, raw
}

func (s *shopper) get(path string) *goquery.Document {
	s.t.Helper()
	res, body := s.do(http.MethodGet, path, nil, false)
	require.Equal(s.t, http.StatusOK, res.StatusCode, string(body))
	return testutil.ParseHTML(s.t, body)
}

func (s *shopper) fragment(name string) *goquery.Document {
	s.t.Helper()
	res, body := s.do(http.MethodGet, "/cart/fragments/"+name, nil, true)
	require.Equal(s.t, http.StatusOK, res.StatusCode, string(body))
	return testutil.ParseHTML(s.t, body)
}

type trigger struct {
	Toasts  []toast.Toast `json:"toast"`
	Changed bool          `json:"cart:changed"`
}

func readTrigger(t *testing.T, res *http.Response) trigger {
	t.Helper()
	var tr trigger
	if raw := res.Header.Get("HX-Trigger"); raw != "" {
		require.NoError(t, json.Unmarshal([]byte(raw), &tr))
	}
	return tr
}

func readMutation(t *testing.T, body []byte) mutationResponse {
	t.Helper()
	var resp mutationResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func (s *shopper) lineIDs() []string {
	s.t.Helper()
	doc := s.get("/cart")
	var ids []string
	doc.Find("#cart-items-table tr[data-item-id]").Each(func(_ int, sel *goquery.Selection) {
		ids = append(ids, sel.AttrOr("data-item-id", ""))
	})
	return ids
}

func TestHealthzOK(t *testing.T) {
	srv := newTestServer(t)
	res, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "ok", strings.TrimSpace(string(body)))
}

func TestHomeRendersCatalogAndEmptyCart(t *testing.T) {
	s := newShopper(t, newTestServer(t))
	doc := s.get("/")

	require.Equal(t, "Shop", doc.Find("nav a.active").Text())
	require.Zero(t, doc.Find(".breadcrumbs").Length())
	require.Equal(t, 4, doc.Find(".product-card").Length())
	require.Equal(t, 1, doc.Find(`.product-card[data-product-id="3"] .out-of-stock`).Length())
	require.Equal(t, "0", doc.Find("#cart-count").Text())
	require.Equal(t, "Your cart is empty", doc.Find("#cart-dropdown .cart-items .empty-cart").Text())
	require.Equal(t, "display: none", doc.Find("#cart-dropdown .checkout-btn").AttrOr("style", ""))
	require.NotEmpty(t, s.csrf())
}

func TestAddItemTriggersToastAndRefreshesBadge(t *testing.T) {
	s := newShopper(t, newTestServer(t))
	s.get("/")

	res, body := s.do(http.MethodPost, "/cart/items", url.Values{"product_id": {"1"}, "quantity": {"2"}, "size": {"M"}}, true)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	require.True(t, readMutation(t, body).Success)

	tr := readTrigger(t, res)
	require.True(t, tr.Changed)
	require.Equal(t, []toast.Toast{{Kind: toast.KindSuccess, Message: "Item added to cart!"}}, tr.Toasts)

	badge := s.fragment("badge")
	require.Equal(t, "2", strings.TrimSpace(badge.Find("#cart-count").Text()))

	dropdown := s.fragment("dropdown")
	require.Equal(t, 1, dropdown.Find(".cart-item").Length())
	require.Equal(t, "$40.00", dropdown.Find(".cart-total-amount").Text())
	require.Equal(t, "display: block", dropdown.Find(".checkout-btn").AttrOr("style", ""))
}

func TestAddRejectedByServerReturnsError(t *testing.T) {
	s := newShopper(t, newTestServer(t))
	s.get("/")

	res, body := s.do(http.MethodPost, "/cart/items", url.Values{"product_id": {"3"}}, true)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	resp := readMutation(t, body)
	require.False(t, resp.Success)
	require.Equal(t, "Error: This product is out of stock", resp.Error)

	tr := readTrigger(t, res)
	require.False(t, tr.Changed)
	require.Len(t, tr.Toasts, 1)
	require.Equal(t, toast.KindError, tr.Toasts[0].Kind)
}

func TestSetQuantityClampsAndIncrementStopsAtStock(t *testing.T) {
	s := newShopper(t, newTestServer(t))
	s.get("/")

	res, _ := s.do(http.MethodPost, "/cart/items", url.Values{"product_id": {"2"}, "quantity": {"1"}}, true)
	require.Equal(t, http.StatusOK, res.StatusCode)
	ids := s.lineIDs()
	require.Len(t, ids, 1)

	res, body := s.do(http.MethodPut, "/cart/items/"+ids[0], url.Values{"quantity": {"9"}}, true)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	tr := readTrigger(t, res)
	require.Equal(t, []toast.Toast{{Kind: toast.KindWarning, Message: "Maximum available quantity is 3"}}, tr.Toasts)

	table := s.fragment("table")
	input := table.Find(".quantity-input")
	require.Equal(t, "3", input.AttrOr("value", ""))
	require.Equal(t, "3", input.AttrOr("max", ""))
	_, plusDisabled := table.Find(".quantity-btn.plus").Attr("disabled")
	require.True(t, plusDisabled)

	res, body = s.do(http.MethodPost, "/cart/items/"+ids[0]+"/increment", nil, true)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	require.Equal(t, "Maximum available quantity is 3", readMutation(t, body).Error)
}

func TestDecrementAndRemove(t *testing.T) {
	s := newShopper(t, newTestServer(t))
	s.get("/")
	res, _ := s.do(http.MethodPost, "/cart/items", url.Values{"product_id": {"1"}, "quantity": {"2"}}, true)
	require.Equal(t, http.StatusOK, res.StatusCode)
	ids := s.lineIDs()
	require.Len(t, ids, 1)

	res, _ = s.do(http.MethodPost, "/cart/items/"+ids[0]+"/decrement", nil, true)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "1", strings.TrimSpace(s.fragment("badge").Find("#cart-count").Text()))

	res, _ = s.do(http.MethodPost, "/cart/items/"+ids[0]+"/decrement", nil, true)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)

	res, _ = s.do(http.MethodDelete, "/cart/items/"+ids[0], nil, true)
	require.Equal(t, http.StatusOK, res.StatusCode)
	tr := readTrigger(t, res)
	require.Equal(t, "Item removed from cart", tr.Toasts[0].Message)
	require.Empty(t, s.lineIDs())

	res, _ = s.do(http.MethodDelete, "/cart/items/unknown", nil, true)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
}

func TestMutationRequiresCSRF(t *testing.T) {
	srv := newTestServer(t)
	s := newShopper(t, srv)
	s.get("/")

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/cart/items", strings.NewReader("product_id=1"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("HX-Request", "true")
	res, err := s.http.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestUnknownFragmentIs404(t *testing.T) {
	s := newShopper(t, newTestServer(t))
	res, _ := s.do(http.MethodGet, "/cart/fragments/sidebar", nil, true)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestAnonymousCheckoutShowsLoginPrompt(t *testing.T) {
	s := newShopper(t, newTestServer(t))
	s.get("/cart")
	res, _ := s.do(http.MethodPost, "/cart/items", url.Values{"product_id": {"1"}}, true)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, body := s.do(http.MethodPost, "/checkout/open", nil, true)
	require.Equal(t, http.StatusOK, res.StatusCode)
	modal := testutil.ParseHTML(t, body)
	require.Equal(t, "display: block", modal.Find("#checkout-modal").AttrOr("style", ""))
	require.Equal(t, "Login Required", modal.Find("h3").Text())
	require.Equal(t, "/login/?next=%2Fcart", modal.Find("a.btn-primary").AttrOr("href", ""))
	require.Zero(t, modal.Find("#checkout-form").Length())

	res, body = s.do(http.MethodPost, "/checkout", url.Values{"full_name": {"Ada"}}, true)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "Login Required", testutil.ParseHTML(t, body).Find("h3").Text())
	require.Equal(t, "1", strings.TrimSpace(s.fragment("badge").Find("#cart-count").Text()))
}

func TestLoginThenCheckoutPlacesOrder(t *testing.T) {
	s := newShopper(t, newTestServer(t))
	s.get("/")
	res, _ := s.do(http.MethodPost, "/cart/items", url.Values{"product_id": {"4"}, "quantity": {"2"}}, true)
	require.Equal(t, http.StatusOK, res.StatusCode)

	// anonymous first so the form gets swapped out, then restored after login
	res, _ = s.do(http.MethodPost, "/checkout/open", nil, true)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, body := s.do(http.MethodPost, "/login/", url.Values{"username": {"ada"}, "next": {"/cart"}}, false)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	require.Equal(t, "/cart", res.Request.URL.Path)
	page := testutil.ParseHTML(t, body)
	require.True(t, page.Find("body").HasClass("logged-in"))
	require.Equal(t, "Cart", page.Find("nav a.active").Text())
	require.Equal(t, "Cart", page.Find(".breadcrumbs [aria-current]").Text())
	require.Equal(t, 1, page.Find("#checkout-form").Length())
	require.Equal(t, "$179.98", page.Find("#order-total-amount").Text())

	res, body = s.do(http.MethodPost, "/checkout", url.Values{
		"full_name":        {"Ada Lovelace"},
		"email":            {"not-an-email"},
		"shipping_address": {"1 Analytical Way"},
		"payment_method":   {"credit_card"},
	}, true)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	tr := readTrigger(t, res)
	require.Equal(t, "Please complete all required fields", tr.Toasts[0].Message)
	require.False(t, tr.Changed)

	res, body = s.do(http.MethodPost, "/checkout", url.Values{
		"full_name":        {"Ada Lovelace"},
		"email":            {"ada@example.com"},
		"shipping_address": {"1 Analytical Way"},
		"payment_method":   {"credit_card"},
	}, true)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	tr = readTrigger(t, res)
	require.True(t, tr.Changed)
	require.Equal(t, []toast.Toast{{Kind: toast.KindSuccess, Message: "Order #1001 placed successfully!"}}, tr.Toasts)
	require.Equal(t, "display: none", testutil.ParseHTML(t, body).Find("#checkout-modal").AttrOr("style", ""))

	require.Equal(t, "0", strings.TrimSpace(s.fragment("badge").Find("#cart-count").Text()))
}

func TestLogoutKeepsCart(t *testing.T) {
	s := newShopper(t, newTestServer(t))
	s.get("/")
	res, _ := s.do(http.MethodPost, "/login/", url.Values{"username": {"ada"}}, false)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res, _ = s.do(http.MethodPost, "/cart/items", url.Values{"product_id": {"1"}}, true)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, _ = s.do(http.MethodPost, "/logout", nil, true)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	require.Equal(t, "/", res.Header.Get("HX-Redirect"))

	doc := s.get("/")
	require.False(t, doc.Find("body").HasClass("logged-in"))
	require.Equal(t, "1", doc.Find("#cart-count").Text())
}

func TestSafeNext(t *testing.T) {
	cases := map[string]string{
		"":                   "/",
		"/cart":              "/cart",
		"//evil.example":     "/",
		"https://evil.test/": "/",
		`/\evil`:             "/",
	}
	for in, want := range cases {
		require.Equal(t, want, safeNext(in), in)
	}
}
