package main

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/currency"

	"finitefield.org/storefront/internal/cart"
	"finitefield.org/storefront/internal/config"
	"finitefield.org/storefront/internal/format"
	mw "finitefield.org/storefront/internal/middleware"
	"finitefield.org/storefront/internal/nav"
	"finitefield.org/storefront/internal/page"
)

type app struct {
	cfg       config.Config
	logger    *zap.Logger
	unit      currency.Unit
	templates *templateSet
	sessions  *mw.Sessions
	carts     *cartRegistry
	// catalog is only set when carts are served in memory.
	catalog *cart.MemoryStore
}

func newApp(cfg config.Config, logger *zap.Logger) (*app, error) {
	unit, err := format.ParseUnit(cfg.Web.Currency)
	if err != nil {
		return nil, fmt.Errorf("currency: %w", err)
	}
	a := &app{
		cfg:      cfg,
		logger:   logger,
		unit:     unit,
		sessions: mw.NewSessions(cfg.Session.CookieName, cfg.Session.SigningKey, cfg.Session.Secure, logger),
	}
	a.templates = &templateSet{dir: cfg.Web.TemplatesDir, dev: cfg.Web.DevMode, funcs: template.FuncMap{
		"money": func(d decimal.Decimal) string { return format.Currency(d, unit) },
		"now":   time.Now,
	}}
	if !cfg.Web.DevMode {
		if _, err := a.templates.get(); err != nil {
			return nil, fmt.Errorf("parse templates: %w", err)
		}
	}

	newAPI, err := a.apiFactory()
	if err != nil {
		return nil, err
	}
	a.carts = newCartRegistry(newAPI, logger,
		cart.WithLoginPath(cfg.Web.LoginPath),
		cart.WithCurrency(unit),
	)
	return a, nil
}

// apiFactory picks the cart backend: the remote JSON API when a base URL is
// configured, otherwise an in-memory store shared by every session.
func (a *app) apiFactory() (func(cartID string) (cart.API, error), error) {
	api := a.cfg.CartAPI
	if api.BaseURL == "" {
		a.catalog = cart.NewMemoryStore(cart.DefaultCatalog())
		return func(cartID string) (cart.API, error) { return a.catalog.Cart(cartID), nil }, nil
	}
	if _, err := url.ParseRequestURI(api.BaseURL); err != nil {
		return nil, fmt.Errorf("cart api base url: %w", err)
	}
	token := api.Token
	return func(cartID string) (cart.API, error) {
		return cart.NewHTTPClient(api.BaseURL,
			cart.WithTimeout(api.Timeout),
			cart.WithToken(api.TokenHeader, func(context.Context) string { return token }),
			cart.WithHeader(cartSessionHeader, cartID),
		)
	}, nil
}

func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	// RealIP trusts X-Forwarded-For; only deploy behind a proxy that sets it.
	r.Use(chimw.RealIP)
	r.Use(mw.HTMX)
	r.Use(a.sessions.Middleware)
	if a.cfg.Web.DevMode {
		r.Use(mw.DebugAuth)
	}
	r.Use(mw.Logger(a.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/static/*", http.StripPrefix("/static", mw.AssetsWithCache(filepath.Join(filepath.Dir(a.cfg.Web.TemplatesDir), "public"))))

	r.Group(func(r chi.Router) {
		r.Use(mw.CSRF(a.sessions.Secure()))

		r.Get("/", a.HomeHandler)
		r.Get("/cart", a.CartPageHandler)
		r.Get("/cart/fragments/{surface}", a.CartFragmentHandler)
		r.Post("/cart/items", a.CartAddHandler)
		r.Post("/cart/items/{lineID}/increment", a.CartIncrementHandler)
		r.Post("/cart/items/{lineID}/decrement", a.CartDecrementHandler)
		r.Put("/cart/items/{lineID}", a.CartSetQuantityHandler)
		r.Delete("/cart/items/{lineID}", a.CartRemoveHandler)

		r.Post("/checkout", a.CheckoutSubmitHandler)
		r.Post("/checkout/open", a.CheckoutOpenHandler)
		r.Post("/checkout/close", a.CheckoutCloseHandler)

		r.Get(a.cfg.Web.LoginPath, a.LoginPageHandler)
		r.Post(a.cfg.Web.LoginPath, a.LoginHandler)
		r.Post("/logout", a.LogoutHandler)
	})
	return r
}

// pageData is the view model for the base layout.
type pageData struct {
	Page      string
	Title     string
	Path      string
	LoggedIn  bool
	UserID    string
	CSRFToken string
	LoginPath string
	Next      string
	Products  []cart.Product

	Nav         []nav.RenderedItem
	Breadcrumbs []nav.Crumb
}

func (a *app) pageData(r *http.Request, name, title string) pageData {
	sess := mw.GetSession(r)
	current := currentPath(r)
	data := pageData{
		Page:      name,
		Title:     title,
		Path:      current,
		LoggedIn:  sess.UserID != "",
		UserID:    sess.UserID,
		CSRFToken: sess.CSRFToken,
		LoginPath: a.cfg.Web.LoginPath,
		Next:      safeNext(r.URL.Query().Get("next")),

		Nav:         nav.Build(current),
		Breadcrumbs: nav.Breadcrumbs(current),
	}
	if a.catalog != nil {
		data.Products = a.catalog.Products()
	}
	return data
}

// buildPage renders the layout for name into a DOM the cart manager can write into.
func (a *app) buildPage(r *http.Request, name, title string) (*page.Page, error) {
	t, err := a.templates.get()
	if err != nil {
		return nil, err
	}
	data := a.pageData(r, name, title)
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "base", data); err != nil {
		return nil, fmt.Errorf("template exec: %w", err)
	}
	return page.Parse(&buf, data.Path)
}

func (a *app) writePage(w http.ResponseWriter, r *http.Request, pg *page.Page) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := pg.WriteTo(w); err != nil {
		a.logger.Error("write page", zap.Error(err), zap.String("path", r.URL.Path))
	}
}

// currentPath prefers the page htmx reports over the request path, so
// fragments and form posts build return links for the page being viewed.
func currentPath(r *http.Request) string {
	if raw := r.Header.Get("HX-Current-URL"); raw != "" {
		if u, err := url.Parse(raw); err == nil && u.Path != "" {
			return u.Path
		}
	}
	return r.URL.Path
}

// safeNext only allows local absolute paths.
func safeNext(next string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	return next
}

type templateSet struct {
	dir   string
	dev   bool
	funcs template.FuncMap

	mu     sync.Mutex
	cached *template.Template
}

// get returns the parsed templates. In dev mode they are reparsed on each call.
func (s *templateSet) get() (*template.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && !s.dev {
		return s.cached, nil
	}
	t, err := parseTemplates(s.dir, s.funcs)
	if err != nil {
		return nil, err
	}
	s.cached = t
	return t, nil
}

func parseTemplates(dir string, funcs template.FuncMap) (*template.Template, error) {
	// ParseGlob doesn't support **, so walk the tree.
	var files []string
	if err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".tmpl") {
			files = append(files, path)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no templates found under %s", dir)
	}
	return template.New("_root").Funcs(funcs).ParseFiles(files...)
}
