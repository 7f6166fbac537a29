package main

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	mw "finitefield.org/storefront/internal/middleware"
	"finitefield.org/storefront/internal/observability"
)

// LoginPageHandler renders the demo sign-in form.
func (a *app) LoginPageHandler(w http.ResponseWriter, r *http.Request) {
	a.renderCartPage(w, r, "login", "Sign in")
}

// LoginHandler signs the session in as the submitted username. There is no
// credential check; it only flips the login state the cart surfaces follow.
func (a *app) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		mw.WriteError(w, r, http.StatusBadRequest, "invalid form")
		return
	}
	uid := strings.TrimSpace(r.PostForm.Get("username"))
	if uid == "" {
		mw.WriteError(w, r, http.StatusUnprocessableEntity, "Username is required")
		return
	}
	mw.SignIn(r, uid)
	observability.FromContext(r.Context()).Info("signed in", zap.String("user_id", uid))
	a.redirect(w, r, safeNext(r.PostForm.Get("next")))
}

// LogoutHandler clears the session user. The cart is kept.
func (a *app) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	mw.SignOut(r)
	a.redirect(w, r, "/")
}

func (a *app) redirect(w http.ResponseWriter, r *http.Request, to string) {
	if mw.IsHTMX(r.Context()) {
		w.Header().Set("HX-Redirect", to)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, to, http.StatusSeeOther)
}
