package middleware

import (
	"net/http"
	"strings"
)

// DebugAuth hydrates the session user from "Authorization: Bearer debug:<uid>".
// Only mounted in dev mode.
func DebugAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token := strings.TrimPrefix(auth, "Bearer ")
			if uid, ok := strings.CutPrefix(token, "debug:"); ok {
				SignIn(r, uid)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// SignIn binds uid to the session, regenerating the id on first sign-in.
func SignIn(r *http.Request, uid string) {
	s := GetSession(r)
	if uid == "" || s.UserID == uid {
		return
	}
	wasAuthed := s.UserID != ""
	s.UserID = uid
	if !wasAuthed {
		s.RegenerateID()
		return
	}
	s.MarkDirty()
}

// SignOut clears the session user.
func SignOut(r *http.Request) {
	s := GetSession(r)
	if s.UserID == "" {
		return
	}
	s.UserID = ""
	s.RegenerateID()
}
