// Package portaltest runs an in-process imitation of the portal for tests.
package portaltest

import (
	"fmt"
	"html"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

const (
	Email          = "patient@example.com"
	ChallengeEmail = "sms@example.com"
	Password       = "correct-horse"
	Code           = "123456"

	csrfToken      = "csrf-token-1"
	challengeToken = "challenge-token-1"
)

type Entry struct {
	Id       int64
	Subject  string
	Answered bool
	Stamp    string
}

type Detail struct {
	Id          int64
	Subject     string
	Date        string
	Question    string
	Sender      string
	Answer      string
	Attachments []string
}

type SubmittedQuestion struct {
	Fields         map[string]string
	AttachmentName string
	Attachment     []byte
}

type Server struct {
	*httptest.Server

	mutex     sync.Mutex
	hits      int
	counter   int
	sessions  map[string]bool
	pending   map[string]bool
	folders   map[string][]Entry
	details   map[int64]Detail
	questions []SubmittedQuestion
	logouts   int
}

// NewServer starts a fake portal that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	s := &Server{
		sessions: map[string]bool{},
		pending:  map[string]bool{},
		folders:  map[string][]Entry{},
		details:  map[int64]Detail{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /en/login/account", s.loginForm)
	mux.HandleFunc("POST /en/login/account", s.login)
	mux.HandleFunc("GET /en/login/sms", s.challengeForm)
	mux.HandleFunc("POST /en/login/sms", s.challenge)
	mux.HandleFunc("GET /en/safe", s.requireSession(s.safe))
	mux.HandleFunc("GET /en/correspondence", s.requireSession(s.listing))
	mux.HandleFunc("GET /en/safe/consult", s.requireSession(s.detail))
	mux.HandleFunc("GET /en/consult", s.requireSession(s.questionForm))
	mux.HandleFunc("POST /en/consult", s.requireSession(s.question))
	mux.HandleFunc("GET /en/my-settings", s.requireSession(s.profile))
	mux.HandleFunc("GET /en/logout", s.logout)
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html><body><h1>Practice</h1></body></html>")
	})

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mutex.Lock()
		s.hits++
		s.mutex.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Hits() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.hits
}

func (s *Server) Logouts() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.logouts
}

// ExpireSessions makes the portal forget every login.
func (s *Server) ExpireSessions() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.sessions = map[string]bool{}
}

func (s *Server) SetFolder(folder string, entries ...Entry) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.folders[folder] = entries
}

func (s *Server) SetDetail(d Detail) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.details[d.Id] = d
}

func (s *Server) Questions() []SubmittedQuestion {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]SubmittedQuestion(nil), s.questions...)
}

func (s *Server) nextId(prefix string) string {
	s.counter++
	return fmt.Sprintf("%s-%d", prefix, s.counter)
}

func (s *Server) authenticated(r *http.Request) bool {
	cookie, err := r.Cookie("sessionid")
	if err != nil {
		return false
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.sessions[cookie.Value]
}

func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticated(r) {
			http.Redirect(w, r, "/en/login/account", http.StatusSeeOther)
			return
		}
		next(w, r)
	}
}

func (s *Server) startSession(w http.ResponseWriter) {
	s.mutex.Lock()
	id := s.nextId("session")
	s.sessions[id] = true
	s.mutex.Unlock()

	http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: id, Path: "/", HttpOnly: true})
}

const loginPage = `<html><body>
<h1>Sign in</h1>
<p>Enter your email address and password to continue.</p>
<form method="post" action="/en/login/account">
	<input type="hidden" name="csrfmiddlewaretoken" value="%s">
	<input type="text" name="name">
	<input type="password" name="password">
</form>
</body></html>`

func (s *Server) loginForm(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: csrfToken, Path: "/"})
	fmt.Fprintf(w, loginPage, csrfToken)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	err := r.ParseForm()
	if err != nil || r.PostForm.Get("csrfmiddlewaretoken") != csrfToken {
		http.Error(w, "csrf verification failed", http.StatusForbidden)
		return
	}

	name := r.PostForm.Get("name")
	password := r.PostForm.Get("password")
	switch {
	case name == Email && password == Password:
		s.startSession(w)
		http.Redirect(w, r, "/en/safe", http.StatusFound)
	case name == ChallengeEmail && password == Password:
		s.mutex.Lock()
		id := s.nextId("pending")
		s.pending[id] = true
		s.mutex.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "pending", Value: id, Path: "/"})
		http.Redirect(w, r, "/en/login/sms", http.StatusFound)
	default:
		fmt.Fprintf(w, loginPage, csrfToken)
	}
}

func (s *Server) challengeForm(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, `<html><body>
<h1>Verification</h1>
<form method="post" action="/en/login/sms">
	<input type="hidden" name="challenge_token" value="%s">
	<input type="text" name="sms">
</form>
</body></html>`, challengeToken)
}

func (s *Server) challenge(w http.ResponseWriter, r *http.Request) {
	err := r.ParseForm()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pending, err := r.Cookie("pending")
	s.mutex.Lock()
	valid := err == nil && s.pending[pending.Value]
	s.mutex.Unlock()

	if !valid ||
		r.PostForm.Get("challenge_token") != challengeToken ||
		r.PostForm.Get("sms") != Code {
		http.Redirect(w, r, "/en/login/sms", http.StatusSeeOther)
		return
	}

	s.mutex.Lock()
	delete(s.pending, pending.Value)
	s.mutex.Unlock()
	http.SetCookie(w, &http.Cookie{Name: "pending", Path: "/", MaxAge: -1})
	s.startSession(w)
	http.Redirect(w, r, "/en/safe", http.StatusFound)
}

func (s *Server) safe(w http.ResponseWriter, r *http.Request) {
	io.WriteString(w, "<html><body><h1>Your safe</h1></body></html>")
}

func (s *Server) listing(w http.ResponseWriter, r *http.Request) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	io.WriteString(w, ListingPage(s.folders))
}

// ListingPage renders the correspondence tab with one container per folder.
func ListingPage(folders map[string][]Entry) string {
	names := make([]string, 0, len(folders))
	for name := range folders {
		names = append(names, name)
	}
	sort.Strings(names)

	var out strings.Builder
	out.WriteString("<html><body><div class=\"tab-content\">\n")
	for _, name := range names {
		fmt.Fprintf(&out, "<div id=\"%s\">\n<div class=\"button-list\">\n", html.EscapeString(name))
		for _, e := range folders[name] {
			fmt.Fprintf(
				&out,
				"<a class=\"button\" href=\"/en/safe/consult?id=%d&amp;date=2024-03-05\" data-reaction=\"%s\"><strong>%s</strong><span>%s</span></a>\n",
				e.Id,
				strconv.FormatBool(e.Answered),
				html.EscapeString(e.Subject),
				html.EscapeString(e.Stamp),
			)
		}
		out.WriteString("</div>\n</div>\n")
	}
	out.WriteString("</div></body></html>")
	return out.String()
}

func (s *Server) detail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	s.mutex.Lock()
	d, ok := s.details[id]
	s.mutex.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	io.WriteString(w, DetailPage(d))
}

// DetailPage renders a message page, the answer block is left out when
// Answer is empty.
func DetailPage(d Detail) string {
	var out strings.Builder
	out.WriteString("<html><body>\n")
	fmt.Fprintf(&out, "<h1 class=\"no-spacer-bottom\">%s</h1>\n", html.EscapeString(d.Subject))
	fmt.Fprintf(&out, "<p class=\"small-spacer-bottom\">Date: %s</p>\n", html.EscapeString(d.Date))
	fmt.Fprintf(
		&out,
		"<div data-speech=\"question\"><div class=\"content\">%s</div></div>\n",
		html.EscapeString(d.Question),
	)
	if d.Answer != "" {
		fmt.Fprintf(
			&out,
			"<div data-speech=\"answer\"><h2>%s</h2><div class=\"content\">%s</div></div>\n",
			html.EscapeString(d.Sender),
			html.EscapeString(d.Answer),
		)
	}
	for _, a := range d.Attachments {
		fmt.Fprintf(&out, "<a href=\"%s\">%s</a>\n", html.EscapeString(a), html.EscapeString(a))
	}
	out.WriteString("</body></html>")
	return out.String()
}

func (s *Server) questionForm(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, `<html><body>
<form method="post" enctype="multipart/form-data">
	<input type="hidden" name="csrfmiddlewaretoken" value="%s">
	<textarea name="question"></textarea>
	<input type="checkbox" name="draft">
	<input type="file" name="attachment">
</form>
</body></html>`, csrfToken)
}

func (s *Server) question(w http.ResponseWriter, r *http.Request) {
	err := r.ParseMultipartForm(10 << 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	submitted := SubmittedQuestion{Fields: map[string]string{}}
	for k, v := range r.MultipartForm.Value {
		if len(v) > 0 {
			submitted.Fields[k] = v[0]
		}
	}
	if files := r.MultipartForm.File["attachment"]; len(files) > 0 {
		f, err := files[0].Open()
		if err == nil {
			submitted.AttachmentName = files[0].Filename
			submitted.Attachment, _ = io.ReadAll(f)
			f.Close()
		}
	}

	s.mutex.Lock()
	s.questions = append(s.questions, submitted)
	s.mutex.Unlock()

	if submitted.Fields["csrfmiddlewaretoken"] != csrfToken || strings.Contains(submitted.Fields["question"], "reject me") {
		io.WriteString(w, `<html><body><div class="alert-danger">Your message could not be processed.</div></body></html>`)
		return
	}
	io.WriteString(w, "<html><body><p>Your question has been submitted.</p></body></html>")
}

func (s *Server) profile(w http.ResponseWriter, r *http.Request) {
	io.WriteString(w, `<html><body>
<h2>Welcome, Jan Jansen</h2>
<div class="patient-info">Date of birth: 01-02-1980</div>
<span class="patient-number">Patient number: 12345</span>
<span class="patient-number">Patient number: 12345</span>
<div class="patient-empty">-</div>
</body></html>`)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	s.mutex.Lock()
	s.logouts++
	if cookie, err := r.Cookie("sessionid"); err == nil {
		delete(s.sessions, cookie.Value)
	}
	s.mutex.Unlock()
	http.SetCookie(w, &http.Cookie{Name: "sessionid", Path: "/", MaxAge: -1})
	http.Redirect(w, r, "/", http.StatusFound)
}
