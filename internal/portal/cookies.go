package portal

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// cookieJar is a cookiejar.Jar that remembers the full attributes of every
// cookie it accepts so the set can be written out as a Session.
type cookieJar struct {
	inner *cookiejar.Jar
	now   func() time.Time

	mutex    sync.Mutex
	recorded map[string]Cookie
}

func newCookieJar(now func() time.Time) (*cookieJar, error) {
	inner, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &cookieJar{
		inner:    inner,
		now:      now,
		recorded: map[string]Cookie{},
	}, nil
}

func cookieKey(name, domain, path string) string {
	return name + "\x00" + domain + "\x00" + path
}

func defaultCookiePath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" || p[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/"
	}
	return p[:i]
}

func (j *cookieJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.inner.SetCookies(u, cookies)

	j.mutex.Lock()
	defer j.mutex.Unlock()

	now := j.now()
	for _, c := range cookies {
		domain := strings.ToLower(u.Hostname())
		if c.Domain != "" {
			domain = "." + strings.TrimPrefix(strings.ToLower(c.Domain), ".")
		}
		path := c.Path
		if path == "" || path[0] != '/' {
			path = defaultCookiePath(u)
		}
		key := cookieKey(c.Name, domain, path)

		var expires time.Time
		switch {
		case c.MaxAge < 0:
			delete(j.recorded, key)
			continue
		case c.MaxAge > 0:
			expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		case !c.Expires.IsZero():
			expires = c.Expires
			if !expires.After(now) {
				delete(j.recorded, key)
				continue
			}
		}
		if !expires.IsZero() {
			expires = expires.UTC().Truncate(time.Second)
		}

		j.recorded[key] = Cookie{
			Name:    c.Name,
			Value:   c.Value,
			Domain:  domain,
			Path:    path,
			Secure:  c.Secure,
			Expires: expires,
		}
	}
}

func (j *cookieJar) Cookies(u *url.URL) []*http.Cookie {
	return j.inner.Cookies(u)
}

// seed loads a stored session into the jar, expired cookies are skipped.
func (j *cookieJar) seed(session Session) {
	now := j.now()
	for _, c := range session.Cookies {
		if !c.Expires.IsZero() && !c.Expires.After(now) {
			continue
		}
		scheme := "http"
		if c.Secure {
			scheme = "https"
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		u := &url.URL{
			Scheme: scheme,
			Host:   strings.TrimPrefix(c.Domain, "."),
			Path:   path,
		}
		httpCookie := &http.Cookie{
			Name:    c.Name,
			Value:   c.Value,
			Path:    path,
			Secure:  c.Secure,
			Expires: c.Expires,
		}
		if strings.HasPrefix(c.Domain, ".") {
			httpCookie.Domain = c.Domain
		}
		j.SetCookies(u, []*http.Cookie{httpCookie})
	}
}

// snapshot returns the live cookies ordered by name, domain and path.
func (j *cookieJar) snapshot() []Cookie {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	now := j.now()
	out := make([]Cookie, 0, len(j.recorded))
	for _, c := range j.recorded {
		if !c.Expires.IsZero() && !c.Expires.After(now) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Name != out[b].Name {
			return out[a].Name < out[b].Name
		}
		if out[a].Domain != out[b].Domain {
			return out[a].Domain < out[b].Domain
		}
		return out[a].Path < out[b].Path
	})
	return out
}
