package portal

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"consultwatch/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/mazen160/go-random"
)

const (
	report_client_login     = "client.login"
	report_client_challenge = "client.submit-challenge"
	report_client_probe     = "client.probe"
	report_client_logout    = "client.logout"
)

// login page markers, a response showing both is the login form again even
// when the url did not change.
var loginMarkers = []string{"Sign in", "Enter your email address"}

func showsLoginForm(body string) bool {
	for _, marker := range loginMarkers {
		if !strings.Contains(body, marker) {
			return false
		}
	}
	return true
}

// classifyLogin decides the outcome of a credential or challenge submission
// from where the portal sent us and what it showed.
func classifyLogin(res *resty.Response, allowChallenge bool) LoginOutcome {
	landed := finalUrl(res)
	if allowChallenge && strings.Contains(landed.Path, "/login/sms") {
		return LoginNeedsChallenge
	}
	if onLoginPage(landed) {
		return LoginFailed
	}
	if showsLoginForm(res.String()) {
		return LoginFailed
	}
	return LoginSucceeded
}

// Login submits credentials on the login form. A failed login is reported
// through LoginResult, errors are only returned for transport failures.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	c.tel.ReportDebug("login", email)

	httpClient, jar, err := c.newHttp(Session{}, true)
	if err != nil {
		return LoginResult{}, err
	}

	res, err := httpClient.R().
		SetContext(ctx).
		Get(loginPath)
	if err != nil {
		c.tel.ReportBroken(report_client_login, fmt.Errorf("fetch login form: %w", err))
		return LoginResult{}, wrapTransport("fetch login form", err)
	}
	if err = checkStatus("fetch login form", res); err != nil {
		c.tel.ReportBroken(report_client_login, err)
		return LoginResult{}, err
	}
	doc, err := parseDocument(res)
	if err != nil {
		c.tel.ReportBroken(report_client_login, fmt.Errorf("parse login form: %w", err))
		return LoginResult{}, fmt.Errorf("parse login form: %w", err)
	}

	fields := MergeFields(FormFields(doc), map[string]string{
		"name":     email,
		"password": password,
	})
	res, err = httpClient.R().
		SetContext(ctx).
		SetFormData(fields).
		Post(loginPath)
	if err != nil {
		c.tel.ReportBroken(report_client_login, fmt.Errorf("submit credentials: %w", err))
		return LoginResult{}, wrapTransport("submit credentials", err)
	}
	if err = checkStatus("submit credentials", res); err != nil {
		c.tel.ReportBroken(report_client_login, err)
		return LoginResult{}, err
	}

	now := c.time.Now()
	switch classifyLogin(res, true) {
	case LoginNeedsChallenge:
		challenge, err := c.challengeFromPage(res, Session{Cookies: jar.snapshot(), IssuedAt: now})
		if err != nil {
			return LoginResult{}, err
		}
		return LoginResult{Outcome: LoginNeedsChallenge, Challenge: challenge}, nil
	case LoginSucceeded:
		return LoginResult{
			Outcome: LoginSucceeded,
			Session: Session{Cookies: jar.snapshot(), IssuedAt: now},
		}, nil
	default:
		c.tel.ReportWarning(report_client_login, "credentials rejected", finalUrl(res).Path)
		return LoginResult{Outcome: LoginFailed}, nil
	}
}

func (c *Client) challengeFromPage(res *resty.Response, partial Session) (PendingChallenge, error) {
	landed := finalUrl(res)
	endpoint := htmlutil.Resolve(landed, challengePath)

	doc, err := parseDocument(res)
	if err != nil {
		c.tel.ReportBroken(report_client_login, fmt.Errorf("parse challenge page: %w", err))
		return PendingChallenge{}, fmt.Errorf("parse challenge page: %w", err)
	}
	doc.Find("form").EachWithBreak(func(_ int, form *goquery.Selection) bool {
		if form.Find("input[name=sms]").Length() == 0 {
			return true
		}
		action, ok := form.Attr("action")
		if ok && strings.TrimSpace(action) != "" {
			endpoint = htmlutil.Resolve(landed, action)
		}
		return false
	})

	id, err := random.String(16)
	if err != nil {
		return PendingChallenge{}, fmt.Errorf("generate challenge id: %w", err)
	}

	fields := FormFields(doc)
	delete(fields, "sms")
	return PendingChallenge{
		Id:        id,
		Fields:    fields,
		Endpoint:  endpoint,
		CreatedAt: partial.IssuedAt,
		session:   partial,
	}, nil
}

// SubmitChallenge sends the SMS code for a pending challenge. Landing on any
// login page, the challenge page included, is a failed attempt.
func (c *Client) SubmitChallenge(ctx context.Context, challenge PendingChallenge, code string) (LoginResult, error) {
	c.tel.ReportDebug("submit challenge", challenge.Endpoint)

	httpClient, jar, err := c.newHttp(challenge.session, true)
	if err != nil {
		return LoginResult{}, err
	}

	fields := MergeFields(challenge.Fields, map[string]string{"sms": strings.TrimSpace(code)})
	res, err := httpClient.R().
		SetContext(ctx).
		SetFormData(fields).
		Post(challenge.Endpoint)
	if err != nil {
		c.tel.ReportBroken(report_client_challenge, fmt.Errorf("submit code: %w", err))
		return LoginResult{}, wrapTransport("submit challenge code", err)
	}
	if err = checkStatus("submit challenge code", res); err != nil {
		c.tel.ReportBroken(report_client_challenge, err)
		return LoginResult{}, err
	}

	if classifyLogin(res, false) != LoginSucceeded {
		c.tel.ReportWarning(report_client_challenge, "code rejected", finalUrl(res).Path)
		return LoginResult{Outcome: LoginFailed}, nil
	}
	return LoginResult{
		Outcome: LoginSucceeded,
		Session: Session{Cookies: jar.snapshot(), IssuedAt: c.time.Now()},
	}, nil
}

// Probe reports whether the portal still accepts session. Only a 2xx answer
// on a protected page counts, redirects (the portal answers 303 when logged
// out) and network failures do not.
func (c *Client) Probe(ctx context.Context, session Session) bool {
	if session.Empty() {
		return false
	}
	httpClient, _, err := c.newHttp(session, false)
	if err != nil {
		c.tel.ReportBroken(report_client_probe, err)
		return false
	}
	res, err := httpClient.R().
		SetContext(ctx).
		Get(probePath)
	if err != nil {
		c.tel.ReportWarning(report_client_probe, err)
		return false
	}
	valid := res.StatusCode() >= http.StatusOK && res.StatusCode() < http.StatusMultipleChoices
	c.tel.ReportDebug("probe", res.StatusCode(), valid)
	return valid
}

// Logout asks the portal to end session, failures are only reported.
func (c *Client) Logout(ctx context.Context, session Session) {
	if session.Empty() {
		return
	}
	httpClient, _, err := c.newHttp(session, true)
	if err != nil {
		c.tel.ReportBroken(report_client_logout, err)
		return
	}
	_, err = httpClient.R().
		SetContext(ctx).
		Get(logoutPath)
	if err != nil {
		c.tel.ReportWarning(report_client_logout, err)
	}
}
