// client.go holds the HTTP plumbing shared by every portal operation, the
// operations themselves live in auth.go, messages.go and question.go.

package portal

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"consultwatch/internal/assert"
	"consultwatch/internal/components/chrono"
	"consultwatch/internal/components/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	loginPath     = "/en/login/account"
	challengePath = "/en/login/sms"
	probePath     = "/en/safe"
	listingPath   = "/en/correspondence?tab=correspondence"
	questionPath  = "/en/consult"
	logoutPath    = "/en/logout"
	profilePath   = "/en/my-settings"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

type ClientOptions struct {
	BaseUrl string
	// RequestsPerSecond limits outgoing requests across every operation,
	// 0 disables the limit.
	RequestsPerSecond float64
	CloudflareBypass  bool
	Timeout           time.Duration
	UserAgent         string
}

// Client talks to the portal. It holds no authentication state, every
// operation takes the Session it should act with and login operations return
// new ones.
type Client struct {
	baseUrl   *url.URL
	options   ClientOptions
	limiter   *rate.Limiter
	transport http.RoundTripper

	tel  telemetry.API
	time chrono.API
}

func NewClient(options ClientOptions, tel telemetry.API, timeApi chrono.API) (*Client, error) {
	assert.NotNil(tel)
	assert.NotNil(timeApi)
	assert.NotEmptyStr(options.BaseUrl)

	baseUrl, err := url.Parse(strings.TrimRight(options.BaseUrl, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if baseUrl.Scheme == "" || baseUrl.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", options.BaseUrl)
	}

	if options.Timeout == 0 {
		options.Timeout = time.Second * 30
	}
	if options.UserAgent == "" {
		options.UserAgent = defaultUserAgent
	}

	limit := rate.Inf
	burst := 1
	if options.RequestsPerSecond > 0 {
		limit = rate.Limit(options.RequestsPerSecond)
		burst = max(int(options.RequestsPerSecond), 1)
	}

	var transport http.RoundTripper = http.DefaultTransport.(*http.Transport).Clone()
	if options.CloudflareBypass {
		transport = cloudflarebp.AddCloudFlareByPass(transport)
	}

	return &Client{
		baseUrl:   baseUrl,
		options:   options,
		limiter:   rate.NewLimiter(limit, burst),
		transport: transport,
		tel:       telemetry.NewScopedAPI("portal", tel),
		time:      timeApi,
	}, nil
}

func (c *Client) BaseUrl() *url.URL {
	u := *c.baseUrl
	return &u
}

var noRedirectPolicy = resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
})

// newHttp builds a resty client whose cookie jar starts out with session.
// followRedirects=false makes the client return 3xx responses as is.
func (c *Client) newHttp(session Session, followRedirects bool) (*resty.Client, *cookieJar, error) {
	jar, err := newCookieJar(c.time.Now)
	if err != nil {
		return nil, nil, err
	}
	jar.seed(session)

	httpClient := resty.NewWithClient(&http.Client{
		Transport: c.transport,
		Jar:       jar,
	})
	httpClient.SetBaseURL(c.baseUrl.String())
	httpClient.SetHeader("user-agent", c.options.UserAgent)
	httpClient.SetTimeout(c.options.Timeout)
	if followRedirects {
		httpClient.SetRedirectPolicy(
			resty.FlexibleRedirectPolicy(10),
			resty.DomainCheckRedirectPolicy(c.baseUrl.Hostname()),
		)
	} else {
		httpClient.SetRedirectPolicy(noRedirectPolicy)
	}

	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return c.limiter.Wait(req.Context())
	})
	telemetry.InstrumentResty(httpClient, "consultwatch.portal", c.tel)

	return httpClient, jar, nil
}

// finalUrl is the url of the last request made, after redirects.
func finalUrl(res *resty.Response) *url.URL {
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		return res.RawResponse.Request.URL
	}
	u, err := url.Parse(res.Request.URL)
	if err != nil {
		return &url.URL{}
	}
	return u
}

func onLoginPage(u *url.URL) bool {
	return strings.Contains(u.Path, "/login")
}

func parseDocument(res *resty.Response) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
}

// checkStatus turns server errors into ErrTransport, anything else is left
// for the page classifiers.
func checkStatus(op string, res *resty.Response) error {
	if res.StatusCode() >= 500 {
		return fmt.Errorf("%w: %s: unexpected status %s", ErrTransport, op, res.Status())
	}
	return nil
}
