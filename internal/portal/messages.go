package portal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"

	"consultwatch/lib/htmlutil"

	"github.com/go-resty/resty/v2"
)

const (
	report_client_list_folder  = "client.list-folder"
	report_client_fetch_detail = "client.fetch-detail"
	report_client_profile      = "client.fetch-profile"
)

var (
	folderName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

	Folders = []string{"inbox", "archive"}
)

// fetchPage gets a page with session and fails with ErrNoSession when the
// portal sends us to the login page instead.
func (c *Client) fetchPage(ctx context.Context, session Session, op, report, endpoint string) (*resty.Response, error) {
	if session.Empty() {
		return nil, ErrNoSession
	}
	httpClient, _, err := c.newHttp(session, true)
	if err != nil {
		return nil, err
	}
	res, err := httpClient.R().
		SetContext(ctx).
		Get(endpoint)
	if err != nil {
		c.tel.ReportBroken(report, fmt.Errorf("fetch: %w", err), endpoint)
		return nil, wrapTransport(op, err)
	}
	if err = checkStatus(op, res); err != nil {
		c.tel.ReportBroken(report, err, endpoint)
		return nil, err
	}
	if onLoginPage(finalUrl(res)) {
		c.tel.ReportWarning(report, "redirected to login", endpoint)
		return nil, ErrNoSession
	}
	return res, nil
}

// ListFolder returns the summaries of one folder in page order. A folder the
// page does not show gives an empty slice.
func (c *Client) ListFolder(ctx context.Context, session Session, folder string) ([]MessageSummary, error) {
	if !folderName.MatchString(folder) {
		return nil, fmt.Errorf("%w: invalid folder name %q", ErrValidation, folder)
	}
	c.tel.ReportDebug("list folder", folder)

	res, err := c.fetchPage(ctx, session, "list folder", report_client_list_folder, listingPath)
	if err != nil {
		return nil, err
	}
	doc, err := parseDocument(res)
	if err != nil {
		c.tel.ReportBroken(report_client_list_folder, fmt.Errorf("parse: %w", err))
		return nil, fmt.Errorf("parse listing: %w", err)
	}

	summaries, missing := parseListing(doc, finalUrl(res), folder, c.time.Now())
	if len(missing) > 0 {
		c.tel.ReportWarning(report_client_list_folder, DegradedError{Page: "listing", Missing: missing})
	}
	c.tel.ReportCount(report_client_list_folder, int64(len(summaries)))
	return summaries, nil
}

// ListAll returns the summaries of every known folder.
func (c *Client) ListAll(ctx context.Context, session Session) ([]MessageSummary, error) {
	var out []MessageSummary
	for _, folder := range Folders {
		summaries, err := c.ListFolder(ctx, session, folder)
		if err != nil {
			return nil, err
		}
		out = append(out, summaries...)
	}
	return out, nil
}

// DetailUrl resolves ref against the portal, only urls on the portal's host
// are accepted.
func (c *Client) DetailUrl(ref string) (*url.URL, error) {
	target, err := url.Parse(htmlutil.Resolve(c.baseUrl, ref))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid message url %q", ErrValidation, ref)
	}
	if target.Host != c.baseUrl.Host {
		return nil, fmt.Errorf("%w: message url %q is not on the portal", ErrValidation, ref)
	}
	return target, nil
}

// FetchDetail gets and parses a message page. Missing elements are reported
// as warnings and leave the matching fields empty.
func (c *Client) FetchDetail(ctx context.Context, session Session, detailUrl string) (MessageDetail, error) {
	target, err := c.DetailUrl(detailUrl)
	if err != nil {
		return MessageDetail{}, err
	}
	c.tel.ReportDebug("fetch detail", target.String())

	res, err := c.fetchPage(ctx, session, "fetch detail", report_client_fetch_detail, target.String())
	if err != nil {
		return MessageDetail{}, err
	}
	if res.StatusCode() == http.StatusNotFound {
		return MessageDetail{}, fmt.Errorf("%w: %s", ErrNotFound, target.String())
	}
	doc, err := parseDocument(res)
	if err != nil {
		c.tel.ReportBroken(report_client_fetch_detail, fmt.Errorf("parse: %w", err))
		return MessageDetail{}, fmt.Errorf("parse detail: %w", err)
	}

	detail, missing := parseDetail(ctx, doc, target)
	if len(missing) > 0 {
		c.tel.ReportWarning(report_client_fetch_detail, DegradedError{Page: target.String(), Missing: missing})
	}
	return detail, nil
}

// FetchProfile gets the account holder's name and patient details.
func (c *Client) FetchProfile(ctx context.Context, session Session) (Profile, error) {
	res, err := c.fetchPage(ctx, session, "fetch profile", report_client_profile, profilePath)
	if err != nil {
		return Profile{}, err
	}
	doc, err := parseDocument(res)
	if err != nil {
		c.tel.ReportBroken(report_client_profile, fmt.Errorf("parse: %w", err))
		return Profile{}, fmt.Errorf("parse profile: %w", err)
	}

	profile, missing := parseProfile(doc)
	if len(missing) > 0 {
		c.tel.ReportWarning(report_client_profile, DegradedError{Page: "profile", Missing: missing})
	}
	return profile, nil
}
