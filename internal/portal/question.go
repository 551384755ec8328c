package portal

import (
	"context"
	"fmt"
	"strings"

	"consultwatch/lib/htmlutil"
)

const report_client_submit_question = "client.submit-question"

// error containers the consult form renders next to rejected fields
const questionErrorSelector = ".alert-danger, .errorlist, .invalid-feedback, .error"

// SubmitQuestion sends a new e-consult. The question is validated before any
// request is made.
func (c *Client) SubmitQuestion(ctx context.Context, session Session, question Question) error {
	err := question.Validate()
	if err != nil {
		return err
	}

	res, err := c.fetchPage(ctx, session, "fetch question form", report_client_submit_question, questionPath)
	if err != nil {
		return err
	}
	doc, err := parseDocument(res)
	if err != nil {
		c.tel.ReportBroken(report_client_submit_question, fmt.Errorf("parse form: %w", err))
		return fmt.Errorf("parse question form: %w", err)
	}

	draft := ""
	if question.Draft {
		draft = "on"
	}
	fields := MergeFields(FormFields(doc), map[string]string{
		"question": question.Text,
		"draft":    draft,
	})

	httpClient, _, err := c.newHttp(session, true)
	if err != nil {
		return err
	}
	req := httpClient.R().
		SetContext(ctx).
		SetMultipartFormData(fields)
	if question.AttachmentPath != "" {
		req.SetFile("attachment", question.AttachmentPath)
	}
	res, err = req.Post(questionPath)
	if err != nil {
		c.tel.ReportBroken(report_client_submit_question, fmt.Errorf("submit: %w", err))
		return wrapTransport("submit question", err)
	}
	if err = checkStatus("submit question", res); err != nil {
		c.tel.ReportBroken(report_client_submit_question, err)
		return err
	}
	if onLoginPage(finalUrl(res)) {
		return ErrNoSession
	}

	result, err := parseDocument(res)
	if err != nil {
		c.tel.ReportBroken(report_client_submit_question, fmt.Errorf("parse result: %w", err))
		return fmt.Errorf("parse question result: %w", err)
	}
	text := result.Text()
	if questionAccepted(text) {
		return nil
	}
	problems := htmlutil.Text(result.Find(questionErrorSelector))
	if problems == "" && strings.Contains(strings.ToLower(text), "error") {
		problems = "the portal reported an error"
	}
	if problems != "" {
		c.tel.ReportWarning(report_client_submit_question, problems)
		return fmt.Errorf("%w: %s", ErrRejected, problems)
	}
	return nil
}

// questionAccepted looks for the confirmation the portal shows after a
// successful submission.
func questionAccepted(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "question") &&
		(strings.Contains(lower, "submitted") || strings.Contains(lower, "sent"))
}
