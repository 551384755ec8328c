package portal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"consultwatch/internal/components/chrono"
	"consultwatch/internal/components/telemetry"
	"consultwatch/internal/portal/portaltest"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, baseUrl string) (*Client, *telemetry.TestAPI) {
	t.Helper()
	timeApi, err := chrono.NewStandardImpl("UTC")
	require.NoError(t, err)
	tel := telemetry.NewTestAPI()
	client, err := NewClient(ClientOptions{BaseUrl: baseUrl, Timeout: time.Second * 5}, tel, timeApi)
	require.NoError(t, err)
	return client, tel
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)
	return ctx
}

func login(t *testing.T, client *Client) Session {
	t.Helper()
	res, err := client.Login(testContext(t), portaltest.Email, portaltest.Password)
	require.NoError(t, err)
	require.Equal(t, LoginSucceeded, res.Outcome)
	return res.Session
}

func cookieNames(session Session) []string {
	var names []string
	for _, c := range session.Cookies {
		names = append(names, c.Name)
	}
	return names
}

func TestNewClientRejectsRelativeUrl(t *testing.T) {
	timeApi, _ := chrono.NewStandardImpl("UTC")
	_, err := NewClient(ClientOptions{BaseUrl: "/en"}, telemetry.NewTestAPI(), timeApi)
	require.Error(t, err)
}

func TestLogin(t *testing.T) {
	server := portaltest.NewServer(t)
	client, _ := newTestClient(t, server.URL)
	ctx := testContext(t)

	res, err := client.Login(ctx, portaltest.Email, portaltest.Password)
	require.NoError(t, err)
	require.Equal(t, LoginSucceeded, res.Outcome)
	require.Contains(t, cookieNames(res.Session), "sessionid")
	require.False(t, res.Session.IssuedAt.IsZero())
	require.Empty(t, res.Challenge.Id)
	require.True(t, client.Probe(ctx, res.Session))

	res, err = client.Login(ctx, portaltest.Email, "wrong")
	require.NoError(t, err)
	require.Equal(t, LoginFailed, res.Outcome)
	require.True(t, res.Session.Empty())
	require.Empty(t, res.Challenge.Id)
}

func TestLoginChallenge(t *testing.T) {
	server := portaltest.NewServer(t)
	client, _ := newTestClient(t, server.URL)
	ctx := testContext(t)

	res, err := client.Login(ctx, portaltest.ChallengeEmail, portaltest.Password)
	require.NoError(t, err)
	require.Equal(t, LoginNeedsChallenge, res.Outcome)
	require.True(t, res.Session.Empty())

	challenge := res.Challenge
	require.NotEmpty(t, challenge.Id)
	require.Equal(t, server.URL+"/en/login/sms", challenge.Endpoint)
	require.Equal(t, map[string]string{"challenge_token": "challenge-token-1"}, challenge.Fields)
	require.False(t, challenge.CreatedAt.IsZero())

	res, err = client.SubmitChallenge(ctx, challenge, "000000")
	require.NoError(t, err)
	require.Equal(t, LoginFailed, res.Outcome)
	require.True(t, res.Session.Empty())

	res, err = client.SubmitChallenge(ctx, challenge, " "+portaltest.Code+" ")
	require.NoError(t, err)
	require.Equal(t, LoginSucceeded, res.Outcome)
	require.Contains(t, cookieNames(res.Session), "sessionid")
	require.NotContains(t, cookieNames(res.Session), "pending")
	require.True(t, client.Probe(ctx, res.Session))
}

func TestPendingChallengeExpired(t *testing.T) {
	created := time.Date(2024, time.March, 5, 12, 0, 0, 0, time.UTC)
	challenge := PendingChallenge{CreatedAt: created}

	require.False(t, challenge.Expired(created.Add(time.Minute), time.Minute*5))
	require.True(t, challenge.Expired(created.Add(time.Minute*6), time.Minute*5))
	require.False(t, challenge.Expired(created.Add(time.Hour), 0))
}

func TestProbeStale(t *testing.T) {
	server := portaltest.NewServer(t)
	client, tel := newTestClient(t, server.URL)
	ctx := testContext(t)

	require.False(t, client.Probe(ctx, Session{}))

	session := login(t, client)
	require.True(t, client.Probe(ctx, session))
	require.True(t, client.Probe(ctx, session))

	server.ExpireSessions()
	require.False(t, client.Probe(ctx, session))

	server.Close()
	require.False(t, client.Probe(ctx, session))
	require.NotEmpty(t, tel.Reports("warning", report_client_probe))
}

func TestListFolderAndDetail(t *testing.T) {
	server := portaltest.NewServer(t)
	server.SetFolder("inbox",
		portaltest.Entry{Id: 9, Subject: "Back pain", Answered: true, Stamp: "4 March 2024 16:20"},
		portaltest.Entry{Id: 11, Subject: "Lab results", Answered: false, Stamp: "Today 10:00"},
	)
	server.SetFolder("archive", portaltest.Entry{Id: 3, Subject: "Old", Answered: true, Stamp: "1 January 2023 08:00"})
	server.SetDetail(portaltest.Detail{
		Id:          9,
		Subject:     "Back pain",
		Date:        "4 March 2024 16:20",
		Question:    "My back hurts.",
		Sender:      "Dr. de Vries",
		Answer:      "Please make an appointment.",
		Attachments: []string{"/files/exercises.pdf"},
	})

	client, _ := newTestClient(t, server.URL)
	ctx := testContext(t)
	session := login(t, client)

	inbox, err := client.ListFolder(ctx, session, "inbox")
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	require.Equal(t, int64(9), inbox[0].Id)
	require.True(t, inbox[0].Answered)
	require.Equal(t, "Back pain", inbox[0].Subject)
	require.Equal(t, "4 March 2024", inbox[0].Date)
	require.Equal(t, "16:20", inbox[0].Time)
	require.False(t, inbox[1].Answered)
	require.Equal(t, "Today", inbox[1].Date)

	all, err := client.ListAll(ctx, session)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "archive", all[2].Folder)

	detail, err := client.FetchDetail(ctx, session, inbox[0].Url)
	require.NoError(t, err)
	require.Equal(t, int64(9), detail.Id)
	require.Equal(t, "Dr. de Vries", detail.Sender)
	require.Equal(t, "Please make an appointment.", detail.Answer)
	require.Equal(t, []Attachment{{Name: "/files/exercises.pdf", Url: server.URL + "/files/exercises.pdf"}}, detail.Attachments)

	relative, err := client.FetchDetail(ctx, session, "/en/safe/consult?id=9&date=2024-03-05")
	require.NoError(t, err)
	require.Equal(t, detail, relative)

	_, err = client.FetchDetail(ctx, session, "/en/safe/consult?id=404")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = client.FetchDetail(ctx, session, "https://elsewhere.example/en/safe/consult?id=9")
	require.ErrorIs(t, err, ErrValidation)

	_, err = client.ListFolder(ctx, session, "../inbox")
	require.ErrorIs(t, err, ErrValidation)
}

func TestListFolderMissingFolderIsEmpty(t *testing.T) {
	server := portaltest.NewServer(t)
	server.SetFolder("inbox")
	client, tel := newTestClient(t, server.URL)
	session := login(t, client)

	summaries, err := client.ListFolder(testContext(t), session, "drafts")
	require.NoError(t, err)
	require.Empty(t, summaries)

	warnings := tel.Reports("warning", report_client_list_folder)
	require.Len(t, warnings, 1)
	var degraded DegradedError
	require.True(t, errors.As(warnings[0].Params[0].(error), &degraded))
	require.ErrorIs(t, degraded, ErrExtractionDegraded)
}

func TestExpiredSessionIsNoSession(t *testing.T) {
	server := portaltest.NewServer(t)
	client, _ := newTestClient(t, server.URL)
	ctx := testContext(t)
	session := login(t, client)
	server.ExpireSessions()

	_, err := client.ListFolder(ctx, session, "inbox")
	require.ErrorIs(t, err, ErrNoSession)
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	_, err = client.FetchProfile(ctx, Session{})
	require.ErrorIs(t, err, ErrNoSession)
}

func TestTransportErrors(t *testing.T) {
	server := portaltest.NewServer(t)
	client, tel := newTestClient(t, server.URL)
	session := login(t, client)
	server.Close()

	_, err := client.ListFolder(testContext(t), session, "inbox")
	require.ErrorIs(t, err, ErrTransport)
	require.NotEmpty(t, tel.Reports("broken", report_client_list_folder))

	_, err = client.Login(testContext(t), portaltest.Email, portaltest.Password)
	require.ErrorIs(t, err, ErrTransport)
}

func TestSubmitQuestionValidation(t *testing.T) {
	server := portaltest.NewServer(t)
	client, _ := newTestClient(t, server.URL)
	session := login(t, client)
	ctx := testContext(t)
	hits := server.Hits()

	err := client.SubmitQuestion(ctx, session, Question{Text: strings.Repeat("a", MaxQuestionLength+1)})
	require.ErrorIs(t, err, ErrValidation)

	err = client.SubmitQuestion(ctx, session, Question{Text: "  "})
	require.ErrorIs(t, err, ErrValidation)

	err = client.SubmitQuestion(ctx, session, Question{
		Text:           "hello",
		AttachmentPath: filepath.Join(t.TempDir(), "missing.pdf"),
	})
	require.ErrorIs(t, err, ErrValidation)

	err = client.SubmitQuestion(ctx, session, Question{Text: "hello", AttachmentPath: t.TempDir()})
	require.ErrorIs(t, err, ErrValidation)

	require.Equal(t, hits, server.Hits())

	require.NoError(t, Question{Text: strings.Repeat("é", MaxQuestionLength)}.Validate())
}

func TestSubmitQuestion(t *testing.T) {
	server := portaltest.NewServer(t)
	client, _ := newTestClient(t, server.URL)
	session := login(t, client)
	ctx := testContext(t)

	attachment := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(attachment, []byte("png-bytes"), 0600))

	err := client.SubmitQuestion(ctx, session, Question{
		Text:           "Could you look at this rash?",
		Draft:          true,
		AttachmentPath: attachment,
	})
	require.NoError(t, err)

	err = client.SubmitQuestion(ctx, session, Question{Text: "Plain question"})
	require.NoError(t, err)

	err = client.SubmitQuestion(ctx, session, Question{Text: "please reject me"})
	require.ErrorIs(t, err, ErrRejected)

	questions := server.Questions()
	require.Len(t, questions, 3)

	require.Equal(t, "Could you look at this rash?", questions[0].Fields["question"])
	require.Equal(t, "on", questions[0].Fields["draft"])
	require.Equal(t, "csrf-token-1", questions[0].Fields["csrfmiddlewaretoken"])
	require.Equal(t, "photo.png", questions[0].AttachmentName)
	require.Equal(t, []byte("png-bytes"), questions[0].Attachment)

	require.Equal(t, "", questions[1].Fields["draft"])
	require.Empty(t, questions[1].AttachmentName)
}

func TestFetchProfileAndLogout(t *testing.T) {
	server := portaltest.NewServer(t)
	client, _ := newTestClient(t, server.URL)
	ctx := testContext(t)
	session := login(t, client)

	profile, err := client.FetchProfile(ctx, session)
	require.NoError(t, err)
	require.Equal(t, "Jan Jansen", profile.Name)
	require.Equal(t, []string{"Date of birth: 01-02-1980", "Patient number: 12345"}, profile.Details)

	client.Logout(ctx, session)
	require.Equal(t, 1, server.Logouts())
	require.False(t, client.Probe(ctx, session))

	client.Logout(ctx, Session{})
	require.Equal(t, 1, server.Logouts())
}
