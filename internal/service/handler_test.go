package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"consultwatch/internal/auth"
	"consultwatch/internal/components/chrono"
	"consultwatch/internal/components/telemetry"
	"consultwatch/internal/db"
	"consultwatch/internal/poller"
	"consultwatch/internal/portal"
	"consultwatch/internal/portal/portaltest"
	"consultwatch/internal/sessionstore"
	"consultwatch/lib/testutil"

	"github.com/stretchr/testify/require"
)

const accessToken = "test-token"

type harness struct {
	portal *portaltest.Server
	cursor poller.CursorStore
	server *httptest.Server
}

func newHarness(t *testing.T, credentials Credentials) harness {
	t.Helper()
	fake := portaltest.NewServer(t)
	fake.SetFolder("inbox",
		portaltest.Entry{Id: 9, Subject: "Back pain", Answered: true, Stamp: "4 March 2024 16:20"},
	)
	fake.SetFolder("archive",
		portaltest.Entry{Id: 3, Subject: "Old", Answered: true, Stamp: "1 January 2023 08:00"},
	)
	fake.SetDetail(portaltest.Detail{Id: 9, Subject: "Back pain", Date: "4 March 2024 16:20", Question: "Q", Sender: "Dr", Answer: "A"})
	fake.SetDetail(portaltest.Detail{Id: 3, Subject: "Old", Date: "1 January 2023 08:00", Question: "Old Q"})

	timeApi, err := chrono.NewStandardImpl("UTC")
	require.NoError(t, err)
	tel := telemetry.NewTestAPI()
	database := testutil.OpenDB(t, db.Schema)

	client, err := portal.NewClient(portal.ClientOptions{BaseUrl: fake.URL}, tel, timeApi)
	require.NoError(t, err)
	store := sessionstore.NewStore(database, client, timeApi, tel)
	machine := auth.NewMachine(client, store, auth.Options{ChallengeLifetime: time.Minute}, timeApi, tel)
	cursor := poller.NewCursorStore(database, timeApi)

	svc := NewService(machine, client, cursor, credentials, tel)
	server := httptest.NewServer(NewHandler(svc, accessToken))
	t.Cleanup(server.Close)

	return harness{portal: fake, cursor: cursor, server: server}
}

func (h harness) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var decoded any
	_ = json.NewDecoder(res.Body).Decode(&decoded)
	switch v := decoded.(type) {
	case map[string]any:
		return res.StatusCode, v
	case []any:
		return res.StatusCode, map[string]any{"items": v}
	default:
		return res.StatusCode, nil
	}
}

func TestChallengeLoginOverHttp(t *testing.T) {
	h := newHarness(t, Credentials{Email: portaltest.ChallengeEmail, Password: portaltest.Password})

	status, body := h.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "unauthenticated", body["state"])

	status, body = h.do(t, http.MethodPost, "/login", nil)
	require.Equal(t, http.StatusAccepted, status)
	require.Equal(t, "challenge_required", body["state"])
	challengeId, _ := body["challenge_id"].(string)
	require.NotEmpty(t, challengeId)

	_, body = h.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, challengeId, body["challenge_id"])

	status, _ = h.do(t, http.MethodPost, "/login", nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(t, http.MethodPost, "/login/challenge", map[string]string{"challenge_id": "nope", "code": portaltest.Code})
	require.Equal(t, http.StatusUnauthorized, status)

	status, body = h.do(t, http.MethodPost, "/login/challenge", map[string]string{"challenge_id": challengeId, "code": portaltest.Code})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "authenticated", body["state"])

	status, _ = h.do(t, http.MethodDelete, "/login/challenge/"+challengeId, nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestCancelChallengeOverHttp(t *testing.T) {
	h := newHarness(t, Credentials{Email: portaltest.ChallengeEmail, Password: portaltest.Password})

	_, body := h.do(t, http.MethodPost, "/login", nil)
	challengeId := body["challenge_id"].(string)

	status, _ := h.do(t, http.MethodDelete, "/login/challenge/"+challengeId, nil)
	require.Equal(t, http.StatusNoContent, status)

	status, body = h.do(t, http.MethodPost, "/login", map[string]string{"email": portaltest.Email})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "authenticated", body["state"])
}

func TestMessagesOverHttp(t *testing.T) {
	h := newHarness(t, Credentials{Email: portaltest.Email, Password: portaltest.Password})

	status, _ := h.do(t, http.MethodGet, "/folders/inbox", nil)
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = h.do(t, http.MethodPost, "/login", map[string]string{"password": "wrong"})
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = h.do(t, http.MethodPost, "/login", nil)
	require.Equal(t, http.StatusOK, status)

	status, body := h.do(t, http.MethodGet, "/folders/inbox", nil)
	require.Equal(t, http.StatusOK, status)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	require.Equal(t, float64(9), items[0].(map[string]any)["id"])
	require.Equal(t, true, items[0].(map[string]any)["answered"])

	status, body = h.do(t, http.MethodGet, "/folders/drafts", nil)
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, body["items"])

	status, body = h.do(t, http.MethodGet, "/messages/3", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Old Q", body["question"])

	status, _ = h.do(t, http.MethodGet, "/messages/77", nil)
	require.Equal(t, http.StatusNotFound, status)

	status, _ = h.do(t, http.MethodGet, "/messages?url=https://elsewhere.example/en/safe/consult?id=9", nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, body = h.do(t, http.MethodGet, "/profile", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Jan Jansen", body["name"])

	require.NoError(t, h.cursor.Save(context.Background(), 9))
	_, body = h.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, float64(9), body["cursor"])

	status, body = h.do(t, http.MethodPost, "/logout", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "unauthenticated", body["state"])
	require.Equal(t, 1, h.portal.Logouts())

	status, _ = h.do(t, http.MethodGet, "/profile", nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestQuestionsOverHttp(t *testing.T) {
	h := newHarness(t, Credentials{Email: portaltest.Email, Password: portaltest.Password})

	status, _ := h.do(t, http.MethodPost, "/login", nil)
	require.Equal(t, http.StatusOK, status)

	hits := h.portal.Hits()
	status, _ = h.do(t, http.MethodPost, "/questions", map[string]any{"text": strings.Repeat("x", 601)})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, hits, h.portal.Hits())

	status, _ = h.do(t, http.MethodPost, "/questions", map[string]any{"text": "Is it serious?", "draft": true})
	require.Equal(t, http.StatusNoContent, status)

	status, _ = h.do(t, http.MethodPost, "/questions", map[string]any{"text": "please reject me"})
	require.Equal(t, http.StatusUnprocessableEntity, status)

	questions := h.portal.Questions()
	require.Len(t, questions, 2)
	require.Equal(t, "Is it serious?", questions[0].Fields["question"])
	require.Equal(t, "on", questions[0].Fields["draft"])
}

func TestAccessToken(t *testing.T) {
	h := newHarness(t, Credentials{})

	res, err := http.Get(h.server.URL + "/status")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, err = http.Get(h.server.URL + "/health")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestStatusOf(t *testing.T) {
	testCases := []struct {
		err    error
		status int
	}{
		{portal.ErrValidation, http.StatusBadRequest},
		{portal.ErrChallengeExpected, http.StatusAccepted},
		{portal.ErrNoSession, http.StatusUnauthorized},
		{fmt.Errorf("wrapped: %w", portal.ErrNotFound), http.StatusNotFound},
		{portal.ErrRejected, http.StatusUnprocessableEntity},
		{portal.ErrTransport, http.StatusBadGateway},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.status, statusOf(tc.err), tc.err.Error())
	}
}
