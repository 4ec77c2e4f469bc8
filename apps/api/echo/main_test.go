package echoapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/masomo/apps/api/echo"
	"github.com/trezcool/masomo/core/auth"
	"github.com/trezcool/masomo/core/user"
	metricsvc "github.com/trezcool/masomo/services/metrics"
	"github.com/trezcool/masomo/testutil"
)

type (
	testServer struct {
		*testutil.Env
		srv     *echoapi.Server
		metrics *metricsvc.Metrics
	}

	// envelope mirrors echoapi.Response, keeping data raw.
	envelope struct {
		Success bool                `json:"success"`
		Data    json.RawMessage     `json:"data"`
		Error   string              `json:"error"`
		Errors  map[string][]string `json:"errors"`
	}

	reqOpt func(r *http.Request)
)

func setup(t *testing.T) *testServer {
	t.Helper()

	env := testutil.NewEnv(t)
	metrics := metricsvc.New(prometheus.NewRegistry())
	srv := echoapi.NewServer(echoapi.ServerDeps{
		Conf:          env.Conf,
		Logger:        env.Logger,
		Validate:      env.Validate,
		Uni:           env.Uni,
		UserSvc:       env.Users,
		SchoolSvc:     env.Schools,
		InvitationSvc: env.Invitations,
		UsageSvc:      env.Usage,
		Authorizer:    auth.NewAuthorizer(env.Users, env.Schools, env.Logger, metrics),
		Authenticator: auth.NewAuthenticator(env.Users, env.Schools, env.Conf),
		Metrics:       metrics,
	})
	return &testServer{Env: env, srv: srv, metrics: metrics}
}

func withCookie(c *http.Cookie) reqOpt {
	return func(r *http.Request) { r.AddCookie(c) }
}

func withBearer(token string) reqOpt {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func withHeader(key, val string) reqOpt {
	return func(r *http.Request) { r.Header.Set(key, val) }
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, opts ...reqOpt) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) envelope {
	t.Helper()

	env := decode(t, rec)
	require.True(t, env.Success, rec.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, v))
	return env
}

func sessionCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// webLogin signs usr in and returns its session cookie.
func (ts *testServer) webLogin(t *testing.T, usr user.User) *http.Cookie {
	t.Helper()

	rec := ts.do(t, http.MethodPost, "/api/auth/login", echoapi.LoginRequest{Username: usr.Username, Password: testutil.Password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	c := sessionCookie(rec, ts.Conf.Server.SessionCookieName)
	require.NotNil(t, c)
	return c
}

// mobileLogin signs usr in from a mobile client and returns its bearer token.
func (ts *testServer) mobileLogin(t *testing.T, usr user.User) echoapi.TokenResponse {
	t.Helper()

	rec := ts.do(t, http.MethodPost, "/api/mobile/auth/login", echoapi.LoginRequest{Username: usr.Username, Password: testutil.Password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp echoapi.TokenResponse
	decodeData(t, rec, &resp)
	return resp
}
