package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matryer/is"
)

const policy = `
package example.authz

default allow = false

allow = {"access": {"1": ["rules.read", "rules.write"], "2": ["rules.read"]}} {
	input.token == "letmein"
}
`

func TestThatValidTokenGrantsProjectAccess(t *testing.T) {
	is, handler, projects := testSetup(t, RulesRead)

	res := serve(handler, "Bearer letmein")
	is.Equal(res.Code, http.StatusOK)
	is.Equal(*projects, []int64{1, 2})
}

func TestThatScopesAreCheckedPerProject(t *testing.T) {
	is, handler, projects := testSetup(t, RulesWrite)

	res := serve(handler, "Bearer letmein")
	is.Equal(res.Code, http.StatusOK)
	is.Equal(*projects, []int64{1})
}

func TestThatMissingOrInvalidTokensAreRejected(t *testing.T) {
	is, handler, _ := testSetup(t, RulesRead)

	is.Equal(serve(handler, "").Code, http.StatusUnauthorized)
	is.Equal(serve(handler, "Bearer letmeout").Code, http.StatusUnauthorized)
}

func TestIsAllowed(t *testing.T) {
	is := is.New(t)

	ctx := WithAccess(context.Background(), map[int64][]Scope{
		7: {AlarmsRead},
		8: {AlarmsRead, AlarmsWrite},
	})

	is.True(IsAllowed(ctx, 7, AlarmsRead))
	is.True(!IsAllowed(ctx, 7, AlarmsWrite))
	is.True(IsAllowed(ctx, 8, AlarmsRead, AlarmsWrite))
	is.True(IsAllowed(ctx, 7, AnyScope))
	is.True(!IsAllowed(context.Background(), 7, AnyScope))
}

func serve(handler http.Handler, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v0/rules/1", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func testSetup(t *testing.T, scope Scope) (*is.I, http.Handler, *[]int64) {
	is := is.New(t)

	authenticator, err := NewAuthenticator(context.Background(), strings.NewReader(policy))
	is.NoErr(err)

	projects := &[]int64{}

	handler := authenticator.RequireAccess(scope)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*projects = GetProjectsWithAllowedScopes(r.Context(), scope)
		w.WriteHeader(http.StatusOK)
	}))

	return is, handler, projects
}
