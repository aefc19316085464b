package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/jwtauth/v5"
	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel"
)

type accessContextKey struct{ name string }

var accessCtxKey = &accessContextKey{"access"}

var tracer = otel.Tracer("iot-rule-engine/authz")

type Scope string

const (
	AnyScope     Scope = "any"
	RulesRead    Scope = "rules.read"
	RulesWrite   Scope = "rules.write"
	AlarmsRead   Scope = "alarms.read"
	AlarmsWrite  Scope = "alarms.write"
	PacketsWrite Scope = "packets.write"
)

type Enticator interface {
	RequireAccess(scopes ...Scope) func(http.Handler) http.Handler
}

// accessMap holds the scopes granted per project id.
type accessMap map[int64]map[Scope]struct{}

type impl struct {
	query rego.PreparedEvalQuery
}

// RequireAccess evaluates the policy for the bearer token and the requested scopes and
// stores the projects the caller may access in the request context.
func (a *impl) RequireAccess(scopes ...Scope) func(http.Handler) http.Handler {
	validateScopes := make([]string, 0, len(scopes))
	for _, s := range scopes {
		validateScopes = append(validateScopes, string(s))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var err error

			logger := logging.GetFromContext(r.Context())

			ctx, span := tracer.Start(r.Context(), "check-auth")
			defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

			token := jwtauth.TokenFromHeader(r)
			if token == "" {
				err = errors.New("authorization header missing")
				logger.Info().Msg(err.Error())
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			input := map[string]any{
				"method": r.Method,
				"path":   r.URL.Path,
				"token":  token,
				"scopes": validateScopes,
			}

			results, err := a.query.Eval(ctx, rego.EvalInput(input))
			if err != nil {
				logger.Error().Err(err).Msg("opa eval failed")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if len(results) == 0 {
				err = errors.New("opa query could not be satisfied")
				logger.Error().Err(err).Msg("auth failed")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			binding := results[0].Bindings["x"]

			// If authz fails we will get back a single bool. Check for that first.
			if allowed, ok := binding.(bool); ok && !allowed {
				err = errors.New("authorization failed")
				logger.Warn().Msg(err.Error())
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			access, err := parseAccess(binding)
			if err != nil {
				logger.Error().Err(err).Msg("bad response from authz policy engine")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			ctx = withAccess(r.Context(), access)

			if len(GetProjectsWithAllowedScopes(ctx, scopes...)) == 0 {
				err = errors.New("requested scopes not granted in any project")
				logger.Warn().Msg(err.Error())
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// parseAccess expects {"access": {"<projectId>": ["scope", ...]}}.
func parseAccess(binding any) (accessMap, error) {
	result, ok := binding.(map[string]any)
	if !ok {
		return nil, errors.New("unexpected result type")
	}

	projects, ok := result["access"].(map[string]any)
	if !ok {
		return nil, errors.New("result has no access object")
	}

	access := accessMap{}

	for project, anyScopes := range projects {
		projectID, err := strconv.ParseInt(project, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("project id %q is not a number", project)
		}

		scopes, ok := anyScopes.([]any)
		if !ok {
			return nil, fmt.Errorf("scopes of project %d is not a list", projectID)
		}

		access[projectID] = map[Scope]struct{}{}

		for _, s := range scopes {
			if scope, ok := s.(string); ok {
				access[projectID][Scope(scope)] = struct{}{}
			}
		}
	}

	return access, nil
}

func NewAuthenticator(ctx context.Context, policies io.Reader) (Enticator, error) {
	module, err := io.ReadAll(policies)
	if err != nil {
		return nil, fmt.Errorf("unable to read authz policies: %s", err.Error())
	}

	query, err := rego.New(
		rego.Query("x = data.example.authz.allow"),
		rego.Module("example.rego", string(module)),
	).PrepareForEval(ctx)

	if err != nil {
		return nil, err
	}

	return &impl{query: query}, nil
}

// GetProjectsWithAllowedScopes returns, sorted, the ids of the projects in which all of the
// given scopes were granted.
func GetProjectsWithAllowedScopes(ctx context.Context, scopes ...Scope) []int64 {
	access, ok := ctx.Value(accessCtxKey).(accessMap)
	requiredScopeCount := len(scopes)

	if !ok || requiredScopeCount == 0 {
		return []int64{}
	}

	// If the required scope is AnyScope we set the scope count to
	// 0 to disable the scope checking below
	if requiredScopeCount == 1 && scopes[0] == AnyScope {
		requiredScopeCount = 0
	}

	projects := make([]int64, 0, len(access))

	for p, allowedScopes := range access {
		idx := 0

		for idx < requiredScopeCount {
			if _, ok := allowedScopes[scopes[idx]]; !ok {
				break
			}
			idx++
		}

		if idx == requiredScopeCount {
			projects = append(projects, p)
		}
	}

	sort.Slice(projects, func(i, j int) bool { return projects[i] < projects[j] })

	return projects
}

func IsAllowed(ctx context.Context, projectID int64, scopes ...Scope) bool {
	for _, p := range GetProjectsWithAllowedScopes(ctx, scopes...) {
		if p == projectID {
			return true
		}
	}
	return false
}

func WithAccess(ctx context.Context, access map[int64][]Scope) context.Context {
	m := accessMap{}
	for p, scopes := range access {
		m[p] = map[Scope]struct{}{}
		for _, s := range scopes {
			m[p][s] = struct{}{}
		}
	}
	return withAccess(ctx, m)
}

func withAccess(ctx context.Context, access accessMap) context.Context {
	return context.WithValue(ctx, accessCtxKey, access)
}
