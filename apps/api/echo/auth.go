package echoapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/auth"
	"github.com/trezcool/masomo/core/permission"
	"github.com/trezcool/masomo/core/school"
)

const (
	sessionCtxKey     = "session"
	sourceCtxKey      = "sessionSource"
	webTokenCtxKey    = "webToken"
	mobileTokenCtxKey = "mobileToken"

	// token audiences, also used as session sources
	audienceWeb    = "web"
	audienceMobile = "mobile"

	authScheme = "Bearer"
)

type (
	// SchoolClaim is a school membership carried by mobile tokens.
	SchoolClaim struct {
		SchoolID string                `json:"schoolId"`
		Code     string                `json:"code"`
		Name     string                `json:"name"`
		Role     permission.SchoolRole `json:"role"`
	}

	// Claims represents the authorization claims transmitted via a JWT.
	// They only ever seed a stale session: the user record is re-read on every request.
	Claims struct {
		jwt.StandardClaims
		OrigIssuedAt int64                 `json:"oriat,omitempty"`
		UserID       string                `json:"userId"`
		Email        string                `json:"email"`
		Username     string                `json:"username"`
		Name         string                `json:"name"`
		SystemRole   permission.SystemRole `json:"systemRole"`
		Schools      []SchoolClaim         `json:"schools"`
	}

	tokenIssuer struct {
		conf    *core.Config
		schools school.Service
	}
)

// session returns the stale session described by the claims.
func (c Claims) session() auth.Session {
	return auth.Session{
		UserID:       c.UserID,
		Email:        c.Email,
		Username:     c.Username,
		Name:         c.Name,
		SystemRole:   c.SystemRole,
		IsActive:     true,
		IsSuperAdmin: c.SystemRole == permission.RoleSuperAdmin,
		OrigIssuedAt: time.Unix(c.OrigIssuedAt, 0).UTC(),
		State:        auth.StateValid,
	}.Stale()
}

func newTokenIssuer(conf *core.Config, schools school.Service) *tokenIssuer {
	return &tokenIssuer{conf: conf, schools: schools}
}

func (ti *tokenIssuer) key(audience string) []byte {
	if audience == audienceMobile {
		return ti.conf.MobileSigningKey()
	}
	return []byte(ti.conf.SecretKey)
}

func (ti *tokenIssuer) claims(s auth.Session, audience string, ttl time.Duration) *Claims {
	now := time.Now()
	oriat := s.OrigIssuedAt
	if oriat.IsZero() {
		oriat = now
	}
	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    ti.conf.AppName,
			Subject:   s.UserID,
			Audience:  audience,
			ExpiresAt: now.Add(ttl).Unix(),
			IssuedAt:  now.Unix(),
		},
		OrigIssuedAt: oriat.Unix(),
		UserID:       s.UserID,
		Email:        s.Email,
		Username:     s.Username,
		Name:         s.Name,
		SystemRole:   s.SystemRole,
		Schools:      []SchoolClaim{},
	}
}

func (ti *tokenIssuer) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString(ti.key(claims.Audience))
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

// WebToken returns the signed session cookie value of s.
func (ti *tokenIssuer) WebToken(s auth.Session) (string, *Claims, error) {
	claims := ti.claims(s, audienceWeb, ti.conf.Server.JWTExpirationDelta)
	token, err := ti.sign(claims)
	return token, claims, err
}

// MobileToken returns a signed bearer token of s, listing its active memberships.
func (ti *tokenIssuer) MobileToken(ctx context.Context, s auth.Session) (string, *Claims, error) {
	claims := ti.claims(s, audienceMobile, ti.conf.Server.MobileTokenTTL)
	claims.OrigIssuedAt = claims.IssuedAt

	members, err := ti.schools.MembershipsOf(ctx, s.UserID, true /* activeOnly */)
	if err != nil {
		return "", nil, errors.Wrap(err, "querying memberships")
	}
	claims.Schools = make([]SchoolClaim, 0, len(members))
	for _, m := range members {
		claims.Schools = append(claims.Schools, SchoolClaim{SchoolID: m.SchoolID, Code: m.SchoolCode, Name: m.SchoolName, Role: m.Role})
	}

	token, err := ti.sign(claims)
	return token, claims, err
}

func (ti *tokenIssuer) sessionCookie(token string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     ti.conf.Server.SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   ti.conf.Server.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

func (ti *tokenIssuer) expiredCookie() *http.Cookie {
	c := ti.sessionCookie("", time.Unix(0, 0))
	c.MaxAge = -1
	return c
}

// tokenMiddleware verifies the token found by lookup with echo's JWT middleware and stores it under
// ctxKey. A request without such a token is skipped. A token that fails verification, or was issued
// for another audience, leaves the request anonymous: onReject runs and the chain goes on.
func (s *Server) tokenMiddleware(audience, lookup, ctxKey string, skipper middleware.Skipper, onReject func(echo.Context)) echo.MiddlewareFunc {
	rejected := errors.New(audience + " token rejected")
	verify := middleware.JWTWithConfig(middleware.JWTConfig{
		Skipper:       skipper,
		SigningKey:    s.tokens.key(audience),
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    ctxKey,
		Claims:        new(Claims),
		TokenLookup:   lookup,
		AuthScheme:    authScheme,
		ErrorHandlerWithContext: func(err error, ctx echo.Context) error {
			if err == middleware.ErrJWTMissing {
				return err
			}
			return rejected
		},
	})

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		h := verify(func(ctx echo.Context) error {
			if _, ok := tokenClaims(ctx, ctxKey, audience); !ok {
				return rejected
			}
			return next(ctx)
		})
		return func(ctx echo.Context) error {
			if err := h(ctx); err != rejected {
				return err
			}
			ctx.Set(ctxKey, nil)
			ctx.Set(sourceCtxKey, audience)
			if onReject != nil {
				onReject(ctx)
			}
			return next(ctx)
		}
	}
}

func hasBearer(ctx echo.Context) bool {
	return strings.HasPrefix(ctx.Request().Header.Get(echo.HeaderAuthorization), authScheme)
}

// bearerMiddleware verifies mobile bearer tokens.
func (s *Server) bearerMiddleware() echo.MiddlewareFunc {
	return s.tokenMiddleware(
		audienceMobile,
		"header:"+echo.HeaderAuthorization,
		mobileTokenCtxKey,
		func(ctx echo.Context) bool { return !hasBearer(ctx) },
		nil,
	)
}

// cookieMiddleware verifies the web session cookie, unless a bearer token was sent.
// Expired or tampered cookies are cleared.
func (s *Server) cookieMiddleware() echo.MiddlewareFunc {
	name := s.deps.Conf.Server.SessionCookieName
	return s.tokenMiddleware(
		audienceWeb,
		"cookie:"+name,
		webTokenCtxKey,
		func(ctx echo.Context) bool {
			if hasBearer(ctx) {
				return true
			}
			c, err := ctx.Cookie(name)
			return err != nil || c.Value == ""
		},
		func(ctx echo.Context) { ctx.SetCookie(s.tokens.expiredCookie()) },
	)
}

// tokenClaims returns the claims of the verified token stored under ctxKey, if it was issued for audience.
func tokenClaims(ctx echo.Context, ctxKey, audience string) (*Claims, bool) {
	token, ok := ctx.Get(ctxKey).(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return nil, false
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !claims.VerifyAudience(audience, true) || claims.UserID == "" {
		return nil, false
	}
	return claims, true
}

// sessionMiddleware resolves the request session once: bearer token (mobile) first, then the
// session cookie (web). The token only seeds a stale session that is revalidated against the
// user record. Invalidated web sessions get their cookie cleared; valid ones are re-issued.
func (s *Server) sessionMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			sess, source := tokenSession(ctx)
			if sess.State == auth.StateStale {
				var err error
				if sess, err = s.deps.Authorizer.Resolve(ctx.Request().Context(), sess); err != nil {
					return errors.Wrap(err, "revalidating session")
				}
				if s.deps.Metrics != nil {
					s.deps.Metrics.RecordRevalidation(sess.State)
				}
				if source == audienceWeb {
					sess = s.slideWebSession(ctx, sess)
				}
			}
			ctx.Set(sessionCtxKey, sess)
			ctx.Set(sourceCtxKey, source)
			return next(ctx)
		}
	}
}

func tokenSession(ctx echo.Context) (auth.Session, string) {
	if claims, ok := tokenClaims(ctx, mobileTokenCtxKey, audienceMobile); ok {
		return claims.session(), audienceMobile
	}
	if claims, ok := tokenClaims(ctx, webTokenCtxKey, audienceWeb); ok {
		return claims.session(), audienceWeb
	}
	return auth.Session{}, contextSource(ctx) // anonymous, or a rejected token's audience
}

// slideWebSession clears the cookie of invalidated sessions and re-issues it for valid ones,
// as long as the refresh window (from the original login) has not passed.
func (s *Server) slideWebSession(ctx echo.Context, sess auth.Session) auth.Session {
	if sess.State == auth.StateInvalidated {
		ctx.SetCookie(s.tokens.expiredCookie())
		return sess
	}
	if !sess.IsValid() {
		return sess
	}
	if time.Since(sess.OrigIssuedAt) > s.deps.Conf.Server.JWTRefreshExpirationDelta {
		ctx.SetCookie(s.tokens.expiredCookie())
		return auth.Session{}
	}

	token, claims, err := s.tokens.WebToken(sess)
	if err != nil {
		s.deps.Logger.Error("refreshing session cookie", err, sess)
		return sess
	}
	ctx.SetCookie(s.tokens.sessionCookie(token, time.Unix(claims.ExpiresAt, 0)))
	return sess
}

func contextSession(ctx echo.Context) auth.Session {
	sess, _ := ctx.Get(sessionCtxKey).(auth.Session)
	return sess
}

func contextSource(ctx echo.Context) string {
	src, _ := ctx.Get(sourceCtxKey).(string)
	return src
}
