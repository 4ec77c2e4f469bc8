package echoapi

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/auth"
	"github.com/trezcool/masomo/core/permission"
	"github.com/trezcool/masomo/core/user"
)

const msgPasswordResetRequested = "If the email address supplied is associated with an active account on this system, " +
	"an email will arrive in your inbox shortly with instructions to reset your password."

type authApi struct {
	srv *Server
}

func registerAuthAPI(g *echo.Group, srv *Server) {
	api := authApi{srv: srv}

	ag := g.Group("/auth")
	// TODO: rate limit `/login`, `/password-reset` & `/password-reset-confirm`
	ag.POST("/login", api.login)
	ag.POST("/logout", api.logout)
	ag.GET("/session", api.session, srv.requireAuth)
	ag.POST("/password-reset", api.resetPassword)
	ag.POST("/password-reset-confirm", api.confirmPasswordReset)

	mg := g.Group("/mobile/auth")
	mg.POST("/login", api.mobileLogin)
	mg.POST("/refresh", api.mobileRefresh, srv.requireAuth)
}

type (
	// LoginRequest identifies a user by `username@schoolcode`, or by raw username/e-mail when legacy login is allowed.
	LoginRequest struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	PasswordResetRequest struct {
		Email string `json:"email" validate:"required,email"`
	}

	// SessionInfo describes the signed in user.
	SessionInfo struct {
		UserID       string        `json:"userId"`
		Email        string        `json:"email"`
		Username     string        `json:"username"`
		Name         string        `json:"name"`
		SystemRole   string        `json:"systemRole"`
		IsSuperAdmin bool          `json:"isSuperAdmin"`
		ExpiresAt    time.Time     `json:"expiresAt"`
		Schools      []SchoolClaim `json:"schools,omitempty"`
	}

	// TokenResponse is returned to mobile clients.
	TokenResponse struct {
		Token   string      `json:"token"`
		Session SessionInfo `json:"session"`
	}
)

func (lr *LoginRequest) Validate(validate *validator.Validate) error {
	lr.Username = core.CleanString(lr.Username, true /* lower */)
	return validate.Struct(lr)
}

func (pr *PasswordResetRequest) Validate(validate *validator.Validate) error {
	pr.Email = core.CleanString(pr.Email, true /* lower */)
	return validate.Struct(pr)
}

func sessionInfo(claims *Claims) SessionInfo {
	return SessionInfo{
		UserID:       claims.UserID,
		Email:        claims.Email,
		Username:     claims.Username,
		Name:         claims.Name,
		SystemRole:   string(claims.SystemRole),
		IsSuperAdmin: claims.SystemRole == permission.RoleSuperAdmin,
		ExpiresAt:    time.Unix(claims.ExpiresAt, 0).UTC(),
		Schools:      claims.Schools,
	}
}

// authenticate binds & checks the credentials, returning a fresh session.
func (api *authApi) authenticate(ctx echo.Context) (auth.Session, error) {
	var data LoginRequest
	if err := ctx.Bind(&data); err != nil {
		return auth.Session{}, errors.Wrap(err, "binding to LoginRequest")
	}
	if err := data.Validate(api.srv.deps.Validate); err != nil {
		return auth.Session{}, err
	}

	usr, err := api.srv.deps.Authenticator.Authenticate(ctx.Request().Context(), data.Username, data.Password)
	if err != nil {
		return auth.Session{}, err
	}
	return auth.NewSession(usr, time.Now()), nil
}

func (api *authApi) login(ctx echo.Context) error {
	sess, err := api.authenticate(ctx)
	if err != nil {
		return err
	}

	token, claims, err := api.srv.tokens.WebToken(sess)
	if err != nil {
		return errors.Wrap(err, "generating token")
	}
	ctx.SetCookie(api.srv.tokens.sessionCookie(token, time.Unix(claims.ExpiresAt, 0)))
	return respond(ctx, http.StatusOK, sessionInfo(claims))
}

func (api *authApi) logout(ctx echo.Context) error {
	ctx.SetCookie(api.srv.tokens.expiredCookie())
	return respondMessage(ctx, http.StatusOK, "Signed out.")
}

func (api *authApi) session(ctx echo.Context) error {
	sess := contextSession(ctx)
	_, claims, err := api.srv.tokens.MobileToken(ctx.Request().Context(), sess)
	if err != nil {
		return errors.Wrap(err, "describing session")
	}
	info := sessionInfo(claims)
	info.ExpiresAt = time.Time{}
	if wc, ok := tokenClaims(ctx, webTokenCtxKey, audienceWeb); ok {
		info.ExpiresAt = time.Unix(wc.ExpiresAt, 0).UTC()
	}
	return respond(ctx, http.StatusOK, info)
}

func (api *authApi) mobileLogin(ctx echo.Context) error {
	sess, err := api.authenticate(ctx)
	if err != nil {
		return err
	}
	return api.issueMobileToken(ctx, sess)
}

// mobileRefresh re-issues a bearer token from the revalidated session: claims reflect the current user record.
func (api *authApi) mobileRefresh(ctx echo.Context) error {
	if contextSource(ctx) != audienceMobile {
		return auth.ErrUnauthenticated
	}
	return api.issueMobileToken(ctx, contextSession(ctx))
}

func (api *authApi) issueMobileToken(ctx echo.Context, sess auth.Session) error {
	token, claims, err := api.srv.tokens.MobileToken(ctx.Request().Context(), sess)
	if err != nil {
		return errors.Wrap(err, "generating token")
	}
	return respond(ctx, http.StatusOK, TokenResponse{Token: token, Session: sessionInfo(claims)})
}

func (api *authApi) resetPassword(ctx echo.Context) error {
	var data PasswordResetRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to PasswordResetRequest")
	}
	if err := data.Validate(api.srv.deps.Validate); err != nil {
		return err
	}

	if err := api.srv.deps.UserSvc.RequestPasswordReset(ctx.Request().Context(), data.Email); err != nil && !core.IsNotFound(err) {
		// do not return errors to attackers
		api.srv.deps.Logger.Error("requesting password reset", errors.Wrap(err, "requesting password reset"))
	}
	return respondMessage(ctx, http.StatusOK, msgPasswordResetRequested)
}

func (api *authApi) confirmPasswordReset(ctx echo.Context) error {
	var data user.ResetUserPassword
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ResetUserPassword")
	}
	if err := data.Validate(api.srv.deps.Validate); err != nil {
		return err
	}

	if err := api.srv.deps.UserSvc.ResetPassword(ctx.Request().Context(), data); err != nil {
		return errors.Wrap(err, "resetting password")
	}
	return respondMessage(ctx, http.StatusOK, "Password has been reset with the new password.")
}
