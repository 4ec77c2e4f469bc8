package echoapi

import (
	"github.com/labstack/echo/v4"

	"github.com/trezcool/masomo/core/auth"
	"github.com/trezcool/masomo/core/permission"
)

// schoolParam names the path parameter holding the school ID of school scoped routes.
const schoolParam = "id"

func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		sess, err := s.deps.Authorizer.RequireAuth(ctx.Request().Context(), contextSession(ctx))
		if err != nil {
			return err
		}
		ctx.Set(sessionCtxKey, sess)
		return next(ctx)
	}
}

func (s *Server) requireSystemPermission(perm permission.Permission) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			sess, err := s.deps.Authorizer.RequireSystemPermission(ctx.Request().Context(), contextSession(ctx), perm)
			if err != nil {
				return err
			}
			ctx.Set(sessionCtxKey, sess)
			return next(ctx)
		}
	}
}

// requireSchoolPermission checks perm against the school named by the `:id` path parameter.
func (s *Server) requireSchoolPermission(perm permission.Permission) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			sess, err := s.deps.Authorizer.RequireSchoolPermission(
				ctx.Request().Context(), contextSession(ctx), ctx.Param(schoolParam), perm,
			)
			if err != nil {
				return err
			}
			ctx.Set(sessionCtxKey, sess)
			return next(ctx)
		}
	}
}

// requireSchoolMember lets super-admins and active members of the `:id` school through.
func (s *Server) requireSchoolMember(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		rctx := ctx.Request().Context()
		sess, err := s.deps.Authorizer.RequireAuth(rctx, contextSession(ctx))
		if err != nil {
			return err
		}
		if !s.deps.Authorizer.IsSchoolMember(rctx, sess.UserID, ctx.Param(schoolParam)) {
			return auth.ErrInsufficientPermissions
		}
		ctx.Set(sessionCtxKey, sess)
		return next(ctx)
	}
}
