package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/auth"
	"github.com/trezcool/masomo/core/permission"
	"github.com/trezcool/masomo/core/user"
)

const msgAdminOnlyField = "only system administrators can change this field"

type userApi struct {
	srv *Server
}

func registerUserAPI(g *echo.Group, srv *Server) {
	api := userApi{srv: srv}
	manageSystem := srv.requireSystemPermission(permission.ManageSystem)

	g.GET("/permissions", api.permissions, srv.requireAuth)

	// current user
	cg := g.Group("/user", srv.requireAuth)
	cg.PUT("/password", api.changePassword)
	cg.GET("/managed-schools", api.managedSchools)

	ug := g.Group("/users")
	ug.GET("", api.query, manageSystem)
	ug.POST("", api.create, manageSystem)

	// detail endpoints
	dg := ug.Group("/:id")
	dg.GET("", api.retrieve, srv.requireAuth)
	dg.PUT("", api.update, srv.requireAuth)
	dg.DELETE("", api.destroy, manageSystem)
	dg.POST("/deactivate", api.deactivate, manageSystem)
}

// Handlers

func (api *userApi) permissions(ctx echo.Context) error {
	summary, err := api.srv.deps.Authorizer.EffectivePermissions(ctx.Request().Context(), contextSession(ctx).UserID)
	if err != nil {
		return errors.Wrap(err, "summarising permissions")
	}
	return respond(ctx, http.StatusOK, summary)
}

func (api *userApi) managedSchools(ctx echo.Context) error {
	schools, err := api.srv.deps.Authorizer.ManagedSchools(ctx.Request().Context(), contextSession(ctx).UserID)
	if err != nil {
		return errors.Wrap(err, "querying managed schools")
	}
	return respond(ctx, http.StatusOK, schools)
}

func (api *userApi) changePassword(ctx echo.Context) error {
	rctx := ctx.Request().Context()
	usr, err := api.srv.deps.UserSvc.GetByID(rctx, contextSession(ctx).UserID)
	if err != nil {
		return errors.Wrap(err, "getting user")
	}

	var data user.ChangePassword
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ChangePassword")
	}
	if err = data.Validate(usr, api.srv.deps.Validate); err != nil {
		return err
	}

	if _, err = api.srv.deps.UserSvc.ChangePassword(rctx, usr, data); err != nil {
		return errors.Wrap(err, "changing password")
	}
	return respondMessage(ctx, http.StatusOK, "Password has been changed.")
}

func (api *userApi) query(ctx echo.Context) error {
	filter, err := bindUserFilter(ctx)
	if err != nil {
		return err
	}
	var ord Ordering
	ord.Bind(ctx)

	users, err := api.srv.deps.UserSvc.Query(ctx.Request().Context(), filter, ord.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying users")
	}
	return respond(ctx, http.StatusOK, users)
}

func (api *userApi) create(ctx echo.Context) error {
	rctx := ctx.Request().Context()

	var data user.NewUser
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewUser")
	}
	if err := data.Validate(rctx, api.srv.deps.Validate, api.srv.deps.UserSvc); err != nil {
		return err
	}

	usr, err := api.srv.deps.UserSvc.Create(rctx, data)
	if err != nil {
		return errors.Wrap(err, "creating user")
	}
	return respond(ctx, http.StatusCreated, usr)
}

// target returns the `:id` user, as long as it is the session user or the session user manages the system.
// Returns whether the session user manages the system.
func (api *userApi) target(ctx echo.Context) (user.User, bool, error) {
	rctx := ctx.Request().Context()
	sess := contextSession(ctx)
	id := ctx.Param("id")

	isAdmin := api.srv.deps.Authorizer.HasSystemPermission(rctx, sess.UserID, permission.ManageSystem)
	if id != sess.UserID && !isAdmin {
		return user.User{}, false, auth.ErrInsufficientPermissions
	}

	usr, err := api.srv.deps.UserSvc.GetByID(rctx, id)
	if err != nil {
		return user.User{}, false, errors.Wrap(err, "getting user")
	}
	return usr, isAdmin, nil
}

func (api *userApi) retrieve(ctx echo.Context) error {
	usr, _, err := api.target(ctx)
	if err != nil {
		return err
	}
	return respond(ctx, http.StatusOK, usr)
}

func (api *userApi) update(ctx echo.Context) error {
	usr, isAdmin, err := api.target(ctx)
	if err != nil {
		return err
	}

	var data user.UpdateUser
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateUser")
	}
	if !isAdmin {
		if flds := adminOnlyUserFields(usr, data); len(flds) > 0 {
			return core.NewValidationError(nil, flds...)
		}
	} else if usr.ID == contextSession(ctx).UserID && locksOut(usr, data) {
		return errSelfAction
	}
	rctx := ctx.Request().Context()
	if err = data.Validate(rctx, usr, api.srv.deps.Validate, api.srv.deps.UserSvc); err != nil {
		return err
	}

	if usr, err = api.srv.deps.UserSvc.Update(rctx, usr, data); err != nil {
		return errors.Wrap(err, "updating user")
	}
	return respond(ctx, http.StatusOK, usr)
}

// adminOnlyUserFields lists the fields of uu that only system administrators may change.
// Identity fields are part of the sign-in identifier, so users cannot change their own.
func adminOnlyUserFields(usr user.User, uu user.UpdateUser) []core.FieldError {
	var flds []core.FieldError
	if uu.IsActive != nil && *uu.IsActive != usr.IsActive {
		flds = append(flds, core.FieldError{Field: "is_active", Error: msgAdminOnlyField})
	}
	if uu.SystemRole != nil && *uu.SystemRole != usr.SystemRole {
		flds = append(flds, core.FieldError{Field: "system_role", Error: msgAdminOnlyField})
	}
	if uname := core.CleanString(uu.Username, true /* lower */); uname != "" && uname != usr.Username {
		flds = append(flds, core.FieldError{Field: "username", Error: msgAdminOnlyField})
	}
	if email := core.CleanString(uu.Email, true /* lower */); email != "" && email != usr.Email {
		flds = append(flds, core.FieldError{Field: "email", Error: msgAdminOnlyField})
	}
	return flds
}

// locksOut reports whether uu would deactivate usr or change its system role.
func locksOut(usr user.User, uu user.UpdateUser) bool {
	if uu.IsActive != nil && !*uu.IsActive {
		return true
	}
	return uu.SystemRole != nil && *uu.SystemRole != usr.SystemRole
}

// errSelfAction stops administrators from locking themselves out.
var errSelfAction = core.NewValidationError(nil, core.FieldError{Field: "id", Error: "you cannot perform this action on your own account"})

func (api *userApi) destroy(ctx echo.Context) error {
	id := ctx.Param("id")
	if id == contextSession(ctx).UserID {
		return errSelfAction
	}

	n, err := api.srv.deps.UserSvc.Delete(ctx.Request().Context(), id)
	if err != nil {
		return errors.Wrap(err, "deleting user")
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return respondMessage(ctx, http.StatusOK, "User deleted.")
}

func (api *userApi) deactivate(ctx echo.Context) error {
	id := ctx.Param("id")
	if id == contextSession(ctx).UserID {
		return errSelfAction
	}

	usr, err := api.srv.deps.UserSvc.Deactivate(ctx.Request().Context(), id)
	if err != nil {
		return errors.Wrap(err, "deactivating user")
	}
	return respond(ctx, http.StatusOK, usr)
}
