package echoapi

import (
	"net/http"
	"net/mail"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/auth"
	"github.com/trezcool/masomo/core/permission"
	"github.com/trezcool/masomo/core/school"
	"github.com/trezcool/masomo/core/usage"
)

type schoolApi struct {
	srv *Server
}

func registerSchoolAPI(g *echo.Group, srv *Server) {
	api := schoolApi{srv: srv}

	sg := g.Group("/schools")
	sg.GET("", api.query, srv.requireAuth)
	sg.POST("", api.create, srv.requireSystemPermission(permission.CreateSchool))

	// detail endpoints
	dg := sg.Group("/:id")
	dg.GET("", api.retrieve, srv.requireSchoolMember)
	dg.PUT("", api.update, srv.requireSchoolPermission(permission.ManageSchool))
	dg.POST("/credits", api.grantCredits, srv.requireSystemPermission(permission.ManageCredits))
	dg.GET("/usage", api.usageSummary, srv.requireSchoolPermission(permission.ViewUsage))
	dg.POST("/usage", api.recordUsage, srv.requireSchoolPermission(permission.UseAITools))
	dg.POST("/usage/statement", api.mailUsageStatement, srv.requireSchoolPermission(permission.ViewUsage))

	manageUsers := srv.requireSchoolPermission(permission.ManageUsers)
	dg.GET("/members", api.members, manageUsers)
	dg.POST("/members", api.addMember, manageUsers)
	dg.PUT("/members/:userId", api.updateMember, manageUsers)
}

// Handlers

// query lists every school to those allowed to view them all, otherwise the caller's own active schools.
func (api *schoolApi) query(ctx echo.Context) error {
	rctx := ctx.Request().Context()
	sess := contextSession(ctx)

	filter, err := bindSchoolFilter(ctx)
	if err != nil {
		return err
	}
	var ord Ordering
	ord.Bind(ctx)

	if !api.srv.deps.Authorizer.HasSystemPermission(rctx, sess.UserID, permission.ViewAllSchools) {
		members, err := api.srv.deps.SchoolSvc.MembershipsOf(rctx, sess.UserID, true /* activeOnly */)
		if err != nil {
			return errors.Wrap(err, "querying memberships")
		}
		filter.IDs = make([]string, 0, len(members))
		for _, m := range members {
			filter.IDs = append(filter.IDs, m.SchoolID)
		}
	}

	schools, err := api.srv.deps.SchoolSvc.Query(rctx, filter, ord.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying schools")
	}
	return respond(ctx, http.StatusOK, schools)
}

func (api *schoolApi) create(ctx echo.Context) error {
	var data school.NewSchool
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewSchool")
	}
	if err := data.Validate(api.srv.deps.Validate); err != nil {
		return err
	}

	sch, err := api.srv.deps.SchoolSvc.Create(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating school")
	}
	return respond(ctx, http.StatusCreated, sch)
}

func (api *schoolApi) retrieve(ctx echo.Context) error {
	sch, err := api.srv.deps.SchoolSvc.GetByID(ctx.Request().Context(), ctx.Param(schoolParam))
	if err != nil {
		return errors.Wrap(err, "getting school")
	}
	return respond(ctx, http.StatusOK, sch)
}

func (api *schoolApi) update(ctx echo.Context) error {
	rctx := ctx.Request().Context()
	sch, err := api.srv.deps.SchoolSvc.GetByID(rctx, ctx.Param(schoolParam))
	if err != nil {
		return errors.Wrap(err, "getting school")
	}

	var data school.UpdateSchool
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateSchool")
	}
	// (de)activating a school is a system matter
	if data.IsActive != nil && *data.IsActive != sch.IsActive &&
		!api.srv.deps.Authorizer.HasSystemPermission(rctx, contextSession(ctx).UserID, permission.ManageSystem) {
		return core.NewValidationError(nil, core.FieldError{Field: "is_active", Error: msgAdminOnlyField})
	}
	if err = data.Validate(sch, api.srv.deps.Validate); err != nil {
		return err
	}

	if sch, err = api.srv.deps.SchoolSvc.Update(rctx, sch, data); err != nil {
		return errors.Wrap(err, "updating school")
	}
	return respond(ctx, http.StatusOK, sch)
}

func (api *schoolApi) grantCredits(ctx echo.Context) error {
	var data school.GrantCredits
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to GrantCredits")
	}
	if err := data.Validate(api.srv.deps.Validate); err != nil {
		return err
	}

	sch, err := api.srv.deps.SchoolSvc.AdjustCredits(ctx.Request().Context(), ctx.Param(schoolParam), data.Amount)
	if err != nil {
		return errors.Wrap(err, "adjusting credits")
	}
	api.srv.deps.Logger.Info("credits adjusted", map[string]interface{}{
		"school_id": sch.ID, "amount": data.Amount, "reason": data.Reason, "balance": sch.Credits,
	}, contextSession(ctx))
	return respond(ctx, http.StatusOK, sch)
}

func (api *schoolApi) usageSummary(ctx echo.Context) error {
	from, to, err := bindPeriod(ctx)
	if err != nil {
		return err
	}

	summary, err := api.srv.deps.UsageSvc.Summary(ctx.Request().Context(), ctx.Param(schoolParam), from, to)
	if err != nil {
		return errors.Wrap(err, "summarising usage")
	}
	return respond(ctx, http.StatusOK, summary)
}

// mailUsageStatement sends the period's statement to the caller's own address.
func (api *schoolApi) mailUsageStatement(ctx echo.Context) error {
	from, to, err := bindPeriod(ctx)
	if err != nil {
		return err
	}
	sess := contextSession(ctx)
	if sess.Email == "" {
		return core.NewValidationError(nil, core.FieldError{Field: "email", Error: "no address to send the statement to"})
	}

	recipient := mail.Address{Name: sess.Name, Address: sess.Email}
	if err = api.srv.deps.UsageSvc.MailStatement(ctx.Request().Context(), ctx.Param(schoolParam), recipient, from, to); err != nil {
		return errors.Wrap(err, "mailing usage statement")
	}
	return respondMessage(ctx, http.StatusOK, "usage statement sent to "+sess.Email)
}

type usageResponse struct {
	Record  usage.Record `json:"record"`
	Balance int          `json:"balance"`
}

func (api *schoolApi) recordUsage(ctx echo.Context) error {
	var data usage.NewRecord
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewRecord")
	}
	if err := data.Validate(api.srv.deps.Validate); err != nil {
		return err
	}

	rec, sch, err := api.srv.deps.UsageSvc.Record(ctx.Request().Context(), ctx.Param(schoolParam), contextSession(ctx).UserID, data)
	if err != nil {
		return errors.Wrap(err, "recording usage")
	}
	if api.srv.deps.Metrics != nil {
		api.srv.deps.Metrics.RecordCredits(string(rec.Feature), rec.Credits)
	}
	return respond(ctx, http.StatusCreated, usageResponse{Record: rec, Balance: sch.Credits})
}

func (api *schoolApi) members(ctx echo.Context) error {
	members, err := api.srv.deps.SchoolSvc.Members(ctx.Request().Context(), ctx.Param(schoolParam))
	if err != nil {
		return errors.Wrap(err, "querying members")
	}
	return respond(ctx, http.StatusOK, members)
}

func (api *schoolApi) addMember(ctx echo.Context) error {
	rctx := ctx.Request().Context()

	var data school.NewMembership
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewMembership")
	}
	if err := data.Validate(api.srv.deps.Validate); err != nil {
		return err
	}
	if _, err := api.srv.deps.UserSvc.GetByID(rctx, data.UserID); err != nil {
		if core.IsNotFound(err) {
			return core.NewValidationError(err, core.FieldError{Field: "user_id", Error: "unknown user"})
		}
		return errors.Wrap(err, "getting user")
	}

	m, err := api.srv.deps.SchoolSvc.AddMember(rctx, ctx.Param(schoolParam), data)
	if err != nil {
		return errors.Wrap(err, "adding member")
	}
	return respond(ctx, http.StatusCreated, m)
}

func (api *schoolApi) updateMember(ctx echo.Context) error {
	rctx := ctx.Request().Context()
	userID := ctx.Param("userId")

	m, err := api.srv.deps.SchoolSvc.Membership(rctx, userID, ctx.Param(schoolParam))
	if err != nil {
		return errors.Wrap(err, "getting membership")
	}

	var data school.UpdateMembership
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateMembership")
	}
	if err = data.Validate(api.srv.deps.Validate); err != nil {
		return err
	}
	// admins cannot demote or deactivate themselves; another admin (or a super-admin) has to
	if userID == contextSession(ctx).UserID && !contextSession(ctx).IsSuperAdmin {
		if (data.Role != nil && *data.Role != m.Role) || (data.IsActive != nil && !*data.IsActive) {
			return auth.ErrInsufficientPermissions
		}
	}

	if m, err = api.srv.deps.SchoolSvc.UpdateMember(rctx, m, data); err != nil {
		return errors.Wrap(err, "updating member")
	}
	return respond(ctx, http.StatusOK, m)
}
