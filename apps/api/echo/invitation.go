package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core/invitation"
	"github.com/trezcool/masomo/core/permission"
	"github.com/trezcool/masomo/core/school"
	"github.com/trezcool/masomo/core/user"
)

type invitationApi struct {
	srv *Server
}

func registerInvitationAPI(g *echo.Group, srv *Server) {
	api := invitationApi{srv: srv}

	// TODO: rate limit `/accept`
	g.POST("/invitations/accept", api.accept)

	ig := g.Group("/schools/:id/invitations", srv.requireSchoolPermission(permission.InviteUsers))
	ig.GET("", api.pending)
	ig.POST("", api.create)
	ig.DELETE("/:invitationId", api.revoke)
}

type (
	// invitationResponse is an Invitation along with its status.
	invitationResponse struct {
		invitation.Invitation
		Status string `json:"status"`
	}

	acceptResponse struct {
		User       user.User         `json:"user"`
		Membership school.Membership `json:"membership"`
	}
)

func newInvitationResponse(inv invitation.Invitation) invitationResponse {
	return invitationResponse{Invitation: inv, Status: inv.Status(invitation.NowFunc())}
}

// Handlers

func (api *invitationApi) pending(ctx echo.Context) error {
	invs, err := api.srv.deps.InvitationSvc.Pending(ctx.Request().Context(), ctx.Param(schoolParam))
	if err != nil {
		return errors.Wrap(err, "querying invitations")
	}
	resp := make([]invitationResponse, 0, len(invs))
	for _, inv := range invs {
		resp = append(resp, newInvitationResponse(inv))
	}
	return respond(ctx, http.StatusOK, resp)
}

// create e-mails the invitation; the token never appears in the response.
func (api *invitationApi) create(ctx echo.Context) error {
	rctx := ctx.Request().Context()

	var data invitation.NewInvitation
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewInvitation")
	}
	if err := data.Validate(api.srv.deps.Validate); err != nil {
		return err
	}

	sch, err := api.srv.deps.SchoolSvc.GetByID(rctx, ctx.Param(schoolParam))
	if err != nil {
		return errors.Wrap(err, "getting school")
	}
	inviter, err := api.srv.deps.UserSvc.GetByID(rctx, contextSession(ctx).UserID)
	if err != nil {
		return errors.Wrap(err, "getting inviter")
	}

	inv, _, err := api.srv.deps.InvitationSvc.Invite(rctx, sch, inviter, data)
	if err != nil {
		return errors.Wrap(err, "inviting")
	}
	return respond(ctx, http.StatusCreated, newInvitationResponse(inv))
}

func (api *invitationApi) revoke(ctx echo.Context) error {
	rctx := ctx.Request().Context()
	inv, err := api.srv.deps.InvitationSvc.Get(rctx, ctx.Param(schoolParam), ctx.Param("invitationId"))
	if err != nil {
		return errors.Wrap(err, "getting invitation")
	}
	if err = api.srv.deps.InvitationSvc.Revoke(rctx, inv); err != nil {
		return errors.Wrap(err, "revoking invitation")
	}
	return respondMessage(ctx, http.StatusOK, "Invitation revoked.")
}

func (api *invitationApi) accept(ctx echo.Context) error {
	var data invitation.AcceptInvitation
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to AcceptInvitation")
	}
	if err := data.Validate(api.srv.deps.Validate); err != nil {
		return err
	}

	usr, m, err := api.srv.deps.InvitationSvc.Accept(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "accepting invitation")
	}
	return respond(ctx, http.StatusOK, acceptResponse{User: usr, Membership: m})
}
