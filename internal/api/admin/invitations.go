package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clinicore/identity/internal/auth"
	"github.com/clinicore/identity/internal/middleware"
	"github.com/clinicore/identity/internal/services"
)

// InvitationAPI is the invitation engine used by InvitationHandlers
type InvitationAPI interface {
	Invite(ctx context.Context, sc *auth.SessionContext, req services.InviteRequest) (services.Ack, error)
	Info(ctx context.Context, token string) (*services.InvitationInfo, error)
	Accept(ctx context.Context, req services.AcceptRequest) (*services.AcceptResult, error)
}

// InvitationHandlers handles invitation creation, inspection and acceptance
type InvitationHandlers struct {
	invitations InvitationAPI
}

// NewInvitationHandlers creates a new InvitationHandlers instance
func NewInvitationHandlers(invitations InvitationAPI) *InvitationHandlers {
	return &InvitationHandlers{invitations: invitations}
}

type inviteRequest struct {
	Email     string `json:"email"`
	Role      string `json:"role"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// InviteHandler invites someone into the caller's tenant. Superadmins name
// the tenant with ?as_tenant=.
// POST /tenant/invitations
func (h *InvitationHandlers) InviteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req inviteRequest
		if !bindJSON(c, &req) {
			return
		}
		ack, err := h.invitations.Invite(c.Request.Context(), middleware.Session(c), services.InviteRequest{
			Email:     req.Email,
			Role:      req.Role,
			AsTenant:  c.Query("as_tenant"),
			FirstName: req.FirstName,
			LastName:  req.LastName,
		})
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, ack)
	}
}

// InfoHandler describes an invitation to the acceptance page
// GET /auth/invitation-info/:token
func (h *InvitationHandlers) InfoHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := h.invitations.Info(c.Request.Context(), c.Param("token"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

type acceptRequest struct {
	Token     string `json:"token"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

// AcceptHandler redeems an invitation
// POST /auth/accept-invitation
func (h *InvitationHandlers) AcceptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req acceptRequest
		if !bindJSON(c, &req) {
			return
		}
		res, err := h.invitations.Accept(c.Request.Context(), services.AcceptRequest{
			Token:     req.Token,
			Password:  req.Password,
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Phone:     req.Phone,
		})
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}
