package controllers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/greenbasket/greenbasket-backend/api/middleware"
	internalorders "github.com/greenbasket/greenbasket-backend/internal/orders"
	"github.com/greenbasket/greenbasket-backend/pkg/enums"
	pkgerrors "github.com/greenbasket/greenbasket-backend/pkg/errors"
)

func actorFromRequest(r *http.Request) (internalorders.Actor, error) {
	raw := middleware.UserIDFromContext(r.Context())
	if raw == "" {
		return internalorders.Actor{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials")
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return internalorders.Actor{}, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid user id")
	}
	return internalorders.Actor{
		UserID: userID,
		Role:   enums.Role(middleware.RoleFromContext(r.Context())),
	}, nil
}
