package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/xraph/forge"

	"github.com/Lucasrsv1/structures-manager"
	"github.com/Lucasrsv1/structures-manager/processor"
)

// authenticate resolves the X-Access-Token header to a live processor
// record. The returned error, when non-nil, is the 403 response already
// written to the client.
func (a *API) authenticate(ctx forge.Context) (*processor.Record, error) {
	rec, err := a.registry.Authenticate(ctx.Header(headerAccessToken))
	if err != nil {
		return nil, ctx.Status(http.StatusForbidden).JSON(ErrorResponse{
			Message: "access denied",
			Expired: errors.Is(err, structures.ErrTokenExpired),
		})
	}
	return rec, nil
}

func (a *API) registerProcessor(ctx forge.Context) error {
	var req RegisterRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.Status(http.StatusBadRequest).JSON(ErrorResponse{Message: "invalid request body"})
	}

	reg, err := a.registry.Register(ctx.Context(), ctx.Header(headerRemoteHost), req.QtyCPUs)
	if err != nil {
		if errors.Is(err, structures.ErrInvalidCPUCount) {
			return ctx.Status(http.StatusBadRequest).JSON(ErrorResponse{Message: "qtyCPUs must be at least 1"})
		}
		return err
	}

	return ctx.JSON(http.StatusCreated, RegisterResponse{
		ID:             reg.ID.String(),
		Token:          reg.Token,
		ProcessingMode: reg.Mode,
	})
}

func (a *API) unregisterProcessor(ctx forge.Context) error {
	rec, err := a.authenticate(ctx)
	if rec == nil {
		return err
	}

	if err := a.registry.Unregister(rec.ID); err != nil {
		if errors.Is(err, structures.ErrProcessorNotFound) {
			return forge.NotFound("processor not registered")
		}
		return err
	}

	a.logger.Info("processor unregistered", slog.String("processor_id", rec.ID.String()))
	return ctx.JSON(http.StatusOK, SuccessResponse{Success: true})
}

func (a *API) listProcessors(ctx forge.Context) error {
	return ctx.JSON(http.StatusOK, a.registry.List())
}
