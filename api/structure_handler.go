package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/xraph/forge"

	"github.com/Lucasrsv1/structures-manager"
	"github.com/Lucasrsv1/structures-manager/processor"
)

func (a *API) listStructures(ctx forge.Context) error {
	list, err := a.store.List(ctx.Context())
	if err != nil {
		return fmt.Errorf("list structures: %w", err)
	}
	return ctx.JSON(http.StatusOK, list)
}

func (a *API) countStructures(ctx forge.Context) error {
	stats, err := a.store.Count(ctx.Context(), a.interval)
	if err != nil {
		return fmt.Errorf("count structures: %w", err)
	}
	return ctx.JSON(http.StatusOK, stats)
}

// claimCount parses the optional qty_cpus path parameter. Absent means a
// single structure.
func claimCount(raw string) (int, error) {
	if raw == "" {
		return 1, nil
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid qty_cpus: %q", raw)
	}
	return count, nil
}

// claimMode parses the optional mode path parameter. Absent means no mode
// filter, so unsized structures stay claimable regardless of the processor's
// current assignment.
func claimMode(raw string) (processor.Mode, error) {
	if raw == "" {
		return processor.ModeUndefined, nil
	}
	mode, ok := processor.ParseMode(raw)
	if !ok {
		return processor.ModeUndefined, fmt.Errorf("invalid processing mode: %q", raw)
	}
	return mode, nil
}

func (a *API) nextStructures(ctx forge.Context) error {
	rec, err := a.authenticate(ctx)
	if rec == nil {
		return err
	}

	count, err := claimCount(ctx.Param("qty_cpus"))
	if err != nil {
		return forge.BadRequest(err.Error())
	}

	mode, err := claimMode(ctx.Param("mode"))
	if err != nil {
		return forge.BadRequest(err.Error())
	}

	filenames, err := a.leases.ClaimNext(ctx.Context(), rec.ID, count, mode)
	if err != nil {
		if errors.Is(err, structures.ErrDistributionInconsistency) {
			return ctx.Status(http.StatusInternalServerError).JSON(ErrorResponse{
				Message: "distribution inconsistency, retry the request",
			})
		}
		return fmt.Errorf("claim structures: %w", err)
	}

	return ctx.JSON(http.StatusOK, NextResponse{
		Filenames:      filenames,
		ProcessingMode: a.registry.ModeOf(rec.ID),
	})
}

func (a *API) pingStructures(ctx forge.Context) error {
	rec, err := a.authenticate(ctx)
	if rec == nil {
		return err
	}

	var req PingRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.Status(http.StatusBadRequest).JSON(ErrorResponse{Message: "invalid request body"})
	}

	res, err := a.leases.Ping(ctx.Context(), rec.ID, req.Filenames)
	if err != nil {
		switch {
		case errors.Is(err, structures.ErrNoFilenames):
			return ctx.Status(http.StatusBadRequest).JSON(ErrorResponse{Message: "filenames must not be empty"})
		case errors.Is(err, structures.ErrAccessDenied):
			return ctx.Status(http.StatusForbidden).JSON(ErrorResponse{
				Message:         "no pinged structure is held by this processor",
				FilesNotAllowed: req.Filenames,
			})
		default:
			return fmt.Errorf("ping structures: %w", err)
		}
	}

	return ctx.JSON(http.StatusAccepted, PingResponse{
		Success:         true,
		FilesNotAllowed: res.Rejected,
		ProcessingMode:  a.registry.ModeOf(rec.ID),
	})
}

func (a *API) saveResult(ctx forge.Context) error {
	rec, err := a.authenticate(ctx)
	if rec == nil {
		return err
	}

	var req ResultRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.Status(http.StatusBadRequest).JSON(ErrorResponse{Message: "invalid request body"})
	}
	if req.Filename == "" {
		return ctx.Status(http.StatusBadRequest).JSON(ErrorResponse{Message: "filename is required"})
	}

	outcome, err := a.leases.SaveResult(ctx.Context(), rec.ID, req.Filename, req.Result, req.ProcessingTime)
	if err != nil {
		if errors.Is(err, structures.ErrAccessDenied) {
			return ctx.Status(http.StatusForbidden).JSON(ErrorResponse{Message: "structure is not held by this processor"})
		}
		return fmt.Errorf("save result: %w", err)
	}

	return ctx.JSON(http.StatusCreated, ResultResponse{
		Success:          outcome.Saved,
		IsNewMinDistance: outcome.IsNewMinimum,
		ProcessingMode:   a.registry.ModeOf(rec.ID),
	})
}
