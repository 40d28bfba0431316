package ingest

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/tiny-giraffes/life-beacon-360/internal/beacon"
)

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Post("/beacons", authMiddleware, func(c *fiber.Ctx) error {
		var req beacon.Report
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := req.Validate(); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if !sameDevice(c, req.DeviceID) {
			return fiber.NewError(fiber.StatusForbidden, "device mismatch")
		}
		if key := c.Get("Idempotency-Key"); key != "" && key != req.IdempotencyKey() {
			return fiber.NewError(fiber.StatusBadRequest, "idempotency key does not match beacon")
		}

		stored, created, err := svc.Record(c.Context(), req)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		if !created {
			return c.Status(fiber.StatusOK).JSON(stored)
		}
		return c.Status(fiber.StatusCreated).JSON(stored)
	})

	r.Get("/devices/:id/beacons", authMiddleware, func(c *fiber.Ctx) error {
		if !sameDevice(c, c.Params("id")) {
			return fiber.NewError(fiber.StatusForbidden, "device mismatch")
		}
		beacons, err := svc.Latest(c.Context(), c.Params("id"), c.QueryInt("limit", defaultLatest))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(beacons)
	})

	r.Get("/sessions/:id/summary", authMiddleware, func(c *fiber.Ctx) error {
		summary, err := svc.Summary(c.Context(), c.Params("id"))
		if errors.Is(err, beacon.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "session not found")
		}
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		if !sameDevice(c, summary.DeviceID) {
			return fiber.NewError(fiber.StatusForbidden, "device mismatch")
		}
		return c.JSON(summary)
	})
}

func sameDevice(c *fiber.Ctx, deviceID string) bool {
	authed, _ := c.Locals("device_id").(string)
	return authed != "" && authed == deviceID
}
