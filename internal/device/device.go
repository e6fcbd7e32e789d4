package device

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/whatsapp-session-bridge/internal/backend"
	"github.com/gdbrns/whatsapp-session-bridge/internal/bridge"
	"github.com/gdbrns/whatsapp-session-bridge/internal/types"
	"github.com/gdbrns/whatsapp-session-bridge/pkg/router"
	pkgWhatsApp "github.com/gdbrns/whatsapp-session-bridge/pkg/whatsapp"
)

// Create opens a session for a device. Pairing material arrives
// asynchronously; poll the qr endpoint afterwards.
func Create(c *fiber.Ctx) error {
	var req types.RequestCreateDevice
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "failed to parse request body")
	}

	if strings.TrimSpace(req.DeviceID) == "" {
		return router.ResponseBadRequest(c, "deviceId is required")
	}

	creds := backend.Credentials{URL: req.ExternalURL, Key: req.ExternalKey}
	if err := pkgWhatsApp.Bridge().Create(c.UserContext(), req.DeviceID, creds); err != nil {
		if errors.Is(err, bridge.ErrDeviceIDRequired) {
			return router.ResponseBadRequest(c, err.Error())
		}
		return router.ResponseInternalError(c, err.Error())
	}

	return router.ResponseOK(c, types.ResponseCreateDevice{
		Success:      true,
		DeviceID:     strings.TrimSpace(req.DeviceID),
		WaitingForQR: true,
	})
}

// QR returns the most recently rendered pairing artifact for a device.
func QR(c *fiber.Ctx) error {
	deviceID := c.Params("id")

	artifact, ok := pkgWhatsApp.Bridge().PairingArtifact(deviceID)
	if !ok {
		return router.ResponseNotFound(c, "no pairing code available for device")
	}

	return router.ResponseOK(c, types.ResponseQR{QRCode: artifact})
}

// Disconnect logs the device out and removes its session.
func Disconnect(c *fiber.Ctx) error {
	deviceID := c.Params("id")

	if err := pkgWhatsApp.Bridge().Disconnect(c.UserContext(), deviceID); err != nil {
		if errors.Is(err, bridge.ErrNotFound) {
			return router.ResponseNotFound(c, err.Error())
		}
		return router.ResponseInternalError(c, err.Error())
	}

	return router.ResponseOK(c, types.ResponseSuccess{Success: true})
}

// Status is a pure read of the session, pairing and metadata stores.
func Status(c *fiber.Ctx) error {
	snap := pkgWhatsApp.Bridge().Status(c.Params("id"))

	return router.ResponseOK(c, types.ResponseStatus{
		Connected: snap.Connected,
		HasQR:     snap.HasQR,
		Battery:   snap.Battery,
		Phone:     snap.Phone,
	})
}

// Sync pushes live session state to the external backend and returns the
// refreshed snapshot.
func Sync(c *fiber.Ctx) error {
	deviceID := c.Params("id")

	status, phone, battery, err := pkgWhatsApp.Bridge().Sync(c.UserContext(), deviceID)
	if err != nil {
		if errors.Is(err, bridge.ErrNotFound) {
			return router.ResponseNotFound(c, err.Error())
		}
		return router.ResponseBadRequest(c, err.Error())
	}

	return router.ResponseOK(c, types.ResponseSync{
		Success: true,
		Phone:   phone,
		Battery: battery,
		Status:  string(status),
	})
}
