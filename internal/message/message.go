package message

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/whatsapp-session-bridge/internal/bridge"
	"github.com/gdbrns/whatsapp-session-bridge/internal/types"
	"github.com/gdbrns/whatsapp-session-bridge/pkg/router"
	pkgWhatsApp "github.com/gdbrns/whatsapp-session-bridge/pkg/whatsapp"
)

// Send delivers a text message through a device's live session.
func Send(c *fiber.Ctx) error {
	var req types.RequestSendMessage
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "failed to parse request body")
	}

	if strings.TrimSpace(req.DeviceID) == "" {
		return router.ResponseBadRequest(c, "deviceId is required")
	}
	if strings.TrimSpace(req.To) == "" {
		return router.ResponseBadRequest(c, "to is required")
	}
	if req.Message == "" {
		return router.ResponseBadRequest(c, "message is required")
	}

	err := pkgWhatsApp.Bridge().SendMessage(c.UserContext(), req.DeviceID, req.To, req.Message)
	if err != nil {
		if errors.Is(err, bridge.ErrNotFound) {
			return router.ResponseNotFound(c, err.Error())
		}
		return router.ResponseInternalError(c, err.Error())
	}

	return router.ResponseOK(c, types.ResponseSuccess{Success: true})
}
