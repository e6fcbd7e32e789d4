package index

import (
	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/whatsapp-session-bridge/internal/types"
	"github.com/gdbrns/whatsapp-session-bridge/pkg/router"
	pkgWhatsApp "github.com/gdbrns/whatsapp-session-bridge/pkg/whatsapp"
)

func Index(c *fiber.Ctx) error {
	return router.ResponseOK(c, types.ResponseIndex{
		Status:            "ok",
		Service:           "whatsapp-session-bridge",
		ActiveConnections: pkgWhatsApp.Bridge().ActiveSessions(),
	})
}
