package internal

import (
	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/whatsapp-session-bridge/pkg/router"

	ctlDevice "github.com/gdbrns/whatsapp-session-bridge/internal/device"
	ctlIndex "github.com/gdbrns/whatsapp-session-bridge/internal/index"
	ctlMessage "github.com/gdbrns/whatsapp-session-bridge/internal/message"
)

func Routes(app *fiber.App) {
	// Route for Index
	// ---------------------------------------------
	if router.BaseURL == "" {
		app.Get("/", ctlIndex.Index)
	} else {
		app.Get(router.BaseURL, ctlIndex.Index)
		app.Get(router.BaseURL+"/", ctlIndex.Index)
	}

	// Device lifecycle
	// ---------------------------------------------
	app.Post(router.BaseURL+"/api/device/create", ctlDevice.Create)
	app.Get(router.BaseURL+"/api/device/:id/qr", ctlDevice.QR)
	app.Post(router.BaseURL+"/api/device/:id/disconnect", ctlDevice.Disconnect)
	app.Get(router.BaseURL+"/api/device/:id/status", ctlDevice.Status)
	app.Post(router.BaseURL+"/api/device/:id/sync", ctlDevice.Sync)

	// Messaging
	// ---------------------------------------------
	app.Post(router.BaseURL+"/api/message/send", ctlMessage.Send)
}
