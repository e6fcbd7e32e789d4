package internal

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gdbrns/whatsapp-session-bridge/pkg/env"
	"github.com/gdbrns/whatsapp-session-bridge/pkg/log"
	pkgWhatsApp "github.com/gdbrns/whatsapp-session-bridge/pkg/whatsapp"
)

// Routines registers the periodic health check that reconciles live session
// state into each device's external backend.
func Routines(c *cron.Cron) {
	log.Print(nil).Info("Running Routine Tasks")

	if env.GetEnvBoolOrDefault("BRIDGE_ENABLE_HEALTH_CHECK_CRON", true) {
		_, err := c.AddFunc("0 */5 * * * *", func() {
			if pkgWhatsApp.Bridge().ActiveSessions() == 0 {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			pkgWhatsApp.Bridge().SyncAll(ctx)
		})
		if err != nil {
			log.Print(nil).WithError(err).Error("Failed to add health check cron job")
		}
	} else {
		log.Print(nil).Info("Health check cron disabled; relying on session event handlers")
	}

	c.Start()
}
