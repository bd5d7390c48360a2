package main

import (
	"log"

	"github.com/sarpbilgic/donate-now/internal/app"
	"github.com/sarpbilgic/donate-now/internal/config"
)

func main() {
	if err := app.Run(config.RoleNotificationWorker); err != nil {
		log.Fatalf("notification-worker failed: %v", err)
	}
}
