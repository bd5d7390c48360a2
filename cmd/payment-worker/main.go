package main

import (
	"log"

	"github.com/sarpbilgic/donate-now/internal/app"
	"github.com/sarpbilgic/donate-now/internal/config"
)

func main() {
	if err := app.Run(config.RolePaymentWorker); err != nil {
		log.Fatalf("payment-worker failed: %v", err)
	}
}
