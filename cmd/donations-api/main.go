package main

import (
	"log"

	"github.com/sarpbilgic/donate-now/internal/app"
	"github.com/sarpbilgic/donate-now/internal/config"
)

func main() {
	if err := app.Run(config.RoleAPI); err != nil {
		log.Fatalf("donations-api failed: %v", err)
	}
}
