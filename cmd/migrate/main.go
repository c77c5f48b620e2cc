package main

import (
	"fmt"
	"os"

	"github.com/SirClappington/exportq/internal/app"
	"github.com/SirClappington/exportq/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = app.MigrateOnly(cfg)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
	fmt.Printf("migrations applied (%s)\n", cfg.RegistryDriver)
}
