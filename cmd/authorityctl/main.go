package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/danmuck/statebridge/internal/authority"
	"github.com/danmuck/statebridge/internal/logging"
)

func main() {
	configPath := flag.String("config", "cmd/authorityctl/config.toml", "authority service config")
	worldPath := flag.String("world", "", "world topology file (overrides config)")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg := authority.DefaultServiceConfig()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := loadServiceConfig(*configPath)
		if err != nil {
			fail(err)
		}
		cfg = loaded
	} else if !errors.Is(err, fs.ErrNotExist) {
		fail(err)
	} else {
		logging.Warnf("authorityctl config not found path=%q using defaults", *configPath)
	}
	if err := applyEnv(&cfg); err != nil {
		fail(err)
	}
	if *worldPath != "" {
		cfg.WorldPath = *worldPath
	}

	svc := authority.NewServiceWithConfig(cfg)
	if err := svc.Run(); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "authorityctl: %v\n", err)
	os.Exit(1)
}
