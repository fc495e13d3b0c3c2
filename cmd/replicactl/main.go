package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/danmuck/statebridge/internal/logging"
	"github.com/danmuck/statebridge/internal/replica"
)

func main() {
	configPath := flag.String("config", "cmd/replicactl/config.toml", "replica service config")
	authorityURL := flag.String("authority", "", "authority base url (overrides config)")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg := replica.DefaultServiceConfig()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := loadServiceConfig(*configPath)
		if err != nil {
			fail(err)
		}
		cfg = loaded
	} else if !errors.Is(err, fs.ErrNotExist) {
		fail(err)
	} else {
		logging.Warnf("replicactl config not found path=%q using defaults", *configPath)
	}
	if err := applyEnv(&cfg); err != nil {
		fail(err)
	}
	if *authorityURL != "" {
		cfg.AuthorityURL = *authorityURL
	}

	svc := replica.NewServiceWithConfig(cfg)
	if err := svc.Run(); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "replicactl: %v\n", err)
	os.Exit(1)
}
