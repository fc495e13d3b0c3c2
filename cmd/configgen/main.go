package main

import (
	"flag"
	"log"

	"github.com/danmuck/statebridge/internal/config"
)

func defaultPath(kind string) string {
	switch kind {
	case "world":
		return "cmd/authorityctl/world.toml"
	case "authority":
		return "cmd/authorityctl/config.toml"
	case "replica":
		return "cmd/replicactl/config.toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}

func main() {
	kind := flag.String("kind", "world", "config kind: world|authority|replica")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}

		switch *kind {
		case "world":
			if _, err := config.LoadWorld(path); err != nil {
				log.Fatal(err)
			}
		case "authority", "replica":
			if err := config.CheckSyntax(path); err != nil {
				log.Fatal(err)
			}
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}

	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
