package main

import (
	"log"
	"strings"

	"github.com/danmuck/syncctl/internal/config"
	flag "github.com/spf13/pflag"
)

func main() {
	kind := flag.String("kind", "toml", "template format: toml|yaml")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to the per-kind path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		cfg, err := config.Load(path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated syncd config at %s (http %s, listen %s)", path, cfg.HTTPAddr, cfg.Stream.Listen)
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

func defaultPath(kind string) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "yaml", "yml":
		return "cmd/syncd/config.yaml"
	default:
		return "cmd/syncd/config.toml"
	}
}
