package main

import (
	"flag"
	"log"

	"github.com/danmuck/partyctl/internal/config"
)

func main() {
	kind := flag.String("kind", "partyd", "config kind: partyd|partybot")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	path, err := defaultPath(*kind)
	if err != nil {
		log.Fatal(err)
	}

	if *validate {
		if *input != "" {
			path = *input
		}
		switch *kind {
		case "partyd":
			_, err = config.LoadPartydConfig(path)
		case "partybot":
			_, err = config.LoadBotConfig(path)
		}
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	if *output != "" {
		path = *output
	}
	if err := config.WriteTemplate(path, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, path)
}

func defaultPath(kind string) (string, error) {
	switch kind {
	case "partyd":
		return "cmd/partyd/config.toml", nil
	case "partybot":
		return "cmd/partybot/config.toml", nil
	default:
		_, err := config.Template(kind)
		return "", err
	}
}
