package app

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nuetzliches/rulepost/internal/config"
)

func configCmd(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "missing subcommand: validate")
		return 2
	}

	switch args[0] {
	case "validate":
		return configValidate(args[1:], os.Stdout, os.Stderr)
	default:
		fmt.Fprintf(os.Stderr, "unknown config subcommand: %s\n", args[0])
		return 2
	}
}

type validateReport struct {
	OK       bool     `json:"ok"`
	Rules    int      `json:"rules"`
	Problems []string `json:"problems,omitempty"`
}

func configValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "./Rulepostfile", "path to config file")
	format := fs.String("format", "text", "output format (text|json)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	jsonOut := false
	switch strings.ToLower(strings.TrimSpace(*format)) {
	case "", "text":
	case "json":
		jsonOut = true
	default:
		fmt.Fprintf(stderr, "invalid --format %q (use: text|json)\n", *format)
		return 2
	}

	data, err := os.ReadFile(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}

	report := validateReport{OK: true}
	cfg, err := config.Parse(data)
	if err != nil {
		report.OK = false
		report.Problems = []string{err.Error()}
	} else {
		report.Rules = len(cfg.Rules)
		if problems := config.Validate(cfg); len(problems) > 0 {
			report.OK = false
			report.Problems = problems
		}
	}

	if jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else if report.OK {
		fmt.Fprintf(stdout, "OK (%d rules)\n", report.Rules)
	} else {
		for _, p := range report.Problems {
			fmt.Fprintln(stdout, p)
		}
	}

	if report.OK {
		return 0
	}
	return 1
}
