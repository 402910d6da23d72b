package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/authzkit/decision"
	"github.com/authzkit/decision/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "evaluate":
		handleEvaluate()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("decision-config - configuration tool for the authorization engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  decision-config convert <input> <output>     - Convert between yaml and json")
	fmt.Println("  decision-config validate <file>              - Validate a configuration")
	fmt.Println("  decision-config stats <file>                 - Show configuration statistics")
	fmt.Println("  decision-config evaluate <config> <context>  - Evaluate a context against a config")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: decision-config convert <input> <output>")
		os.Exit(1)
	}
	cfg, err := decision.NewConfigLoader().LoadFile(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := saveConfig(cfg, os.Args[3]); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Converted %s -> %s\n", os.Args[2], os.Args[3])
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: decision-config validate <file>")
		os.Exit(1)
	}
	cfg, err := decision.NewConfigLoader().LoadFile(os.Args[2])
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration:\n%v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Configuration valid: %d permissions, %d roles, %d assignments, %d policies\n",
		len(cfg.Permissions), len(cfg.Roles), len(cfg.Assignments), len(cfg.Policies))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: decision-config stats <file>")
		os.Exit(1)
	}
	cfg, err := decision.NewConfigLoader().LoadFile(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	rules := 0
	conditions := 0
	for _, p := range cfg.Policies {
		rules += len(p.Rules)
		for _, r := range p.Rules {
			conditions += len(r.Conditions)
		}
	}
	inherits := 0
	for _, r := range cfg.Roles {
		inherits += len(r.InheritsFrom)
	}

	fmt.Printf("Permissions:       %d\n", len(cfg.Permissions))
	fmt.Printf("Roles:             %d (%d inheritance edges)\n", len(cfg.Roles), inherits)
	fmt.Printf("Assignments:       %d\n", len(cfg.Assignments))
	fmt.Printf("Policies:          %d (%d rules, %d conditions)\n", len(cfg.Policies), rules, conditions)
}

func handleEvaluate() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: decision-config evaluate <config> <context>")
		os.Exit(1)
	}
	cfg, err := decision.NewConfigLoader().LoadFile(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	data, err := os.ReadFile(os.Args[3])
	if err != nil {
		fmt.Printf("Error reading context: %v\n", err)
		os.Exit(1)
	}
	evalCtx := &decision.EvaluationContext{}
	if err := json.Unmarshal(data, evalCtx); err != nil {
		fmt.Printf("Error parsing context: %v\n", err)
		os.Exit(1)
	}

	eng, err := decision.NewEngine(decision.WithLogger(logger.NewNullLogger()))
	if err != nil {
		fmt.Printf("Error creating engine: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close()
	if err := eng.ApplyConfig(context.Background(), cfg); err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		os.Exit(1)
	}

	result := eng.Evaluate(evalCtx)
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	if !result.Allowed() {
		os.Exit(2)
	}
}

func saveConfig(cfg *decision.Config, path string) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported output extension: %s", filepath.Ext(path))
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
