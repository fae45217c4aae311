package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/kmay89/pwk/internal/config"
	"github.com/kmay89/pwk/internal/zonepolicy"
)

func cmdInit() {
	cfg, created, err := config.LoadOrCreate(config.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Printf("Wrote default config: %s\n", config.ConfigPath())
	} else {
		fmt.Printf("Using existing config: %s\n", config.ConfigPath())
	}

	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating state directories: %v\n", err)
		os.Exit(1)
	}

	if cfg.SigningKeyPath != "" {
		fmt.Printf("Using externally provisioned signing key: %s\n", cfg.SigningKeyPath)
	} else if _, err := os.Stat(cfg.SigningKeySeedPath); os.IsNotExist(err) {
		if _, err := loadOrCreateDeviceSeed(cfg.SigningKeySeedPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error generating device key seed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Generated device key seed: %s\n", cfg.SigningKeySeedPath)
	} else {
		fmt.Printf("Existing device key seed: %s\n", cfg.SigningKeySeedPath)
	}

	if _, err := os.Stat(cfg.ZoneAllowlistPath); os.IsNotExist(err) {
		rf := zonepolicy.RulesetFile{SensitiveZones: []string{}}
		f, err := os.OpenFile(cfg.ZoneAllowlistPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating zone allowlist: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := toml.NewEncoder(f).Encode(rf); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing zone allowlist: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote empty zone allowlist: %s\n", cfg.ZoneAllowlistPath)
	} else {
		fmt.Printf("Existing zone allowlist: %s\n", cfg.ZoneAllowlistPath)
	}

	if _, err := os.Stat(cfg.SealedLogPath); os.IsNotExist(err) {
		engine, _, err := openEngine(cfg, kernelVersion, defaultRulesetID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating sealed log: %v\n", err)
			os.Exit(1)
		}
		engine.Close()
		fmt.Printf("Created sealed log: %s\n", cfg.SealedLogPath)
	} else {
		fmt.Printf("Existing sealed log: %s\n", cfg.SealedLogPath)
	}

	fmt.Println()
	fmt.Println("pwkd initialized.")
	fmt.Println("Run 'pwkd run' to start the ingest loop, or 'pwkd status' to inspect state.")
}
