package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"sdkrouter/internal/policy"
	"sdkrouter/internal/server"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

type serveCommand struct {
	*cmds.CommandDescription
}

type serveSettings struct {
	PolicyPath string `glazed.parameter:"policy"`
	Addr       string `glazed.parameter:"addr"`
	BusDriver  string `glazed.parameter:"bus-driver"`
	RedisURL   string `glazed.parameter:"redis-url"`
}

func newServeCommand() (*serveCommand, error) {
	return &serveCommand{
		CommandDescription: cmds.NewCommandDescription(
			"serve",
			cmds.WithShort("Run the router"),
			cmds.WithLong("Start the router: the /sdk websocket endpoint, the session API and the pending-action sweeper."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"policy",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file (defaults to .sdkrouter/policy.json)"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"addr",
					parameters.ParameterTypeString,
					parameters.WithHelp("HTTP listen address (overrides policy)"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"bus-driver",
					parameters.ParameterTypeString,
					parameters.WithHelp("Snapshot bus driver: none|memory|redis (overrides policy)"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"redis-url",
					parameters.ParameterTypeString,
					parameters.WithHelp("Redis URL for the redis bus driver (overrides policy)"),
					parameters.WithDefault(""),
				),
			),
		),
	}, nil
}

func (c *serveCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &serveSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	cfg, err := loadPolicy(settings.PolicyPath)
	if err != nil {
		return err
	}
	if addr := strings.TrimSpace(settings.Addr); addr != "" {
		cfg.Server.Addr = addr
	}
	if driver := strings.TrimSpace(settings.BusDriver); driver != "" {
		cfg.Bus.Driver = driver
	}
	if redisURL := strings.TrimSpace(settings.RedisURL); redisURL != "" {
		cfg.Bus.RedisURL = redisURL
	}
	if err := policy.Validate(cfg); err != nil {
		return err
	}

	options := server.OptionsFromPolicy(cfg)
	options.Logger = log.New(os.Stdout, "", log.LstdFlags)
	runtime := server.NewRuntime(options)
	fmt.Printf("sdkrouter serve listening on %s\n", cfg.Server.Addr)
	return runtime.Run(ctx)
}

var _ cmds.BareCommand = &serveCommand{}

type policyInitCommand struct {
	*cmds.CommandDescription
}

type policyInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newPolicyInitCommand() (*policyInitCommand, error) {
	return &policyInitCommand{
		CommandDescription: cmds.NewCommandDescription(
			"policy-init",
			cmds.WithShort("Write a default policy file"),
			cmds.WithLong("Create a default sdkrouter policy file at the target path."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file"),
					parameters.WithDefault(policy.DefaultPolicyPath),
				),
			),
		),
	}, nil
}

func (c *policyInitCommand) Run(_ context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &policyInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if err := policy.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Printf("Wrote default policy to %s\n", settings.Path)
	return nil
}

var _ cmds.BareCommand = &policyInitCommand{}

func loadPolicy(path string) (policy.Config, error) {
	cfg, _, err := policy.LoadWithEnv(path)
	return cfg, err
}
