package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"sdkrouter/internal/actions"
	"sdkrouter/internal/model"
	"sdkrouter/internal/policy"
	"sdkrouter/internal/routerapi"
	"sdkrouter/internal/script"
	"sdkrouter/internal/session"
	"sdkrouter/internal/snapshotbus"
	"sdkrouter/internal/watchdog"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

const defaultServerURL = "http://127.0.0.1:3100"

func serverFlag() *parameters.ParameterDefinition {
	return parameters.NewParameterDefinition(
		"server",
		parameters.ParameterTypeString,
		parameters.WithHelp("Router base URL"),
		parameters.WithDefault(defaultServerURL),
	)
}

func policyFlag() *parameters.ParameterDefinition {
	return parameters.NewParameterDefinition(
		"policy",
		parameters.ParameterTypeString,
		parameters.WithHelp("Path to policy file (defaults to .sdkrouter/policy.json)"),
		parameters.WithDefault(""),
	)
}

type statusCommand struct {
	*cmds.CommandDescription
}

type statusSettings struct {
	ServerURL  string `glazed.parameter:"server"`
	Identity   string `glazed.parameter:"identity"`
	OnlineOnly bool   `glazed.parameter:"online"`
}

func newStatusCommand() (*statusCommand, error) {
	return &statusCommand{
		CommandDescription: cmds.NewCommandDescription(
			"status",
			cmds.WithShort("Show router health and sessions"),
			cmds.WithLong("Query a running router for its health, its sessions, or one session's latest snapshot."),
			cmds.WithFlags(
				serverFlag(),
				parameters.NewParameterDefinition(
					"identity",
					parameters.ParameterTypeString,
					parameters.WithHelp("Show one session in detail"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"online",
					parameters.ParameterTypeBool,
					parameters.WithHelp("List only sessions with a connected bridge"),
					parameters.WithDefault(false),
				),
			),
		),
	}, nil
}

func (c *statusCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &statusSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	client := routerapi.NewClient(settings.ServerURL, 10*time.Second)

	if identity := model.NormalizeIdentity(settings.Identity); identity.Valid() {
		detail, err := client.GetSession(ctx, identity)
		if err != nil {
			return err
		}
		return printJSON(detail)
	}

	health, healthErr := client.Health(ctx)
	fmt.Printf("Router: %s (started %s)\n", health.Status, health.StartedAt.Format(time.RFC3339))
	fmt.Printf("  bridges=%d controllers=%d pending=%d forwarded=%d evicted=%d\n",
		health.Router.OnlineBridges, health.Router.Controllers, health.Router.Pending, health.Router.Forwarded, health.Router.Evicted)
	fmt.Printf("  bus=%s published=%d dropped=%d healthy=%t\n", health.Bus.Driver, health.Bus.Published, health.Bus.Dropped, health.BusHealth.Healthy)
	if healthErr != nil {
		fmt.Printf("  warning: %v\n", healthErr)
	}

	sessions, err := client.ListSessions(ctx, settings.OnlineOnly)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}
	for _, summary := range sessions {
		fmt.Printf("  %s online=%t epoch=%d tick=%d subscribers=%d pending=%d\n",
			summary.Identity, summary.Online, summary.Epoch, summary.Tick, summary.Subscribers, summary.Pending)
	}
	return nil
}

var _ cmds.BareCommand = &statusCommand{}

type probeCommand struct {
	*cmds.CommandDescription
}

type probeSettings struct {
	ServerURL  string `glazed.parameter:"server"`
	PolicyPath string `glazed.parameter:"policy"`
	Identity   string `glazed.parameter:"identity"`
	Method     string `glazed.parameter:"method"`
	Args       string `glazed.parameter:"args"`
	Codec      string `glazed.parameter:"codec"`
}

func newProbeCommand() (*probeCommand, error) {
	return &probeCommand{
		CommandDescription: cmds.NewCommandDescription(
			"probe",
			cmds.WithShort("Attach as a controller and optionally send one action"),
			cmds.WithLong("Connect to the router as a controller for one identity, print the cached snapshot, and send one action when --method is given."),
			cmds.WithFlags(
				serverFlag(),
				policyFlag(),
				parameters.NewParameterDefinition(
					"identity",
					parameters.ParameterTypeString,
					parameters.WithHelp("Bot identity"),
				),
				parameters.NewParameterDefinition(
					"method",
					parameters.ParameterTypeString,
					parameters.WithHelp("Action method to send (e.g. moveTo)"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"args",
					parameters.ParameterTypeString,
					parameters.WithHelp("Action arguments as a JSON object"),
					parameters.WithDefault("{}"),
				),
				parameters.NewParameterDefinition(
					"codec",
					parameters.ParameterTypeString,
					parameters.WithHelp("Wire codec: json|msgpack (defaults to policy)"),
					parameters.WithDefault(""),
				),
			),
		),
	}, nil
}

func (c *probeCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &probeSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	cfg, err := loadPolicy(settings.PolicyPath)
	if err != nil {
		return err
	}
	args, err := parseActionArgs(settings.Args)
	if err != nil {
		return err
	}
	options := sessionOptions(cfg)
	if codec := strings.TrimSpace(settings.Codec); codec != "" {
		options.Codec = codec
	}
	sess, err := session.Dial(ctx, settings.ServerURL, model.NormalizeIdentity(settings.Identity), options)
	if err != nil {
		return err
	}
	defer sess.Close()

	fmt.Printf("Connected as %s (connection %s, bridge online=%t, epoch=%d)\n", sess.Identity(), sess.ConnectionID(), sess.Online(), sess.Epoch())
	if state, ok := sess.State(); ok {
		fmt.Printf("  tick=%d position=%d,%d plane=%d inventory=%d\n", state.Tick, state.Player.X, state.Player.Z, state.Player.Plane, len(state.Inventory))
	}
	method := strings.TrimSpace(settings.Method)
	if method == "" {
		return nil
	}
	result, err := sess.Send(ctx, method, args)
	if err != nil {
		return err
	}
	return printJSON(result)
}

var _ cmds.BareCommand = &probeCommand{}

type runCommand struct {
	*cmds.CommandDescription
}

type runSettings struct {
	ServerURL  string `glazed.parameter:"server"`
	PolicyPath string `glazed.parameter:"policy"`
	Identity   string `glazed.parameter:"identity"`
	ScriptPath string `glazed.parameter:"script"`
	RunID      string `glazed.parameter:"run-id"`
}

func newRunCommand() (*runCommand, error) {
	return &runCommand{
		CommandDescription: cmds.NewCommandDescription(
			"run",
			cmds.WithShort("Run a Lua automation script under the watchdog"),
			cmds.WithLong("Attach to the router as a controller, run a Lua script against the verified action library, and print the run report."),
			cmds.WithFlags(
				serverFlag(),
				policyFlag(),
				parameters.NewParameterDefinition(
					"identity",
					parameters.ParameterTypeString,
					parameters.WithHelp("Bot identity"),
				),
				parameters.NewParameterDefinition(
					"script",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to the Lua script"),
				),
				parameters.NewParameterDefinition(
					"run-id",
					parameters.ParameterTypeString,
					parameters.WithHelp("Run identifier (optional)"),
					parameters.WithDefault(""),
				),
			),
		),
	}, nil
}

func (c *runCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &runSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	cfg, err := loadPolicy(settings.PolicyPath)
	if err != nil {
		return err
	}
	logger := log.New(os.Stderr, "", log.LstdFlags)
	options, err := script.LoadFile(settings.ScriptPath, script.Options{
		Actions: actionOptions(cfg),
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	bus := snapshotbus.NewRuntime(snapshotbus.ConfigFromPolicy(cfg), logger)
	if err := bus.Start(ctx); err != nil {
		return err
	}
	defer bus.Stop()

	identity := model.NormalizeIdentity(settings.Identity)
	sessOptions := sessionOptions(cfg)
	sessOptions.Logger = logger
	sess, err := session.Dial(ctx, settings.ServerURL, identity, sessOptions)
	if err != nil {
		return err
	}
	defer sess.Close()

	options.Watchdog = watchdogOptions(cfg)
	options.Watchdog.RunID = settings.RunID
	options.Watchdog.Identity = identity
	options.Watchdog.Reports = bus
	report, runErr := script.Run(ctx, sess, options)
	if err := printJSON(report); err != nil {
		return err
	}
	return runErr
}

var _ cmds.BareCommand = &runCommand{}

func sessionOptions(cfg policy.Config) session.Options {
	return session.Options{
		ActionTimeout:  policy.Millis(cfg.Session.ActionTimeoutMS),
		ConnectTimeout: policy.Millis(cfg.Session.ConnectTimeoutMS),
		Codec:          cfg.Session.Codec,
	}
}

func actionOptions(cfg policy.Config) actions.Options {
	return actions.Options{
		DialogCooldownTicks: int64(cfg.Actions.DialogCooldownTicks),
		Attempts:            uint(cfg.Actions.Attempts),
		RetryDelay:          policy.Millis(cfg.Actions.RetryDelayMS),
		StepTimeout:         policy.Millis(cfg.Actions.StepTimeoutMS),
		ArriveTolerance:     cfg.Actions.ArriveTolerance,
	}
}

func watchdogOptions(cfg policy.Config) watchdog.Options {
	return watchdog.Options{
		Stall:         policy.Seconds(cfg.Watchdog.StallSeconds),
		WallClock:     policy.Seconds(cfg.Watchdog.WallClockSeconds),
		CheckInterval: policy.Millis(cfg.Watchdog.CheckIntervalMS),
		Grace:         policy.Millis(cfg.Watchdog.GraceMS),
	}
}

func parseActionArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	args := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid --args JSON object: %w", err)
	}
	return args, nil
}

func printJSON(payload any) error {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
