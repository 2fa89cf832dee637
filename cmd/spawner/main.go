package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/alucardeht/mcp-spawner/internal/config"
	"github.com/alucardeht/mcp-spawner/internal/daemon"
	"github.com/alucardeht/mcp-spawner/internal/orchestrator"
)

const (
	exitOK             = 0
	exitToolError      = 1
	exitUsage          = 2
	exitInfrastructure = 3
)

type globalOptions struct {
	Socket  string        `short:"s" long:"socket" description:"Daemon socket path"`
	Config  string        `short:"f" long:"config" description:"Config file (.yaml, .yml or .toml)"`
	Timeout time.Duration `short:"t" long:"timeout" default:"2m" description:"Give up after this long"`
	Start   bool          `long:"start" description:"Start the daemon when none is running"`
}

var (
	global globalOptions
	stdout io.Writer = os.Stdout
)

type serversCommand struct{}

type toolsCommand struct {
	Args struct {
		Script string `positional-arg-name:"script" required:"yes"`
	} `positional-args:"yes"`
}

type toolCommand struct {
	Args struct {
		Script string `positional-arg-name:"script" required:"yes"`
		Tool   string `positional-arg-name:"tool" required:"yes"`
	} `positional-args:"yes"`
}

type callCommand struct {
	Arg  []string `short:"a" long:"arg" value-name:"KEY=VALUE" description:"Tool argument; VALUE is parsed as JSON when possible"`
	JSON string   `long:"json" value-name:"OBJECT" description:"Tool arguments as a JSON object"`
	Raw  bool     `long:"raw" description:"Print the payload even when it carries text content"`
	Args struct {
		Script string `positional-arg-name:"script" required:"yes"`
		Tool   string `positional-arg-name:"tool" required:"yes"`
	} `positional-args:"yes"`
}

type healthCommand struct{}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	parser := flags.NewParser(&global, flags.HelpFlag|flags.PassDoubleDash)
	parser.AddCommand("servers", "List tool scripts", "List the scripts under the scripts root with their cached tools.", &serversCommand{})
	parser.AddCommand("tools", "List the tools of a script", "Start the script and ask it for its tools.", &toolsCommand{})
	parser.AddCommand("tool", "Describe one tool", "Show the metadata of a single tool of a script.", &toolCommand{})
	parser.AddCommand("call", "Call a tool", "Start the script, call the tool once and print its result.", &callCommand{})
	parser.AddCommand("health", "Show daemon health", "Report uptime, scripts root and gate usage.", &healthCommand{})

	_, err := parser.ParseArgs(args)
	return exitCode(err)
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}

	var flagsErr *flags.Error
	if errors.As(err, &flagsErr) {
		if flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(stdout, flagsErr.Message)
			return exitOK
		}
		fmt.Fprintln(os.Stderr, flagsErr.Message)
		return exitUsage
	}

	fmt.Fprintf(os.Stderr, "spawner: %v\n", err)
	switch orchestrator.KindOf(err) {
	case orchestrator.KindToolReportedError:
		return exitToolError
	case orchestrator.KindInvalidPath, orchestrator.KindToolNotFound:
		return exitUsage
	}
	var usage usageError
	if errors.As(err, &usage) {
		return exitUsage
	}
	return exitInfrastructure
}

type usageError struct {
	msg string
}

func (e usageError) Error() string { return e.msg }

func withClient(fn func(ctx context.Context, c *daemon.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), global.Timeout)
	defer cancel()

	socket, err := socketPath()
	if err != nil {
		return err
	}

	client, err := daemon.Dial(ctx, socket)
	if err != nil && global.Start {
		if serr := startDaemon(socket); serr != nil {
			return fmt.Errorf("%w; starting it failed: %w", err, serr)
		}
		client, err = daemon.Dial(ctx, socket)
	}
	if err != nil {
		return err
	}
	defer client.Close()

	return fn(ctx, client)
}

func socketPath() (string, error) {
	if global.Socket != "" {
		return global.Socket, nil
	}
	cfg, err := config.Load(global.Config)
	if err != nil {
		return "", err
	}
	return cfg.Daemon.SocketPath, nil
}

// startDaemon launches spawner-daemon from the directory of this executable
// and waits for its socket to appear.
func startDaemon(socket string) error {
	execPath, err := os.Executable()
	if err != nil {
		return err
	}
	daemonPath := filepath.Join(filepath.Dir(execPath), "spawner-daemon")

	args := []string{"--socket", socket}
	if global.Config != "" {
		args = append(args, "--config", global.Config)
	}
	cmd := exec.Command(daemonPath, args...)
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	go cmd.Wait()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socket); err == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return errors.New("daemon did not create its socket in time")
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func (c *serversCommand) Execute([]string) error {
	return withClient(func(ctx context.Context, client *daemon.Client) error {
		res, err := client.ListServers(ctx)
		if err != nil {
			return err
		}
		return printJSON(res.Servers)
	})
}

func (c *toolsCommand) Execute([]string) error {
	return withClient(func(ctx context.Context, client *daemon.Client) error {
		tools, err := client.ListTools(ctx, c.Args.Script)
		if err != nil {
			return err
		}
		return printJSON(tools)
	})
}

func (c *toolCommand) Execute([]string) error {
	return withClient(func(ctx context.Context, client *daemon.Client) error {
		tool, err := client.GetTool(ctx, c.Args.Script, c.Args.Tool)
		if err != nil {
			return err
		}
		return printJSON(tool)
	})
}

func (c *callCommand) Execute([]string) error {
	args, err := parseArguments(c.JSON, c.Arg)
	if err != nil {
		return err
	}

	return withClient(func(ctx context.Context, client *daemon.Client) error {
		res, err := client.Call(ctx, c.Args.Script, c.Args.Tool, args)
		if err != nil {
			return err
		}
		if res.Text != "" && !c.Raw {
			_, err := fmt.Fprintln(stdout, res.Text)
			return err
		}
		return printJSON(res.Payload)
	})
}

func (c *healthCommand) Execute([]string) error {
	return withClient(func(ctx context.Context, client *daemon.Client) error {
		health, err := client.Health(ctx)
		if err != nil {
			return err
		}
		return printJSON(health)
	})
}

// parseArguments merges a JSON object with KEY=VALUE pairs, the pairs taking
// precedence. A VALUE that parses as JSON keeps its type; anything else is a
// string.
func parseArguments(object string, pairs []string) (map[string]any, error) {
	args := map[string]any{}

	if strings.TrimSpace(object) != "" {
		if err := json.Unmarshal([]byte(object), &args); err != nil {
			return nil, usageError{msg: fmt.Sprintf("--json must be a JSON object: %v", err)}
		}
		if args == nil {
			args = map[string]any{}
		}
	}

	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, usageError{msg: fmt.Sprintf("argument %q is not KEY=VALUE", pair)}
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		args[key] = value
	}
	return args, nil
}
