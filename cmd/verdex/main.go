package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/verdex-dev/verdex/internal/bridge"
	"github.com/verdex-dev/verdex/internal/browserproc"
	"github.com/verdex-dev/verdex/internal/config"
	"github.com/verdex-dev/verdex/internal/runtime"
)

type cliOptions struct {
	maxDepth        int
	maxSiblings     int
	maxDescendants  int
	maxOutlineItems int
}

func main() {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	opts, roles := parseFlags()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	launcher, err := browserproc.NewLauncher(browserproc.OptionsFromEnv())
	if err != nil {
		log.Fatal().Err(err).Msg("browser init")
	}
	defer launcher.Close()

	cfg := bridge.Config{
		MaxDepth:        opts.maxDepth,
		MaxSiblings:     opts.maxSiblings,
		MaxDescendants:  opts.maxDescendants,
		MaxOutlineItems: opts.maxOutlineItems,
	}
	rt := runtime.New(launcher, roles, log.With().Str("comp", "runtime").Logger(), cfg)
	defer rt.Close()

	fmt.Println("verdex ready — type a command (help for the list)")
	repl(ctx, rt)
}

func parseFlags() (cliOptions, []config.RoleConfig) {
	maxDepth := flag.Int("max-depth", 4, "extract_anchors recursion depth")
	maxSiblings := flag.Int("max-siblings", 15, "per-level sibling cap")
	maxDescendants := flag.Int("max-descendants", 100, "total descendant cap")
	maxOutline := flag.Int("max-outline-items", 6, "inspect_pattern outline cap")

	// The flag package would reject "--role" as an undefined flag, so the
	// role groups are split off before the remaining flags are parsed.
	args := os.Args[1:]
	split := len(args)
	for i, a := range args {
		if a == "--role" {
			split = i
			break
		}
	}
	_ = flag.CommandLine.Parse(args[:split])

	roles, err := config.ParseRoles(append(flag.Args(), args[split:]...))
	if err != nil {
		log.Fatal().Err(err).Msg("parse --role arguments")
	}

	return cliOptions{
		maxDepth:        *maxDepth,
		maxSiblings:     *maxSiblings,
		maxDescendants:  *maxDescendants,
		maxOutlineItems: *maxOutline,
	}, roles
}

// repl is a line-oriented driver for manual smoke testing; it is not the
// tool/RPC façade that would advertise these operations to an agent.
func repl(ctx context.Context, rt *runtime.Runtime) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd := fields[0]
		args := fields[1:]

		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := dispatch(ctx, rt, cmd, args); err != nil {
			fmt.Println("error:", err)
		}
	}
}

func dispatch(ctx context.Context, rt *runtime.Runtime, cmd string, args []string) error {
	switch cmd {
	case "help":
		fmt.Println("navigate <url> | snapshot | click <ref> | type <ref> <text> | inspect <ref> | " +
			"resolve-container <ref> | inspect-pattern <ref> <level> | extract-anchors <ref> <level> | " +
			"role [name] | roles | wait <ms> | quit")
		return nil
	case "quit":
		os.Exit(0)
		return nil
	case "navigate":
		if len(args) < 1 {
			return fmt.Errorf("usage: navigate <url>")
		}
		res, err := rt.Navigate(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("navigated to %s in %s (%d redirects)\n", res.URL, res.Elapsed, res.Redirects)
		return nil
	case "snapshot":
		res, err := rt.Snapshot(ctx)
		if err != nil {
			return err
		}
		fmt.Println(res.Text)
		fmt.Printf("(%d elements)\n", res.ElementCount)
		return nil
	case "click":
		if len(args) < 1 {
			return fmt.Errorf("usage: click <ref>")
		}
		return rt.Click(ctx, args[0])
	case "type":
		if len(args) < 2 {
			return fmt.Errorf("usage: type <ref> <text>")
		}
		return rt.Type(ctx, args[0], strings.Join(args[1:], " "))
	case "inspect":
		if len(args) < 1 {
			return fmt.Errorf("usage: inspect <ref>")
		}
		out, err := rt.Inspect(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%+v\n", out)
		return nil
	case "resolve-container":
		if len(args) < 1 {
			return fmt.Errorf("usage: resolve-container <ref>")
		}
		out, err := rt.ResolveContainer(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%+v\n", out)
		return nil
	case "inspect-pattern":
		if len(args) < 2 {
			return fmt.Errorf("usage: inspect-pattern <ref> <level>")
		}
		level, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		out, err := rt.InspectPattern(ctx, args[0], level)
		if err != nil {
			return err
		}
		fmt.Printf("%+v\n", out)
		return nil
	case "extract-anchors":
		if len(args) < 2 {
			return fmt.Errorf("usage: extract-anchors <ref> <level>")
		}
		level, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		out, err := rt.ExtractAnchors(ctx, args[0], level)
		if err != nil {
			return err
		}
		fmt.Printf("%+v\n", out)
		return nil
	case "role":
		if len(args) == 0 {
			fmt.Println(rt.CurrentRole())
			return nil
		}
		return rt.SelectRole(ctx, args[0])
	case "roles":
		fmt.Println(strings.Join(rt.ListRoles(), ", "))
		return nil
	case "wait":
		if len(args) < 1 {
			return fmt.Errorf("usage: wait <ms>")
		}
		ms, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		return rt.Wait(ctx, time.Duration(ms)*time.Millisecond)
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
}
