package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"loom/internal/adapter"
	"loom/internal/env"
	"loom/internal/log"
	"loom/internal/repl"
	"loom/internal/util"
	"loom/internal/util/future"
	"loom/internal/value"
)

var (
	// Version is stamped at build time.
	Version   = "dev"
	BuildDate = "unknown"
	Commit    = "unknown"

	help    bool
	version bool
	// logging
	logLevel string
	logFile  string
	// render config
	profilesPath string
	target       string
	ctxPath      string
	expression   string
	printCFG     bool
	strictMode   bool
)

func init() {
	flag.BoolVar(&help, "help", false, "Display help information and exit")
	flag.BoolVar(&help, "h", false, "Display help information and exit")
	flag.BoolVar(&version, "version", false, "Display version information and exit")
	flag.BoolVar(&version, "v", false, "Display version information and exit")
	// profiles config
	flag.StringVar(&profilesPath, "profiles", "", "Path to a profiles.toml with connection targets")
	flag.StringVar(&target, "target", "", "Profile target to use from the profiles file")
	// render config
	flag.StringVar(&ctxPath, "ctx", "", "JSON file providing the template context")
	flag.StringVar(&expression, "expr", "", "Evaluate a single expression instead of rendering templates")
	flag.BoolVar(&printCFG, "cfg", false, "Print the control-flow graph of the template as dot and exit")
	flag.BoolVar(&strictMode, "strict", false, "Error on undefined variables instead of rendering them empty")
	// log config
	flag.StringVar(&logLevel, "log-level", "error", "Log level: debug, info, warn, error")
	flag.StringVar(&logFile, "log-file", "", "Log file path (if not set, logs to stderr)")
}

func main() {
	flag.Parse()

	logWriter := log.Setup(logLevel, logFile)
	defer logWriter.Close()

	if version {
		printVersion()
		return
	}
	if help {
		printHelp()
		return
	}

	config := util.Configuration{
		Version:         Version,
		BuildDate:       BuildDate,
		Commit:          Commit,
		ProfilesPath:    profilesPath,
		Target:          target,
		ContextPath:     ctxPath,
		Expression:      expression,
		StrictUndefined: strictMode,
		PrintCFG:        printCFG,
	}

	if err := run(config, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(config util.Configuration, files []string) error {
	environment := env.New()
	if config.StrictUndefined {
		environment.SetUndefinedBehavior(value.Strict)
	}

	ctx, err := loadContext(config.ContextPath)
	if err != nil {
		return err
	}

	if config.ProfilesPath != "" {
		a, profile, err := openAdapter(config)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx.SetString("adapter", value.FromObject(a))
		ctx.SetString("target", targetValue(config.Target, profile))
	}

	if config.Expression != "" {
		rv, err := environment.EvalExpression(config.Expression, value.FromMap(ctx))
		if err != nil {
			return err
		}
		fmt.Println(rv.Repr())
		return nil
	}

	if len(files) == 0 {
		repl.Start(os.Stdin, os.Stdout, environment, ctx)
		return nil
	}

	// register everything first so templates can extend and include
	// their siblings by file name
	for _, file := range files {
		source, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		environment.AddTemplate(filepath.Base(file), string(source))
	}

	if config.PrintCFG {
		for _, file := range files {
			tmpl, err := environment.GetTemplate(filepath.Base(file))
			if err != nil {
				return err
			}
			fmt.Println(tmpl.CFG().Dot())
		}
		return nil
	}

	root := value.FromMap(ctx)
	jobs := make([]*future.Future[string], len(files))
	for i, file := range files {
		name := filepath.Base(file)
		jobs[i] = future.New(func() (string, error) {
			tmpl, err := environment.GetTemplate(name)
			if err != nil {
				return "", err
			}
			slog.Debug("rendering template", slog.String("template", name))
			out, err := tmpl.Render(root)
			if err != nil {
				return "", describeError(environment, name, err)
			}
			return out, nil
		})
	}
	rendered, err := future.All(jobs...).Await()
	if err != nil {
		return err
	}
	for _, out := range rendered {
		fmt.Print(out)
	}
	fmt.Println()
	return nil
}

// describeError appends the offending source lines to render errors
// that carry a template location.
func describeError(environment *env.Environment, name string, err error) error {
	var e *value.Error
	if !errors.As(err, &e) {
		return err
	}
	line, ok := e.Line()
	if !ok {
		return err
	}
	source, found := environment.Source(name)
	if !found {
		return err
	}
	context := util.ContextLines(source, int(line))
	if context == "" {
		return err
	}
	return fmt.Errorf("%w\n%s", err, context)
}

func loadContext(path string) (*value.Map, error) {
	ctx := value.NewMap()
	if path == "" {
		return ctx, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing context file %s: %w", path, err)
	}
	v, err := value.FromGoValue(raw)
	if err != nil {
		return nil, err
	}
	m, _ := v.AsMap()
	return m, nil
}

func openAdapter(config util.Configuration) (*adapter.Adapter, util.Profile, error) {
	profiles, err := util.LoadProfiles(config.ProfilesPath)
	if err != nil {
		return nil, util.Profile{}, err
	}
	profile, err := util.SelectProfile(profiles, config.Target)
	if err != nil {
		return nil, util.Profile{}, err
	}
	a, err := adapter.Open(profile)
	if err != nil {
		return nil, util.Profile{}, err
	}
	return a, profile, nil
}

func targetValue(name string, profile util.Profile) value.Value {
	m := value.NewMap()
	m.SetString("name", value.FromString(name))
	m.SetString("dialect", value.FromString(profile.Dialect))
	m.SetString("schema", value.FromString(profile.Schema))
	m.SetString("database", value.FromString(profile.Database))
	return value.FromMap(m)
}

func printVersion() {
	fmt.Printf("loom version 'v%s' %s %s\n", Version, BuildDate, Commit)
}

func printHelp() {
	fmt.Printf(`Usage: loom [options] [template...]

Options:
  -profiles <path>   Path to a profiles.toml with connection targets.
  -target <name>     Profile target to use from the profiles file.
  -ctx <path>        JSON file providing the template context.
  -expr <text>       Evaluate a single expression instead of rendering templates.
  -cfg               Print the control-flow graph of the template as dot and exit.
  -strict            Error on undefined variables instead of rendering them empty.
  -help              Display this help information and exit.
  -version           Display version information and exit.
  -log-level <level> Set the log level: debug, info, warn, error. Default is 'error'.
  -log-file <path>   Specify a log file to write logs. Default is stderr.

Details:
Loom renders Jinja-style SQL templates. With no template arguments it
starts an interactive prompt (:quit to leave).

Examples:
  loom model.sql                          Render a template to stdout
  loom -ctx vars.json model.sql           Render with a JSON context
  loom -expr "1 + 2 * x" -ctx vars.json   Evaluate one expression
  loom -profiles profiles.toml -target dev model.sql

Version Information:
  Version:    %s
  Build Date: %s
  Commit:     %s
`, Version, BuildDate, Commit)
}
