package main

import (
	"os"

	"github.com/alecthomas/kong"

	"watchbot/internal/config"
	logx "watchbot/pkg/logx"

	_ "time/tzdata"
)

// CLI is the root command line.
type CLI struct {
	Config  string   `short:"c" help:"Configuration file path (JSON or YAML)" default:"./config.json" env:"WATCHBOT_CONFIG"`
	EnvFile []string `name:"env-file" help:"Environment files to load before reading the config" default:".env"`
	Verbose bool     `short:"v" help:"Enable debug logging for one-shot commands"`

	Run       RunCmd       `cmd:"" default:"1" help:"Run the bot (default)"`
	Check     CheckCmd     `cmd:"" help:"Run one watcher cycle without sending or saving anything"`
	SetTarget SetTargetCmd `cmd:"" name:"set-target" help:"Set a countdown watcher's target date"`
	State     StateCmd     `cmd:"" help:"Print a watcher's persisted state"`
	Validate  ValidateCmd  `cmd:"" help:"Parse and validate the configuration"`
}

// AfterApply loads env files before any command reads the config.
func (c *CLI) AfterApply() error {
	return config.LoadDotEnv(c.EnvFile...)
}

func (c *CLI) logger() logx.Logger {
	if c.Verbose {
		return logx.NewConsole("DEBUG")
	}
	return logx.NewConsole("WARN")
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("watchbot"),
		kong.Description("Telegram change-watcher and reaction role bot."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		ctx.Errorf("%v", err)
		os.Exit(1)
	}
}
