// Command dispatchctl is the operator tool: schema migrations, key and
// token generation, and credential and setting management against the
// Postgres store.
package main

import (
	"github.com/alecthomas/kong"

	"llm_dispatcher/internal/config"
	"llm_dispatcher/internal/utils"
)

type cli struct {
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"warn" env:"DISPATCHCTL_LOG_LEVEL"`

	Migrate    migrateCmd    `cmd:"" help:"Apply pending database migrations."`
	Keygen     keygenCmd     `cmd:"" help:"Generate a credential encryption key."`
	Token      tokenCmd      `cmd:"" help:"Issue an admin API token."`
	Credential credentialCmd `cmd:"" help:"Manage provider credentials."`
	Setting    settingCmd    `cmd:"" help:"Read and write settings."`
	Usage      usageCmd      `cmd:"" help:"Show persisted monthly usage."`
}

// globals is bound into every command's Run
type globals struct {
	// loadConfig is deferred so keygen works without a configured environment
	loadConfig func() (*config.Config, error)
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("dispatchctl"),
		kong.Description("Operator tool for the LLM dispatcher."),
		kong.UsageOnError(),
	)

	err := utils.ConfigureLogging(utils.LoggingOptions{Level: c.LogLevel})
	ctx.FatalIfErrorf(err)

	err = ctx.Run(&globals{loadConfig: config.Load})
	ctx.FatalIfErrorf(err)
}
