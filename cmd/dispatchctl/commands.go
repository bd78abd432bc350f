package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"llm_dispatcher/internal/auth"
	"llm_dispatcher/internal/config"
	"llm_dispatcher/internal/models"
	"llm_dispatcher/internal/providers"
	"llm_dispatcher/internal/storage"
)

const commandTimeout = 2 * time.Minute

// openDB connects to the Postgres store. Mutating commands have no file
// mode equivalent: the YAML file is edited directly.
func openDB(cfg *config.Config) (*storage.DB, error) {
	if cfg.StoreMode != config.StoreModePostgres {
		return nil, fmt.Errorf("this command needs STORE_MODE=%s; edit %s instead", config.StoreModePostgres, cfg.StoreFile)
	}
	db, err := storage.NewDB(storage.DefaultDBConfig(cfg.Database.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func openCredentials(cfg *config.Config, db *storage.DB) (*storage.CredentialRepository, error) {
	enc, err := storage.NewEncryptionFromConfig(cfg.Encryption.Key, cfg.Encryption.Passphrase, cfg.Encryption.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}
	return db.NewCredentialRepository(enc), nil
}

type migrateCmd struct{}

func (m *migrateCmd) Run(g *globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := storage.Migrate(db); err != nil {
		return err
	}
	version, err := storage.MigrationVersion(db)
	if err != nil {
		return err
	}
	fmt.Printf("schema at version %d\n", version)
	return nil
}

type keygenCmd struct {
	Size int `help:"Key size in bytes (16, 24 or 32)." default:"32"`
}

func (k *keygenCmd) Run(*globals) error {
	key, err := storage.GenerateKey(k.Size)
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}

type tokenCmd struct {
	Subject string        `arg:"" help:"Operator identity recorded in the token."`
	Roles   string        `help:"Comma-separated roles (admin, viewer)." default:"viewer"`
	TTL     time.Duration `help:"Token lifetime." default:"12h"`
}

func (t *tokenCmd) Run(g *globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	roles, err := auth.ParseRoles(t.Roles)
	if err != nil {
		return err
	}
	token, exp, err := auth.GenerateAdminJWT(t.Subject, roles, t.TTL, cfg)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", time.Unix(exp, 0).UTC().Format(time.RFC3339))
	return nil
}

type credentialCmd struct {
	Add        credentialAddCmd        `cmd:"" help:"Add a credential."`
	List       credentialListCmd       `cmd:"" help:"List credentials."`
	Test       credentialTestCmd       `cmd:"" help:"Send a minimal request with one credential."`
	Activate   credentialActivateCmd   `cmd:"" help:"Put a credential back into rotation."`
	Deactivate credentialDeactivateCmd `cmd:"" help:"Remove a credential from rotation."`
}

type credentialAddCmd struct {
	Name      string `required:"" help:"Unique credential name."`
	Provider  string `required:"" enum:"openai,anthropic,gemini" help:"Provider kind."`
	Model     string `required:"" help:"Default model for this credential."`
	APIKeyEnv string `name:"api-key-env" default:"PROVIDER_API_KEY" help:"Environment variable holding the API key."`
}

func (c *credentialAddCmd) Run(g *globals) error {
	key := os.Getenv(c.APIKeyEnv)
	if key == "" {
		return fmt.Errorf("%s is empty", c.APIKeyEnv)
	}
	kind, err := models.ParseProviderKind(c.Provider)
	if err != nil {
		return err
	}

	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	repo, err := openCredentials(cfg, db)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	info, err := repo.Create(ctx, models.NewCredentialInput{Name: c.Name, Provider: kind, Model: c.Model, APIKey: key})
	if err != nil {
		return err
	}
	fmt.Printf("created %s (%s)\n", info.Name, info.ID)
	return nil
}

type credentialListCmd struct {
	JSON bool `help:"Print JSON instead of a table."`
}

func (c *credentialListCmd) Run(g *globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var infos []models.CredentialInfo
	if cfg.StoreMode == config.StoreModeFile {
		fs, err := storage.NewFileStore(cfg.StoreFile)
		if err != nil {
			return err
		}
		defer fs.Close()
		infos, err = fs.List(ctx)
		if err != nil {
			return err
		}
	} else {
		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		repo, err := openCredentials(cfg, db)
		if err != nil {
			return err
		}
		if infos, err = repo.List(ctx); err != nil {
			return err
		}
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPROVIDER\tMODEL\tKEY\tACTIVE")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n", info.ID, info.Name, info.Provider, info.Model, info.KeyFingerprint, info.Active)
	}
	return tw.Flush()
}

type credentialTestCmd struct {
	ID uuid.UUID `arg:"" help:"Credential ID."`
}

func (c *credentialTestCmd) Run(g *globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var cred models.Credential
	if cfg.StoreMode == config.StoreModeFile {
		fs, err := storage.NewFileStore(cfg.StoreFile)
		if err != nil {
			return err
		}
		defer fs.Close()
		if cred, err = fs.Get(ctx, c.ID); err != nil {
			return err
		}
	} else {
		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		repo, err := openCredentials(cfg, db)
		if err != nil {
			return err
		}
		if cred, err = repo.Get(ctx, c.ID); err != nil {
			return err
		}
	}

	registry := providers.NewRegistry(providers.Options{
		OpenAIBaseURL:    cfg.Providers.OpenAIBaseURL,
		AnthropicBaseURL: cfg.Providers.AnthropicBaseURL,
		GeminiBaseURL:    cfg.Providers.GeminiBaseURL,
		MaxOutputTokens:  cfg.Providers.MaxOutputTokens,
	})
	adapter, err := registry.Adapter(cred.Provider)
	if err != nil {
		return err
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.Dispatch.AttemptTimeout)
	defer pingCancel()
	start := time.Now()
	if err := providers.Ping(pingCtx, adapter, cred); err != nil {
		if providers.IsRateLimited(err) {
			return fmt.Errorf("%s is rate limited: %w", cred.Name, err)
		}
		return fmt.Errorf("%s failed: %w", cred.Name, err)
	}
	fmt.Printf("%s ok in %s\n", cred.Name, time.Since(start).Round(time.Millisecond))
	return nil
}

type credentialActivateCmd struct {
	ID uuid.UUID `arg:"" help:"Credential ID."`
}

func (c *credentialActivateCmd) Run(g *globals) error {
	return setCredentialActive(g, c.ID, true)
}

type credentialDeactivateCmd struct {
	ID uuid.UUID `arg:"" help:"Credential ID."`
}

func (c *credentialDeactivateCmd) Run(g *globals) error {
	return setCredentialActive(g, c.ID, false)
}

func setCredentialActive(g *globals, id uuid.UUID, active bool) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	repo, err := openCredentials(cfg, db)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := repo.SetActive(ctx, id, active); err != nil {
		return err
	}
	fmt.Printf("%s active=%t\n", id, active)
	return nil
}

type settingCmd struct {
	Get  settingGetCmd  `cmd:"" help:"Print one setting."`
	Set  settingSetCmd  `cmd:"" help:"Write one setting."`
	List settingListCmd `cmd:"" help:"Print every setting."`
}

type settingGetCmd struct {
	Key string `arg:""`
}

func (s *settingGetCmd) Run(g *globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	setting, err := db.NewSettingsRepository().Get(ctx, s.Key)
	if err != nil {
		return err
	}
	fmt.Println(setting.Value)
	return nil
}

type settingSetCmd struct {
	Key   string `arg:""`
	Value string `arg:""`
}

func (s *settingSetCmd) Run(g *globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if _, err := db.NewSettingsRepository().Set(ctx, s.Key, s.Value); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s updated; running dispatchers pick it up within %s\n", s.Key, cfg.Features.CacheTTL)
	return nil
}

type settingListCmd struct{}

func (s *settingListCmd) Run(g *globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	settings, err := db.NewSettingsRepository().List(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tVALUE\tUPDATED")
	for _, st := range settings {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", st.Key, st.Value, st.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

type usageCmd struct {
	Month string `arg:"" optional:"" help:"Month as YYYY-MM; defaults to the current month."`
	User  string `help:"Show a single user."`
	Limit int    `help:"Maximum users to list." default:"50"`
}

func (u *usageCmd) Run(g *globals) error {
	month := u.Month
	if month == "" {
		month = models.MonthKey(time.Now())
	}
	if _, err := time.Parse("2006-01", month); err != nil {
		return fmt.Errorf("month must be YYYY-MM")
	}

	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	repo := db.NewUsageRepository()

	var rows []*models.MonthlyUsage
	if u.User != "" {
		row, err := repo.Get(ctx, u.User, month)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	} else if rows, err = repo.ListMonth(ctx, month, u.Limit); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tTOTAL\tOK\tFAILED\tFEATURES")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%v\n", r.UserID, r.TotalRequests, r.SuccessRequests, r.FailedRequests, r.FeatureCounts)
	}
	return tw.Flush()
}
