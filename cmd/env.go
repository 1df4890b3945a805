package main

import (
	"context"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/csm-cli/internal/pipeline"
	"github.com/sells-group/csm-cli/internal/registry"
	"github.com/sells-group/csm-cli/internal/store"
	anthropicpkg "github.com/sells-group/csm-cli/pkg/anthropic"
	sfpkg "github.com/sells-group/csm-cli/pkg/salesforce"
)

// pipelineEnv holds the initialized store, rule tables, and pipeline shared
// by the run and serve commands.
type pipelineEnv struct {
	Store    store.Store
	Rules    *registry.Rules
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DSN
		if dsn == "" {
			dsn = "csm.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DSN, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initSalesforce() (sfpkg.Client, error) {
	if cfg.Salesforce.ClientID == "" {
		return nil, eris.New("salesforce client ID is required (CSM_SALESFORCE_CLIENT_ID)")
	}

	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         cfg.Salesforce.Domain,
		ConsumerKey:    cfg.Salesforce.ClientID,
		ConsumerSecret: cfg.Salesforce.ClientKey,
	})
	if err != nil {
		return nil, eris.Wrap(err, "init salesforce")
	}

	return sfpkg.NewClient(sf), nil
}

// loadRules returns the rule tables, merging overrides from rules.path when
// configured.
func loadRules() (*registry.Rules, error) {
	if cfg.Rules.Path == "" {
		return registry.DefaultRules(), nil
	}
	rules, err := registry.Load(cfg.Rules.Path)
	if err != nil {
		return nil, err
	}
	zap.L().Info("rule overrides loaded", zap.String("path", cfg.Rules.Path))
	return rules, nil
}

// initPipeline sets up the store, rule tables, and the extraction pipeline
// for the given config mode. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	rules, err := loadRules()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	aiClient := anthropicpkg.NewClient(cfg.Anthropic.Key,
		anthropicpkg.WithRateLimit(cfg.Anthropic.RateLimitRPS))

	p := pipeline.New(cfg, st, aiClient, rules)

	return &pipelineEnv{
		Store:    st,
		Rules:    rules,
		Pipeline: p,
	}, nil
}
