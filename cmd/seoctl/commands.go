package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Harvey-AU/seo-pagegen/internal/config"
	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/Harvey-AU/seo-pagegen/internal/docstore"
	"github.com/Harvey-AU/seo-pagegen/internal/jobs"
	"github.com/Harvey-AU/seo-pagegen/internal/observability"
	"github.com/Harvey-AU/seo-pagegen/internal/queue"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// stores is what the database-backed commands work against
type stores struct {
	meta *db.DB
	jobs jobs.JobStore
	// publisher is nil unless the server consumes pages from an external broker
	publisher queue.Publisher
	close     func()
}

// managerOptions routes new pages through the broker when one is configured
func (s *stores) managerOptions() []jobs.Option {
	if s.publisher == nil {
		return nil
	}
	return []jobs.Option{jobs.WithPublisher(s.publisher)}
}

// storeOpener connects the database-backed commands; tests swap it out
type storeOpener func(ctx context.Context) (*stores, error)

// openFromEnv connects using the same environment as the server
func openFromEnv(ctx context.Context) (*stores, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	observability.SetupLogging(cfg.Server.Env, cfg.Server.LogLevel, "seoctl")

	sqlDB, err := db.NewWithRetry(ctx, &db.Config{
		Driver:      db.Driver(cfg.Database.Driver),
		DatabaseURL: cfg.Database.DatabaseURL,
		SQLitePath:  cfg.Database.SQLitePath,
	}, db.DefaultRetryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	closers := []func(){func() { sqlDB.Close() }}
	s := &stores{meta: sqlDB, jobs: sqlDB}
	s.close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Database.JobStore == "mongo" {
		mongoStore, err := docstore.Connect(ctx, cfg.Database.MongoURI, cfg.Database.MongoDatabase, 10*time.Second)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to connect to job store: %w", err)
		}
		s.jobs = mongoStore
		closers = append(closers, func() { _ = mongoStore.Close(context.Background()) })
	}

	switch cfg.Queue.Backend {
	case "rabbitmq":
		q, err := queue.NewRabbitMQ(cfg.Queue.RabbitMQURL, cfg.Queue.RabbitMQQueue, cfg.Queue.Prefetch)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to connect to queue: %w", err)
		}
		s.publisher = q
		closers = append(closers, func() { _ = q.Close() })
	case "memory":
		// The in-memory broker lives inside the server process
		log.Warn().Msg("Queue backend is memory; the server resends pages created here on its next queued sweep")
	}
	return s, nil
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(openFromEnv)
}

func newRootCmdWith(open storeOpener) *cobra.Command {
	root := &cobra.Command{
		Use:           "seoctl",
		Short:         "Operate the SEO page generator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newMigrateCmd(open),
		newTemplatesCmd(open),
		newJobsCmd(open),
		newRenderCmd(),
	)
	return root
}

func newMigrateCmd(open storeOpener) *cobra.Command {
	var reset, force bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the relational schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if reset && !force {
				return fmt.Errorf("--reset drops every table; pass --force to confirm")
			}

			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			if reset {
				if err := s.meta.ResetSchema(cmd.Context()); err != nil {
					return err
				}
			} else if err := s.meta.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema ready (%s)\n", s.meta.Driver())
			return nil
		},
	}

	cmd.Flags().BoolVar(&reset, "reset", false, "drop and recreate every table")
	cmd.Flags().BoolVar(&force, "force", false, "confirm a destructive reset")
	return cmd
}

// TemplateSeed is one prompt template in a seed file
type TemplateSeed struct {
	PageType          string   `yaml:"page_type"`
	Name              string   `yaml:"name"`
	Template          string   `yaml:"template"`
	RequiredVariables []string `yaml:"required_variables"`
	OptionalVariables []string `yaml:"optional_variables"`
	WordCount         int      `yaml:"word_count"`
}

// TemplateSeedFile is the document read by templates seed
type TemplateSeedFile struct {
	Templates []TemplateSeed `yaml:"templates"`
}

// parseSeedFile decodes and validates a seed file, canonicalising page types
func parseSeedFile(r io.Reader) ([]*db.PromptTemplate, error) {
	var file TemplateSeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("invalid seed file: %w", err)
	}
	if len(file.Templates) == 0 {
		return nil, fmt.Errorf("seed file has no templates")
	}

	out := make([]*db.PromptTemplate, 0, len(file.Templates))
	for i, seed := range file.Templates {
		pt, err := jobs.ResolvePageType(seed.PageType)
		if err != nil {
			return nil, fmt.Errorf("templates[%d]: %w", i, err)
		}
		if strings.TrimSpace(seed.Template) == "" {
			return nil, fmt.Errorf("templates[%d]: template is required", i)
		}

		required := seed.RequiredVariables
		if required == nil && seed.OptionalVariables == nil {
			required = jobs.TemplateVariables(seed.Template)
		}
		name := strings.TrimSpace(seed.Name)
		if name == "" {
			name = string(pt)
		}

		out = append(out, &db.PromptTemplate{
			PageType:          string(pt),
			Name:              name,
			Template:          seed.Template,
			RequiredVariables: required,
			OptionalVariables: seed.OptionalVariables,
			WordCount:         seed.WordCount,
		})
	}
	return out, nil
}

func newTemplatesCmd(open storeOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage prompt templates",
	}

	var file string
	seed := &cobra.Command{
		Use:   "seed",
		Short: "Create and activate templates from a YAML file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("failed to open seed file: %w", err)
			}
			defer f.Close()

			templates, err := parseSeedFile(f)
			if err != nil {
				return err
			}

			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			for _, t := range templates {
				if err := s.meta.CreatePromptTemplate(cmd.Context(), t, true); err != nil {
					return fmt.Errorf("failed to seed %s template: %w", t.PageType, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s v%d activated (%s)\n", t.PageType, t.Version, t.ID)
			}
			return nil
		},
	}
	seed.Flags().StringVar(&file, "file", "", "YAML seed file")
	_ = seed.MarkFlagRequired("file")

	cmd.AddCommand(seed)
	return cmd
}

func newJobsCmd(open storeOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Create and inspect generation jobs",
	}

	var businessID, pageType, createdBy string
	create := &cobra.Command{
		Use:   "create",
		Short: "Fan a business out into a generation job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			jm := jobs.NewJobManager(s.jobs, s.meta, s.managerOptions()...)
			job, err := jm.CreateJob(cmd.Context(), businessID, pageType, createdBy)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	create.Flags().StringVar(&businessID, "business", "", "business id")
	create.Flags().StringVar(&pageType, "type", "", "page type, e.g. keyword-service-area")
	create.Flags().StringVar(&createdBy, "created-by", "seoctl", "recorded as the job creator")
	_ = create.MarkFlagRequired("business")
	_ = create.MarkFlagRequired("type")

	status := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job and its progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			job, err := s.jobs.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				*db.GenerationJob
				Progress float64 `json:"progress"`
			}{job, job.Progress()})
		},
	}

	republish := &cobra.Command{
		Use:   "republish <job-id>",
		Short: "Resend broker messages for a job's queued pages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			jm := jobs.NewJobManager(s.jobs, s.meta, s.managerOptions()...)
			sent, err := jm.RepublishQueued(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Republished %d queued pages of %s\n", sent, args[0])
			return nil
		},
	}

	cmd.AddCommand(create, status, republish)
	return cmd
}

func newRenderCmd() *cobra.Command {
	var tmpl, tmplFile string
	var vars map[string]string
	var required []string

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Preview a template with local variables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tmplFile != "" {
				raw, err := os.ReadFile(tmplFile)
				if err != nil {
					return fmt.Errorf("failed to read template: %w", err)
				}
				tmpl = string(raw)
			}
			if strings.TrimSpace(tmpl) == "" {
				return fmt.Errorf("--template or --template-file is required")
			}

			missing := jobs.MissingVariables(tmpl, required, vars)
			sort.Strings(missing)

			fmt.Fprintln(cmd.OutOrStdout(), jobs.RenderTemplate(tmpl, vars))
			if len(missing) > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "missing variables: %s\n", strings.Join(missing, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tmpl, "template", "", "template text")
	cmd.Flags().StringVar(&tmplFile, "template-file", "", "read the template from a file")
	cmd.Flags().StringToStringVar(&vars, "vars", nil, "variables as key=value pairs")
	cmd.Flags().StringSliceVar(&required, "required", nil, "required variables (defaults to every token)")
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
