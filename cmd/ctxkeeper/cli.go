package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/ctxkeeper/pkg/config"
	"github.com/dotsetgreg/ctxkeeper/pkg/memory"
	"github.com/dotsetgreg/ctxkeeper/pkg/store"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "ctxkeeper",
		Short: "Conversation context engine: token budgets, compression, checkpoints, tiered memory",
		Long: strings.TrimSpace(`ctxkeeper manages LLM conversation context.

Use CLI commands to inspect long-term memory stats, manage checkpoints,
browse permanent memory documents, search indexed conversations, and run
the promotion sweep by hand.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().String("config", "", "Path to config file (default $HOME/.ctxkeeper/config.json)")
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newStatsCommand())
	root.AddCommand(newCheckpointsCommand())
	root.AddCommand(newMemoriesCommand())
	root.AddCommand(newSearchCommand())
	root.AddCommand(newPromoteCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".ctxkeeper", "config.json")
		}
	}
	return config.Load(path)
}

func openStore(cfg config.Config) (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(filepath.Join(cfg.Workspace, "ctxkeeper.db"))
}

func openDocuments(cfg config.Config) (*memory.DocumentStore, error) {
	return memory.NewDocumentStore(filepath.Join(cfg.Workspace, "memory"), nil)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  ctxkeeper version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "stats",
		Short:   "Show long-term memory and checkpoint statistics",
		Example: "  ctxkeeper stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := st.Stats(cmd.Context())
			if err != nil {
				return err
			}
			cps, err := st.ListCheckpoints(cmd.Context(), "")
			if err != nil {
				return err
			}
			sessions, err := st.ListCompactedSessions(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("Workspace:            %s\n", cfg.Workspace)
			fmt.Printf("Indexed conversations: %d (across %d sessions)\n",
				stats.TotalConversations, stats.TotalSessions)
			fmt.Printf("Mid-term sessions:    %d\n", len(sessions))
			fmt.Printf("Checkpoints:          %d\n", len(cps))
			return nil
		},
	}
}

func newCheckpointsCommand() *cobra.Command {
	cpRoot := &cobra.Command{
		Use:   "checkpoints",
		Short: "List, inspect, export, and delete conversation checkpoints",
	}

	var session string
	list := &cobra.Command{
		Use:     "list",
		Short:   "List stored checkpoints",
		Example: "  ctxkeeper checkpoints list --session cli:default",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			cps, err := st.ListCheckpoints(cmd.Context(), session)
			if err != nil {
				return err
			}
			if len(cps) == 0 {
				fmt.Println("No checkpoints.")
				return nil
			}
			for _, cp := range cps {
				name := cp.Name
				if name == "" {
					name = "(auto)"
				}
				fmt.Printf("%s  %s  session=%s  messages=%d  tokens=%d  %s\n",
					cp.ID, cp.CreatedAt.Format("2006-01-02 15:04"), cp.SessionID,
					cp.MessageCount, cp.TokenCount, name)
			}
			return nil
		},
	}
	list.Flags().StringVarP(&session, "session", "s", "", "Only checkpoints for this session")
	cpRoot.AddCommand(list)

	show := &cobra.Command{
		Use:     "show <checkpoint_id>",
		Short:   "Show one checkpoint and its frozen messages",
		Args:    cobra.ExactArgs(1),
		Example: "  ctxkeeper checkpoints show 4f7c...",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			cp, msgs, ok, err := st.GetCheckpoint(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("checkpoint %s not found", args[0])
			}
			fmt.Printf("Checkpoint %s (session %s)\n", cp.ID, cp.SessionID)
			fmt.Printf("Created:  %s\n", cp.CreatedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("Messages: %d, tokens: %d\n", cp.MessageCount, cp.TokenCount)
			if cp.Summary != "" {
				fmt.Printf("Summary:  %s\n", cp.Summary)
			}
			fmt.Println()
			for _, m := range msgs {
				content := m.Content
				if len(content) > 120 {
					content = content[:120] + "..."
				}
				fmt.Printf("  [%s] %s\n", m.Role, content)
			}
			return nil
		},
	}
	cpRoot.AddCommand(show)

	var out string
	export := &cobra.Command{
		Use:     "export <checkpoint_id>",
		Short:   "Export a checkpoint as JSON",
		Args:    cobra.ExactArgs(1),
		Example: "  ctxkeeper checkpoints export 4f7c... --out checkpoint.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			cp, msgs, ok, err := st.GetCheckpoint(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("checkpoint %s not found", args[0])
			}
			data, err := store.ExportCheckpoint(cp, msgs)
			if err != nil {
				return err
			}
			if out == "" {
				fmt.Println(string(data))
				return nil
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Printf("Exported checkpoint %s to %s\n", cp.ID, out)
			return nil
		},
	}
	export.Flags().StringVarP(&out, "out", "o", "", "Output file (stdout when omitted)")
	cpRoot.AddCommand(export)

	del := &cobra.Command{
		Use:     "delete <checkpoint_id>",
		Aliases: []string{"rm"},
		Short:   "Delete a checkpoint",
		Args:    cobra.ExactArgs(1),
		Example: "  ctxkeeper checkpoints delete 4f7c...",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			deleted, err := st.DeleteCheckpoint(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("checkpoint %s not found", args[0])
			}
			fmt.Printf("Deleted checkpoint %s\n", args[0])
			return nil
		},
	}
	cpRoot.AddCommand(del)

	return cpRoot
}

func newMemoriesCommand() *cobra.Command {
	memRoot := &cobra.Command{
		Use:   "memories",
		Short: "Browse permanent memory documents",
	}

	memRoot.AddCommand(&cobra.Command{
		Use:     "list",
		Short:   "List memory documents, newest first",
		Example: "  ctxkeeper memories list",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			docs, err := openDocuments(cfg)
			if err != nil {
				return err
			}
			all, err := docs.GetAllMemories()
			if err != nil {
				return err
			}
			if len(all) == 0 {
				fmt.Println("No memory documents.")
				return nil
			}
			for _, doc := range all {
				fmt.Printf("%s  [%-6s]  %s  (%s)\n",
					doc.ID, doc.Importance, doc.Title, strings.Join(doc.Topics, ", "))
			}
			return nil
		},
	})

	memRoot.AddCommand(&cobra.Command{
		Use:     "show <document_id>",
		Short:   "Print one memory document",
		Args:    cobra.ExactArgs(1),
		Example: "  ctxkeeper memories show mem-1a2b3c4d",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			docs, err := openDocuments(cfg)
			if err != nil {
				return err
			}
			doc, ok, err := docs.GetMemory(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("memory document %s not found", args[0])
			}
			fmt.Printf("# %s\n\n%s\n", doc.Title, doc.Content)
			return nil
		},
	})

	memRoot.AddCommand(&cobra.Command{
		Use:     "delete <document_id>",
		Aliases: []string{"rm"},
		Short:   "Delete a memory document",
		Args:    cobra.ExactArgs(1),
		Example: "  ctxkeeper memories delete mem-1a2b3c4d",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			docs, err := openDocuments(cfg)
			if err != nil {
				return err
			}
			deleted, err := docs.DeleteMemory(args[0])
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("memory document %s not found", args[0])
			}
			fmt.Printf("Deleted memory document %s\n", args[0])
			return nil
		},
	})

	return memRoot
}

func newSearchCommand() *cobra.Command {
	var (
		session string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search indexed long-term conversations",
		Args:  cobra.ExactArgs(1),
		Example: strings.Join([]string{
			"  ctxkeeper search \"database migration\"",
			"  ctxkeeper search \"auth bug\" --session cli:default --limit 3",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if limit <= 0 {
				limit = cfg.Memory.SearchLimit
			}
			embedder := memory.NewChargramEmbedder()
			results, err := st.SearchConversations(cmd.Context(), embedder.Embed(args[0]), limit, session)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No matches.")
				return nil
			}
			for _, conv := range results {
				content := conv.Content
				if len(content) > 140 {
					content = content[:140] + "..."
				}
				fmt.Printf("%s  session=%s  %s\n  %s\n",
					conv.ID, conv.SessionID, conv.Metadata.Date.Format("2006-01-02"), content)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&session, "session", "s", "", "Restrict search to one session")
	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "Maximum results (default from config)")
	return cmd
}

func newPromoteCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "promote",
		Short:   "Run one promotion sweep over mid-term memory",
		Example: "  ctxkeeper promote",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			docs, err := openDocuments(cfg)
			if err != nil {
				return err
			}
			log := slog.New(slog.NewTextHandler(os.Stderr, nil))
			promoter := memory.NewPromoter(cfg.Promotion, st, docs, memory.WithPromoterLogger(log))
			promoted, err := promoter.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Promoted %d session(s) to permanent memory.\n", promoted)
			return nil
		},
	}
}
