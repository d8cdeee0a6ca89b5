package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"collab-blocks/app"
	"collab-blocks/pkg/config"
	"collab-blocks/pkg/db"
	"collab-blocks/pkg/document"
	"collab-blocks/pkg/history"
	"collab-blocks/pkg/logging"
	"collab-blocks/pkg/room"

	"github.com/spf13/cobra"
)

var (
	listenAddr   string
	snapshotFile string
	showVersions bool

	rootCmd = &cobra.Command{
		Use:           "collab-blocks",
		Short:         "Collaborative block document server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the collaboration server",
		RunE:  runServe,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE:  runMigrate,
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect [objectId]",
		Short: "Print a document's block tree, from the database or a snapshot file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInspect,
	}
)

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "addr", "", "listen address, overrides server.host and server.port")
	inspectCmd.Flags().StringVar(&snapshotFile, "file", "", "decode a version snapshot file instead of reading the database")
	inspectCmd.Flags().BoolVar(&showVersions, "versions", false, "list the document's versions")
	rootCmd.AddCommand(serveCmd, migrateCmd, inspectCmd)
}

func setup() (*config.Config, logging.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := app.NewServer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer server.Close()
	return server.Start(ctx, listenAddr)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	sqlDB, err := db.Open(cmd.Context(), cfg.GetDatabaseConnectionString())
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if err := db.Migrate(cmd.Context(), sqlDB); err != nil {
		return err
	}
	log.Info(cmd.Context(), "migrations applied")
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if snapshotFile != "" {
		data, err := os.ReadFile(snapshotFile)
		if err != nil {
			return err
		}
		tree, err := decodeSnapshotFile(data)
		if err != nil {
			return err
		}
		return printJSON(out, tree)
	}
	if len(args) != 1 {
		return fmt.Errorf("inspect needs an objectId or --file")
	}

	cfg, _, err := setup()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	sqlDB, err := db.Open(ctx, cfg.GetDatabaseConnectionString())
	if err != nil {
		return err
	}
	store := db.NewPostgresStore(sqlDB)
	defer store.Close()

	if showVersions {
		m := history.NewManager(document.New(args[0], ""), store)
		defer m.Close()
		recs, err := m.ListVersions(ctx, history.Filter{IncludeDeleted: true})
		if err != nil {
			return err
		}
		return printJSON(out, recs)
	}
	tree, err := room.NewRoomManager(store).Snapshot(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(out, tree)
}

func decodeSnapshotFile(data []byte) (*document.Tree, error) {
	_, state, err := history.DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	doc := document.New("snapshot", "")
	if err := doc.ApplyRemoteUpdate(state, nil); err != nil {
		return nil, err
	}
	return doc.Snapshot(), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
