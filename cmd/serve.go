package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/ctxsync/internal/server"
	"github.com/sells-group/ctxsync/internal/watch"
)

var (
	servePort  int
	serveCycle bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		router := server.NewRouter(server.Deps{
			Records:     env.Records,
			Curation:    env.Curation,
			Checkpoints: env.Checkpoints,
			Events:      env.Events,
			Cycles:      env.Cycles,
			Lock:        env.Syncer,
		}, cfg.Server.AllowedOrigins)
		srv := server.New(port, router)

		tasks := []watch.Task{srv.Run}
		if serveCycle {
			bg, err := backgroundTasks(env, cfg.Watch.Enabled)
			if err != nil {
				return err
			}
			tasks = append(tasks, bg...)
		}
		return watch.RunAll(ctx, tasks...)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveCycle, "cycle", false, "also run the periodic sync loop")
	rootCmd.AddCommand(serveCmd)
}
