package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"governance-backend/api"
	"governance-backend/service"
	"governance-backend/storage"
)

var listenAddr string

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Address to listen on (defaults to listen from the config)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode()
		if err != nil {
			return err
		}
		defer n.Close()
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		queue := service.NewQueue(n.engine, n.cfg.QueueSize, n.log)
		queue.Start()
		defer queue.Stop()

		if n.cfg.SnapshotDir != "" {
			archive, err := storage.NewSnapshotArchive(n.cfg.SnapshotDir, n.cfg.SnapshotKeep)
			if err != nil {
				return err
			}
			snapshotsDone := make(chan struct{})
			go func() {
				defer close(snapshotsDone)
				n.engine.RunSnapshots(ctx, archive, time.Duration(n.cfg.SnapshotInterval)*time.Second)
			}()
			defer func() {
				cancel()
				<-snapshotsDone
			}()
		}

		addr := n.cfg.Listen
		if listenAddr != "" {
			addr = listenAddr
		}
		return api.NewServer(n.engine, queue, n.registry, n.log).Start(ctx, addr)
	},
}
