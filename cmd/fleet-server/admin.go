package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wingetdash/fleet/internal/server/bundle"
	"github.com/wingetdash/fleet/pkg/api"
)

var (
	taskHost    string
	taskCommand string
	taskPayload string

	bundleFile    string
	bundleVersion string

	purgeDays int
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage queued tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Queue a task for a host",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closer, err := setup()
		if err != nil {
			return err
		}
		defer closer.Close()

		command := api.Command(taskCommand)
		if !command.Valid() {
			return fmt.Errorf("unknown command %q", taskCommand)
		}
		ctx := context.Background()

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		var p api.Payload
		if command == api.CommandSelfUpdate && taskPayload == "" {
			provider, err := bundle.NewProvider(ctx, cfg.Bundle)
			if err != nil {
				return err
			}
			sp, err := bundle.NewService(provider, st, cfg.Bundle.Prefix, cfg.Bundle.RequiredFiles).SelfUpdatePayload(ctx)
			if err != nil {
				return fmt.Errorf("current bundle: %w", err)
			}
			p = sp
		} else {
			p, err = api.DecodePayload(command, taskPayload)
			if err != nil {
				return err
			}
		}

		id, err := st.CreateTask(ctx, taskHost, command, p)
		if err != nil {
			return err
		}
		fmt.Printf("Task %d queued for %s.\n", id, taskHost)
		return nil
	},
}

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Manage agent bundles",
}

var bundlePublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Upload a bundle zip and make it current",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closer, err := setup()
		if err != nil {
			return err
		}
		defer closer.Close()
		ctx := context.Background()

		f, err := os.Open(bundleFile)
		if err != nil {
			return err
		}
		defer f.Close()

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		provider, err := bundle.NewProvider(ctx, cfg.Bundle)
		if err != nil {
			return err
		}
		info, err := bundle.NewService(provider, st, cfg.Bundle.Prefix, cfg.Bundle.RequiredFiles).
			Publish(ctx, bundleVersion, f)
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(info, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete finished tasks older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closer, err := setup()
		if err != nil {
			return err
		}
		defer closer.Close()

		days := cfg.PurgeAfterDays
		if cmd.Flags().Changed("older-than-days") {
			days = purgeDays
		}
		if days < 0 {
			return fmt.Errorf("older-than-days must not be negative")
		}

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := st.PurgeTerminal(context.Background(), time.Duration(days)*24*time.Hour)
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d finished tasks.\n", n)
		return nil
	},
}

func init() {
	taskCreateCmd.Flags().StringVar(&taskHost, "host", "", "target hostname")
	taskCreateCmd.Flags().StringVar(&taskCommand, "command", "", "update_package, uninstall_package, force_report or self_update")
	taskCreateCmd.Flags().StringVar(&taskPayload, "payload", "", "package id, or self_update JSON (defaults to the current bundle)")
	_ = taskCreateCmd.MarkFlagRequired("host")
	_ = taskCreateCmd.MarkFlagRequired("command")
	taskCmd.AddCommand(taskCreateCmd)

	bundlePublishCmd.Flags().StringVar(&bundleFile, "file", "", "bundle zip to publish")
	bundlePublishCmd.Flags().StringVar(&bundleVersion, "version", "", "bundle version (defaults to the manifest version)")
	_ = bundlePublishCmd.MarkFlagRequired("file")
	bundleCmd.AddCommand(bundlePublishCmd)

	purgeCmd.Flags().IntVar(&purgeDays, "older-than-days", 0, "retention in days (default from purge_after_days)")
}
