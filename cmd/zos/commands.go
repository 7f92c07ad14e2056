package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cypher-asi/zero-os-sub004/pkg/commitlog"
	"github.com/cypher-asi/zero-os-sub004/pkg/config"
	"github.com/cypher-asi/zero-os-sub004/pkg/exechost"
	"github.com/cypher-asi/zero-os-sub004/pkg/gateway"
	"github.com/cypher-asi/zero-os-sub004/pkg/replay"
	"github.com/cypher-asi/zero-os-sub004/pkg/signer"
	"github.com/cypher-asi/zero-os-sub004/pkg/state"
	"github.com/cypher-asi/zero-os-sub004/pkg/storage"
)

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg := config.Load()
	if opts.Config != "" {
		if err := config.LoadFile(cfg, opts.Config); err != nil {
			return nil, err
		}
	}
	if opts.StorePath != "" {
		cfg.StorePath = opts.StorePath
	}
	return cfg, nil
}

func newInitCommand(opts *rootOptions) *cobra.Command {
	var rootName string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Seed a new store with a genesis commit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if rootName == "" {
				rootName = cfg.RootName
			}
			store, err := storage.Open(cfg.StorePath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ctx := context.Background()
			if _, ok, err := store.MaxCommitSeq(ctx); err != nil {
				return err
			} else if ok {
				return fmt.Errorf("store %s already has commits", cfg.StorePath)
			}

			log, err := commitlog.New(commitlog.GenesisConfig{RootName: rootName}, time.Now())
			if err != nil {
				return err
			}
			if err := store.PersistCommits(ctx, log.Commits()); err != nil {
				return err
			}
			fmt.Printf("genesis %s seq 0 written to %s\n", log.Head(), cfg.StorePath)
			return nil
		},
	}
	cmd.Flags().StringVar(&rootName, "root-name", "", "genesis root process name")
	return cmd
}

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the full commit hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, store, err := openLog(opts)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := log.VerifyIntegrity(); err != nil {
				var ierr *commitlog.IntegrityError
				if errors.As(err, &ierr) {
					return fmt.Errorf("chain INVALID at seq %d: %v", ierr.Seq, ierr.Err)
				}
				return err
			}
			fmt.Printf("chain OK: %d commits, head %s\n", log.Len(), log.Head())
			return nil
		},
	}
}

func newReplayCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Replay the commit log from genesis and print the state hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, store, err := openLog(opts)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := log.VerifyIntegrity(); err != nil {
				return err
			}
			st, err := replay.Replay(log)
			if err != nil {
				return err
			}
			return printState(st)
		},
	}
}

func newBootCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Boot from the latest verified checkpoint (or genesis)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			store, err := storage.Open(cfg.StorePath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			st, log, err := replay.Boot(context.Background(), store, cfg.TrustedCheckpointKeys...)
			if err != nil {
				return err
			}
			if cp, ok := log.LatestCheckpoint(); ok && len(cfg.TrustedCheckpointKeys) > 0 {
				fmt.Printf("resumed from checkpoint at seq %d\n", cp.Seq)
			}
			return printState(st)
		},
	}
}

func newCheckpointCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Append a signed checkpoint and store its snapshot",
		Long: `Boots the store, then signs the current state hash with the key derived
from the ZEROS_SIGNER_SEED environment variable (hex-encoded 32-byte
Ed25519 seed) and the configured checkpoint domain.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			seedHex := os.Getenv("ZEROS_SIGNER_SEED")
			if seedHex == "" {
				return fmt.Errorf("ZEROS_SIGNER_SEED not set")
			}
			seed, err := hex.DecodeString(seedHex)
			if err != nil {
				return fmt.Errorf("decode signer seed: %w", err)
			}
			provider, err := signer.FromSeed(seed)
			if err != nil {
				return err
			}
			keyring, err := signer.NewKeyring(provider).DeriveForDomain(cfg.CheckpointDomain)
			if err != nil {
				return err
			}

			store, err := storage.Open(cfg.StorePath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ctx := context.Background()
			st, log, err := replay.Boot(ctx, store, cfg.TrustedCheckpointKeys...)
			if err != nil {
				return err
			}
			gw, err := gateway.Resume(log, st, gateway.Options{
				Host:       exechost.NewLocalHost(),
				Store:      store,
				Keyring:    keyring,
				QueueBound: cfg.DefaultQueueBound,
				Durable:    true,
			})
			if err != nil {
				return err
			}
			id, err := gw.Checkpoint(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("checkpoint %s at seq %d\n", id, log.HeadSeq())
			return nil
		},
	}
}

func openLog(opts *rootOptions) (*commitlog.Log, *storage.SQLiteStore, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(cfg.StorePath)
	if err != nil {
		return nil, nil, err
	}
	commits, err := store.LoadCommits(context.Background())
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	log, err := commitlog.FromCommits(commits)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return log, store, nil
}

func printState(st *state.State) error {
	hash, err := state.Hash(st)
	if err != nil {
		return err
	}
	alive := 0
	for _, p := range st.Processes {
		if p.Alive {
			alive++
		}
	}
	caps := 0
	for _, sp := range st.Spaces {
		caps += sp.Len()
	}
	fmt.Printf("state hash   %s\n", hash)
	fmt.Printf("applied seq  %d\n", st.AppliedSeq)
	fmt.Printf("processes    %d (%d alive)\n", len(st.Processes), alive)
	fmt.Printf("capabilities %d\n", caps)
	fmt.Printf("endpoints    %d\n", len(st.Endpoints))
	fmt.Printf("revocations  %d\n", len(st.Revoked))
	return nil
}
