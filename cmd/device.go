package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ticket-scan/config"
	"ticket-scan/internal/device"
	"ticket-scan/models"
	"ticket-scan/security"
	"ticket-scan/utils"
)

func newDeviceCmd(ctx context.Context, cfg *config.Config) *cobra.Command {
	dc := &cfg.Device

	cmd := &cobra.Command{
		Use:   "device",
		Short: "Run and inspect the offline scan queue of a gate device",
	}
	cmd.PersistentFlags().StringVar(&dc.DeviceID, "id", dc.DeviceID, "device id")
	cmd.PersistentFlags().StringVar(&dc.EventRef, "event", dc.EventRef, "event the device is scanning for")
	cmd.PersistentFlags().StringVar(&dc.ServerURL, "server", dc.ServerURL, "ingestion server base url")
	cmd.PersistentFlags().StringVar(&dc.DBPath, "db", dc.DBPath, "local queue database")

	cmd.AddCommand(
		deviceRunCmd(ctx, cfg),
		deviceDrainCmd(ctx, cfg),
		deviceStatusCmd(ctx, cfg),
		deviceCancelCmd(ctx, cfg),
		deviceRetryCmd(ctx, cfg),
	)
	return cmd
}

// openQueue builds a queue from the device config. The caller closes the
// returned store.
func openQueue(cfg *config.Config) (*device.Queue, *device.LocalStore, error) {
	dc := cfg.Device
	if dc.DeviceID == "" {
		return nil, nil, fmt.Errorf("device id is required")
	}

	signer, err := security.NewTenantSigner(cfg.SigningMasterSecret, cfg.TenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("credential signer: %w", err)
	}
	st, err := device.OpenLocalStore(dc.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open local queue: %w", err)
	}

	clock := utils.RealClock{}
	transport := device.NewHTTPTransport(dc.ServerURL, signer, dc.RequestTimeout, clock)
	q := device.NewQueue(st, transport, signer, newNotifier(cfg), clock, device.QueueConfig{
		DeviceID:      dc.DeviceID,
		EventRef:      dc.EventRef,
		BatchSize:     dc.BatchSize,
		MaxRetries:    dc.MaxRetries,
		BackoffBase:   dc.BackoffBase,
		BackoffCap:    dc.BackoffCap,
		DrainInterval: dc.DrainInterval,
	})
	return q, st, nil
}

func deviceRunCmd(ctx context.Context, cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Scan QR payloads from stdin and sync them in the background",
		Long: "Each stdin line is a QR payload, optionally prefixed with \"exit \".\n" +
			"The local decision is printed as JSON while the queue drains until interrupted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, st, err := openQueue(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				q.Run(gctx)
				return nil
			})
			g.Go(func() error {
				return scanLines(gctx, q, cfg.Device.EventRef, cmd.InOrStdin(), cmd.OutOrStdout())
			})
			return g.Wait()
		},
	}
}

func scanLines(ctx context.Context, q *device.Queue, eventRef string, in io.Reader, out io.Writer) error {
	enc := json.NewEncoder(out)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		dir := models.DirectionEntry
		if rest, ok := strings.CutPrefix(line, "exit "); ok {
			dir, line = models.DirectionExit, strings.TrimSpace(rest)
		}

		res, err := q.Enqueue(ctx, line, eventRef, dir, nil)
		if err != nil {
			return err
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	return sc.Err()
}

func deviceDrainCmd(ctx context.Context, cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Push every due queue entry once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, st, err := openQueue(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			report, err := q.Drain(ctx)
			if encErr := printJSON(cmd.OutOrStdout(), report); encErr != nil {
				return encErr
			}
			return err
		},
	}
}

func deviceStatusCmd(ctx context.Context, cfg *config.Config) *cobra.Command {
	var qs string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts, or the entries in one queue status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, st, err := openQueue(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if qs == "" {
				counts, err := q.Counts(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), counts)
			}
			entries, err := q.Entries(ctx, models.QueueStatus(qs))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().StringVar(&qs, "status", "", "list entries in this status (pending, syncing, synced, failed)")
	return cmd
}

func deviceCancelCmd(ctx context.Context, cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <local_id>",
		Short: "Cancel a pending entry before it syncs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, st, err := openQueue(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			return q.Cancel(ctx, args[0])
		},
	}
}

func deviceRetryCmd(ctx context.Context, cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <local_id>",
		Short: "Put a failed entry back in the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, st, err := openQueue(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			return q.Retry(ctx, args[0])
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
