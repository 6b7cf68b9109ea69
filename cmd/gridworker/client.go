package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"gridworker/internal/model"
	"gridworker/internal/ops"
	"gridworker/internal/store"
	"gridworker/pkg/uds"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

const clientTimeout = 10 * time.Second

var clientFlags struct {
	host        string
	instance    string
	requester   string
	description string
	reason      string
	retention   time.Duration
	socket      string
}

// withRepository opens the configured store for the duration of fn.
func withRepository(cmd *cobra.Command, fn func(ctx context.Context, repo *store.Repository) error) error {
	loaded, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
	defer cancel()

	s, closer, err := ops.OpenStore(ctx, loaded.Store)
	if err != nil {
		return err
	}
	defer closer.Close()
	return fn(ctx, store.NewRepository(s))
}

func requester() *model.UserIdentity {
	if clientFlags.requester == "" {
		return nil
	}
	return &model.UserIdentity{Name: clientFlags.requester}
}

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Assign a new request to a worker host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if clientFlags.host == "" {
				return fmt.Errorf("missing worker host; use --host")
			}
			req := model.AssignedRequest{
				RequestID:          model.NewRequestID(),
				WorkerHostComputer: clientFlags.host,
				WorkerHostInstance: model.NormalizeInstance(clientFlags.instance),
				RequesterID:        requester(),
				Description:        clientFlags.description,
				SubmitTime:         time.Now(),
			}
			return withRepository(cmd, func(ctx context.Context, repo *store.Repository) error {
				if err := repo.SaveAssigned(ctx, req, clientFlags.retention); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), req.RequestID)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&clientFlags.host, "host", "", "target worker host computer")
	f.StringVar(&clientFlags.instance, "instance", "", "target worker host instance")
	f.StringVar(&clientFlags.requester, "requester", "", "requester name")
	f.StringVar(&clientFlags.description, "description", "", "request description")
	f.DurationVar(&clientFlags.retention, "retention", model.DefaultRetention, "how long the assignment is kept")
	return cmd
}

func newCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Cancel a request that has not been launched yet",
		Long: `Cancel publishes a cancellation for the request. Without --host the
cancellation is broadcast to every worker host. A request whose worker
process is already running is not interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := model.ParseRequestID(args[0])
			if err != nil {
				return err
			}
			c := model.CancellationRequest{
				RequestID:          id,
				WorkerHostComputer: clientFlags.host,
				WorkerHostInstance: model.NormalizeInstance(clientFlags.instance),
				RequesterID:        requester(),
				CancelReason:       clientFlags.reason,
			}
			return withRepository(cmd, func(ctx context.Context, repo *store.Repository) error {
				return repo.SaveCancellation(ctx, c, clientFlags.retention)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&clientFlags.host, "host", "", "target worker host computer, empty broadcasts")
	f.StringVar(&clientFlags.instance, "instance", "", "target worker host instance")
	f.StringVar(&clientFlags.requester, "requester", "", "requester name")
	f.StringVar(&clientFlags.reason, "reason", "", "cancel reason reported back")
	f.DurationVar(&clientFlags.retention, "retention", model.DefaultRetention, "how long the cancellation is kept")
	return cmd
}

func newResponsesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "responses <request-id>",
		Short: "List the worker responses of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := model.ParseRequestID(args[0])
			if err != nil {
				return err
			}
			return withRepository(cmd, func(ctx context.Context, repo *store.Repository) error {
				responses, err := repo.Responses(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), responses)
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query the status socket of a running worker host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := clientFlags.socket
			if path == "" {
				loaded, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				path = loaded.Ops.StatusSocket
			}
			client, err := uds.NewClient(path)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()

			resp, err := client.Query(ctx, []byte(statusCommand))
			if err != nil {
				return err
			}
			var v any
			if err := sonic.Unmarshal(resp, &v); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
	cmd.Flags().StringVar(&clientFlags.socket, "socket", "", "status socket path (default: from config)")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	out, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

