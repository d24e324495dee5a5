package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opsconsole/console/internal/backend"
	"github.com/opsconsole/console/internal/instance"
	"github.com/opsconsole/console/internal/render"
	"github.com/opsconsole/console/internal/watch"
	"github.com/opsconsole/console/pkg/realtime"
	"github.com/spf13/cobra"
)

var (
	instancesOutputFormat string
	connectWait           time.Duration
	connectPrintCode      bool
	createName            string
	createAPIURL          string
	createAPIKey          string
)

var instancesCmd = &cobra.Command{
	Use:     "instances",
	Aliases: []string{"instance"},
	Short:   "Manage messaging gateway instances",
}

var instancesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List gateway instances and their status",
	Long: `List the account's gateway instances.

Output Formats:
  default - Human-readable table
  jsonl   - Line-delimited JSON, one instance per line`,
	Args: cobra.NoArgs,
	RunE: runInstancesList,
}

var instancesConnectCmd = &cobra.Command{
	Use:   "connect INSTANCE_ID",
	Short: "Start pairing a gateway instance",
	Long: `Ask the backend to connect a gateway instance.

The real-time channel is opened first so status updates and the pairing code
are received as they are pushed. With --wait the command keeps the channel
open until the instance reports connected or the wait runs out.

Examples:
  # Request a connection and print the pairing code
  console instances connect 3 --print-code

  # Wait up to two minutes for the phone to be paired
  console instances connect 3 --wait 2m`,
	Args: cobra.ExactArgs(1),
	RunE: runInstancesConnect,
}

var instancesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a new gateway instance",
	Args:  cobra.NoArgs,
	RunE:  runInstancesCreate,
}

func init() {
	instancesListCmd.Flags().StringVarP(&instancesOutputFormat, "output", "o", "default", "Output format (default or jsonl)")

	instancesConnectCmd.Flags().DurationVar(&connectWait, "wait", 0, "Wait this long for the instance to connect (0 to return immediately)")
	instancesConnectCmd.Flags().BoolVar(&connectPrintCode, "print-code", false, "Print the raw pairing code payload")

	instancesCreateCmd.Flags().StringVar(&createName, "name", "", "Instance name (required)")
	instancesCreateCmd.Flags().StringVar(&createAPIURL, "gateway-url", "", "Gateway API endpoint (required)")
	instancesCreateCmd.Flags().StringVar(&createAPIKey, "gateway-key", "", "Gateway API key")
	instancesCreateCmd.MarkFlagRequired("name")
	instancesCreateCmd.MarkFlagRequired("gateway-url")

	instancesCmd.AddCommand(instancesListCmd)
	instancesCmd.AddCommand(instancesConnectCmd)
	instancesCmd.AddCommand(instancesCreateCmd)
	rootCmd.AddCommand(instancesCmd)
}

func runInstancesList(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}

	var outputFormat render.OutputFormat
	switch instancesOutputFormat {
	case "default":
		outputFormat = render.OutputFormatDefault
	case "jsonl":
		outputFormat = render.OutputFormatJSONL
	default:
		return e.p.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", instancesOutputFormat),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	rt, err := e.runtime(cmd)
	if err != nil {
		return err
	}
	if err := rt.LoadInstances(cmd.Context()); err != nil {
		return e.backendFailed("list instances", err)
	}

	instances := rt.Instances().Instances()
	if outputFormat == render.OutputFormatJSONL {
		return render.FormatJSONL(cmd.OutOrStdout(), instances)
	}
	render.FormatInstances(cmd.OutOrStdout(), instances, nil, time.Now())
	return nil
}

func runInstancesConnect(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}

	instanceID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || instanceID <= 0 {
		return e.p.Error("invalid instance id", fmt.Sprintf("%q is not an instance id.", args[0]), nil)
	}

	ctx := cmd.Context()
	rt, err := e.connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Stop()

	if err := rt.LoadInstances(ctx); err != nil {
		return e.backendFailed("list instances", err)
	}

	e.p.Step("Requesting connection for instance %d\n", instanceID)
	if err := rt.ConnectInstance(ctx, instanceID); err != nil {
		switch {
		case errors.Is(err, instance.ErrUnknownInstance):
			return e.p.Error(
				fmt.Sprintf("instance %d not found", instanceID),
				"The account has no instance with that id.",
				[]string{"List instances:\n  console instances list"},
			)
		case realtime.IsNotConnected(err):
			return e.p.Error("channel closed", "The real-time channel closed before the request was sent.", nil)
		default:
			return e.backendFailed(fmt.Sprintf("connect instance %d", instanceID), err)
		}
	}

	store := rt.Instances()
	if connectWait <= 0 {
		e.reportArtifact(store, instanceID)
		e.p.Success("Connection requested\n")
		return nil
	}

	// The pairing code usually arrives over the channel shortly after the request
	e.p.Step("Waiting up to %s for instance %d to connect\n", connectWait, instanceID)
	artifactShown := e.reportArtifact(store, instanceID)
	watchCtx, cancel := context.WithCancel(ctx)
	changes := store.Watch(watchCtx)
	reported := make(chan struct{})
	go func() {
		defer close(reported)
		for c := range changes {
			if c.Kind == instance.ChangeArtifact && c.InstanceID == instanceID && !artifactShown {
				artifactShown = e.reportArtifact(store, instanceID)
			}
		}
	}()

	inst, err := watch.WaitForStatus(ctx, store, instanceID, instance.StatusConnected, connectWait)
	cancel()
	<-reported
	if err != nil {
		return e.p.Error(
			fmt.Sprintf("instance %d did not connect", instanceID),
			err.Error(),
			[]string{"Scan the pairing code and run the command again"},
		)
	}
	e.p.Success("Instance %d (%s) is connected\n", inst.ID, inst.Name)
	return nil
}

// reportArtifact prints the pairing artifact for instanceID, if one is held.
func (e *env) reportArtifact(store *instance.Store, instanceID int64) bool {
	artifact, ok := store.ArtifactFor(instanceID)
	if !ok {
		return false
	}
	e.p.Info("Pairing code ready (%d bytes)\n", len(artifact.Payload))
	if connectPrintCode {
		e.p.Println(artifact.Payload)
	}
	return true
}

func runInstancesCreate(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}

	rt, err := e.runtime(cmd)
	if err != nil {
		return err
	}

	inst, err := rt.CreateInstance(cmd.Context(), backend.InstanceCreate{Name: createName, APIURL: createAPIURL, APIKey: createAPIKey})
	if err != nil {
		return e.backendFailed("create instance", err)
	}
	e.p.Success("Created instance %d (%s)\n", inst.ID, inst.Name)
	return nil
}
