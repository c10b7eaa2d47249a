package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dorahq/dora/config"
	"github.com/dorahq/dora/did"
	"github.com/dorahq/dora/dlt"
	"github.com/dorahq/dora/logs"
	"github.com/dorahq/dora/node"
	"github.com/dorahq/dora/storage"
)

// errRuntime marks failures that happen after argument parsing; they map to
// exit code 2 while usage errors stay at 1.
var errRuntime = errors.New("runtime failure")

func runtime(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", errRuntime, err)
}

func main() {
	root := &cobra.Command{
		Use:           "dora",
		Short:         "dora committee node and tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(nodeCmd(), newCommitteeCmd(), requestCmd(), sendCmd(), verifyCmd(), verifyLogCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, errRuntime) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	conf, err := config.LoadConfig("DORA", "config")
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("governor") {
		conf.GovernorTag, _ = flags.GetString("governor")
	}
	if flags.Changed("storage") {
		conf.StorageKind, _ = flags.GetString("storage")
	}
	if flags.Changed("storage-endpoint") {
		conf.StorageEndpoint, _ = flags.GetString("storage-endpoint")
	}
	if flags.Changed("storage-access-key") {
		conf.StorageAccessKey, _ = flags.GetString("storage-access-key")
	}
	if flags.Changed("storage-secret-key") {
		conf.StorageSecretKey, _ = flags.GetString("storage-secret-key")
	}
	if flags.Changed("node-url") {
		conf.NodeURL, _ = flags.GetString("node-url")
	}
	if flags.Changed("faucet-url") {
		conf.FaucetURL, _ = flags.GetString("faucet-url")
	}
	if flags.Changed("time-resolution") {
		conf.TimeResolution, _ = flags.GetInt("time-resolution")
	}
	if flags.Changed("signature-sleep-time") {
		conf.SignatureSleepTime, _ = flags.GetInt("signature-sleep-time")
	}
	return conf, nil
}

func buildStore(ctx context.Context, conf *config.Config) (storage.Store, error) {
	switch conf.StorageKind {
	case "memory":
		return storage.NewMemStore(), nil
	case "s3", "minio-local":
		return storage.NewS3Store(ctx, storage.S3Config{
			Endpoint:  conf.StorageEndpoint,
			Bucket:    conf.StorageBucket,
			AccessKey: conf.StorageAccessKey,
			SecretKey: conf.StorageSecretKey,
		})
	default:
		return nil, fmt.Errorf("%s storage is not supported", conf.StorageKind)
	}
}

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "run a committee node",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if conf.GovernorTag == "" {
				return errors.New("--governor is required")
			}
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			ledger, err := dlt.Connect(conf.NodeURL)
			if err != nil {
				return runtime(err)
			}
			store, err := buildStore(ctx, conf)
			if err != nil {
				return runtime(err)
			}
			n := node.New(conf, ledger, store)
			if conf.FaucetURL != "" {
				n.WithFaucet(dlt.NewFaucet(conf.FaucetURL, "", nil))
			}
			if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return runtime(err)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String("governor", "", "governor tag to listen on")
	flags.String("storage", "s3", "storage backend (s3, memory)")
	flags.String("storage-endpoint", "", "storage endpoint URL")
	flags.String("storage-access-key", "", "storage access key")
	flags.String("storage-secret-key", "", "storage secret key")
	flags.String("node-url", "", "ledger node URL")
	flags.String("faucet-url", "", "faucet URL for funding")
	flags.Int("time-resolution", 20, "DID timestamp resolution in seconds")
	flags.Int("signature-sleep-time", 20, "signature collection window in seconds")
	return cmd
}

func newCommitteeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new-committee",
		Short: "publish a governor instruction to form a committee",
		RunE: func(cmd *cobra.Command, args []string) error {
			governor, _ := cmd.Flags().GetString("governor")
			nodesArg, _ := cmd.Flags().GetString("nodes")
			nodeURL, _ := cmd.Flags().GetString("node-url")
			if governor == "" || nodesArg == "" {
				return errors.New("--governor and --nodes are required")
			}
			var members []string
			for _, raw := range strings.Split(nodesArg, ",") {
				raw = strings.TrimSpace(raw)
				if raw == "" {
					continue
				}
				if !strings.HasPrefix(raw, "did:") {
					raw = "did:" + did.Method + ":" + raw
				}
				members = append(members, raw)
			}
			if len(members) < 3 {
				return errors.New("a committee needs at least 3 nodes")
			}

			ledger, err := dlt.Connect(nodeURL)
			if err != nil {
				return runtime(err)
			}
			payload, err := json.Marshal(&node.GovernorInstruction{
				Kind:  node.KindNewCommittee,
				Nodes: members,
				Nonce: []byte(uuid.NewString()),
			})
			if err != nil {
				return runtime(err)
			}
			id, err := ledger.Publish(cmd.Context(), governor, payload)
			if err != nil {
				return runtime(err)
			}
			fmt.Println(id)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String("governor", "", "governor tag")
	flags.String("nodes", "", "comma-separated node DIDs or DID tails")
	flags.String("node-url", "", "ledger node URL")
	return cmd
}

func requestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "publish a request on a committee tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			tag, _ := cmd.Flags().GetString("committee-tag")
			inputURI, _ := cmd.Flags().GetString("input-uri")
			storageID, _ := cmd.Flags().GetString("storage-id")
			nodeURL, _ := cmd.Flags().GetString("node-url")
			if tag == "" || inputURI == "" {
				return errors.New("--committee-tag and --input-uri are required")
			}
			ledger, err := dlt.Connect(nodeURL)
			if err != nil {
				return runtime(err)
			}
			payload, err := json.Marshal(&node.Request{
				Kind:      node.KindRequest,
				InputURI:  inputURI,
				StorageID: storageID,
				Nonce:     []byte(uuid.NewString()),
			})
			if err != nil {
				return runtime(err)
			}
			id, err := ledger.Publish(cmd.Context(), tag, payload)
			if err != nil {
				return runtime(err)
			}
			fmt.Println(id)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String("committee-tag", "", "committee tag to publish on")
	flags.String("input-uri", "", "input uri to resolve")
	flags.String("storage-id", "", "storage key to persist the input under")
	flags.String("node-url", "", "ledger node URL")
	return cmd
}

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "publish an arbitrary tagged message",
		RunE: func(cmd *cobra.Command, args []string) error {
			message, _ := cmd.Flags().GetString("message")
			tag, _ := cmd.Flags().GetString("tag")
			nodeURL, _ := cmd.Flags().GetString("node-url")
			if message == "" || tag == "" {
				return errors.New("--message and --tag are required")
			}
			ledger, err := dlt.Connect(nodeURL)
			if err != nil {
				return runtime(err)
			}
			id, err := ledger.Publish(cmd.Context(), tag, []byte(message))
			if err != nil {
				return runtime(err)
			}
			fmt.Println(id)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String("message", "", "message to send")
	flags.String("tag", "", "tag of the message")
	flags.String("node-url", "", "ledger node URL")
	return cmd
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "verify a committee task log",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("committee-log")
			nodeURL, _ := cmd.Flags().GetString("node-url")
			if path == "" {
				return errors.New("--committee-log is required")
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return runtime(err)
			}
			var log logs.CommitteeLog
			if err := json.Unmarshal(data, &log); err != nil {
				return runtime(err)
			}
			ledger, err := dlt.Connect(nodeURL)
			if err != nil {
				return runtime(err)
			}
			fmt.Println("retrieving committee's public key from DID document")
			q, err := did.NewRegistry(ledger, nil).ResolveKey(cmd.Context(), log.CommitteeDID)
			if err != nil {
				return runtime(err)
			}
			if err := log.Verify(q); err != nil {
				return runtime(fmt.Errorf("signature is not valid: %v", err))
			}
			fmt.Println("signature is valid")
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String("committee-log", "", "path to a committee log JSON")
	flags.String("node-url", "", "ledger node URL")
	return cmd
}

func verifyLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify-log",
		Short: "verify a node signature log",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("log")
			nodeURL, _ := cmd.Flags().GetString("node-url")
			if path == "" {
				return errors.New("--log is required")
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return runtime(err)
			}
			var log logs.NodeSignatureLog
			if err := json.Unmarshal(data, &log); err != nil {
				return runtime(err)
			}
			ledger, err := dlt.Connect(nodeURL)
			if err != nil {
				return runtime(err)
			}
			key, err := did.NewRegistry(ledger, nil).ResolveKey(cmd.Context(), log.SenderDID)
			if err != nil {
				return runtime(err)
			}
			if err := log.Verify(key); err != nil {
				return runtime(fmt.Errorf("signature is not valid: %v", err))
			}
			fmt.Println("signature is valid")
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String("log", "", "path to a node signature log JSON")
	flags.String("node-url", "", "ledger node URL")
	return cmd
}
