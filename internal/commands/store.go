// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"
	"golang.org/x/term"

	"github.com/tombee/helmsman/internal/config"
)

func newStoreCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect and configure the artifact store",
	}

	cmd.AddCommand(newStoreCheckCommand(flags))
	cmd.AddCommand(newStoreSecretCommand())

	return cmd
}

func newStoreCheckCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify artifact store connectivity and credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStoreCheck(cmd, flags)
		},
	}
}

func runStoreCheck(cmd *cobra.Command, flags *rootFlags) error {
	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if cfg.Store.Type == "s3" {
		identity, err := callerIdentity(cmd, cfg)
		if err != nil {
			fmt.Fprintln(out, RenderError("credential check failed"))
			return err
		}
		fmt.Fprintln(out, RenderOK("credentials valid"))
		fmt.Fprintln(out, Muted.Render("  caller: "+identity))
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	names, err := st.ListNames(ctx)
	if err != nil {
		fmt.Fprintln(out, RenderError("store unreachable"))
		return err
	}

	fmt.Fprintln(out, RenderOK(fmt.Sprintf("store reachable, %d workflows deployed", len(names))))
	return nil
}

// callerIdentity resolves the effective AWS identity via STS.
func callerIdentity(cmd *cobra.Command, cfg *config.Config) (string, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Store.Region),
	}
	if cfg.Store.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.Store.AccessKeyID, cfg.Store.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(cmd.Context(), opts...)
	if err != nil {
		return "", fmt.Errorf("failed to load AWS config: %w", err)
	}

	resp, err := sts.NewFromConfig(awsCfg).GetCallerIdentity(cmd.Context(), &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("failed to resolve caller identity: %w", err)
	}
	if resp.Arn != nil {
		return *resp.Arn, nil
	}
	return "", nil
}

func newStoreSecretCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "secret",
		Short: "Store the artifact store secret key in the OS keyring",
		Long: `Prompt for the artifact store secret access key and save it in the OS
keyring. The daemon and CLI pick it up automatically when the config sets an
access key ID without a secret.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStoreSecret(cmd)
		},
	}
}

func runStoreSecret(cmd *cobra.Command) error {
	fmt.Fprint(cmd.OutOrStdout(), "Secret access key: ")
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(cmd.OutOrStdout())
	if err != nil {
		return fmt.Errorf("failed to read secret: %w", err)
	}
	if len(secret) == 0 {
		return fmt.Errorf("secret must not be empty")
	}

	if err := keyring.Set(config.KeyringService, config.KeyringStoreSecret, string(secret)); err != nil {
		return fmt.Errorf("failed to store secret in keyring: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), RenderOK("secret stored in OS keyring"))
	return nil
}
