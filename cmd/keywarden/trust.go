// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/toeirei/keywarden/internal/deploy"
	"github.com/toeirei/keywarden/internal/i18n"
)

func newTrustHostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust-host <host-name>",
		Short: "Fetch and store a host's public key",
		Long: `Connects to the named host, retrieves the public key it presents and,
after confirmation, stores it as the host's pinned identity. Deployments
refuse to connect to hosts without a stored key.`,
		Args:               cobra.ExactArgs(1),
		PreRunE:            setupServices,
		PersistentPostRunE: teardownServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			host, err := store.GetHostByName(ctx, args[0])
			if err != nil {
				return err
			}
			if host == nil {
				return fmt.Errorf("%s", i18n.T("trust.unknown_host", args[0]))
			}

			pubKey, err := deploy.FetchHostKey(host.Addr())
			if err != nil {
				return err
			}

			line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pubKey)))
			algorithm, keyData, _ := strings.Cut(line, " ")
			fmt.Println(i18n.T("trust.fetched", host.Addr(), pubKey.Type(), ssh.FingerprintSHA256(pubKey)))

			fmt.Print(i18n.T("trust.confirm"))
			answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return err
			}
			if strings.TrimSpace(answer) != "yes" {
				fmt.Println(i18n.T("trust.aborted"))
				return nil
			}

			if err := store.AddHostKey(ctx, host.ID, algorithm, keyData); err != nil {
				return err
			}
			_ = store.LogAction(ctx, "trust-host", fmt.Sprintf("stored %s key for %s", algorithm, host.Name))
			fmt.Println(i18n.T("trust.stored", host.Name))
			return nil
		},
	}
	return cmd
}
