// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/toeirei/keywarden/internal/i18n"
	"github.com/toeirei/keywarden/internal/sshkey"
)

func newValidateKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-key [file]",
		Short: "Validate public key lines from a file or stdin",
		Long: `Reads authorized_keys-style lines and checks each one against the
engine's key material rules: a supported algorithm and a well-formed,
algorithm-consistent payload. Comments and blank lines are skipped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = os.Stdin
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			valid, invalid := 0, 0
			scanner := bufio.NewScanner(in)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			lineNo := 0
			for scanner.Scan() {
				lineNo++
				line := strings.TrimSpace(scanner.Text())
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				key, _, err := sshkey.ParseLine(line)
				if err != nil {
					fmt.Println(i18n.T("validate.bad", lineNo, err))
					invalid++
					continue
				}
				fmt.Println(i18n.T("validate.ok", key.Algorithm, key.Fingerprint))
				valid++
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			fmt.Println(i18n.T("validate.summary", valid, invalid))
			if invalid > 0 {
				return fmt.Errorf("%d invalid key line(s)", invalid)
			}
			return nil
		},
	}
	return cmd
}
