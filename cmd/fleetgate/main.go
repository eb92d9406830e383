// Copyright 2015 Matthew Holt and The Caddy Authors
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

// Command fleetgate runs the reverse proxy described in the package
// documentation of github.com/fleetgate/fleetgate: a host-aware
// HTTP(S) proxy that discovers its upstream pool from the container
// fabric and obtains its own TLS certificates via ACME HTTP-01.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetgate/fleetgate"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fleetgate",
		Short: "Container-fabric-aware reverse proxy with on-demand ACME TLS",
		Long: `fleetgate is a reverse proxy that discovers its upstream pool by
observing the container runtime it lives inside and transparently
obtains per-domain TLS certificates via the ACME HTTP-01 protocol.

Configuration is read entirely from the environment (HOSTNAME,
DATA_DIR, ACME_PROVIDER, ACME_CONTACT); see the package documentation
for defaults and semantics.`,
		RunE: runFleetgate,
	}
	root.AddCommand(newVersionCmd())
	return root
}

// newVersionCmd prints the module's build info, the same small
// subcommand shape the teacher hangs off its "run"-centric root
// command (cmd/commands.go registers "version" alongside "run").
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fleetgate build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, ok := debug.ReadBuildInfo()
			if !ok {
				fmt.Println("fleetgate (unknown build info)")
				return nil
			}
			fmt.Printf("fleetgate %s (%s)\n", info.Main.Version, info.GoVersion)
			return nil
		},
	}
}

// runFleetgate loads configuration, wires the orchestrator, and blocks
// until SIGINT/SIGTERM (§4.10, §5 cancellation).
func runFleetgate(cmd *cobra.Command, args []string) error {
	cfg, err := fleetgate.LoadConfig()
	if err != nil {
		return err
	}

	gw, err := fleetgate.New(cfg, nil, fleetgate.Log())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fleetgate.Log().Sugar().Infow("fleetgate starting",
		"data_dir", cfg.DataDir,
		"tls_enabled", cfg.TLSEnabled(),
	)

	return gw.Run(ctx)
}
