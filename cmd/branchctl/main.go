/*
   Copyright The branchfs Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package main

import (
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/urfave/cli/v2"

	"github.com/branchfs/branchfs/version"

	// register the in-tree backing store provider
	_ "github.com/branchfs/branchfs/plugins/backingstore/hostfs"
)

func main() {
	app := &cli.App{
		Name:    "branchctl",
		Version: version.Version,
		Usage:   "inspect and exercise the branchfs overlay engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a TOML engine configuration",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "set the logging level [trace, debug, info, warn, error, fatal, panic]",
			},
		},
		Before: func(c *cli.Context) error {
			return log.SetLevel(c.String("log-level"))
		},
		Commands: []*cli.Command{
			probeCommand,
			materializeCommand,
			statCommand,
			readCommand,
			configCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "branchctl: %s\n", err)
		os.Exit(1)
	}
}
