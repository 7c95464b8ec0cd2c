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
	"errors"
	"fmt"
	"io"
	"os"

	units "github.com/docker/go-units"
	"github.com/pelletier/go-toml/v2"
	"github.com/urfave/cli/v2"

	"github.com/branchfs/branchfs/core/branches"
	"github.com/branchfs/branchfs/core/engine"
	"github.com/branchfs/branchfs/pkg/config"
	"github.com/branchfs/branchfs/pkg/reflink"
)

var probeCommand = &cli.Command{
	Name:      "probe",
	Usage:     "check whether a directory's filesystem supports reflink cloning",
	ArgsUsage: "DIRECTORY",
	Action: func(c *cli.Context) error {
		dir := c.Args().First()
		if dir == "" {
			return fmt.Errorf("directory argument is required")
		}
		if reflink.Supported(dir) {
			fmt.Fprintf(c.App.Writer, "%s: reflink supported\n", dir)
			return nil
		}
		fmt.Fprintf(c.App.Writer, "%s: reflink not supported\n", dir)
		return nil
	},
}

var materializeCommand = &cli.Command{
	Name:      "materialize",
	Usage:     "materialize a branch of a base tree into the backing store",
	ArgsUsage: "LOWER-ROOT STORE-ROOT",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "label",
			Value: "branchctl",
			Usage: "branch label",
		},
		&cli.StringFlag{
			Name:  "mode",
			Value: "eager",
			Usage: "materialization mode (lazy, eager, clone-eager)",
		},
		&cli.BoolFlag{
			Name:  "require-clone",
			Usage: "fail instead of byte-copying when reflink is unavailable",
		},
	},
	Action: func(c *cli.Context) error {
		lower, root := c.Args().Get(0), c.Args().Get(1)
		if lower == "" || root == "" {
			return fmt.Errorf("LOWER-ROOT and STORE-ROOT arguments are required")
		}
		mode, err := branches.ParseMode(c.String("mode"))
		if err != nil {
			return err
		}

		cfg := loadConfig(c, root)
		cfg.Overlay.LowerRoot = lower
		cfg.Overlay.RequireCloneSupport = c.Bool("require-clone")

		eng, err := engine.New(c.Context, cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		proc, err := eng.RegisterProcess(c.Context, branches.Identity{
			Pid:  os.Getpid(),
			Ppid: os.Getppid(),
			Uid:  uint32(os.Getuid()),
			Gid:  uint32(os.Getgid()),
		})
		if err != nil {
			return err
		}

		b, err := eng.CreateBranchFromCurrent(c.Context, proc.Identity.Pid, c.String("label"), branches.WithMode(mode))
		if err != nil {
			return err
		}
		usage, err := eng.BranchUsage(c.Context, b.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "branch %s (%s) materialized at %s: %d inodes, %s\n",
			b.ID, b.Mode, b.Location, usage.Inodes, units.HumanSize(float64(usage.Size)))
		return nil
	},
}

var statCommand = &cli.Command{
	Name:      "stat",
	Usage:     "resolve a path against a base tree and print its attributes",
	ArgsUsage: "LOWER-ROOT PATH",
	Action: func(c *cli.Context) error {
		eng, pid, done, err := ephemeralEngine(c)
		if err != nil {
			return err
		}
		defer done()

		attr, err := eng.Stat(c.Context, pid, c.Args().Get(1))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "%s\t%s\t%s\t%s\n", attr.Mode, units.HumanSize(float64(attr.Size)), attr.Layer, attr.Name)
		if attr.IsSymlink {
			fmt.Fprintf(c.App.Writer, "-> %s\n", attr.Target)
		}
		return nil
	},
}

var readCommand = &cli.Command{
	Name:      "read",
	Usage:     "resolve a path against a base tree and copy its content to stdout",
	ArgsUsage: "LOWER-ROOT PATH",
	Action: func(c *cli.Context) error {
		eng, pid, done, err := ephemeralEngine(c)
		if err != nil {
			return err
		}
		defer done()

		h, err := eng.Open(c.Context, pid, c.Args().Get(1), branches.OpenOptions{Read: true})
		if err != nil {
			return err
		}
		defer eng.CloseHandle(c.Context, h)

		buf := make([]byte, 32*1024)
		for {
			n, err := eng.Read(c.Context, h, buf)
			if n > 0 {
				if _, werr := c.App.Writer.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}
	},
}

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "information on the branchctl config",
	Subcommands: []*cli.Command{
		{
			Name:  "default",
			Usage: "print the default engine configuration as TOML",
			Action: func(c *cli.Context) error {
				out, err := toml.Marshal(config.Default("/var/lib/branchfs"))
				if err != nil {
					return err
				}
				_, err = c.App.Writer.Write(out)
				return err
			},
		},
	},
}

// ephemeralEngine builds an engine over the LOWER-ROOT argument with a
// throwaway store root and registers the calling process. done tears both
// down.
func ephemeralEngine(c *cli.Context) (*engine.Engine, int, func(), error) {
	lower, path := c.Args().Get(0), c.Args().Get(1)
	if lower == "" || path == "" {
		return nil, 0, nil, fmt.Errorf("LOWER-ROOT and PATH arguments are required")
	}
	root, err := os.MkdirTemp("", "branchctl-")
	if err != nil {
		return nil, 0, nil, err
	}

	cfg := loadConfig(c, root)
	cfg.Overlay.LowerRoot = lower
	eng, err := engine.New(c.Context, cfg)
	if err != nil {
		os.RemoveAll(root)
		return nil, 0, nil, err
	}
	done := func() {
		eng.Close()
		os.RemoveAll(root)
	}

	proc, err := eng.RegisterProcess(c.Context, branches.Identity{
		Pid:  os.Getpid(),
		Ppid: os.Getppid(),
		Uid:  uint32(os.Getuid()),
		Gid:  uint32(os.Getgid()),
	})
	if err != nil {
		done()
		return nil, 0, nil, err
	}
	return eng, proc.Identity.Pid, done, nil
}

func loadConfig(c *cli.Context, root string) *config.Config {
	cfg := config.Default(root)
	if path := c.String("config"); path != "" {
		if err := config.LoadConfig(path, cfg); err != nil {
			fmt.Fprintf(c.App.ErrWriter, "branchctl: ignoring config %s: %v\n", path, err)
		}
		cfg.Store.Root = root
	}
	return cfg
}
