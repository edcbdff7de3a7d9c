package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	cnst "github.com/kairos-io/overlayfs/internal/constants"
	"github.com/kairos-io/overlayfs/internal/utils"
	"github.com/kairos-io/overlayfs/internal/version"
	"github.com/kairos-io/overlayfs/pkg/dag"
	"github.com/kairos-io/overlayfs/pkg/mount"
	"github.com/kairos-io/overlayfs/pkg/schema"
	"github.com/kairos-io/overlayfs/pkg/state"
	"github.com/spectrocloud-labs/herd"
	"github.com/twpayne/go-vfs/v4"
	"github.com/urfave/cli/v2"
)

// stringValue returns the flag value, falling back to the env var. The env file is loaded
// after flags are parsed, so its values are only visible through the environment.
func stringValue(c *cli.Context, name, env string) string {
	if c.IsSet(name) {
		return c.String(name)
	}
	if v, ok := os.LookupEnv(env); ok {
		return v
	}
	return c.String(name)
}

// newApp builds the CLI. The log file opened by a run is handed back through logCloser,
// it is closed by the caller once the exit status is known.
func newApp(logCloser *io.Closer) *cli.App {
	app := cli.NewApp()
	app.Name = "overlayfs"
	app.Usage = "mount a writable overlay over the read-only system partitions"
	app.UsageText = "overlayfs [options] <writable folder>"
	app.Version = version.GetVersion()
	app.Authors = []*cli.Author{{Name: "Kairos authors"}}
	app.Copyright = "kairos authors"
	app.Action = func(c *cli.Context) (err error) {
		if !utils.OverlaySupported(vfs.OSFS) {
			return cnst.ErrNoOverlay
		}

		if c.Bool("test") {
			if path := c.String("check-ext4"); path != "" {
				ok, err := utils.IsExt4(path)
				if err != nil || !ok {
					return cnst.ErrNotExt4
				}
			}
			return nil
		}

		base := c.Args().First()
		if err = utils.CheckBase(vfs.OSFS, base); err != nil {
			return err
		}

		if err = utils.LoadEnvFile(c.String("env-file")); err != nil {
			return fmt.Errorf("loading env file: %w", err)
		}
		*logCloser = utils.SetLogger(stringValue(c, "log-file", "OVERLAYFS_LOG"), c.Bool("debug") || os.Getenv("OVERLAYFS_DEBUG") == "true")

		v := version.Get()
		utils.Log.Info().Str("commit", v.GitCommit).Str("compiled with", v.GoVersion).Str("version", v.Version).Msg("Mount OverlayFS started")

		s := state.NewState(
			base,
			schema.ParseOverlayMode(stringValue(c, "overlay-mode", "OVERLAY_MODE")),
			stringValue(c, "overlay-list", "OVERLAYLIST"),
			stringValue(c, "magisk-tmp", "MAGISKTMP"),
			stringValue(c, "staging-base", "OVERLAYFS_STAGING_BASE"),
		)
		utils.Log.Info().Str("base", s.Base).Str("mode", s.Mode.String()).Str("lower", s.LowerList).Str("mirrors", s.MirrorBase).Msg("Config")

		g := herd.DAG(herd.EnableInit)
		if err = dag.RegisterOverlay(s, g); err != nil {
			return err
		}
		utils.Log.Info().Msg(s.WriteDAG(g))

		// Print the plan and the dag, nothing gets mounted
		if c.Bool("dry-run") {
			records, err := mount.ReadMountTable()
			if err != nil {
				return err
			}
			if file := c.String("env-file"); file != "" {
				values, err := utils.ReadEnv(file)
				if err != nil {
					return fmt.Errorf("reading env file: %w", err)
				}
				for k, v := range values {
					utils.Log.Info().Str("file", file).Str(k, v).Msg("Env file value")
				}
			}
			plan := mount.Reduce(s.FS, records, s.Roots, utils.Log)
			for _, u := range plan.Units() {
				utils.Log.Info().Str("what", u.Path).Str("type", u.FSType).Msg("Mountpoint")
			}
			return nil
		}

		err = dag.Run(context.Background(), s, g)
		utils.Log.Info().Msg(s.WriteDAG(g))
		if err == nil {
			utils.Log.Info().Int("units", len(s.Installed())).Msg("Mount OverlayFS done")
		}
		return err
	}
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:  "test",
			Usage: "self test mode, exits 0",
		},
		&cli.StringFlag{
			Name:  "check-ext4",
			Usage: "with --test, exit 1 unless the given path is on ext4",
		},
		&cli.BoolFlag{
			Name: "dry-run",
		},
		&cli.StringFlag{
			Name:    "overlay-mode",
			Usage:   "0 read-only overlay, 1 read-write overlay, 2 locked read-only overlay",
			EnvVars: []string{"OVERLAY_MODE"},
		},
		&cli.StringFlag{
			Name:    "overlay-list",
			Usage:   "colon separated list of extra lower dirs merged into master",
			EnvVars: []string{"OVERLAYLIST"},
		},
		&cli.StringFlag{
			Name:    "magisk-tmp",
			Usage:   "base of the mirror tree",
			EnvVars: []string{"MAGISKTMP"},
		},
		&cli.StringFlag{
			Name:    "staging-base",
			Value:   cnst.DefaultStagingBase,
			EnvVars: []string{"OVERLAYFS_STAGING_BASE"},
		},
		&cli.StringFlag{
			Name:    "log-file",
			Value:   cnst.DefaultLogFile,
			EnvVars: []string{"OVERLAYFS_LOG"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			EnvVars: []string{"OVERLAYFS_DEBUG"},
		},
		&cli.StringFlag{
			Name:    "env-file",
			Usage:   "dotenv file with the settings above, the environment takes precedence",
			EnvVars: []string{"OVERLAYFS_ENV_FILE"},
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:  "version",
			Usage: "version",
			Action: func(c *cli.Context) error {
				v := version.Get()
				utils.Log.Info().Str("commit", v.GitCommit).Str("compiled with", v.GoVersion).Str("version", v.Version).Msg("overlayfs")
				fmt.Println(v.String())
				return nil
			},
		},
	}

	return app
}

// Mount writable overlays over the system partitions.
func main() {
	var logCloser io.Closer = io.NopCloser(nil)

	err := newApp(&logCloser).Run(os.Args)
	code := exitCode(err)
	if code != 0 && !errors.Is(err, cnst.ErrNotExt4) {
		utils.Log.Error().Err(err).Int("code", code).Msg("Mount OverlayFS failed")
		if msg := exitMessage(err); msg != "" {
			fmt.Println(msg)
		}
	}
	_ = logCloser.Close()
	if code != 0 {
		os.Exit(code)
	}
}

// exitCode maps the error of a run to the process exit status. Only a missing staging
// filesystem gets its own code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, cnst.ErrStagingUnavailable):
		return -1
	default:
		return 1
	}
}

// exitMessage is what gets printed on stdout for a failed run, empty for silent failures.
func exitMessage(err error) string {
	switch {
	case err == nil, errors.Is(err, cnst.ErrNotExt4), errors.Is(err, cnst.ErrStagingUnavailable):
		return ""
	case errors.Is(err, cnst.ErrNoOverlay):
		return "No overlay supported by kernel!"
	default:
		return err.Error()
	}
}
