package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/clouddrive-sync/internal/config"
	"github.com/tonimelisma/clouddrive-sync/internal/graph"
	"github.com/tonimelisma/clouddrive-sync/internal/lockshard"
	"github.com/tonimelisma/clouddrive-sync/internal/mount"
	"github.com/tonimelisma/clouddrive-sync/internal/remoteclient"
)

func newMountCmd() *cobra.Command {
	var (
		flagMountPoint  string
		flagTarget      string
		flagStagingRoot string
		flagAllowOther  bool
		flagReadOnly    bool
		flagRecycleBin  bool
		flagForeground  bool
	)

	cmd := &cobra.Command{
		Use:   "mount <mountpoint>",
		Short: "Mount the drive as a local filesystem via FUSE",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			mc, bound := config.MountForProfile(cc.Raw, cc.Cfg.Alias)
			if len(args) > 0 {
				flagMountPoint = args[0]
			}
			if flagMountPoint == "" && bound {
				flagMountPoint = mc.MountPoint
			}
			if flagMountPoint == "" {
				return fmt.Errorf("mount point required: pass as argument or set mount_point in config")
			}

			if flagTarget == "" && bound {
				flagTarget = mc.Target
			}
			if flagStagingRoot == "" {
				flagStagingRoot = mc.StagingRoot
			}
			if flagStagingRoot == "" {
				flagStagingRoot = filepath.Join(config.DefaultCacheDir(), "mount", cc.Cfg.CanonicalID.String())
			}
			if !cmd.Flags().Changed("allow-other") {
				flagAllowOther = mc.AllowOther
			}
			if !cmd.Flags().Changed("read-only") {
				flagReadOnly = mc.ReadOnly
			}
			if !cmd.Flags().Changed("recycle-bin") {
				flagRecycleBin = mc.RecycleBin
			}

			return runMount(cmd.Context(), cc, mountOptions{
				mountPoint:  flagMountPoint,
				target:      flagTarget,
				stagingRoot: flagStagingRoot,
				allowOther:  flagAllowOther,
				readOnly:    flagReadOnly,
				recycleBin:  flagRecycleBin,
				foreground:  flagForeground,
			})
		},
	}

	cmd.Flags().StringVar(&flagTarget, "target", "", "remote folder the mount root is bound to")
	cmd.Flags().StringVar(&flagStagingRoot, "staging-root", "", "upload staging directory (default: cache dir)")
	cmd.Flags().BoolVar(&flagAllowOther, "allow-other", false, "allow other users to access the mount")
	cmd.Flags().BoolVar(&flagReadOnly, "read-only", false, "reject writes through the mount")
	cmd.Flags().BoolVar(&flagRecycleBin, "recycle-bin", true, "send deletes through the mount to the recycle bin")
	cmd.Flags().BoolVar(&flagForeground, "foreground", false, "block in the foreground instead of daemonizing the wait")

	return cmd
}

func newUnmountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unmount <mountpoint>",
		Short: "Unmount a previously mounted drive",
		Args:  cobra.ExactArgs(1),
		Annotations: map[string]string{
			skipConfigAnnotation: "true",
		},
		RunE: func(_ *cobra.Command, args []string) error {
			return fuse.Unmount(args[0])
		},
	}
}

// mountListPageSize bounds one List call's page size while walking target
// path components to a folder ID.
const mountListPageSize = 200

type mountOptions struct {
	mountPoint  string
	target      string
	stagingRoot string
	allowOther  bool
	readOnly    bool
	recycleBin  bool
	foreground  bool
}

// runMount resolves the remote root ID for opts.target, wires a
// mount.Filesystem against it, and serves it through go-fuse until ctx is
// cancelled (spec §4.9: the mount adapter translates VFS calls into
// remoteclient operations directly — no index cache, no job controller).
func runMount(ctx context.Context, cc *CLIContext, opts mountOptions) error {
	lockPath := filepath.Join(opts.stagingRoot, ".mount.lock")
	if err := os.MkdirAll(opts.stagingRoot, 0o755); err != nil {
		return fmt.Errorf("creating staging root: %w", err)
	}

	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring mount lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another mount already holds the staging directory %q", opts.stagingRoot)
	}
	defer fl.Unlock()

	tokenPath := config.DriveTokenPath(cc.Cfg.CanonicalID)
	ts, err := graph.TokenSourceFromPath(ctx, tokenPath, cc.Logger)
	if err != nil {
		return fmt.Errorf("loading saved token: %w", err)
	}

	remote := remoteclient.NewClient(graph.DefaultBaseURL, transferHTTPClient(), ts, cc.Logger)

	rootID, err := resolveMountRoot(ctx, remote, opts.target)
	if err != nil {
		return fmt.Errorf("resolving mount target %q: %w", opts.target, err)
	}

	fsys := mount.New(mount.Config{
		RootID:       rootID,
		StagingRoot:  opts.stagingRoot,
		ToRecycleBin: opts.recycleBin,
		Logger:       cc.Logger,
	}, remote, lockshard.New())

	fssrv, err := fuse.NewServer(fsys, opts.mountPoint, &fuse.MountOptions{
		AllowOther: opts.allowOther,
		Name:       "clouddrive",
		FsName:     cc.Cfg.CanonicalID.String(),
	})
	if err != nil {
		return fmt.Errorf("mounting at %q: %w", opts.mountPoint, err)
	}

	go fssrv.Serve()
	if err := fssrv.WaitMount(); err != nil {
		return fmt.Errorf("waiting for mount: %w", err)
	}

	cc.Logger.Info("mounted", slog.String("mount_point", opts.mountPoint), slog.String("root_id", rootID))
	statusf(false, "Mounted %q at %s\n", cc.Cfg.CanonicalID.String(), opts.mountPoint)

	mountCtx := shutdownContext(ctx, cc.Logger)
	<-mountCtx.Done()

	cc.Logger.Info("unmounting", slog.String("mount_point", opts.mountPoint))

	return fssrv.Unmount()
}

// resolveMountRoot returns the remote folder ID a mount target binds to,
// walking one path component at a time from the drive root (the same
// component-by-component resolution upload.Engine.EnsureFolderChain uses
// to create folders, here just following existing ones). An empty target
// means the drive root.
func resolveMountRoot(ctx context.Context, remote *remoteclient.Client, target string) (string, error) {
	info, err := remote.DriveInfo(ctx)
	if err != nil {
		return "", err
	}

	parentID := info.DefaultRoot
	target = strings.Trim(target, "/")

	if target == "" {
		return parentID, nil
	}

	for _, component := range strings.Split(target, "/") {
		child, err := findChildByName(ctx, remote, parentID, component)
		if err != nil {
			return "", err
		}

		parentID = child.FileID
	}

	return parentID, nil
}

// findChildByName paginates List until it finds a child of parentID named
// name, mirroring upload.Engine's lookup of the same name.
func findChildByName(ctx context.Context, remote *remoteclient.Client, parentID, name string) (*remoteclient.Entry, error) {
	marker := ""

	for {
		entries, next, err := remote.List(ctx, parentID, marker, mountListPageSize)
		if err != nil {
			return nil, err
		}

		for i := range entries {
			if entries[i].Name == name {
				return &entries[i], nil
			}
		}

		if next == "" {
			return nil, fmt.Errorf("%q not found under folder %q", name, parentID)
		}

		marker = next
	}
}
