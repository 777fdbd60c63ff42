package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/dargueta/splitfat/bytefile"
	"github.com/dargueta/splitfat/errors"
	"github.com/dargueta/splitfat/layout"
	"github.com/dargueta/splitfat/profiles"
	"github.com/dargueta/splitfat/vfs"
	"github.com/dargueta/splitfat/volmanager"
)

func main() {
	app := cli.App{
		Usage: "Manage SplitFAT volume image directories",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Required: true, Usage: "directory holding the volume's host files"},
		},
		Commands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "Create a new volume; fails if one already exists",
				ArgsUsage: "",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "profile", Value: "default", Usage: "named geometry preset from package profiles"},
				},
				Action: createVolume,
			},
			{
				Name:  "format",
				Usage: "Create or wipe a volume, always starting fresh",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "profile", Value: "default", Usage: "named geometry preset from package profiles"},
				},
				Action: formatVolume,
			},
			{
				Name:      "ls",
				Usage:     "List a directory's entries",
				ArgsUsage: "PATH",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}},
				},
				Action: listDirectory,
			},
			{
				Name:      "cat",
				Usage:     "Write a volume file's content to stdout",
				ArgsUsage: "PATH",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "mode", Value: "rb", Usage: "POSIX fopen-style access mode (r, rb, rt, ...)"},
				},
				Action: catFile,
			},
			{
				Name:      "put",
				Usage:     "Copy a local file into the volume",
				ArgsUsage: "LOCAL_PATH DEST_PATH",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "mode", Value: "wb", Usage: "POSIX fopen-style access mode (w, wb, a, ab, ...)"},
				},
				Action: putFile,
			},
			{
				Name:  "fsck",
				Usage: "Run a consistency check, optionally recovering a path from a cluster index",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "locate", Usage: "cluster index to recover the owning path of"},
				},
				Action: fsckVolume,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

// openManager opens (creating if necessary) the volume under dir. For an
// existing volume, CreateIfDoesNotExist decodes the real geometry from the
// on-disk descriptor over the one passed in
// (volmanager.Manager.openVolumeLocked), so layout.NewDefault() then serves
// only as storage for that decode, not as the volume's actual geometry.
func openManager(dir string) (*volmanager.Manager, errors.Error) {
	geometry := layout.NewDefault()
	vm := volmanager.New(bytefile.NewOSOpener(dir), &geometry)
	if err := vm.CreateIfDoesNotExist(); err != nil {
		return nil, err
	}
	return vm, nil
}

func resolveProfile(slug string) (layout.Descriptor, errors.Error) {
	profile, err := profiles.GetPredefinedProfile(slug)
	if err != nil {
		return layout.Descriptor{}, err
	}
	return profile.ToDescriptor(), nil
}

func createVolume(ctx *cli.Context) error {
	dir := ctx.String("dir")
	opener := bytefile.NewOSOpener(dir)
	if opener.Exists(volmanager.DefaultFATFileName) || opener.Exists(volmanager.DefaultDataFileName) {
		return fmt.Errorf("a volume already exists in %s; use format to overwrite it", dir)
	}

	geometry, err := resolveProfile(ctx.String("profile"))
	if err != nil {
		return err
	}
	vm := volmanager.New(opener, &geometry)
	if err := vm.CreateIfDoesNotExist(); err != nil {
		return err
	}
	if _, err := vfs.NewFileSystem(vm); err != nil {
		return err
	}
	fmt.Printf("created volume in %s (profile %q)\n", dir, ctx.String("profile"))
	return nil
}

func formatVolume(ctx *cli.Context) error {
	dir := ctx.String("dir")
	opener := bytefile.NewOSOpener(dir)
	if opener.Exists(volmanager.DefaultFATFileName) {
		if err := opener.Remove(volmanager.DefaultFATFileName); err != nil {
			return err
		}
	}
	if opener.Exists(volmanager.DefaultDataFileName) {
		if err := opener.Remove(volmanager.DefaultDataFileName); err != nil {
			return err
		}
	}

	geometry, err := resolveProfile(ctx.String("profile"))
	if err != nil {
		return err
	}
	vm := volmanager.New(opener, &geometry)
	if err := vm.CreateIfDoesNotExist(); err != nil {
		return err
	}
	if _, err := vfs.NewFileSystem(vm); err != nil {
		return err
	}
	fmt.Printf("formatted volume in %s (profile %q)\n", dir, ctx.String("profile"))
	return nil
}

func openFileSystem(ctx *cli.Context) (*vfs.FileSystem, error) {
	vm, err := openManager(ctx.String("dir"))
	if err != nil {
		return nil, err
	}
	return vfs.NewFileSystem(vm)
}

func listDirectory(ctx *cli.Context) error {
	path := ctx.Args().First()
	if path == "" {
		path = "/"
	}
	fs, err := openFileSystem(ctx)
	if err != nil {
		return err
	}

	flags := vfs.IterateFiles | vfs.IterateDirectories
	if ctx.Bool("recursive") {
		flags |= vfs.IterateRecursive
	}
	return fs.IterateDirectory(path, flags, func(entry vfs.DirectoryEntry) errors.Error {
		kind := "file"
		if entry.Record.Attributes.IsDirectory() {
			kind = "dir"
		}
		fmt.Printf("%-4s %8d  %s\n", kind, entry.Record.FileSize, entry.Path)
		return nil
	})
}

func catFile(ctx *cli.Context) error {
	path := ctx.Args().First()
	if path == "" {
		return fmt.Errorf("usage: cat --dir=DIR PATH")
	}
	mode, perr := vfs.ParseAccessMode(ctx.String("mode"))
	if perr != nil {
		return perr
	}
	fs, err := openFileSystem(ctx)
	if err != nil {
		return err
	}

	fm, err := fs.Open(path, mode)
	if err != nil {
		return err
	}
	defer fm.Close()

	buf := make([]byte, fs.Manager().Geometry().ClusterSize)
	for {
		n, rerr := fm.Read(buf)
		if rerr != nil {
			return rerr
		}
		if n == 0 {
			return nil
		}
		if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
			return werr
		}
	}
}

func putFile(ctx *cli.Context) error {
	localPath := ctx.Args().Get(0)
	destPath := ctx.Args().Get(1)
	if localPath == "" || destPath == "" {
		return fmt.Errorf("usage: put --dir=DIR LOCAL_PATH DEST_PATH")
	}
	mode, perr := vfs.ParseAccessMode(ctx.String("mode"))
	if perr != nil {
		return perr
	}

	source, oerr := os.Open(localPath)
	if oerr != nil {
		return oerr
	}
	defer source.Close()

	fs, err := openFileSystem(ctx)
	if err != nil {
		return err
	}

	fm, err := fs.Open(destPath, mode)
	if err != nil {
		return err
	}
	defer fm.Close()

	buf := make([]byte, fs.Manager().Geometry().ClusterSize)
	for {
		n, rerr := source.Read(buf)
		if n > 0 {
			if _, werr := fm.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	fmt.Printf("wrote %s to %s\n", localPath, destPath)
	return nil
}

func fsckVolume(ctx *cli.Context) error {
	fs, err := openFileSystem(ctx)
	if err != nil {
		return err
	}
	if err := fs.Manager().FastConsistencyCheck(); err != nil {
		return fmt.Errorf("fast consistency check failed: %w", err)
	}
	fmt.Println("fast consistency check: ok")

	locateArg := ctx.String("locate")
	if locateArg == "" {
		return nil
	}
	clusterNum, perr := strconv.ParseUint(locateArg, 10, 32)
	if perr != nil {
		return fmt.Errorf("invalid --locate cluster index %q: %w", locateArg, perr)
	}

	path, rerr := fs.RecoverPathFromCluster(layout.ClusterIndex(clusterNum))
	if rerr != nil {
		return rerr
	}
	fmt.Printf("cluster %d belongs to %s\n", clusterNum, path)
	return nil
}
