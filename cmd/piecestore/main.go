// Runs the storage engine against downloaded data: allocates missing files, verifies pieces and
// reports. Optionally moves the data afterwards.
//
// Example run:
// $ go run ./cmd/piecestore verify ubuntu.torrent ~/Downloads
package main

import (
	"context"
	"fmt"
	stdLog "log"
	"os"
	"os/signal"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"

	"github.com/anacrolix/piecestore/fileio"
	ps "github.com/anacrolix/piecestore/metainfo"
	"github.com/anacrolix/piecestore/opsched"
	"github.com/anacrolix/piecestore/recheck"
	"github.com/anacrolix/piecestore/storage"
)

var flags struct {
	Debug bool

	*VerifyCmd    `arg:"subcommand:verify"`
	*ListFilesCmd `arg:"subcommand:list-files"`
}

type VerifyCmd struct {
	TorrentPath string `arg:"positional,required"`
	Dir         string `arg:"positional,required" help:"directory holding the data"`
	AttrsDir    string `help:"where attributes are persisted, defaults to Dir"`

	Allocation storage.AllocationMode `default:"sparse" help:"sparse, zero-fill or prealloc"`
	FullCheck  bool                   `help:"ignore fast resume data"`
	Throttle   bool                   `help:"delay between pieces when verifying"`
	MoveTo     string                 `help:"move the data here after verifying"`
	ReadOnly   bool                   `help:"make moved files read only"`
	Spew       bool                   `help:"dump the engine state when done"`
}

type ListFilesCmd struct {
	TorrentPath string `arg:"positional"`
}

func main() {
	defer envpprof.Stop()
	if err := mainErr(); err != nil {
		log.Printf("error in main: %v", err)
		os.Exit(1)
	}
}

func mainErr() error {
	stdLog.SetFlags(stdLog.Flags() | stdLog.Lshortfile)
	p := arg.MustParse(&flags)
	switch {
	case flags.VerifyCmd != nil:
		return verify(*flags.VerifyCmd)
	case flags.ListFilesCmd != nil:
		info, err := loadInfo(flags.ListFilesCmd.TorrentPath)
		if err != nil {
			return err
		}
		for _, f := range info.UpvertedFiles() {
			if f.Padding {
				continue
			}
			fmt.Printf("%v\t%v\n", f.DisplayPath(info), humanize.Bytes(uint64(f.Length)))
		}
		return nil
	default:
		p.Fail(fmt.Sprintf("unexpected subcommand: %v", p.Subcommand()))
		panic("unreachable")
	}
}

func loadMetainfo(path string) (*metainfo.MetaInfo, error) {
	mi, err := metainfo.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading from file %q: %w", path, err)
	}
	return mi, nil
}

func loadInfo(path string) (*ps.Info, error) {
	mi, err := loadMetainfo(path)
	if err != nil {
		return nil, err
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, fmt.Errorf("unmarshalling info from metainfo at %q: %w", path, err)
	}
	return convertInfo(&info)
}

func verify(cmd VerifyCmd) (err error) {
	mi, err := loadMetainfo(cmd.TorrentPath)
	if err != nil {
		return
	}
	info, err := loadInfo(cmd.TorrentPath)
	if err != nil {
		return
	}
	attrsDir := cmd.AttrsDir
	if attrsDir == "" {
		attrsDir = cmd.Dir
	}
	attrs := storage.AttributeStoreForDir(attrsDir)
	defer attrs.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	sched := opsched.New(opsched.Config{})
	go sched.Run(ctx)
	recheckConfig := recheck.DefaultConfig()
	if cmd.Throttle {
		recheckConfig.Throttle = recheck.ThrottleSizeScaled
	}

	config := storage.DefaultConfig()
	config.Allocation = cmd.Allocation
	config.FullCheckOnStart = cmd.FullCheck
	e, err := storage.New(storage.Opts{
		Info:        info,
		Key:         mi.HashInfoBytes().HexString(),
		Dir:         cmd.Dir,
		Config:      config,
		FileIO:      fileio.NewOS(),
		Attrs:       attrs,
		Rechecker:   recheck.New(recheckConfig),
		OpScheduler: sched,
	})
	if err != nil {
		return fmt.Errorf("creating storage: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if closeErr := e.Close(closeCtx); err == nil {
			err = closeErr
		}
	}()

	started := time.Now()
	if err = e.Start(ctx); err != nil {
		return
	}
	go progressBar(ctx, e, started)
	state, err := e.WaitState(ctx, storage.StateReady, storage.StateFaulty)
	if err != nil {
		return
	}
	if state == storage.StateFaulty {
		return e.Fault()
	}
	report(e, time.Since(started))
	if cmd.MoveTo != "" {
		err = e.MoveFiles(ctx, cmd.MoveTo, cmd.ReadOnly, func(p storage.MoveProgress) {
			if p.FileDone == p.FileTotal {
				fmt.Printf("moved %v/%v\n", humanize.Bytes(uint64(p.Done)), humanize.Bytes(uint64(p.Total)))
			}
		})
		if err != nil {
			return fmt.Errorf("moving to %q: %w", cmd.MoveTo, err)
		}
	}
	if cmd.Spew {
		spew.Dump(struct {
			State        storage.State
			Fault        *storage.Fault
			Availability []uint32
		}{e.State(), e.Fault(), e.Availability().ToArray()})
	}
	return nil
}

func progressBar(ctx context.Context, e *storage.Engine, started time.Time) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.StateChanged():
			switch e.State() {
			case storage.StateReady, storage.StateFaulty, storage.StateStopped:
				return
			}
		case <-ticker.C:
		}
		fmt.Printf("%v: %v, %.1f%% allocated, %.1f%% done\n",
			time.Since(started).Truncate(time.Second),
			e.State(),
			e.PercentAllocated(),
			e.PercentDone())
	}
}

func report(e *storage.Engine, took time.Duration) {
	done := e.Availability().GetCardinality()
	fmt.Printf("verified %q in %v: %v/%v pieces, %s/%s\n",
		e.Info().Name,
		took.Truncate(time.Millisecond),
		done,
		e.NumPieces(),
		humanize.Bytes(uint64(e.TotalLength()-e.Remaining())),
		humanize.Bytes(uint64(e.TotalLength())))
	for _, f := range e.Files().All() {
		if f.IsPadding() {
			continue
		}
		fmt.Printf("%6.1f%% %v\n", float64(f.Downloaded())*100/float64(max(f.Length(), 1)), f.DisplayPath())
	}
}
