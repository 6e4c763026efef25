package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/c35s/nvmeboot/blockdev"
	"github.com/c35s/nvmeboot/board"
	"github.com/c35s/nvmeboot/cleanup"
	"github.com/c35s/nvmeboot/kernel"
	"github.com/c35s/nvmeboot/nvme"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

type globals struct {
	Config    string `kong:"optional,short='c',type='existingfile',help='Board configuration file. The built-in board is used if unset.'"`
	Debug     bool   `kong:"optional,help='Enable debug logging.'"`
	LogFormat string `kong:"optional,enum='auto,text,json',default='auto',help='Log format (auto, text, json).'"`
}

var cli struct {
	Globals globals `kong:"embed"`

	List  ListCmd  `kong:"cmd,help='Bring up the controllers and list their drives.'"`
	Read  ReadCmd  `kong:"cmd,help='Copy blocks from a drive to a file or stdout.'"`
	Write WriteCmd `kong:"cmd,help='Copy a file onto a drive.'"`
	Boot  BootCmd  `kong:"cmd,help='Find a kernel on the drives and hand off to it.'"`

	Shutdown ShutdownCmd `kong:"cmd,help='Bring the board up, then run its exit hooks.'"`
}

func main() {
	c := kong.Parse(&cli, kong.Description("NVMe boot payload on an emulated board."))

	log := newLogger(&cli.Globals)

	err := c.Run(&cli.Globals, log)
	c.FatalIfErrorf(err)
}

func newLogger(g *globals) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	if g.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	format := g.LogFormat
	if format == "auto" {
		format = "json"
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = "text"
		}
	}

	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logrus.NewEntry(log)
}

// open builds and brings up the board.
func (g *globals) open(log *logrus.Entry) (*board.Board, error) {
	var (
		cfg *board.Config
		err error
	)

	if g.Config != "" {
		cfg, err = board.Load(g.Config)
	} else {
		cfg, err = board.Default()
	}

	if err != nil {
		return nil, err
	}

	b, err := board.New(cfg, log)
	if err != nil {
		return nil, err
	}

	if err := b.Init(context.Background()); err != nil {
		log.WithError(err).Warn("some controllers failed")
	}

	return b, nil
}

type ListCmd struct{}

func (cmd *ListCmd) Run(g *globals, log *logrus.Entry) error {
	b, err := g.open(log)
	if err != nil {
		return err
	}

	defer b.Shutdown(cleanup.OnLegacy)

	for _, s := range b.Slots {
		id := s.Driver.Identity()
		fmt.Printf("%s %q serial:%q state:%s qdepth:%d\n", s.Addr, id.Model(), id.Serial(), s.Driver.State(), s.Driver.IOQueueDepth())

		for _, d := range s.Driver.Drives() {
			fmt.Printf("  %s/%d %q bs:%d blocks:%d maxblocks:%d guid:%s\n",
				s.Addr, d.NamespaceID(), d.Name(), d.BlockSize(), d.BlockCount(), d.MaxTransferBlocks(), d.GUID())
		}
	}

	return nil
}

type ReadCmd struct {
	Drive string `kong:"arg,required,help='Drive as slot/nsid, e.g. 00:04.0/1.'"`
	LBA   uint64 `kong:"arg,required,help='First block.'"`
	Count uint64 `kong:"arg,required,help='Number of blocks.'"`
	Out   string `kong:"optional,short='o',help='Output file. Stdout if unset.'"`
}

func (cmd *ReadCmd) Run(g *globals, log *logrus.Entry) error {
	b, err := g.open(log)
	if err != nil {
		return err
	}

	defer b.Shutdown(cleanup.OnLegacy)

	d, err := findDrive(b, cmd.Drive)
	if err != nil {
		return err
	}

	var out io.Writer = os.Stdout
	if cmd.Out != "" {
		f, err := os.Create(cmd.Out)
		if err != nil {
			return err
		}

		defer f.Close()
		out = f
	}

	s, err := blockdev.NewStream(d, b.Arena, cmd.LBA)
	if err != nil {
		return err
	}

	defer s.Close()

	n, err := io.CopyN(out, s, int64(cmd.Count)*int64(d.BlockSize()))
	log.WithFields(logrus.Fields{"drive": cmd.Drive, "bytes": n}).Info("read")

	return err
}

type WriteCmd struct {
	Drive string `kong:"arg,required,help='Drive as slot/nsid, e.g. 00:04.0/1.'"`
	LBA   uint64 `kong:"arg,required,help='First block.'"`
	In    string `kong:"arg,required,type='existingfile',help='File to write. The last block is zero padded.'"`
}

func (cmd *WriteCmd) Run(g *globals, log *logrus.Entry) error {
	data, err := os.ReadFile(cmd.In)
	if err != nil {
		return err
	}

	b, err := g.open(log)
	if err != nil {
		return err
	}

	defer b.Shutdown(cleanup.OnLegacy)

	d, err := findDrive(b, cmd.Drive)
	if err != nil {
		return err
	}

	bs := uint64(d.BlockSize())
	blocks := (uint64(len(data)) + bs - 1) / bs

	buf, err := b.Arena.Alloc(blockdev.StreamBufferSize)
	if err != nil {
		return err
	}

	defer b.Arena.Free(buf)

	chunk := uint64(len(buf.Bytes)) / bs
	lba := cmd.LBA

	for done := uint64(0); done < blocks; {
		n := min(chunk, blocks-done)

		clear(buf.Bytes)
		copy(buf.Bytes, data[done*bs:])

		if _, err := d.WriteBlocks(lba, n, buf.Bytes[:n*bs]); err != nil {
			return err
		}

		done += n
		lba += n
	}

	log.WithFields(logrus.Fields{"drive": cmd.Drive, "blocks": blocks}).Info("wrote")
	return nil
}

type BootCmd struct {
	Names []string `kong:"optional,short='n',help='Archive entries to try, in order.'"`
	Out   string   `kong:"optional,short='o',help='Save the kernel image here.'"`
}

func (cmd *BootCmd) Run(g *globals, log *logrus.Entry) error {
	b, err := g.open(log)
	if err != nil {
		return err
	}

	img, err := kernel.Find(b.Registry, b.Arena, cmd.Names, log)
	if err != nil {
		return errors.Join(err, b.Shutdown(cleanup.OnLegacy))
	}

	if cmd.Out != "" {
		if err := os.WriteFile(cmd.Out, img.Data, 0o644); err != nil {
			return errors.Join(err, b.Shutdown(cleanup.OnLegacy))
		}
	}

	log.WithFields(logrus.Fields{
		"device":  img.Device,
		"entry":   img.Name,
		"version": img.Version,
	}).Info("handing off")

	return b.Shutdown(cleanup.OnHandoff)
}

type ShutdownCmd struct {
	Type string `kong:"optional,enum='handoff,legacy',default='legacy',help='Exit type (handoff, legacy).'"`
}

func (cmd *ShutdownCmd) Run(g *globals, log *logrus.Entry) error {
	b, err := g.open(log)
	if err != nil {
		return err
	}

	t := cleanup.OnLegacy
	if cmd.Type == "handoff" {
		t = cleanup.OnHandoff
	}

	return b.Shutdown(t)
}

// findDrive resolves a slot/nsid drive reference.
func findDrive(b *board.Board, ref string) (*nvme.Drive, error) {
	slot, ns, ok := strings.Cut(ref, "/")
	if !ok {
		return nil, fmt.Errorf("drive %q: want slot/nsid", ref)
	}

	addr, err := board.ParseSlot(slot)
	if err != nil {
		return nil, err
	}

	nsid, err := strconv.ParseUint(ns, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("drive %q: %w", ref, err)
	}

	for _, s := range b.Slots {
		if s.Addr != addr {
			continue
		}

		for _, d := range s.Driver.Drives() {
			if d.NamespaceID() == uint32(nsid) {
				return d, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: %q", blockdev.ErrNotFound, ref)
}
