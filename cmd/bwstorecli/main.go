// Command bwstorecli is a demo/bench harness for the storage core: it
// drives PageDirectory, WriteBuffer, and BufferSet end to end against a
// diskstage-backed flush path, either as a one-shot benchmark or as an
// interactive console.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/bwstore/bufferset"
	"github.com/calvinalkan/bwstore/internal/diskstage"
	"github.com/calvinalkan/bwstore/internal/epoch"
	"github.com/calvinalkan/bwstore/pagedir"
	"github.com/calvinalkan/bwstore/writebuf"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "bwstorecli: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("bwstorecli", flag.ContinueOnError)

	configPath := fs.String("config", "", "path to a JWCC config file")
	interactive := fs.BoolP("interactive", "i", false, "start an interactive console instead of the benchmark")
	benchN := fs.Int("bench", 10000, "number of pages to allocate+flush in benchmark mode")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: bwstorecli [--config file] [-i | --bench N]")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadFileConfig(*configPath)
	if err != nil {
		return err
	}

	engine, err := newEngine(cfg)
	if err != nil {
		return fmt.Errorf("construct engine: %w", err)
	}

	if *interactive {
		return (&repl{e: engine}).run()
	}

	return runBench(engine, *benchN)
}

// pagePointer is the tree layer's sum type over the opaque 64-bit word
// the directory stores: {Mem(addr), Disk(segment offset)} over a single
// tag bit, per spec.md §9's design note. bwstorecli is a stand-in
// consumer exercising that contract, not part of the core itself.
type pagePointer uint64

const diskTagBit = uint64(1) << 63

func memPointer(addr uint64) pagePointer { return pagePointer(addr &^ diskTagBit) }
func (p pagePointer) isDisk() bool       { return uint64(p)&diskTagBit != 0 }
func (p pagePointer) payload() uint64    { return uint64(p) &^ diskTagBit }

// engine wires the three core components together the way the
// surrounding Bw-Tree layer would: the directory maps page ids to
// pagePointer words, the current write buffer (via a local Version
// cache) takes new pages, and a background-less flush path drains
// sealed buffers into diskstage segments.
type engine struct {
	cfg       FileConfig
	dir       *pagedir.Directory
	collector *epoch.Collector
	bufSet    *bufferset.BufferSet
	local     bufferset.Local
	stage     *diskstage.Stage
	nextFile  uint32
}

func newEngine(cfg FileConfig) (*engine, error) {
	bufSet, err := bufferset.New(cfg.WriteBufferCapacity)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.SegmentDir, 0o755); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}

	stage, err := diskstage.New(cfg.SegmentDir)
	if err != nil {
		return nil, err
	}

	e := &engine{
		cfg:       cfg,
		dir:       pagedir.New(),
		collector: epoch.NewCollector(),
		bufSet:    bufSet,
		stage:     stage,
		nextFile:  1,
	}
	e.local.SetLocal(bufSet.RootVersion())

	return e, nil
}

// currentVersion adopts any newer Version published since the last
// call, per spec.md §4.3's from_local/refresh pattern.
func (e *engine) currentVersion() *bufferset.Version {
	v := e.local.FromLocal()
	if newer := v.Refresh(); newer != nil {
		e.local.SetLocal(newer)

		return newer
	}

	return v
}

// putPage allocates a page id, writes data into the current write
// buffer, and installs the page pointer into the directory. Retries
// with a freshly rotated buffer on writebuf.ErrAgain.
func (e *engine) putPage(data []byte) (id uint64, err error) {
	guard := e.collector.Pin()
	defer guard.Unpin()

	id, ok := e.dir.Alloc(guard)
	if !ok {
		return 0, fmt.Errorf("page directory exhausted")
	}

	for {
		ref := e.bufSet.Current()
		wb := ref.Version().CurrentBuffer()

		buf, allocErr := wb.AllocPage(id, uint32(len(data)), false)
		if allocErr == nil {
			copy(buf.Bytes, data)
			e.dir.Set(id, uint64(memPointer(buf.Addr())))
			ref.Release()

			return id, nil
		}

		ref.Release()

		if !isAgain(allocErr) {
			return 0, allocErr
		}

		if err := e.rotate(); err != nil {
			return 0, err
		}
	}
}

func isAgain(err error) bool {
	return errors.Is(err, writebuf.ErrAgain)
}

// rotate seals the current buffer and installs a fresh one, mirroring
// the "sealer/rotator" role spec.md §4.3 assigns a single thread.
func (e *engine) rotate() error {
	ref := e.bufSet.Current()
	cur := ref.Version().CurrentBuffer()
	ref.Release()

	release, err := cur.Seal(false)
	if err != nil {
		if isAgain(err) {
			return nil // lost the race with a concurrent rotate; fine.
		}

		return err
	}

	next, err := writebuf.New(e.nextFile, e.cfg.WriteBufferCapacity)
	if err != nil {
		return err
	}

	e.nextFile++
	e.bufSet.Install(next)

	if release == writebuf.ReleaseFlush {
		e.bufSet.NotifyFlushJob()
	}

	return nil
}

// drainFlushable persists every currently-flushable sealed buffer via
// diskstage and publishes the resulting Version.
func (e *engine) drainFlushable() (int, error) {
	flushed := 0

	for {
		ref := e.bufSet.Current()
		v := ref.Version()

		if len(v.SealedBuffers()) == 0 {
			ref.Release()

			return flushed, nil
		}

		oldest := v.SealedBuffers()[0]
		ref.Release()

		if !oldest.IsFlushable() {
			return flushed, nil
		}

		info, err := e.stage.Flush(oldest)
		if err != nil {
			return flushed, err
		}

		e.bufSet.OnFlushed(oldest.FileID())

		cur := e.currentVersion()

		files := cloneFiles(cur.Files())
		files[oldest.FileID()] = info

		next := cur.Install(bufferset.Delta{Files: files, DeletedFiles: cur.DeletedFiles()})
		e.local.SetLocal(next)

		flushed++
	}
}

func cloneFiles(m map[uint32]bufferset.FileInfo) map[uint32]bufferset.FileInfo {
	out := make(map[uint32]bufferset.FileInfo, len(m)+1)
	for k, v := range m {
		out[k] = v
	}

	return out
}

func runBench(e *engine, n int) error {
	start := time.Now()

	payload := make([]byte, 64)
	flushed := 0

	for i := range n {
		payload[0] = byte(i)

		if _, err := e.putPage(payload); err != nil {
			return err
		}

		if i%1000 == 999 {
			if err := e.rotate(); err != nil {
				return err
			}

			drained, err := e.drainFlushable()
			if err != nil {
				return err
			}

			flushed += drained
		}
	}

	if err := e.rotate(); err != nil {
		return err
	}

	drained, err := e.drainFlushable()
	if err != nil {
		return err
	}

	flushed += drained

	elapsed := time.Since(start)
	fmt.Printf("allocated %d pages, flushed %d segments in %s (%.0f pages/s)\n",
		n, flushed, elapsed, float64(n)/elapsed.Seconds())

	return nil
}

// repl is the interactive console, in the teacher's sloty style: a
// liner-backed prompt loop over a small fixed command set.
type repl struct {
	e *engine
	l *liner.State
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".bwstorecli_history")
}

func (r *repl) run() error {
	r.l = liner.NewLiner()
	defer r.l.Close()

	r.l.SetCtrlCAborts(true)

	if f, err := os.Open(historyPath()); err == nil {
		_, _ = r.l.ReadHistory(f)
		f.Close()
	}

	fmt.Println("bwstorecli - storage core console. Type 'help' for commands.")

	for {
		line, err := r.l.Prompt("bwstore> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nbye")

				break
			}

			return fmt.Errorf("read input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.l.AppendHistory(line)
		r.dispatch(strings.Fields(line))
	}

	if f, err := os.Create(historyPath()); err == nil {
		_, _ = r.l.WriteHistory(f)
		f.Close()
	}

	return nil
}

func (r *repl) dispatch(parts []string) {
	switch strings.ToLower(parts[0]) {
	case "put":
		r.cmdPut(parts[1:])
	case "get":
		r.cmdGet(parts[1:])
	case "rotate":
		if err := r.e.rotate(); err != nil {
			fmt.Println("error:", err)
		}
	case "flush":
		n, err := r.e.drainFlushable()
		if err != nil {
			fmt.Println("error:", err)

			return
		}

		fmt.Printf("flushed %d segment(s)\n", n)
	case "stats":
		r.cmdStats()
	case "help":
		r.printHelp()
	case "exit", "quit", "q":
		os.Exit(0)
	default:
		fmt.Printf("unknown command %q, type 'help'\n", parts[0])
	}
}

func (r *repl) cmdPut(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: put <text>")

		return
	}

	data := []byte(strings.Join(args, " "))

	id, err := r.e.putPage(data)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	fmt.Printf("page_id=%d\n", id)
}

func (r *repl) cmdGet(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: get <page-id>")

		return
	}

	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	guard := r.e.collector.Pin()
	defer guard.Unpin()

	word := r.e.dir.Get(id)
	ptr := pagePointer(word)

	if ptr.isDisk() {
		fmt.Printf("page %d is on disk at offset %d (not loadable by this demo)\n", id, ptr.payload())

		return
	}

	ref := r.e.bufSet.Current()
	defer ref.Release()

	v := ref.Version()

	fileID, _ := writebuf.DecodePageAddr(ptr.payload())

	wb, ok := v.WriteBuffer(fileID)
	if !ok {
		fmt.Printf("page %d's buffer has already been flushed\n", id)

		return
	}

	fmt.Printf("%s\n", wb.Page(ptr.payload()))
}

func (r *repl) cmdStats() {
	ref := r.e.bufSet.Current()
	defer ref.Release()

	v := ref.Version()
	fmt.Printf("buffers_range=[%d,%d) sealed=%d current_file=%d current_allocated=%d/%d\n",
		v.Range().Start, v.Range().End, len(v.SealedBuffers()),
		v.CurrentBuffer().FileID(), v.CurrentBuffer().Allocated(), v.CurrentBuffer().Capacity())
}

func (r *repl) printHelp() {
	fmt.Print(`Commands:
  put <text>       allocate a page holding <text>
  get <page-id>    print the bytes stored at <page-id>
  rotate           seal the current write buffer and install a fresh one
  flush            persist sealed buffers via diskstage
  stats            print the current BufferSetVersion
  help             show this help
  exit / quit / q  leave the console
`)
}
