// Command blockaio-bench drives a Driver against a plain file (or an
// anonymous memfd, via -memfd) and reports what it did: a scripted
// read/write/flush/discard/write-zeroes exercise, a metrics summary
// printed at the end, and an optional SIGUSR1 goroutine stack dump, matching the
// lifecycle of a VMM device model wired to a real disk image.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/behrlich/blockaio/backend"
	"github.com/behrlich/blockaio/config"
	"github.com/behrlich/blockaio/filedriver"
	"github.com/behrlich/blockaio/internal/logging"
	"github.com/behrlich/blockaio/testingsupport"
)

func main() {
	var (
		sizeStr    string
		backendStr string
		path       string
		memfd      bool
		iterations int
		verbose    bool
	)

	root := &cobra.Command{
		Use:   "blockaio-bench",
		Short: "Exercise a blockaio Driver against a file or memfd backing store",
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := parseSize(sizeStr)
			if err != nil {
				return fmt.Errorf("invalid -size %q: %w", sizeStr, err)
			}
			kind, err := parseKind(backendStr)
			if err != nil {
				return err
			}

			logConfig := logging.DefaultConfig()
			if verbose {
				logConfig.Level = logging.LevelDebug
			}
			logger := logging.NewLogger(logConfig)
			logging.SetDefault(logger)

			fd, cleanup, err := openBackingStore(path, memfd, size)
			if err != nil {
				logger.Error("failed to open backing store", "error", err)
				os.Exit(1)
			}
			defer cleanup()

			params := config.DefaultEngineParams()
			params.Backend = kind
			if err := backend.Probe(kind); err != nil {
				logger.Warn("requested backend unavailable, falling back to off", "backend", kind.String(), "error", err)
				params.Backend = backend.KindOff
			}

			drv, err := filedriver.Open(fd, params, nil)
			if err != nil {
				logger.Error("failed to open driver", "error", err)
				os.Exit(1)
			}
			defer drv.Close()

			logger.Info("driver opened", "backend", params.Backend.String(), "size", formatSize(drv.DiskSize()))

			stopStacks := installStackDumpHandler(logger)
			defer stopStacks()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			installShutdownHandler(cancel, logger)

			if err := runExercise(ctx, drv, iterations, logger); err != nil {
				logger.Error("exercise failed", "error", err)
				os.Exit(1)
			}

			snap := drv.Metrics()
			fmt.Printf("read=%d write=%d discard=%d flush=%d writeZeroes=%d combined=%d\n",
				snap.ReadOps, snap.WriteOps, snap.DiscardOps, snap.FlushOps, snap.WriteZeroesOps, snap.CombinedRequests)
			fmt.Printf("bytesRead=%d bytesWritten=%d maxQueueDepth=%d\n",
				snap.ReadBytes, snap.WriteBytes, snap.MaxQueueDepth)
			return nil
		},
	}

	root.Flags().StringVar(&sizeStr, "size", "64M", "size of the backing store (e.g. 64M, 1G)")
	root.Flags().StringVar(&backendStr, "backend", "off", "submission backend: off, native, uring")
	root.Flags().StringVar(&path, "path", "", "backing file path (created/truncated to -size); ignored with -memfd")
	root.Flags().BoolVar(&memfd, "memfd", true, "back the driver with an anonymous memfd instead of -path")
	root.Flags().IntVar(&iterations, "iterations", 64, "number of read/write/flush rounds to run")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseKind(s string) (backend.Kind, error) {
	switch strings.ToLower(s) {
	case "off", "":
		return backend.KindOff, nil
	case "native":
		return backend.KindNative, nil
	case "uring":
		return backend.KindUring, nil
	default:
		return backend.KindOff, fmt.Errorf("unknown backend %q (want off, native, or uring)", s)
	}
}

func openBackingStore(path string, memfd bool, size int64) (int, func(), error) {
	if memfd || path == "" {
		mf, err := testingsupport.NewMemFile("blockaio-bench", size)
		if err != nil {
			return 0, nil, err
		}
		return mf.FD(), func() { mf.Close() }, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return 0, nil, err
	}
	return int(f.Fd()), func() { f.Close() }, nil
}

// runExercise drives a handful of representative round trips: vectored
// writes followed by read-back, a write-zeroes range, a discard, and a
// flush, each round at a pseudo-random but deterministic offset.
func runExercise(ctx context.Context, drv *filedriver.Driver, iterations int, logger *logging.Logger) error {
	rng := rand.New(rand.NewSource(1))
	blockSize := uint64(4096)
	blocks := uint64(drv.DiskSize()) / blockSize
	if blocks == 0 {
		return fmt.Errorf("backing store too small for a single %d-byte block", blockSize)
	}

	for i := 0; i < iterations; i++ {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		block := uint64(rng.Intn(int(blocks)))
		offset := block * blockSize
		payload := make([]byte, blockSize)
		rng.Read(payload)

		if err := drv.WriteAtSync(offset, payload); err != nil {
			return fmt.Errorf("round %d: write: %w", i, err)
		}
		readBack, err := drv.ReadAtSync(offset, uint32(blockSize))
		if err != nil {
			return fmt.Errorf("round %d: read: %w", i, err)
		}
		if string(readBack) != string(payload) {
			return fmt.Errorf("round %d: read-back mismatch at offset %d", i, offset)
		}

		if i%8 == 0 {
			if err := syncCall(drv.WriteZeroes, offset, blockSize, true); err != nil {
				return fmt.Errorf("round %d: write-zeroes: %w", i, err)
			}
		}
		if i%16 == 0 {
			if err := syncCall2(drv.Discard, offset, blockSize); err != nil {
				return fmt.Errorf("round %d: discard: %w", i, err)
			}
		}
		if err := drv.DrainRequest(); err != nil {
			return fmt.Errorf("round %d: drain: %w", i, err)
		}
		if err := flushSync(drv); err != nil {
			return fmt.Errorf("round %d: flush: %w", i, err)
		}

		logger.Debug("round complete", "iteration", i, "offset", offset)
	}
	return nil
}

func syncCall(fn func(offset, length uint64, unmap bool, cb func(error)) error, offset, length uint64, unmap bool) error {
	done := make(chan error, 1)
	if err := fn(offset, length, unmap, func(err error) { done <- err }); err != nil {
		return err
	}
	return <-done
}

func syncCall2(fn func(offset, length uint64, cb func(error)) error, offset, length uint64) error {
	done := make(chan error, 1)
	if err := fn(offset, length, func(err error) { done <- err }); err != nil {
		return err
	}
	return <-done
}

func flushSync(drv *filedriver.Driver) error {
	done := make(chan error, 1)
	if err := drv.FlushRequest(func(err error) { done <- err }); err != nil {
		return err
	}
	return <-done
}

// installStackDumpHandler wires SIGUSR1 to a full goroutine stack dump,
// written both to stderr and to a timestamped file, for diagnosing a
// hung exercise run without killing the process.
func installStackDumpHandler(logger *logging.Logger) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ch:
				dumpStacks(logger)
			}
		}
	}()
	return func() { close(stop); signal.Stop(ch) }
}

func dumpStacks(logger *logging.Logger) {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s\n=== END ===\n\n", buf[:n])

	filename := fmt.Sprintf("blockaio-bench-stacks-%d.txt", time.Now().Unix())
	f, err := os.Create(filename)
	if err != nil {
		logger.Warn("could not write stack dump file", "error", err)
		return
	}
	defer f.Close()
	f.Write(buf[:n])
	pprof.Lookup("goroutine").WriteTo(f, 2)
	logger.Info("stack dump written", "file", filename)
}

func installShutdownHandler(cancel context.CancelFunc, logger *logging.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		logger.Info("received shutdown signal")
		cancel()
	}()
}

// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	var multiplier int64 = 1
	numStr := s
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	}
	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string.
func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(n)/float64(div), units[exp])
}
