// Package benchmark owns the fixed filesystem benchmark that runs on each
// instance: the embedded scripts, the layout of the results they write, and
// the trigger protocol that schedules the benchmark for the next boot.
package benchmark

import (
	"context"
	"embed"
	"fmt"
	"path"

	"github.com/fsbench/FSBench/target"
)

//go:embed scripts/*
var scripts embed.FS

const (
	// BenchmarkScript creates, copies and deletes 1000 files of 1 MiB each,
	// timing every operation, and writes the results file.
	BenchmarkScript = "run_fs_benchmark.sh"

	// InstallScript replaces the user's task list with a single one-shot
	// boot task that starts the benchmark.
	InstallScript = "install_boot_task.sh"

	// ResultsPath is where the benchmark writes its measurements, relative
	// to the login user's home directory.
	ResultsPath = "results.txt"

	// DoneSentinel is the last line of a finished results file.
	DoneSentinel = "DONE"
)

// Trigger stages the benchmark on the target: it uploads both scripts and
// installs the boot task. The benchmark itself starts only on the next boot,
// so the caller must reboot the instance afterwards; Trigger never waits for
// that.
func Trigger(ctx context.Context, t target.Target) error {
	for _, name := range []string{BenchmarkScript, InstallScript} {
		f, err := scripts.Open(path.Join("scripts", name))
		if err != nil {
			return fmt.Errorf("opening embedded script %s: %w", name, err)
		}
		err = t.Upload(ctx, f, name)
		f.Close()
		if err != nil {
			return fmt.Errorf("uploading %s: %w", name, err)
		}
	}
	if out, err := t.RunCommand(ctx, fmt.Sprintf("chmod +x %s %s", BenchmarkScript, InstallScript)); err != nil {
		return fmt.Errorf("marking scripts executable: %w (output: %s)", err, out)
	}
	if out, err := t.RunCommand(ctx, "./"+InstallScript); err != nil {
		return fmt.Errorf("installing boot task: %w (output: %s)", err, out)
	}
	return nil
}
