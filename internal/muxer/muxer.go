// Package muxer drives an external muxer process (C5): discovery of the
// binary, invocation to combine a video and audio elementary stream into a
// progressive container, and probing the result for duration.
//
// Binary discovery follows the teacher's PATH/env-var/-version probe idiom
// (tvarr/internal/ffmpeg/binary.go); process invocation and stderr capture
// follow the teacher's internal/supervisor/supervisor.go exec pattern.
package muxer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/snapetech/cacheproxy/internal/apperr"
)

// Driver invokes an ffmpeg-compatible muxer/prober pair.
type Driver struct {
	muxerPath  string
	proberPath string
}

// MuxOptions configures one Mux call.
type MuxOptions struct {
	VideoPath    string
	AudioPath    string
	OutputPath   string
	CopyStreams  bool
	Faststart    bool
	Overwrite    bool
}

// Result is returned on a successful Mux/Convert.
type Result struct {
	OutputPath string
	Duration   time.Duration
}

// envMuxerBinary / envProberBinary name the env vars that override PATH
// lookup, matching the teacher's "<APP>_FFMPEG_BINARY" convention.
const (
	envMuxerBinary  = "CACHEPROXY_MUXER_BINARY"
	envProberBinary = "CACHEPROXY_PROBER_BINARY"
)

// Discover locates the muxer and prober binaries: env var override, then
// PATH lookup. Returns a typed muxer_not_found error if the muxer binary
// (required) cannot be found; the prober is optional and probing is skipped
// if absent.
func Discover(ctx context.Context) (*Driver, error) {
	muxerPath, err := findBinary("ffmpeg", envMuxerBinary)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindMuxer, apperr.CodeMuxerNotFound, "muxer binary not found", err)
	}
	if err := probeVersion(ctx, muxerPath); err != nil {
		return nil, apperr.Wrap(apperr.KindMuxer, apperr.CodeMuxerNotFound, "muxer binary did not respond to -version", err)
	}

	proberPath, _ := findBinary("ffprobe", envProberBinary)

	return &Driver{muxerPath: muxerPath, proberPath: proberPath}, nil
}

func findBinary(name, envVar string) (string, error) {
	if v := os.Getenv(envVar); v != "" {
		if st, err := os.Stat(v); err == nil && !st.IsDir() {
			return v, nil
		}
		return "", errors.New(envVar + " set but not an executable file")
	}
	return exec.LookPath(name)
}

func probeVersion(ctx context.Context, path string) error {
	cmd := exec.CommandContext(ctx, path, "-version")
	return cmd.Run()
}

// Mux combines videoPath and audioPath into a progressive container at
// outputPath, stream-copying both (no transcode) by default.
func (d *Driver) Mux(ctx context.Context, opts MuxOptions) (*Result, error) {
	if _, err := os.Stat(opts.VideoPath); err != nil {
		return nil, apperr.New(apperr.KindMuxer, apperr.CodeInputNotFound, "video input not found: "+opts.VideoPath)
	}
	if _, err := os.Stat(opts.AudioPath); err != nil {
		return nil, apperr.New(apperr.KindMuxer, apperr.CodeInputNotFound, "audio input not found: "+opts.AudioPath)
	}

	args := d.muxArgs(opts)
	if err := d.run(ctx, args); err != nil {
		return nil, err
	}
	return d.finish(ctx, opts.OutputPath)
}

// Convert repackages a single combined-format input into the final
// container. The pipeline's combined-format path does not call it; that
// path renames the fetched file into place.
func (d *Driver) Convert(ctx context.Context, inputPath, outputPath string, overwrite bool) (*Result, error) {
	if _, err := os.Stat(inputPath); err != nil {
		return nil, apperr.New(apperr.KindMuxer, apperr.CodeInputNotFound, "input not found: "+inputPath)
	}

	args := []string{}
	if overwrite {
		args = append(args, "-y")
	} else {
		args = append(args, "-n")
	}
	args = append(args, "-i", inputPath, "-c", "copy", "-movflags", "+faststart", outputPath)

	if err := d.run(ctx, args); err != nil {
		return nil, err
	}
	return d.finish(ctx, outputPath)
}

func (d *Driver) muxArgs(opts MuxOptions) []string {
	var args []string
	if opts.Overwrite {
		args = append(args, "-y")
	} else {
		args = append(args, "-n")
	}
	args = append(args, "-i", opts.VideoPath, "-i", opts.AudioPath)
	args = append(args, "-map", "0:v:0", "-map", "1:a:0")
	if opts.CopyStreams {
		args = append(args, "-c", "copy")
	}
	if opts.Faststart {
		args = append(args, "-movflags", "+faststart")
	}
	args = append(args, opts.OutputPath)
	return args
}

func (d *Driver) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, d.muxerPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return nil
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	stderrTail := tail(stderr.String(), 4096)
	return &apperr.Error{
		Kind:     apperr.KindMuxer,
		Code:     apperr.CodeProcessError,
		Message:  "muxer process exited non-zero",
		Cause:    err,
		ExitCode: exitCode,
		Stderr:   stderrTail,
	}
}

func (d *Driver) finish(ctx context.Context, outputPath string) (*Result, error) {
	duration, err := d.probeDuration(ctx, outputPath)
	if err != nil {
		// Probing is best-effort; a missing prober or an unparsable result
		// still yields a usable output file with an unknown duration.
		duration = 0
	}
	return &Result{OutputPath: outputPath, Duration: duration}, nil
}

// probeFormat is the subset of ffprobe -show_format -of json output used.
type probeFormat struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (d *Driver) probeDuration(ctx context.Context, path string) (time.Duration, error) {
	if d.proberPath == "" {
		return 0, errors.New("no prober binary available")
	}
	cmd := exec.CommandContext(ctx, d.proberPath, "-v", "quiet", "-print_format", "json", "-show_format", path)
	out, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	var pf probeFormat
	if err := json.Unmarshal(out, &pf); err != nil {
		return 0, err
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(pf.Format.Duration), 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func tail(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[len(s)-maxLen:]
}
