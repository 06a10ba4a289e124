package muxer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/snapetech/cacheproxy/internal/apperr"
)

// writeFakeMuxer writes a shell script standing in for ffmpeg: it
// understands "-version" (exits 0) and otherwise writes a placeholder file
// at its last argument (the output path) unless failOutput is set, in which
// case it exits 1 with a stderr message.
func writeFakeMuxer(t *testing.T, failOutput bool) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakeffmpeg.sh")
	script := "#!/bin/bash\n"
	script += "if [ \"$1\" = \"-version\" ]; then echo 'fakeffmpeg version 1.0'; exit 0; fi\n"
	if failOutput {
		script += "echo 'synthetic mux failure' >&2\nexit 1\n"
	} else {
		script += "echo fake-output > \"${@: -1}\"\nexit 0\n"
	}
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake muxer: %v", err)
	}
	return path
}

func TestDiscover_envOverride(t *testing.T) {
	path := writeFakeMuxer(t, false)
	t.Setenv(envMuxerBinary, path)
	t.Setenv(envProberBinary, "")

	d, err := Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if d.muxerPath != path {
		t.Errorf("muxerPath = %q, want %q", d.muxerPath, path)
	}
}

func TestDiscover_missingBinary(t *testing.T) {
	t.Setenv(envMuxerBinary, "/nonexistent/ffmpeg-binary-xyz")
	if _, err := Discover(context.Background()); err == nil {
		t.Fatalf("expected error for missing binary")
	}
}

func TestMux_missingInputs(t *testing.T) {
	path := writeFakeMuxer(t, false)
	t.Setenv(envMuxerBinary, path)
	d, err := Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	_, err = d.Mux(context.Background(), MuxOptions{
		VideoPath:  filepath.Join(dir, "missing_video"),
		AudioPath:  filepath.Join(dir, "missing_audio"),
		OutputPath: filepath.Join(dir, "out.mp4"),
	})
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Code != apperr.CodeInputNotFound {
		t.Fatalf("err = %v, want input_not_found", err)
	}
}

func TestMux_success(t *testing.T) {
	path := writeFakeMuxer(t, false)
	t.Setenv(envMuxerBinary, path)
	d, err := Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	videoPath := filepath.Join(dir, "v.tmp")
	audioPath := filepath.Join(dir, "a.tmp")
	os.WriteFile(videoPath, []byte("v"), 0o644)
	os.WriteFile(audioPath, []byte("a"), 0o644)
	outPath := filepath.Join(dir, "out.mp4")

	res, err := d.Mux(context.Background(), MuxOptions{
		VideoPath: videoPath, AudioPath: audioPath, OutputPath: outPath,
		CopyStreams: true, Faststart: true, Overwrite: true,
	})
	if err != nil {
		t.Fatalf("Mux: %v", err)
	}
	if res.OutputPath != outPath {
		t.Errorf("OutputPath = %q, want %q", res.OutputPath, outPath)
	}
	if _, err := os.Stat(outPath); err != nil {
		t.Errorf("expected output file to exist: %v", err)
	}
}

func TestMux_processFailure(t *testing.T) {
	path := writeFakeMuxer(t, true)
	t.Setenv(envMuxerBinary, path)
	d, err := Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	videoPath := filepath.Join(dir, "v.tmp")
	audioPath := filepath.Join(dir, "a.tmp")
	os.WriteFile(videoPath, []byte("v"), 0o644)
	os.WriteFile(audioPath, []byte("a"), 0o644)

	_, err = d.Mux(context.Background(), MuxOptions{
		VideoPath: videoPath, AudioPath: audioPath, OutputPath: filepath.Join(dir, "out.mp4"),
	})
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Code != apperr.CodeProcessError {
		t.Fatalf("err = %v, want process_error", err)
	}
	if appErr.Stderr == "" {
		t.Errorf("expected captured stderr")
	}
}
