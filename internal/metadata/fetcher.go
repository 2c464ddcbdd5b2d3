// Package metadata implements the metadata ingestion pipeline (§4.C):
// invoke the downloader in describe-only mode, parse its JSON, and
// upsert a normalized creator -> source -> post entity graph.
package metadata

import (
	"context"
	"fmt"
	"os/exec"
)

// FetchOptions carries the optional extras §4.C/SPEC_FULL describe:
// a cookie file and the deno JS-runtime sidecar path used to solve
// some platforms' playback challenges.
type FetchOptions struct {
	CookiePath    string
	JSRuntimePath string
}

// Fetch runs "<binaryPath> --dump-single-json --flat-playlist
// --no-warnings -f bestvideo+bestaudio/best [--js-runtimes deno:<path>]
// [--cookies <path>] <url>" and parses its stdout.
func Fetch(ctx context.Context, binaryPath, url string, opts FetchOptions) (Object, error) {
	args := []string{
		"--dump-single-json",
		"--flat-playlist",
		"--no-warnings",
		"-f", "bestvideo+bestaudio/best",
	}
	if opts.JSRuntimePath != "" {
		args = append(args, "--js-runtimes", "deno:"+opts.JSRuntimePath)
	}
	if opts.CookiePath != "" {
		args = append(args, "--cookies", opts.CookiePath)
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, binaryPath, args...)
	stdout, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return Object{}, fmt.Errorf("metadata fetch failed (exit %d): %s", exitErr.ExitCode(), string(exitErr.Stderr))
		}
		return Object{}, fmt.Errorf("metadata fetch: %w", err)
	}

	obj, err := Parse(stdout)
	if err != nil {
		return Object{}, fmt.Errorf("parse metadata json: %w", err)
	}
	return obj, nil
}
