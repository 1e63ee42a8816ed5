package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrFFmpegNotFound is returned when no ffmpeg binary can be located.
var ErrFFmpegNotFound = errors.New("ffmpeg not found in PATH")

// Converter re-encodes an audio clip into the container the transcription
// endpoint accepts.
type Converter interface {
	Convert(ctx context.Context, audio []byte) ([]byte, error)

	// Format is the output container extension, e.g. "wav".
	Format() string
}

// FFmpegConverter converts audio with an ffmpeg subprocess.
type FFmpegConverter struct {
	// Path is the ffmpeg binary; empty looks it up in PATH.
	Path string

	// OutputFormat defaults to "wav".
	OutputFormat string
}

// Format returns the output container extension.
func (c *FFmpegConverter) Format() string {
	if c.OutputFormat == "" {
		return "wav"
	}
	return strings.TrimPrefix(c.OutputFormat, ".")
}

func (c *FFmpegConverter) binary() (string, error) {
	if c.Path != "" {
		return c.Path, nil
	}
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return "", ErrFFmpegNotFound
	}
	return path, nil
}

// Convert writes audio to a private temp file, runs ffmpeg into a second
// pre-created temp file and returns its contents.
func (c *FFmpegConverter) Convert(ctx context.Context, audio []byte) ([]byte, error) {
	bin, err := c.binary()
	if err != nil {
		return nil, err
	}

	tmpIn, err := os.CreateTemp("", "chatrelay-in-*")
	if err != nil {
		return nil, fmt.Errorf("audio: creating input file: %w", err)
	}
	defer os.Remove(tmpIn.Name())
	// Voice clips are user content; owner-only.
	if err := tmpIn.Chmod(0o600); err != nil {
		tmpIn.Close()
		return nil, fmt.Errorf("audio: %w", err)
	}
	if _, err := tmpIn.Write(audio); err != nil {
		tmpIn.Close()
		return nil, fmt.Errorf("audio: writing input file: %w", err)
	}
	tmpIn.Close()

	tmpOut, err := os.CreateTemp("", "chatrelay-out-*."+c.Format())
	if err != nil {
		return nil, fmt.Errorf("audio: creating output file: %w", err)
	}
	outPath := tmpOut.Name()
	defer os.Remove(outPath)
	if err := tmpOut.Chmod(0o600); err != nil {
		tmpOut.Close()
		return nil, fmt.Errorf("audio: %w", err)
	}
	preStat, err := tmpOut.Stat()
	tmpOut.Close()
	if err != nil {
		return nil, fmt.Errorf("audio: %w", err)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-y", "-loglevel", "error", "-i", tmpIn.Name(), "-vn", outPath)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("audio: ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	// The output must still be the file created above.
	postStat, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("audio: output file missing after ffmpeg: %w", err)
	}
	if !os.SameFile(preStat, postStat) {
		return nil, fmt.Errorf("audio: output file was replaced during conversion")
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("audio: reading output: %w", err)
	}
	return data, nil
}

var _ Converter = (*FFmpegConverter)(nil)
