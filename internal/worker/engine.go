package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Engine is the external conversion tool. Given a local input file it
// produces the output file at outputPath or reports why it could not.
type Engine interface {
	Convert(ctx context.Context, inputPath, outputPath, outputFormat string) error
}

// execEngine shells out to the converter binary:
//
//	<bin> <input> <output>
//
// The target format is carried by the output file extension.
type execEngine struct {
	bin string
}

func NewExecEngine(bin string) Engine {
	return &execEngine{bin: bin}
}

func (e *execEngine) Convert(ctx context.Context, inputPath, outputPath, outputFormat string) error {
	cmd := exec.CommandContext(ctx, e.bin, inputPath, outputPath)

	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("converter %s: %s", outputFormat, msg)
	}

	if _, err := os.Stat(outputPath); err != nil {
		return fmt.Errorf("converter reported success but output missing: %s", outputPath)
	}
	return nil
}
