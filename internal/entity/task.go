package entity

import (
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	StatusQueued     TaskStatus = "QUEUED"
	StatusProcessing TaskStatus = "PROCESSING"
	StatusFinish     TaskStatus = "FINISH"
	StatusFailed     TaskStatus = "FAILED"
)

// Terminal reports whether no further transitions can happen.
func (s TaskStatus) Terminal() bool {
	return s == StatusFinish || s == StatusFailed
}

type Task struct {
	ID           uuid.UUID  `json:"id"`
	InputFile    string     `json:"input_file"`
	OutputFormat string     `json:"output_format"`
	Status       TaskStatus `json:"status"`
	ResultURL    *string    `json:"result_url,omitempty"`
	Error        *string    `json:"error,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// SupportedFormats lists the output formats the converter can produce:
// standard CAD formats, mesh formats, other 3D formats.
var SupportedFormats = []string{
	"step", "stp", "iges", "igs", "brep", "brp",
	"stl", "obj", "3mf", "ply",
	"gltf", "glb", "x3d",
}

func FormatSupported(format string) bool {
	for _, f := range SupportedFormats {
		if f == format {
			return true
		}
	}
	return false
}
