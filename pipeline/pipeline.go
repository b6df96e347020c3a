// Package pipeline defines the ordered render stage chain a worker runs for
// one job.
package pipeline

import (
	"context"
	"os"
	"path/filepath"

	"renderq/artifact"
	"renderq/job"
)

const (
	StageValidateInputs    = "validate-inputs"
	StageAnalyzeAudio      = "analyze-audio"
	StageTranscode         = "transcode"
	StageGenerateThumbnail = "generate-thumbnail"
	StageApplyWatermark    = "apply-watermark"
	StageEmbedSubtitles    = "embed-subtitles"
	StageUploadArtifact    = "upload-artifact"
)

// Order is the fixed stage order of every render.
var Order = []string{
	StageValidateInputs,
	StageAnalyzeAudio,
	StageTranscode,
	StageGenerateThumbnail,
	StageApplyWatermark,
	StageEmbedSubtitles,
	StageUploadArtifact,
}

// Artifacts maps names to intermediate outputs. Values that are absolute
// paths refer to files in the job's work directory.
type Artifacts map[string]string

// Merge returns a copy of a overlaid with b.
func (a Artifacts) Merge(b Artifacts) Artifacts {
	out := make(Artifacts, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Available reports whether every file the artifacts point at still exists.
func (a Artifacts) Available() bool {
	for _, v := range a {
		if !filepath.IsAbs(v) {
			continue
		}
		if _, err := os.Stat(v); err != nil {
			return false
		}
	}
	return true
}

// Stage is one step of the chain. A stage returns only the artifacts it
// produced; the worker merges them into the running set.
type Stage struct {
	Name string
	Run  func(ctx context.Context, settings job.Settings, in Artifacts) (Artifacts, error)
}

// Builder produces the stage chain for one job.
type Builder interface {
	Build(jobID, workDir string) []Stage
}

// BuilderFunc adapts a func to Builder.
type BuilderFunc func(jobID, workDir string) []Stage

func (f BuilderFunc) Build(jobID, workDir string) []Stage { return f(jobID, workDir) }

// Media fetches inputs and runs ffmpeg.
type Media interface {
	Fetch(ctx context.Context, src, dst string) error
	Run(ctx context.Context, args []string) (string, error)
}

// Renderer builds the production chain.
type Renderer struct {
	media Media
	sink  artifact.Sink
}

func NewRenderer(media Media, sink artifact.Sink) *Renderer {
	return &Renderer{media: media, sink: sink}
}

func (r *Renderer) Build(jobID, workDir string) []Stage {
	env := &env{jobID: jobID, workDir: workDir, media: r.media, sink: r.sink}
	return []Stage{
		{Name: StageValidateInputs, Run: env.validateInputs},
		{Name: StageAnalyzeAudio, Run: env.analyzeAudio},
		{Name: StageTranscode, Run: env.transcode},
		{Name: StageGenerateThumbnail, Run: env.generateThumbnail},
		{Name: StageApplyWatermark, Run: env.applyWatermark},
		{Name: StageEmbedSubtitles, Run: env.embedSubtitles},
		{Name: StageUploadArtifact, Run: env.uploadArtifact},
	}
}

// Percent is the progress recorded after completing stage index i of total.
func Percent(i, total int) int {
	if total <= 0 {
		return 100
	}
	return (i + 1) * 100 / total
}
