package domain

import (
	"image"
	"time"
)

// WorkerID identifies one backend worker, typically derived from the
// backend's base URL.
type WorkerID string

// DefaultErrorMessage is reported for a failed item when no more specific
// cause was recorded along the way.
const DefaultErrorMessage = "unknown error"

// WorkItem is one generation request travelling the pipeline: admission
// builds it, the scheduler routes it by model, a worker executes it and the
// result dispatcher delivers it back to the requesting surface. All request
// fields are set before the item enters the submission queue; only the
// result fields (Images, ErrorMessage) are written afterwards, and only by
// the single worker holding the item.
type WorkItem struct {
	Model           string
	VAE             string
	Refiner         string
	RefinerSwitchAt float64

	Prompt    string
	NegPrompt string

	Width     int
	Height    int
	Steps     int
	CFG       float64
	Sampler   string
	Seed      int64
	BatchSize int

	// High-res second pass, active when Scale > 1 and no input image is set.
	Scale        float64
	Upscaler     string
	HighresSteps int
	DenoisingStr float64

	// img2img input, active when ImageB64 is non-empty. Takes precedence
	// over the high-res pass.
	ImageB64   string
	ResizeMode int

	// ContextHandle ties the item back to the submission context that is
	// waiting on it. CreationTime is stamped once, at admission, and drives
	// the scheduler's deadline accounting.
	ContextHandle string
	CreationTime  time.Time

	Images       []image.Image
	ErrorMessage string
}

// NewWorkItem returns an item with the neutral result state. Request fields
// are filled in by the caller.
func NewWorkItem(handle string, now time.Time) *WorkItem {
	return &WorkItem{
		ContextHandle: handle,
		CreationTime:  now,
		Scale:         1,
		ErrorMessage:  DefaultErrorMessage,
	}
}

// SetHighres enables the high-res second pass.
func (w *WorkItem) SetHighres(scale float64, upscaler string, highresSteps int, denoisingStr float64) {
	w.Scale = scale
	w.Upscaler = upscaler
	w.HighresSteps = highresSteps
	w.DenoisingStr = denoisingStr
}

// SetImage switches the item to img2img mode.
func (w *WorkItem) SetImage(imageB64 string, denoisingStr float64, resizeMode int) {
	w.ImageB64 = imageB64
	w.DenoisingStr = denoisingStr
	w.ResizeMode = resizeMode
}

// IsImg2Img reports whether an input image is attached.
func (w *WorkItem) IsImg2Img() bool {
	return w.ImageB64 != ""
}

// WantsHighres reports whether the high-res pass applies.
func (w *WorkItem) WantsHighres() bool {
	return !w.IsImg2Img() && w.Scale > 1
}
