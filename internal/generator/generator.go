// Package generator provides the port for AI commentary generation.
// The concrete generation service (commentary script, speech synthesis,
// muxing) is an external collaborator reached over HTTP; this package only
// defines the contract and adapters for it.
package generator

import "context"

// Request describes one commentary generation call.
type Request struct {
	// VideoPath is the local path to the source video.
	VideoPath string
	// WorkDir is the job scratch directory where output must be written.
	WorkDir string
	// Style is the commentary style identifier (e.g. "documentary").
	Style string
	// Language is the commentary language code (e.g. "en").
	Language string
}

// Result describes the produced commentary video.
type Result struct {
	// VideoPath is the local path to the commentated video.
	VideoPath string
	// Transcript is the generated commentary text, when the backend
	// returns it.
	Transcript string
}

// Generator defines the interface for commentary generation backends.
type Generator interface {
	// Generate produces a commentated video for the given request.
	Generate(ctx context.Context, req Request) (*Result, error)
}
