package embedding

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/kozaktomas/face-finder/internal/imaging"
)

// Failure kinds. Both are recorded against the file and never abort a scan.
var (
	ErrDecode    = errors.New("decode failure")
	ErrEmbedding = errors.New("embedding failure")
	ErrNoFace    = fmt.Errorf("%w: no face detected", ErrEmbedding)
)

// Embedder turns one image file into a face embedding.
type Embedder interface {
	Embed(ctx context.Context, path string) ([]float32, error)
}

// faceAPI is the subset of Client used by Service.
type faceAPI interface {
	ComputeFaceEmbeddings(ctx context.Context, imageData []byte) (*FaceResponse, error)
}

// Service embeds image files: it decodes and orients them locally and falls back
// to sending the raw file when local decoding fails, so the server can try its
// own decoders.
type Service struct {
	api          faceAPI
	maxImageSize int
	log          logr.Logger
}

// NewService creates a Service on top of an embedding client.
func NewService(api faceAPI, maxImageSize int, log logr.Logger) *Service {
	return &Service{api: api, maxImageSize: maxImageSize, log: log}
}

// Embed returns the embedding of the first face found in the image at path.
func (s *Service) Embed(ctx context.Context, path string) ([]float32, error) {
	data, decodeErr := imaging.Prepare(path, s.maxImageSize)
	if decodeErr != nil {
		s.log.V(1).Info("Local decode failed, sending raw file", "path", path, "error", decodeErr.Error())
		raw, err := os.ReadFile(path) //nolint:gosec // archive path
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		data = raw
	}

	resp, err := s.api.ComputeFaceEmbeddings(ctx, data)
	if err != nil {
		if decodeErr != nil {
			return nil, fmt.Errorf("%w: %w (server: %w)", ErrDecode, decodeErr, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}

	for _, face := range resp.Faces {
		if len(face.Embedding) > 0 {
			return face.Embedding, nil
		}
	}
	return nil, ErrNoFace
}
