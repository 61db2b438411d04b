// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Embedding model constants
const (
	// DefaultModel is the face recognition model requested from the embedding server
	DefaultModel = "ArcFace"

	// DefaultDetector is the face detector backend requested from the embedding server
	DefaultDetector = "retinaface"

	// DefaultMetric is the distance metric used for face matching
	DefaultMetric = "cosine"

	// MaxImageSize is the maximum dimension (width or height) sent to the embedding server
	MaxImageSize = 1920

	// DefaultEmbeddingTimeout bounds a single embedding request
	DefaultEmbeddingTimeout = 2 * time.Minute
)

// Face matching constants
const (
	// DefaultMaxDistance is the default maximum distance for a match.
	// Lower values = stricter matching
	DefaultMaxDistance = 0.28

	// SelfMatchEpsilon is the distance below which a comparison is treated as the
	// same physical image being present in both the reference set and the archive
	SelfMatchEpsilon = 1e-6

	// DefaultApproxSearchK is the candidate count for approximate nearest searches
	DefaultApproxSearchK = 16
)

// Indexing constants
const (
	// DefaultCheckpointInterval is the time between periodic record store saves
	DefaultCheckpointInterval = 5 * time.Minute

	// StoreFilePrefix prefixes the per-model record store file inside each archive root
	StoreFilePrefix = "representations_"

	// StoreFileExt is the record store file extension
	StoreFileExt = ".rec"

	// StatusInterval is the minimum time between per-file status updates
	StatusInterval = 250 * time.Millisecond

	// StoreLoadConcurrency bounds parallel read-only store loading
	StoreLoadConcurrency = 4
)

// Output constants
const (
	// DefaultHitsLogName is the ledger file name inside the output directory
	DefaultHitsLogName = "hits_log.csv"
)

// DefaultExcludedDirs are directory names never descended into while scanning.
var DefaultExcludedDirs = []string{"$RECYCLE.BIN", "System Volume Information", ".git", "__pycache__"}

// DefaultExtensions are the image file extensions indexed by default.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".webp", ".tiff"}
